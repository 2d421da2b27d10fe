// Package lane serializes inbound processing per chat session.
//
// Each session gets its own FIFO lane with one worker, so a slow message in
// one chat (for example one waiting on a relevance check) never delays
// another chat or the relay subscriber feeding the bus. Workers exit after an
// idle period and are recreated on demand.
package lane

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/bus"
)

// ErrStopped is returned by Dispatch after Stop.
var ErrStopped = errors.New("lane: manager stopped")

// Handler processes one inbound message.
type Handler func(ctx context.Context, msg bus.InboundMessage)

// lane is one session's queue.
type lane struct {
	key     string
	queue   chan bus.InboundMessage
	pending int // guarded by Manager.mu
}

// Manager owns the lanes for all sessions.
type Manager struct {
	handler     Handler
	queueSize   int
	idleTimeout time.Duration
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lanes   map[string]*lane
	stopped bool
}

// ManagerConfig configures a lane Manager.
type ManagerConfig struct {
	Handler     Handler
	QueueSize   int           // per-lane buffer (default 100)
	IdleTimeout time.Duration // worker exits after this long without work (default 5m)
	Logger      zerolog.Logger
}

// NewManager creates a lane manager. Handlers run under a context derived
// from ctx that is cancelled by Stop.
func NewManager(ctx context.Context, cfg ManagerConfig) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		handler:     cfg.Handler,
		queueSize:   cfg.QueueSize,
		idleTimeout: cfg.IdleTimeout,
		logger:      cfg.Logger.With().Str("component", "lane").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		lanes:       make(map[string]*lane),
	}
}

// Dispatch queues msg on its session's lane. It blocks only while that lane
// is full.
func (m *Manager) Dispatch(ctx context.Context, msg bus.InboundMessage) error {
	key := msg.SessionKey()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	l, ok := m.lanes[key]
	if !ok {
		l = &lane{key: key, queue: make(chan bus.InboundMessage, m.queueSize)}
		m.lanes[key] = l
		m.wg.Add(1)
		go m.run(l)
	}
	l.pending++
	m.mu.Unlock()

	select {
	case l.queue <- msg:
		return nil
	case <-ctx.Done():
		m.release(l)
		return ctx.Err()
	case <-m.ctx.Done():
		m.release(l)
		return ErrStopped
	}
}

func (m *Manager) release(l *lane) {
	m.mu.Lock()
	l.pending--
	m.mu.Unlock()
}

func (m *Manager) run(l *lane) {
	defer m.wg.Done()
	idle := time.NewTimer(m.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case msg := <-l.queue:
			m.release(l)
			m.handle(l, msg)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.idleTimeout)

		case <-idle.C:
			m.mu.Lock()
			if l.pending == 0 {
				delete(m.lanes, l.key)
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			idle.Reset(m.idleTimeout)

		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) handle(l *lane, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("session", l.key).Msg("lane handler panicked")
		}
	}()
	m.handler(m.ctx, msg)
}

// Stop cancels running handlers, drops queued messages and waits for the
// workers to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Lanes   int `json:"lanes"`
	Pending int `json:"pending"`
}

// Stats returns the number of live lanes and queued messages.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Lanes: len(m.lanes)}
	for _, l := range m.lanes {
		s.Pending += l.pending
	}
	return s
}
