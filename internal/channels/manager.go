package channels

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/bus"
)

// AfterSendFunc runs once a channel has delivered msg to the platform.
type AfterSendFunc func(ctx context.Context, msg bus.OutboundMessage) error

// Manager manages all channel instances and routes outbound messages.
type Manager struct {
	Bus       *bus.MessageBus
	channels  map[string]Channel
	afterSend []AfterSendFunc
	mu        sync.RWMutex
	logger    zerolog.Logger
}

// NewManager creates a channel manager.
func NewManager(msgBus *bus.MessageBus, logger zerolog.Logger) *Manager {
	return &Manager{
		Bus:      msgBus,
		channels: make(map[string]Channel),
		logger:   logger.With().Str("component", "channels").Logger(),
	}
}

// Register adds a channel to the manager.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// AfterSend registers a hook that runs after every successful delivery.
// Hook errors are logged and never undo the delivery.
func (m *Manager) AfterSend(fn AfterSendFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.afterSend = append(m.afterSend, fn)
}

// Get returns a channel by name.
func (m *Manager) Get(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[name]
}

// EnabledChannels returns the list of registered channel names.
func (m *Manager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Deliver sends msg through its channel and then runs the after-send hooks.
func (m *Manager) Deliver(ctx context.Context, msg bus.OutboundMessage) error {
	m.mu.RLock()
	ch := m.channels[msg.Channel]
	hooks := append([]AfterSendFunc(nil), m.afterSend...)
	m.mu.RUnlock()
	if ch == nil {
		return ErrUnknownChannel
	}
	if err := ch.Send(ctx, msg); err != nil {
		return err
	}
	for _, fn := range hooks {
		if err := fn(ctx, msg); err != nil {
			m.logger.Warn().Err(err).Str("session", msg.SessionKey()).Msg("after-send hook failed")
		}
	}
	return nil
}

// StartAll starts all channels concurrently and dispatches outbound messages.
// Blocks until every channel has returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	chans := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		chans[name] = ch
	}
	m.mu.RUnlock()

	if len(chans) == 0 {
		m.logger.Warn().Msg("no channels enabled")
		return nil
	}

	for name := range chans {
		chName := name
		m.Bus.Subscribe(chName, func(msg bus.OutboundMessage) {
			if err := m.Deliver(ctx, msg); err != nil {
				m.logger.Error().Err(err).Str("channel", chName).Msg("send failed")
			}
		})
	}

	go m.Bus.DispatchOutbound(ctx)

	var wg sync.WaitGroup
	for name, ch := range chans {
		wg.Add(1)
		go func(n string, c Channel) {
			defer wg.Done()
			m.logger.Info().Str("channel", n).Msg("starting channel")
			if err := c.Start(ctx); err != nil {
				m.logger.Error().Err(err).Str("channel", n).Msg("channel stopped with error")
			}
		}(name, ch)
	}

	wg.Wait()
	return nil
}

// StopAll stops all channels.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			m.logger.Warn().Err(err).Str("channel", name).Msg("error stopping channel")
		}
	}
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}
