// Package relay carries "a bot spoke in chat X" events between bot processes,
// because the chat platform never delivers a bot's own messages to its peers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/utils"
)

var (
	ErrClosed       = errors.New("relay: closed")
	ErrInvalidEvent = errors.New("relay: invalid event")
)

// Event is the transport envelope. RelayID is fixed per logical send: a
// retransmission reuses it so receivers can drop the copy.
type Event struct {
	RelayID        string       `json:"relay_id"`
	ChatSession    string       `json:"chat_session"`
	Content        string       `json:"content"`
	SenderIdentity string       `json:"sender_identity"`
	SenderName     string       `json:"sender_name"`
	Metadata       bus.Metadata `json:"metadata"`
}

// NewRelayID mints an id of the form sender:chat:unix_ms:12hex.
func NewRelayID(senderIdentity, chatID string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s:%s:%d:%s", senderIdentity, chatID, time.Now().UnixMilli(), token)
}

// EnsureID fills RelayID when empty and returns it.
func (e *Event) EnsureID() string {
	if e.RelayID == "" {
		_, chatID, _ := utils.ParseSessionKey(e.ChatSession)
		e.RelayID = NewRelayID(e.SenderIdentity, chatID)
	}
	return e.RelayID
}

// Validate checks the fields every receiver depends on.
func (e Event) Validate() error {
	if e.RelayID == "" {
		return fmt.Errorf("%w: missing relay_id", ErrInvalidEvent)
	}
	if _, _, err := utils.ParseSessionKey(e.ChatSession); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// Handler receives delivered events, one at a time, in the order this
// subscriber received them.
type Handler func(ctx context.Context, ev Event)

// Subscription is a running subscribe loop.
type Subscription interface {
	// Close stops delivery and waits for the loop to exit.
	Close() error
}

// Relay is a best-effort, at-least-once broadcast between processes.
// Transport failures are retried inside the relay and never reach handlers.
type Relay interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
}

// Nop is the relay used when no backend is configured: publishing succeeds
// and nothing is ever delivered.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Subscribe(context.Context, Handler) (Subscription, error) {
	return closedSubscription{}, nil
}

type closedSubscription struct{}

func (closedSubscription) Close() error { return nil }

// loop is the Subscription shared by the polling backends.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startLoop(ctx context.Context, run func(ctx context.Context)) *loop {
	ctx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		run(ctx)
	}()
	return l
}

func (l *loop) Close() error {
	l.once.Do(l.cancel)
	<-l.done
	return nil
}
