// Package channels defines the Channel interface for chat platform integrations.
package channels

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dayuer/nanobot-group/internal/bus"
)

// Channel is the interface that all chat platform integrations must implement.
type Channel interface {
	// Name returns the channel identifier (e.g., "feishu").
	Name() string

	// Start connects to the platform and begins listening. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop() error

	// Send delivers an outbound message through this channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is active.
	IsRunning() bool
}

// BaseChannel provides shared logic for all channel implementations.
type BaseChannel struct {
	ChannelName string
	Bus         *bus.MessageBus
	AllowFrom   []string

	running atomic.Bool
}

// IsRunning returns whether the channel is active.
func (b *BaseChannel) IsRunning() bool { return b.running.Load() }

func (b *BaseChannel) setRunning(v bool) { b.running.Store(v) }

// IsAllowed checks if a sender is permitted to interact with the bot.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range b.AllowFrom {
		if allowed == senderID {
			return true
		}
	}
	// Support pipe-separated sender IDs
	if strings.Contains(senderID, "|") {
		for _, part := range strings.Split(senderID, "|") {
			if part == "" {
				continue
			}
			for _, allowed := range b.AllowFrom {
				if allowed == part {
					return true
				}
			}
		}
	}
	return false
}

// HandleMessage checks permissions and publishes to the bus.
// It reports whether the message was published.
func (b *BaseChannel) HandleMessage(ctx context.Context, senderID, chatID, content string, md bus.Metadata) (bool, error) {
	if !b.IsAllowed(senderID) {
		return false, nil
	}
	msg := bus.InboundMessage{
		Channel:   b.ChannelName,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
		Metadata:  md,
	}
	if err := b.Bus.PublishInboundContext(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

// ErrUnknownChannel is returned when an outbound message names no registered channel.
var ErrUnknownChannel = errors.New("channels: unknown channel")
