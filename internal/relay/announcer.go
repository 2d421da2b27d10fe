package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/transcript"
	"github.com/dayuer/nanobot-group/internal/utils"
)

const announceRetries = 3

// Announcer tells peers and the shared transcript about a reply this
// process just delivered to a group chat.
type Announcer struct {
	relay      Relay
	transcript transcript.Store
	identity   func() string
	agentName  string
	retryBase  time.Duration
	logger     zerolog.Logger
}

// NewAnnouncer creates an announcer. A nil relay means Nop.
func NewAnnouncer(r Relay, store transcript.Store, identity func() string, agentName string, logger zerolog.Logger) *Announcer {
	if r == nil {
		r = Nop{}
	}
	if identity == nil {
		identity = func() string { return "" }
	}
	return &Announcer{
		relay:      r,
		transcript: store,
		identity:   identity,
		agentName:  agentName,
		retryBase:  200 * time.Millisecond,
		logger:     logger.With().Str("component", "announcer").Logger(),
	}
}

// Announce records msg in the transcript and broadcasts it. Direct chats are
// ignored. Publish retries reuse one relay id so receivers drop the copies.
func (a *Announcer) Announce(ctx context.Context, msg bus.OutboundMessage) error {
	if !msg.Metadata.IsGroup() || msg.Content == "" {
		return nil
	}
	session := utils.SessionKey(msg.Channel, msg.ChatID)

	ev := Event{
		ChatSession:    session,
		Content:        msg.Content,
		SenderIdentity: a.identity(),
		SenderName:     a.agentName,
		Metadata: bus.Metadata{
			ChatType:    msg.Metadata.ChatType,
			GroupPolicy: msg.Metadata.GroupPolicy,
			SenderName:  a.agentName,
			FromBot:     true,
		},
	}
	ev.EnsureID()

	// Peers record the same turn under the same id, so a shared log keeps one copy.
	if a.transcript != nil {
		err := a.transcript.Append(ctx, session, transcript.Entry{
			Role:      transcript.RoleAssistant,
			Content:   msg.Content,
			Sender:    a.agentName,
			MessageID: ev.RelayID,
		})
		if err != nil {
			a.logger.Warn().Err(err).Str("session", session).Msg("transcript append failed")
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retryBase
	policy := backoff.WithContext(backoff.WithMaxRetries(b, announceRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return a.relay.Publish(ctx, ev)
	}, policy)
	if err != nil {
		a.logger.Warn().Err(err).Str("relay_id", ev.RelayID).Int("attempts", attempt).Msg("relay publish failed")
		return fmt.Errorf("announce %s: %w", ev.RelayID, err)
	}
	a.logger.Debug().Str("relay_id", ev.RelayID).Str("session", session).Msg("reply announced")
	return nil
}
