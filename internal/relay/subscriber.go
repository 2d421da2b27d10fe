package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/dedup"
	"github.com/dayuer/nanobot-group/internal/mention"
	"github.com/dayuer/nanobot-group/internal/metrics"
	"github.com/dayuer/nanobot-group/internal/transcript"
	"github.com/dayuer/nanobot-group/internal/utils"
)

// Outcome is what the subscriber did with one delivered event.
type Outcome string

const (
	OutcomeInvalid   Outcome = "invalid"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSelf      Outcome = "self"
	OutcomeInjected  Outcome = "injected"
	OutcomeDropped   Outcome = "dropped" // the pipeline would not take it; the claim is released
)

// Injector is the local processing pipeline. *bus.MessageBus implements it.
type Injector interface {
	PublishInboundContext(ctx context.Context, msg bus.InboundMessage) error
}

// SubscriberConfig wires a Subscriber.
type SubscriberConfig struct {
	Ledger     *dedup.Ledger
	Transcript transcript.Store
	Resolver   *mention.Resolver
	Injector   Injector

	// SelfIdentity returns this process's bot id. It may return "" until the
	// platform identity is known.
	SelfIdentity func() string
	// AgentName is this process's display name, used for self-filtering
	// while SelfIdentity is still unknown.
	AgentName string
	// DefaultPolicy fills group_policy when the sender did not carry one.
	DefaultPolicy string

	Logger zerolog.Logger
}

// Subscriber turns relay events into synthetic inbound messages.
type Subscriber struct {
	ledger     *dedup.Ledger
	transcript transcript.Store
	resolver   *mention.Resolver
	injector   Injector
	selfID     func() string
	agentName  string
	policy     string
	logger     zerolog.Logger
}

// NewSubscriber builds a subscriber. Missing ledger or resolver get defaults.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	s := &Subscriber{
		ledger:     cfg.Ledger,
		transcript: cfg.Transcript,
		resolver:   cfg.Resolver,
		injector:   cfg.Injector,
		selfID:     cfg.SelfIdentity,
		agentName:  cfg.AgentName,
		policy:     cfg.DefaultPolicy,
		logger:     cfg.Logger.With().Str("component", "relay_subscriber").Logger(),
	}
	if s.ledger == nil {
		s.ledger = dedup.NewLedger(dedup.DefaultCapacity)
	}
	if s.resolver == nil {
		s.resolver = mention.NewResolver(nil)
	}
	if s.selfID == nil {
		s.selfID = func() string { return "" }
	}
	if s.policy == "" {
		s.policy = "auto"
	}
	return s
}

// Run subscribes to r and handles events until ctx ends or the returned
// subscription is closed.
func (s *Subscriber) Run(ctx context.Context, r Relay) (Subscription, error) {
	return r.Subscribe(ctx, func(ctx context.Context, ev Event) {
		s.Handle(ctx, ev)
	})
}

// Handle applies claim, self-filter, record, resolve and inject to one event.
func (s *Subscriber) Handle(ctx context.Context, ev Event) Outcome {
	out := s.handle(ctx, ev)
	metrics.RelayEvents.WithLabelValues(string(out)).Inc()
	return out
}

func (s *Subscriber) handle(ctx context.Context, ev Event) Outcome {
	if err := ev.Validate(); err != nil {
		s.logger.Debug().Err(err).Msg("dropping relay event")
		return OutcomeInvalid
	}
	if !s.ledger.Claim(ev.RelayID) {
		return OutcomeDuplicate
	}
	if s.isSelf(ev) {
		return OutcomeSelf
	}

	channel, chatID, _ := utils.ParseSessionKey(ev.ChatSession)
	sender := ev.SenderName
	if sender == "" {
		sender = "unknown"
	}

	if s.transcript != nil {
		err := s.transcript.Append(ctx, ev.ChatSession, transcript.Entry{
			Role:      transcript.RoleAssistant,
			Content:   ev.Content,
			Sender:    sender,
			MessageID: ev.RelayID,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("session", ev.ChatSession).Msg("relay transcript append failed")
		}
	}

	md := ev.Metadata.Clone()
	md.FromBot = true
	md.SenderName = sender
	if md.ChatType == "" {
		md.ChatType = bus.ChatTypeGroup
	}
	if md.GroupPolicy == "" {
		md.GroupPolicy = s.policy
	}
	// The sender may have copied is_mentioned from the human turn it answered,
	// so only this event's own content counts.
	md.IsMentioned = s.resolver.Mentions(ev.Content, s.selfID())
	md.MentionsKnown = true
	md.MessageID = ""

	replyTo := chatID
	if !md.IsGroup() {
		replyTo = ev.SenderIdentity
	}

	msg := bus.InboundMessage{
		Channel:   channel,
		SenderID:  ev.SenderIdentity,
		ChatID:    replyTo,
		Content:   ev.Content,
		Timestamp: time.Now(),
		Metadata:  md,
	}
	if err := s.injector.PublishInboundContext(ctx, msg); err != nil {
		// A redelivery may still go through; its transcript entry collapses on the relay id.
		s.ledger.Forget(ev.RelayID)
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Str("relay_id", ev.RelayID).Msg("relay inject failed")
		}
		return OutcomeDropped
	}

	s.logger.Debug().
		Str("relay_id", ev.RelayID).
		Str("from", sender).
		Str("session", ev.ChatSession).
		Bool("mentioned", md.IsMentioned).
		Msg("relay event injected")
	return OutcomeInjected
}

func (s *Subscriber) isSelf(ev Event) bool {
	if id := s.selfID(); id != "" {
		return ev.SenderIdentity == id
	}
	return s.agentName != "" && ev.SenderName == s.agentName
}
