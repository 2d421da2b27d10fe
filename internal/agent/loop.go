package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/lane"
	"github.com/dayuer/nanobot-group/internal/providers"
	"github.com/dayuer/nanobot-group/internal/routing"
	"github.com/dayuer/nanobot-group/internal/transcript"
)

const apology = "Sorry, I encountered an error while processing your message."

// Loop is the core processing engine. It pulls inbound messages off the bus,
// runs each session on its own lane, and publishes replies.
type Loop struct {
	Bus        *bus.MessageBus
	Provider   providers.LLMProvider
	Engine     *routing.Engine
	Transcript transcript.Store
	Context    *ContextBuilder

	agentName    string
	model        string
	maxTokens    int
	temperature  float64
	historyLimit int
	logger       zerolog.Logger

	lanes atomic.Pointer[lane.Manager]
}

// Config holds configuration for creating a Loop.
type Config struct {
	Workspace    string
	AgentName    string
	Model        string
	MaxTokens    int
	Temperature  float64
	HistoryLimit int
}

// NewLoop creates and configures an agent loop.
func NewLoop(msgBus *bus.MessageBus, provider providers.LLMProvider, engine *routing.Engine, store transcript.Store, cfg Config, logger zerolog.Logger) *Loop {
	model := cfg.Model
	if model == "" {
		model = provider.DefaultModel()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = transcript.DefaultRecent
	}
	ctxb := NewContextBuilder(cfg.Workspace, cfg.AgentName)

	return &Loop{
		Bus:          msgBus,
		Provider:     provider,
		Engine:       engine,
		Transcript:   store,
		Context:      ctxb,
		agentName:    ctxb.AgentName,
		model:        model,
		maxTokens:    maxTokens,
		temperature:  cfg.Temperature,
		historyLimit: historyLimit,
		logger:       logger.With().Str("component", "agent").Logger(),
	}
}

// Run consumes the inbound queue until ctx is cancelled. Messages of one
// session are handled in order; sessions run concurrently.
func (l *Loop) Run(ctx context.Context) error {
	lanes := lane.NewManager(ctx, lane.ManagerConfig{
		Handler: l.handle,
		Logger:  l.logger,
	})
	l.lanes.Store(lanes)
	defer func() {
		l.lanes.Store(nil)
		lanes.Stop()
	}()

	l.logger.Info().Str("agent", l.agentName).Str("model", l.model).Msg("agent loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("agent loop stopping")
			return nil
		case msg := <-l.Bus.Inbound:
			if err := lanes.Dispatch(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.logger.Warn().Err(err).Str("session", msg.SessionKey()).Msg("dropping inbound message")
			}
		}
	}
}

// LaneStats reports the live session lanes. It is zero while Run is not active.
func (l *Loop) LaneStats() lane.Stats {
	if m := l.lanes.Load(); m != nil {
		return m.Stats()
	}
	return lane.Stats{}
}

func (l *Loop) handle(ctx context.Context, msg bus.InboundMessage) {
	out, err := l.Process(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.logger.Error().Err(err).Str("session", msg.SessionKey()).Msg("processing failed")
		if msg.Metadata.IsGroup() {
			return // an apology in a group would just draw the other bots in
		}
		out = &bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: apology, Metadata: replyMetadata(msg)}
	}
	if out == nil {
		return
	}
	select {
	case l.Bus.Outbound <- *out:
	case <-ctx.Done():
	}
}

// Process decides whether to answer msg and, if so, generates the reply.
// A nil message with a nil error means no reply.
func (l *Loop) Process(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error) {
	decision := l.Engine.Decide(ctx, msg)
	if !decision.Respond {
		l.logger.Info().
			Str("session", msg.SessionKey()).
			Str("sender", msg.SenderID).
			Str("reason", decision.Reason).
			Int("depth", decision.Depth).
			Msg("skipping message")
		return nil, nil
	}

	md := msg.Metadata
	session := msg.SessionKey()
	history := l.history(ctx, msg)

	if !md.IsGroup() {
		// group turns reach the transcript through the channel or the relay
		l.record(ctx, session, transcript.Entry{
			Role:      transcript.RoleUser,
			Content:   msg.Content,
			Sender:    msg.SenderID,
			MessageID: md.MessageID,
		})
	}

	messages := l.Context.BuildMessages(Turn{
		History:  history,
		Content:  msg.Content,
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Extras:   routing.GroupExtras(md, l.Engine.Peers()),
		Reminder: routing.UserReminder(md),
	})

	start := time.Now()
	resp, err := l.Provider.Chat(ctx, providers.ChatRequest{
		Messages:    messages,
		Model:       l.model,
		MaxTokens:   l.maxTokens,
		Temperature: l.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("llm chat: %w", err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		l.logger.Warn().Str("session", session).Msg("model returned an empty reply")
		return nil, nil
	}
	l.logger.Debug().Str("session", session).Dur("took", time.Since(start)).Int("chars", len(content)).Msg("reply generated")

	if !md.IsGroup() {
		l.record(ctx, session, transcript.Entry{Role: transcript.RoleAssistant, Content: content, Sender: l.agentName})
	}

	return &bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  content,
		ReplyTo:  md.MessageID,
		Metadata: replyMetadata(msg),
	}, nil
}

func replyMetadata(msg bus.InboundMessage) bus.Metadata {
	return bus.Metadata{
		ChatType:    msg.Metadata.ChatType,
		GroupPolicy: msg.Metadata.GroupPolicy,
	}
}

// history reads the transcript and drops the current message when it is
// already the newest entry.
func (l *Loop) history(ctx context.Context, msg bus.InboundMessage) []transcript.Entry {
	if l.Transcript == nil {
		return nil
	}
	entries, err := l.Transcript.GetRecent(ctx, msg.SessionKey(), l.historyLimit+1)
	if err != nil {
		l.logger.Warn().Err(err).Str("session", msg.SessionKey()).Msg("transcript read failed")
		return nil
	}
	if n := len(entries); n > 0 && isCurrent(entries[n-1], msg) {
		entries = entries[:n-1]
	}
	if len(entries) > l.historyLimit {
		entries = entries[len(entries)-l.historyLimit:]
	}
	return entries
}

func isCurrent(e transcript.Entry, msg bus.InboundMessage) bool {
	if id := msg.Metadata.MessageID; id != "" && e.MessageID == id {
		return true
	}
	if e.Content != msg.Content {
		return false
	}
	if msg.Metadata.FromBot {
		return e.Role == transcript.RoleAssistant
	}
	return e.Role == transcript.RoleUser
}

func (l *Loop) record(ctx context.Context, session string, e transcript.Entry) {
	if l.Transcript == nil {
		return
	}
	if err := l.Transcript.Append(ctx, session, e); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Warn().Err(err).Str("session", session).Msg("transcript append failed")
	}
}
