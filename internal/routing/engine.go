package routing

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/mention"
	"github.com/dayuer/nanobot-group/internal/metrics"
	"github.com/dayuer/nanobot-group/internal/transcript"
)

// Reasons recorded on a Decision.
const (
	ReasonDirect      = "direct"      // not a group chat
	ReasonNoMentions  = "no_mentions" // channel cannot tell who was addressed
	ReasonMentioned   = "mentioned"
	ReasonPolicy      = "policy" // mention or open policy decided
	ReasonDepthCap    = "depth_cap"
	ReasonBelowCheck  = "below_threshold"
	ReasonCheckOff    = "check_disabled"
	ReasonCheckFailed = "check_failed"
	ReasonRelevant    = "relevant"
	ReasonNotRelevant = "not_relevant"
)

// Decision is the engine's verdict for one inbound message.
type Decision struct {
	Respond bool
	Reason  string
	Policy  Policy
	Depth   int  // 0 when depth was not computed
	Checked bool // a relevance check ran
}

// Engine evaluates the reply rules. It is safe for concurrent use.
type Engine struct {
	cfg        Config
	transcript transcript.Store
	checker    RelevanceChecker
	table      *mention.Table
	selfID     func() string
	selfDesc   string
	logger     zerolog.Logger
}

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Transcript transcript.Store
	Checker    RelevanceChecker // nil behaves as a disabled check
	Roster     *mention.Table
	SelfID     func() string
	// SelfDescription is used when the roster has no description for this bot.
	SelfDescription string
	Logger          zerolog.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg Config, opts EngineOptions) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		transcript: opts.Transcript,
		checker:    opts.Checker,
		table:      opts.Roster,
		selfID:     opts.SelfID,
		selfDesc:   opts.SelfDescription,
		logger:     opts.Logger.With().Str("component", "routing").Logger(),
	}
	if e.table == nil {
		e.table = mention.NewTable(nil)
	}
	if e.selfID == nil {
		e.selfID = func() string { return "" }
	}
	return e
}

// Config returns the effective knobs.
func (e *Engine) Config() Config { return e.cfg }

// Peers lists the roster members other than this bot.
func (e *Engine) Peers() []mention.Member {
	return e.table.Peers(e.selfID())
}

// Decide applies the rules in order; the first match wins.
func (e *Engine) Decide(ctx context.Context, msg bus.InboundMessage) Decision {
	d := e.decide(ctx, msg)
	outcome := "skip"
	if d.Respond {
		outcome = "respond"
	}
	metrics.ReplyDecisions.WithLabelValues(outcome, d.Reason).Inc()
	e.logger.Debug().
		Str("session", msg.SessionKey()).
		Bool("from_bot", msg.Metadata.FromBot).
		Bool("mentioned", msg.Metadata.IsMentioned).
		Str("policy", string(d.Policy)).
		Int("depth", d.Depth).
		Bool("checked", d.Checked).
		Str("reason", d.Reason).
		Bool("respond", d.Respond).
		Msg("reply decision")
	return d
}

func (e *Engine) decide(ctx context.Context, msg bus.InboundMessage) Decision {
	md := msg.Metadata
	policy := e.policyFor(md)

	switch {
	case !md.IsGroup():
		return Decision{Respond: true, Reason: ReasonDirect, Policy: policy}
	case !md.MentionsKnown:
		return Decision{Respond: true, Reason: ReasonNoMentions, Policy: policy}
	case md.IsMentioned:
		return Decision{Respond: true, Reason: ReasonMentioned, Policy: policy}
	case policy == PolicyMention:
		return Decision{Respond: false, Reason: ReasonPolicy, Policy: policy}
	case policy == PolicyOpen:
		return Decision{Respond: true, Reason: ReasonPolicy, Policy: policy}
	}

	history := e.history(ctx, msg.SessionKey())
	depth := Depth(history, msg)
	d := Decision{Policy: policy, Depth: depth}

	switch {
	case depth >= e.cfg.MaxDepth:
		d.Reason = ReasonDepthCap
		return d
	case depth <= e.cfg.LLMThreshold:
		d.Respond, d.Reason = true, ReasonBelowCheck
		return d
	case !e.cfg.LLMCheck || e.checker == nil:
		d.Respond, d.Reason = true, ReasonCheckOff
		return d
	}

	d.Checked = true
	relevant, err := e.check(ctx, msg, history)
	if err != nil {
		// fail open below the cap
		metrics.RelevanceChecks.WithLabelValues("error").Inc()
		e.logger.Warn().Err(err).Str("session", msg.SessionKey()).Int("depth", depth).Msg("relevance check failed, responding")
		d.Respond, d.Reason = true, ReasonCheckFailed
		return d
	}
	if relevant {
		metrics.RelevanceChecks.WithLabelValues("yes").Inc()
		d.Respond, d.Reason = true, ReasonRelevant
	} else {
		metrics.RelevanceChecks.WithLabelValues("no").Inc()
		d.Reason = ReasonNotRelevant
	}
	return d
}

func (e *Engine) policyFor(md bus.Metadata) Policy {
	if md.GroupPolicy != "" {
		if p, err := ParsePolicy(md.GroupPolicy); err == nil {
			return p
		}
		e.logger.Debug().Str("group_policy", md.GroupPolicy).Msg("unknown policy on message, using default")
	}
	return e.cfg.Policy
}

func (e *Engine) history(ctx context.Context, session string) []transcript.Entry {
	if e.transcript == nil {
		return nil
	}
	entries, err := e.transcript.GetRecent(ctx, session, e.cfg.HistoryLimit)
	if err != nil {
		e.logger.Warn().Err(err).Str("session", session).Msg("transcript read failed")
		return nil
	}
	return entries
}

func (e *Engine) check(ctx context.Context, msg bus.InboundMessage, history []transcript.Entry) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CheckTimeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := e.checker.Relevant(ctx, CheckRequest{
			History:  history,
			Content:  msg.Content,
			FromBot:  msg.Metadata.FromBot,
			SelfDesc: e.selfDescription(),
			Peers:    e.Peers(),
		})
		done <- result{ok, err}
	}()

	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, errors.Join(errors.New("relevance check timed out"), ctx.Err())
	}
}

func (e *Engine) selfDescription() string {
	if m, ok := e.table.Lookup(e.selfID()); ok {
		if m.Description != "" {
			return m.Name + ": " + m.Description
		}
		if e.selfDesc == "" {
			return m.Name
		}
	}
	return e.selfDesc
}
