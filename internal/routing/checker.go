package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dayuer/nanobot-group/internal/mention"
	"github.com/dayuer/nanobot-group/internal/providers"
	"github.com/dayuer/nanobot-group/internal/transcript"
	"github.com/dayuer/nanobot-group/internal/utils"
)

// ErrEmptyAnswer means the relevance model returned nothing usable.
var ErrEmptyAnswer = errors.New("routing: empty relevance answer")

// CheckRequest is everything a relevance check may look at.
type CheckRequest struct {
	History  []transcript.Entry
	Content  string
	FromBot  bool
	SelfDesc string
	Peers    []mention.Member
}

// RelevanceChecker makes the single yes/no judgment for the middle depth band.
type RelevanceChecker interface {
	Relevant(ctx context.Context, req CheckRequest) (bool, error)
}

// DefaultCheckMaxTokens keeps the judgment call cheap.
const DefaultCheckMaxTokens = 3

const (
	previewChars  = 300
	historyLines  = 8
	historyChars  = 100
	defaultSelf   = "a helpful AI assistant"
	relevanceRule = "If from another BOT: NO for acknowledgments (OK/thanks), redundant, done. " +
		"YES for substantive question, task needing you. " +
		"If from a USER not @you: NO unless you were recently involved " +
		"(follow-up like 继续) or it clearly targets your expertise. " +
		"YES if recent follow-up or clear new request for you."
)

// LLMChecker asks the completion provider.
type LLMChecker struct {
	provider  providers.LLMProvider
	maxTokens int
}

// NewLLMChecker wraps p. maxTokens <= 0 selects DefaultCheckMaxTokens.
func NewLLMChecker(p providers.LLMProvider, maxTokens int) *LLMChecker {
	if maxTokens <= 0 {
		maxTokens = DefaultCheckMaxTokens
	}
	return &LLMChecker{provider: p, maxTokens: maxTokens}
}

// Relevant sends the judgment prompt and parses the answer.
func (c *LLMChecker) Relevant(ctx context.Context, req CheckRequest) (bool, error) {
	answer, err := providers.Complete(ctx, c.provider, BuildRelevancePrompt(req), c.maxTokens)
	if err != nil {
		if errors.Is(err, providers.ErrNoContent) {
			return false, ErrEmptyAnswer
		}
		return false, fmt.Errorf("relevance check: %w", err)
	}
	return ParseAnswer(answer)
}

// ParseAnswer reads a YES/NO reply. It is yes when YES appears and its last
// occurrence comes after the last NO.
func ParseAnswer(answer string) (bool, error) {
	a := strings.ToUpper(strings.TrimSpace(answer))
	if a == "" {
		return false, ErrEmptyAnswer
	}
	yes := strings.LastIndex(a, "YES")
	if yes < 0 {
		return false, nil
	}
	return yes > strings.LastIndex(a, "NO"), nil
}

// BuildRelevancePrompt renders the judgment prompt.
func BuildRelevancePrompt(req CheckRequest) string {
	self := strings.TrimSpace(req.SelfDesc)
	if self == "" {
		self = defaultSelf
	}

	sender := "A user (did NOT @mention you)"
	if req.FromBot {
		sender = "Another bot"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are: %s\n", self)
	if len(req.Peers) > 0 {
		b.WriteString("\nOther members in this group:\n")
		for _, m := range req.Peers {
			fmt.Fprintf(&b, "- %s (%s)", m.Name, memberType(m))
			if m.Description != "" {
				fmt.Fprintf(&b, ": %s", m.Description)
			}
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "\n%s said: \"%s\"\n\n", sender, utils.TruncateString(req.Content, previewChars, ""))

	if hist := req.History; len(hist) > 0 {
		if len(hist) > historyLines {
			hist = hist[len(hist)-historyLines:]
		}
		b.WriteString("\nRecent:\n")
		for _, e := range hist {
			label := e.Role
			if e.Sender != "" {
				label += " (" + e.Sender + ")"
			}
			fmt.Fprintf(&b, "  %s: %s\n", label, utils.TruncateString(e.Content, historyChars, ""))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Rules: %s\n\n", relevanceRule)
	b.WriteString("Reply with ONLY 'YES' or 'NO'.")
	return b.String()
}

func memberType(m mention.Member) string {
	if m.Type == "" {
		return mention.TypeBot
	}
	return m.Type
}
