// Package routing decides whether this bot should answer a group message at
// all. It bounds bot-to-bot exchanges with a hard depth cap and spends an LLM
// relevance check only on the ambiguous middle band of depths.
package routing

import (
	"fmt"
	"strings"
	"time"
)

// Policy is the per-group reply policy.
type Policy string

const (
	// PolicyMention answers only when addressed.
	PolicyMention Policy = "mention"
	// PolicyAuto answers when addressed, and otherwise by depth and relevance.
	PolicyAuto Policy = "auto"
	// PolicyOpen answers everything.
	PolicyOpen Policy = "open"
)

// ParsePolicy accepts mention, auto or open in any case.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyMention, PolicyAuto, PolicyOpen:
		return p, nil
	default:
		return "", fmt.Errorf("unknown group policy %q (want mention, auto or open)", s)
	}
}

// Config holds the decision knobs.
type Config struct {
	Policy       Policy        // used when the message carries no group_policy
	MaxDepth     int           // depth at or above which bots never answer
	LLMThreshold int           // depths at or below this skip the relevance check
	LLMCheck     bool          // false answers the middle band without asking
	HistoryLimit int           // transcript entries read per decision
	CheckTimeout time.Duration // bound on one relevance check
}

// DefaultConfig returns the stock knobs.
func DefaultConfig() Config {
	return Config{
		Policy:       PolicyAuto,
		MaxDepth:     3,
		LLMThreshold: 1,
		LLMCheck:     true,
		HistoryLimit: 20,
		CheckTimeout: 15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.LLMThreshold < 0 {
		c.LLMThreshold = 0
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	return c
}
