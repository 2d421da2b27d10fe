// Package agent runs the reply pipeline: it consumes inbound messages, asks
// the routing engine whether to answer, builds the prompt from the shared
// transcript and the workspace, and publishes the reply.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dayuer/nanobot-group/internal/providers"
	"github.com/dayuer/nanobot-group/internal/transcript"
	"github.com/dayuer/nanobot-group/internal/utils"
)

// BootstrapFiles are loaded into the system prompt when present.
var BootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "IDENTITY.md"}

// selfDescFiles describe the bot to the relevance check when the roster does not.
var selfDescFiles = []string{"AGENTS.md", "SOUL.md"}

const selfDescChars = 300

// ContextBuilder assembles system prompts and message lists for the agent.
type ContextBuilder struct {
	Workspace string
	AgentName string
}

// NewContextBuilder creates a ContextBuilder for a workspace.
func NewContextBuilder(workspace, agentName string) *ContextBuilder {
	if agentName == "" {
		agentName = "nanobot"
	}
	return &ContextBuilder{Workspace: workspace, AgentName: agentName}
}

// BuildSystemPrompt joins identity, bootstrap files and any extras.
func (c *ContextBuilder) BuildSystemPrompt(extras string) string {
	parts := []string{c.identity()}
	if bs := c.loadBootstrapFiles(); bs != "" {
		parts = append(parts, bs)
	}
	prompt := strings.Join(parts, "\n\n---\n\n")
	return prompt + extras
}

func (c *ContextBuilder) identity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	tz, _ := time.Now().Zone()
	sys := runtime.GOOS
	if sys == "darwin" {
		sys = "macOS"
	}
	ws, _ := filepath.Abs(c.Workspace)

	return fmt.Sprintf(`# %s

You are %s, a helpful AI assistant taking part in chats that may include
people and other bots.

## Current Time
%s (%s)

## Runtime
%s %s, Go %s

## Workspace
%s

Always be helpful, accurate, and concise.`, c.AgentName, c.AgentName, now, tz, sys, runtime.GOARCH, runtime.Version(), ws)
}

func (c *ContextBuilder) loadBootstrapFiles() string {
	var parts []string
	for _, name := range BootstrapFiles {
		data, err := os.ReadFile(filepath.Join(c.Workspace, name))
		if err == nil {
			parts = append(parts, fmt.Sprintf("## %s\n\n%s", name, string(data)))
		}
	}
	return strings.Join(parts, "\n\n")
}

// SelfDescription is the head of AGENTS.md and SOUL.md, or "" when neither exists.
func (c *ContextBuilder) SelfDescription() string {
	var parts []string
	for _, name := range selfDescFiles {
		data, err := os.ReadFile(filepath.Join(c.Workspace, name))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, utils.TruncateString(s, selfDescChars, ""))
		}
	}
	return strings.Join(parts, "\n")
}

// Turn is the input for one reply.
type Turn struct {
	History  []transcript.Entry // oldest first, current message excluded
	Content  string
	Channel  string
	ChatID   string
	Extras   string // appended to the system prompt
	Reminder string // prefixed to the user turn
}

// BuildMessages constructs the full message list for an LLM call. Turns by
// this bot become assistant messages; everyone else speaks as a labelled user.
func (c *ContextBuilder) BuildMessages(t Turn) []providers.Message {
	system := c.BuildSystemPrompt(t.Extras)
	if t.Channel != "" && t.ChatID != "" {
		system += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", t.Channel, t.ChatID)
	}

	messages := []providers.Message{{Role: "system", Content: system}}
	for _, e := range t.History {
		if e.Role == transcript.RoleAssistant && e.Sender == c.AgentName {
			messages = append(messages, providers.Message{Role: "assistant", Content: e.Content})
			continue
		}
		content := e.Content
		if e.Sender != "" {
			content = fmt.Sprintf("[%s] %s", e.Sender, e.Content)
		}
		messages = append(messages, providers.Message{Role: "user", Content: content})
	}

	user := t.Content
	if t.Reminder != "" {
		user = t.Reminder + "\n\n" + user
	}
	return append(messages, providers.Message{Role: "user", Content: user})
}
