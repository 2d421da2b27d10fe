package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/nanobot-group/internal/transcript"
)

func TestContextBuilder_BuildSystemPrompt_Basic(t *testing.T) {
	cb := NewContextBuilder(t.TempDir(), "Beta")
	prompt := cb.BuildSystemPrompt("")
	assert.Contains(t, prompt, "# Beta")
	assert.Contains(t, prompt, "## Workspace")
}

func TestContextBuilder_BuildSystemPrompt_WithBootstrapAndExtras(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "AGENTS.md"), []byte("I review Go code"), 0o644))
	cb := NewContextBuilder(ws, "Beta")

	prompt := cb.BuildSystemPrompt("\n\n## Group Chat Members")
	assert.Contains(t, prompt, "## AGENTS.md")
	assert.Contains(t, prompt, "I review Go code")
	assert.True(t, strings.HasSuffix(prompt, "## Group Chat Members"))
}

func TestContextBuilder_SelfDescription(t *testing.T) {
	ws := t.TempDir()
	cb := NewContextBuilder(ws, "")
	assert.Equal(t, "nanobot", cb.AgentName)
	assert.Empty(t, cb.SelfDescription())

	require.NoError(t, os.WriteFile(filepath.Join(ws, "AGENTS.md"), []byte(strings.Repeat("a", 500)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "SOUL.md"), []byte("calm"), 0o644))
	desc := cb.SelfDescription()
	assert.Equal(t, strings.Repeat("a", 300)+"\ncalm", desc)
}

func TestContextBuilder_BuildMessages(t *testing.T) {
	cb := NewContextBuilder(t.TempDir(), "Beta")
	msgs := cb.BuildMessages(Turn{
		History: []transcript.Entry{
			{Role: transcript.RoleUser, Content: "hi all", Sender: "ou_human"},
			{Role: transcript.RoleAssistant, Content: "hello", Sender: "Alpha"},
			{Role: transcript.RoleAssistant, Content: "hey", Sender: "Beta"},
		},
		Content:  "what next?",
		Channel:  "feishu",
		ChatID:   "oc_1",
		Reminder: "[System] group",
	})

	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Chat ID: oc_1")
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "[ou_human] hi all", msgs[1].Content)
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "[Alpha] hello", msgs[2].Content)
	assert.Equal(t, "assistant", msgs[3].Role)
	assert.Equal(t, "hey", msgs[3].Content)
	assert.Equal(t, "[System] group\n\nwhat next?", msgs[4].Content)
}
