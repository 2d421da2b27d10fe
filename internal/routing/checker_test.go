package routing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/mention"
	"github.com/dayuer/nanobot-group/internal/providers"
	"github.com/dayuer/nanobot-group/internal/transcript"
)

type scriptedProvider struct {
	answer string
	err    error
	req    providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.LLMResponse, error) {
	p.req = req
	if p.err != nil {
		return nil, p.err
	}
	return &providers.LLMResponse{Content: p.answer}, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"YES", true},
		{"yes.", true},
		{"NO", false},
		{"no", false},
		{"NO, actually YES", true},
		{"YES... on reflection NO", false},
		{"maybe", false},
	}
	for _, tt := range tests {
		got, err := ParseAnswer(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseAnswer("   ")
	assert.ErrorIs(t, err, ErrEmptyAnswer)
}

func TestLLMChecker(t *testing.T) {
	p := &scriptedProvider{answer: "YES"}
	c := NewLLMChecker(p, 0)

	ok, err := c.Relevant(context.Background(), CheckRequest{Content: "please review", FromBot: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DefaultCheckMaxTokens, p.req.MaxTokens)

	p.answer = ""
	_, err = c.Relevant(context.Background(), CheckRequest{Content: "x"})
	assert.ErrorIs(t, err, ErrEmptyAnswer)

	p.err = errors.New("503")
	_, err = c.Relevant(context.Background(), CheckRequest{Content: "x"})
	assert.Error(t, err)
}

func TestBuildRelevancePrompt(t *testing.T) {
	var hist []transcript.Entry
	for i := 0; i < 12; i++ {
		hist = append(hist, transcript.Entry{Role: transcript.RoleUser, Content: strings.Repeat("h", 150), Sender: "ou_x"})
	}
	hist[11].Content = "latest"

	prompt := BuildRelevancePrompt(CheckRequest{
		History:  hist,
		Content:  strings.Repeat("c", 400),
		FromBot:  true,
		SelfDesc: "Beta: coder",
		Peers:    []mention.Member{{Name: "Alpha", Type: mention.TypeBot, Description: "planner"}},
	})

	assert.Contains(t, prompt, "You are: Beta: coder")
	assert.Contains(t, prompt, "- Alpha (bot): planner")
	assert.Contains(t, prompt, "Another bot said: \""+strings.Repeat("c", 300)+"\"")
	assert.NotContains(t, prompt, strings.Repeat("c", 301))
	assert.Equal(t, 8, strings.Count(prompt, "  user (ou_x): "))
	assert.NotContains(t, prompt, strings.Repeat("h", 101))
	assert.Contains(t, prompt, "latest")
	assert.True(t, strings.HasSuffix(prompt, "Reply with ONLY 'YES' or 'NO'."))

	human := BuildRelevancePrompt(CheckRequest{Content: "hi"})
	assert.Contains(t, human, "You are: a helpful AI assistant")
	assert.Contains(t, human, "A user (did NOT @mention you) said")
}

func TestGroupExtras(t *testing.T) {
	peers := testRoster.Peers("ou_beta")
	md := bus.Metadata{ChatType: bus.ChatTypeGroup}

	extras := GroupExtras(md, peers)
	assert.Contains(t, extras, "## Group Chat Members")
	assert.Contains(t, extras, "- @Alpha (bot) - planner")
	assert.Contains(t, extras, "- @Carol")
	assert.Contains(t, extras, "(e.g. @Alpha)")
	assert.Contains(t, extras, "ONLY respond to the part directed at YOU")

	md.FromBot = true
	assert.Contains(t, GroupExtras(md, peers), "You are replying to another bot")

	assert.Empty(t, GroupExtras(bus.Metadata{ChatType: bus.ChatTypeP2P}, peers))
	assert.Empty(t, GroupExtras(md, nil))
}

func TestUserReminder(t *testing.T) {
	assert.Contains(t, UserReminder(bus.Metadata{ChatType: bus.ChatTypeGroup}), "group chat")
	assert.Empty(t, UserReminder(bus.Metadata{}))
}
