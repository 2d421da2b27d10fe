package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/dedup"
	"github.com/dayuer/nanobot-group/internal/lane"
	"github.com/dayuer/nanobot-group/internal/mention"
	"github.com/dayuer/nanobot-group/internal/providers"
	"github.com/dayuer/nanobot-group/internal/relay"
	"github.com/dayuer/nanobot-group/internal/routing"
	"github.com/dayuer/nanobot-group/internal/transcript"
)

const judgeSuffix = "Reply with ONLY 'YES' or 'NO'."

// mockProvider answers relevance prompts with judge and everything else with reply.
type mockProvider struct {
	mu         sync.Mutex
	reply      string
	judge      string
	err        error
	chatCalls  int
	judgeCalls int
	last       providers.ChatRequest
}

func (m *mockProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(req.Messages) == 1 && strings.HasSuffix(req.Messages[0].Content, judgeSuffix) {
		m.judgeCalls++
		return &providers.LLMResponse{Content: m.judge}, nil
	}
	m.chatCalls++
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return &providers.LLMResponse{Content: m.reply, FinishReason: "stop"}, nil
}

func (m *mockProvider) DefaultModel() string { return "mock-model" }

func (m *mockProvider) counts() (chat, judge int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatCalls, m.judgeCalls
}

var roster = mention.NewTable([]mention.Member{
	{ID: "ou_a", Name: "Alpha", Type: mention.TypeBot, Description: "planner"},
	{ID: "ou_b", Name: "Beta", Type: mention.TypeBot, Description: "coder"},
})

// process is one bot process sharing the transcript and relay directories.
type process struct {
	name     string
	id       string
	bus      *bus.MessageBus
	provider *mockProvider
	loop     *Loop
	announce *relay.Announcer
	relay    relay.Relay
	sub      *relay.Subscriber
}

func newProcess(t *testing.T, name, id, transcriptDir, relayDir string, provider *mockProvider) *process {
	t.Helper()
	store, err := transcript.NewFileStore(transcriptDir, zerolog.Nop())
	require.NoError(t, err)
	r, err := relay.NewFileRelay(relayDir, name, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	self := func() string { return id }
	engine := routing.NewEngine(routing.DefaultConfig(), routing.EngineOptions{
		Transcript: store,
		Checker:    routing.NewLLMChecker(provider, 0),
		Roster:     roster,
		SelfID:     self,
		Logger:     zerolog.Nop(),
	})
	b := bus.NewMessageBus()
	return &process{
		name:     name,
		id:       id,
		bus:      b,
		provider: provider,
		loop:     NewLoop(b, provider, engine, store, Config{Workspace: t.TempDir(), AgentName: name}, zerolog.Nop()),
		announce: relay.NewAnnouncer(r, store, self, name, zerolog.Nop()),
		relay:    r,
		sub: relay.NewSubscriber(relay.SubscriberConfig{
			Ledger:        dedup.NewLedger(100),
			Transcript:    store,
			Resolver:      mention.NewResolver(roster),
			Injector:      b,
			SelfIdentity:  self,
			AgentName:     name,
			DefaultPolicy: "auto",
			Logger:        zerolog.Nop(),
		}),
	}
}

func groupMessage(content, messageID string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  "feishu",
		SenderID: "ou_human",
		ChatID:   "oc_1",
		Content:  content,
		Metadata: bus.Metadata{
			ChatType:      bus.ChatTypeGroup,
			MessageID:     messageID,
			GroupPolicy:   "auto",
			MentionsKnown: true,
		},
	}
}

// Two bots, auto policy, an unaddressed "continue". Both answer the human at
// depth 1. When Alpha's reply is relayed to Beta, the chain is at depth 2, the
// relevance check says no, and Beta stays silent without touching the transcript.
func TestScenario_TwoProcessesRelevanceGate(t *testing.T) {
	transcriptDir, relayDir := t.TempDir(), t.TempDir()
	ctx := context.Background()

	alpha := newProcess(t, "Alpha", "ou_a", transcriptDir, relayDir, &mockProvider{reply: "Continuing the plan.", judge: "YES"})
	beta := newProcess(t, "Beta", "ou_b", transcriptDir, relayDir, &mockProvider{reply: "I'll keep coding.", judge: "NO"})

	store, err := transcript.NewFileStore(transcriptDir, zerolog.Nop())
	require.NoError(t, err)
	// the channel of each process records the human turn; same message id
	for i := 0; i < 2; i++ {
		require.NoError(t, store.Append(ctx, "feishu:oc_1", transcript.Entry{
			Role: transcript.RoleUser, Content: "continue", Sender: "ou_human", MessageID: "om_1",
		}))
	}
	human := groupMessage("continue", "om_1")

	out, err := beta.loop.Process(ctx, human)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NoError(t, beta.announce.Announce(ctx, *out))

	out, err = alpha.loop.Process(ctx, human)
	require.NoError(t, err)
	require.NotNil(t, out, "alpha answers at depth 1")
	_, judged := alpha.provider.counts()
	assert.Zero(t, judged, "depth 1 bypasses the relevance check")

	// subscribe Beta only now, after the entries Beta published itself
	sub, err := beta.sub.Run(ctx, beta.relay)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, alpha.announce.Announce(ctx, *out))

	var relayed bus.InboundMessage
	select {
	case relayed = <-beta.bus.Inbound:
	case <-time.After(3 * time.Second):
		t.Fatal("relay never delivered alpha's reply to beta")
	}
	assert.True(t, relayed.Metadata.FromBot)
	assert.False(t, relayed.Metadata.IsMentioned)
	assert.Equal(t, "Continuing the plan.", relayed.Content)

	before, err := store.GetRecent(ctx, "feishu:oc_1", 50)
	require.NoError(t, err)
	require.Len(t, before, 3)

	decision := beta.loop.Engine.Decide(ctx, relayed)
	assert.Equal(t, 2, decision.Depth)

	chatBefore, _ := beta.provider.counts()
	out, err = beta.loop.Process(ctx, relayed)
	require.NoError(t, err)
	assert.Nil(t, out, "beta must not reply to an irrelevant bot turn")

	chatAfter, judgeCalls := beta.provider.counts()
	assert.Equal(t, chatBefore, chatAfter)
	assert.Equal(t, 2, judgeCalls)

	after, err := store.GetRecent(ctx, "feishu:oc_1", 50)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, beta.bus.Outbound)
}

func TestProcess_MentionedBotAnswersAtDepthTwo(t *testing.T) {
	p := newProcess(t, "Beta", "ou_b", t.TempDir(), t.TempDir(), &mockProvider{reply: "on it", judge: "NO"})
	ctx := context.Background()
	store := p.loop.Transcript
	require.NoError(t, store.Append(ctx, "feishu:oc_1", transcript.Entry{Role: transcript.RoleUser, Content: "plan it", Sender: "ou_human"}))
	require.NoError(t, store.Append(ctx, "feishu:oc_1", transcript.Entry{Role: transcript.RoleAssistant, Content: "step one", Sender: "Beta"}))
	require.NoError(t, store.Append(ctx, "feishu:oc_1", transcript.Entry{Role: transcript.RoleAssistant, Content: "@Beta implement it", Sender: "Alpha"}))

	msg := groupMessage("@Beta implement it", "")
	msg.Metadata.FromBot = true
	msg.Metadata.IsMentioned = true
	msg.Metadata.SenderName = "Alpha"

	out, err := p.loop.Process(ctx, msg)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "on it", out.Content)
	assert.True(t, out.Metadata.IsGroup())

	// history excludes the current turn; extras list the peer
	last := p.provider.last
	assert.Contains(t, last.Messages[0].Content, "## Group Chat Members")
	assert.Contains(t, last.Messages[0].Content, "@Alpha (bot) - planner")
	assert.Equal(t, "assistant", last.Messages[2].Role)
	final := last.Messages[len(last.Messages)-1].Content
	assert.True(t, strings.HasSuffix(final, "@Beta implement it"))
	assert.Equal(t, 1, strings.Count(final+last.Messages[len(last.Messages)-2].Content, "@Beta implement it"))
}

func TestProcess_DirectChatRecordsBothTurns(t *testing.T) {
	p := newProcess(t, "Beta", "ou_b", t.TempDir(), t.TempDir(), &mockProvider{reply: "hello!"})
	ctx := context.Background()

	msg := bus.InboundMessage{Channel: "feishu", SenderID: "ou_human", ChatID: "ou_human", Content: "hi", Metadata: bus.Metadata{ChatType: bus.ChatTypeP2P, MessageID: "om_9"}}
	out, err := p.loop.Process(ctx, msg)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "om_9", out.ReplyTo)

	entries, err := p.loop.Transcript.GetRecent(ctx, "feishu:ou_human", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, transcript.RoleUser, entries[0].Role)
	assert.Equal(t, "hello!", entries[1].Content)
	assert.Equal(t, "Beta", entries[1].Sender)
}

func TestProcess_ProviderError(t *testing.T) {
	p := newProcess(t, "Beta", "ou_b", t.TempDir(), t.TempDir(), &mockProvider{err: errors.New("down")})
	_, err := p.loop.Process(context.Background(), groupMessage("@Beta hi", "om_1"))
	assert.Error(t, err)
}

func TestRun_PublishesReplyAndApology(t *testing.T) {
	provider := &mockProvider{reply: "pong"}
	p := newProcess(t, "Beta", "ou_b", t.TempDir(), t.TempDir(), provider)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Equal(t, lane.Stats{}, p.loop.LaneStats())
	done := make(chan error, 1)
	go func() { done <- p.loop.Run(ctx) }()

	p.bus.Inbound <- bus.InboundMessage{Channel: "feishu", ChatID: "ou_x", Content: "ping", Metadata: bus.Metadata{ChatType: bus.ChatTypeP2P}}
	select {
	case out := <-p.bus.Outbound:
		assert.Equal(t, "pong", out.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply published")
	}
	assert.Equal(t, 1, p.loop.LaneStats().Lanes)

	provider.mu.Lock()
	provider.err = errors.New("down")
	provider.mu.Unlock()
	p.bus.Inbound <- bus.InboundMessage{Channel: "feishu", ChatID: "ou_x", Content: "ping again", Metadata: bus.Metadata{ChatType: bus.ChatTypeP2P}}
	select {
	case out := <-p.bus.Outbound:
		assert.Equal(t, apology, out.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no apology published")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, lane.Stats{}, p.loop.LaneStats())
}
