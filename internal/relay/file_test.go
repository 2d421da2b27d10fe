package relay

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(_ context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func newFileRelay(t *testing.T, dir, agent string) *FileRelay {
	t.Helper()
	r, err := NewFileRelay(dir, agent, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestFileRelay_PublishThenSubscribe(t *testing.T) {
	dir := t.TempDir()
	pub := newFileRelay(t, dir, "alpha")
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, Event{RelayID: "r1", ChatSession: "feishu:oc_1", Content: "one"}))

	sub := newFileRelay(t, dir, "beta")
	var c collector
	s, err := sub.Subscribe(ctx, c.handle)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, pub.Publish(ctx, Event{RelayID: "r2", ChatSession: "feishu:oc_1", Content: "two"}))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := c.snapshot()
	assert.Equal(t, "r1", got[0].RelayID)
	assert.Equal(t, "r2", got[1].RelayID)
}

func TestFileRelay_OffsetSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	r := newFileRelay(t, dir, "beta")
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, Event{RelayID: "r1", ChatSession: "feishu:oc_1"}))

	var first collector
	s, err := r.Subscribe(ctx, first.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(first.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Close())

	require.NoError(t, r.Publish(ctx, Event{RelayID: "r2", ChatSession: "feishu:oc_1"}))

	var second collector
	s, err = newFileRelay(t, dir, "beta").Subscribe(ctx, second.handle)
	require.NoError(t, err)
	defer s.Close()
	require.Eventually(t, func() bool { return len(second.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "r2", second.snapshot()[0].RelayID)
}

func TestFileRelay_PartialLineWaitsForNewline(t *testing.T) {
	dir := t.TempDir()
	r := newFileRelay(t, dir, "beta")
	path := filepath.Join(dir, "outbound.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"relay_id":"r1","chat_session":"feishu:oc_1"`), 0644))

	var c collector
	require.NoError(t, r.drain(context.Background(), c.handle))
	assert.Empty(t, c.snapshot())
	off, err := r.loadOffset()
	require.NoError(t, err)
	assert.Zero(t, off)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, r.drain(context.Background(), c.handle))
	require.Len(t, c.snapshot(), 1)
	assert.Equal(t, "r1", c.snapshot()[0].RelayID)
}

func TestFileRelay_SkipsMalformedAndRewindsOnTruncate(t *testing.T) {
	dir := t.TempDir()
	r := newFileRelay(t, dir, "beta")
	path := filepath.Join(dir, "outbound.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"relay_id\":\"r1\",\"chat_session\":\"a:b\"}\n"), 0644))

	var c collector
	require.NoError(t, r.drain(context.Background(), c.handle))
	require.Len(t, c.snapshot(), 1)

	require.NoError(t, os.WriteFile(path, []byte("{\"relay_id\":\"r9\",\"chat_session\":\"a:b\"}\n"), 0644))
	require.NoError(t, r.drain(context.Background(), c.handle))
	got := c.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "r9", got[1].RelayID)
}

func TestFileRelay_RequiresAgentName(t *testing.T) {
	_, err := NewFileRelay(t.TempDir(), "", 0, zerolog.Nop())
	assert.Error(t, err)
}
