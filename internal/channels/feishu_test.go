package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/mention"
	"github.com/dayuer/nanobot-group/internal/transcript"
)

var testRoster = []mention.Member{
	{ID: "ou_alpha", Name: "Alpha", Type: mention.TypeBot, Description: "planner"},
	{ID: "ou_beta", Name: "Beta", Type: mention.TypeBot, Description: "coder"},
	{ID: "ou_carol", Name: "Carol", Type: mention.TypeHuman},
}

func newTestFeishu(t *testing.T, cfg FeishuConfig) (*FeishuChannel, *bus.MessageBus, *transcript.FileStore) {
	t.Helper()
	store, err := transcript.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	mb := bus.NewMessageBus()
	if cfg.GroupPolicy == "" {
		cfg.GroupPolicy = "auto"
	}
	f := NewFeishuChannel(cfg, mb, FeishuOptions{
		Transcript: store,
		Resolver:   mention.NewResolver(mention.NewTable(testRoster)),
		Logger:     zerolog.Nop(),
	})
	return f, mb, store
}

type eventOpts struct {
	senderID   string
	senderType string
	chatType   string
	msgType    string
	createTime time.Time
	mentions   []map[string]any
}

func messageEvent(id, text string, o eventOpts) []byte {
	if o.senderID == "" {
		o.senderID = "ou_carol"
	}
	if o.senderType == "" {
		o.senderType = "user"
	}
	if o.chatType == "" {
		o.chatType = bus.ChatTypeGroup
	}
	if o.msgType == "" {
		o.msgType = "text"
	}
	if o.createTime.IsZero() {
		o.createTime = time.Now()
	}
	content, _ := json.Marshal(map[string]string{"text": text})
	payload := map[string]any{
		"schema": "2.0",
		"header": map[string]any{"event_type": feishuEventMessage, "token": "vt"},
		"event": map[string]any{
			"sender": map[string]any{
				"sender_id":   map[string]any{"open_id": o.senderID},
				"sender_type": o.senderType,
			},
			"message": map[string]any{
				"message_id":   id,
				"chat_id":      "oc_room",
				"chat_type":    o.chatType,
				"message_type": o.msgType,
				"content":      string(content),
				"create_time":  strconv.FormatInt(o.createTime.UnixMilli(), 10),
				"mentions":     o.mentions,
			},
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

func mentionOf(key, openID, name string) map[string]any {
	return map[string]any{"key": key, "id": map[string]any{"open_id": openID}, "name": name}
}

func postEvent(t *testing.T, f *FeishuChannel, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/event", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.Handler().ServeHTTP(rec, req)
	return rec
}

func TestFeishu_Contract(t *testing.T) {
	f, _, _ := newTestFeishu(t, FeishuConfig{})
	RunChannelContractTests(t, f)
}

func TestFeishu_Challenge(t *testing.T) {
	f, _, _ := newTestFeishu(t, FeishuConfig{})
	rec := postEvent(t, f, []byte(`{"challenge":"abc","type":"url_verification"}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"challenge":"abc"}`, rec.Body.String())
}

func TestFeishu_VerificationTokenMismatch(t *testing.T) {
	f, mb, _ := newTestFeishu(t, FeishuConfig{VerificationToken: "expected", BotOpenID: "ou_beta"})
	rec := postEvent(t, f, messageEvent("om_1", "hi", eventOpts{}))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, mb.InboundSize())
}

func TestFeishu_BadBody(t *testing.T) {
	f, _, _ := newTestFeishu(t, FeishuConfig{})
	rec := postEvent(t, f, []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeishu_GroupMentionPublishedAndRecorded(t *testing.T) {
	f, mb, store := newTestFeishu(t, FeishuConfig{VerificationToken: "vt", BotOpenID: "ou_beta"})
	body := messageEvent("om_1", "@_user_1 can you review this?", eventOpts{
		mentions: []map[string]any{mentionOf("@_user_1", "ou_beta", "Beta")},
	})

	rec := postEvent(t, f, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, mb.InboundSize())

	msg := <-mb.Inbound
	assert.Equal(t, FeishuName, msg.Channel)
	assert.Equal(t, "oc_room", msg.ChatID)
	assert.Equal(t, "ou_carol", msg.SenderID)
	assert.Equal(t, "@Beta can you review this?", msg.Content)
	assert.True(t, msg.Metadata.IsGroup())
	assert.True(t, msg.Metadata.IsMentioned)
	assert.True(t, msg.Metadata.MentionsKnown)
	assert.Equal(t, "om_1", msg.Metadata.MessageID)
	assert.Equal(t, "text", msg.Metadata.MsgType)
	assert.Equal(t, "auto", msg.Metadata.GroupPolicy)

	entries, err := store.GetRecent(context.Background(), "feishu:oc_room", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, transcript.RoleUser, entries[0].Role)
	assert.Equal(t, "ou_carol", entries[0].Sender)
	assert.Equal(t, "om_1", entries[0].MessageID)
}

func TestFeishu_PeerMentionIsNotSelfMention(t *testing.T) {
	f, mb, _ := newTestFeishu(t, FeishuConfig{BotOpenID: "ou_beta"})
	postEvent(t, f, messageEvent("om_1", "@_user_1 plan it", eventOpts{
		mentions: []map[string]any{mentionOf("@_user_1", "ou_alpha", "Alpha")},
	}))

	require.Equal(t, 1, mb.InboundSize())
	msg := <-mb.Inbound
	assert.Equal(t, "@Alpha plan it", msg.Content)
	assert.False(t, msg.Metadata.IsMentioned)
	assert.True(t, msg.Metadata.MentionsKnown)
}

func TestFeishu_DuplicateDelivery(t *testing.T) {
	f, mb, _ := newTestFeishu(t, FeishuConfig{BotOpenID: "ou_beta"})
	body := messageEvent("om_1", "hello", eventOpts{})

	postEvent(t, f, body)
	postEvent(t, f, body)
	assert.Equal(t, 1, mb.InboundSize())
}

func TestFeishu_FailedPublishAllowsRedelivery(t *testing.T) {
	f, mb, store := newTestFeishu(t, FeishuConfig{BotOpenID: "ou_beta"})
	for i := 0; i < cap(mb.Inbound); i++ {
		mb.Inbound <- bus.InboundMessage{Content: "filler"}
	}
	body := messageEvent("om_42", "anyone there?", eventOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/webhook/event", bytes.NewReader(body)).WithContext(ctx)
	f.Handler().ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, cap(mb.Inbound), mb.InboundSize())

	<-mb.Inbound
	postEvent(t, f, body)
	require.Equal(t, cap(mb.Inbound), mb.InboundSize())

	entries, err := store.GetRecent(context.Background(), "feishu:oc_room", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "om_42", entries[0].MessageID)

	// the retried message is now claimed
	<-mb.Inbound
	postEvent(t, f, body)
	assert.Equal(t, cap(mb.Inbound)-1, mb.InboundSize())
}

func TestFeishu_SkipsBotAndSelf(t *testing.T) {
	f, mb, store := newTestFeishu(t, FeishuConfig{BotOpenID: "ou_beta"})

	postEvent(t, f, messageEvent("om_1", "from a bot", eventOpts{senderID: "ou_alpha", senderType: "bot"}))
	postEvent(t, f, messageEvent("om_2", "from me", eventOpts{senderID: "ou_beta"}))

	assert.Equal(t, 0, mb.InboundSize())
	entries, err := store.GetRecent(context.Background(), "feishu:oc_room", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFeishu_SkipsReplayedHistory(t *testing.T) {
	f, mb, _ := newTestFeishu(t, FeishuConfig{BotOpenID: "ou_beta"})
	f.startedAt = time.Now()

	postEvent(t, f, messageEvent("om_old", "old", eventOpts{createTime: time.Now().Add(-2 * time.Minute)}))
	postEvent(t, f, messageEvent("om_skew", "skewed clock", eventOpts{createTime: time.Now().Add(-30 * time.Second)}))

	require.Equal(t, 1, mb.InboundSize())
	msg := <-mb.Inbound
	assert.Equal(t, "om_skew", msg.Metadata.MessageID)
}

func TestFeishu_MentionPolicyFiltersUnmentioned(t *testing.T) {
	f, mb, store := newTestFeishu(t, FeishuConfig{BotOpenID: "ou_beta", GroupPolicy: "mention"})

	postEvent(t, f, messageEvent("om_1", "general chatter", eventOpts{}))
	assert.Equal(t, 0, mb.InboundSize())
	entries, err := store.GetRecent(context.Background(), "feishu:oc_room", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	postEvent(t, f, messageEvent("om_2", "@_user_1 you there?", eventOpts{
		mentions: []map[string]any{mentionOf("@_user_1", "ou_beta", "Beta")},
	}))
	assert.Equal(t, 1, mb.InboundSize())
}

func TestFeishu_DirectChat(t *testing.T) {
	f, mb, store := newTestFeishu(t, FeishuConfig{BotOpenID: "ou_beta"})
	postEvent(t, f, messageEvent("om_1", "hi there", eventOpts{chatType: bus.ChatTypeP2P}))

	require.Equal(t, 1, mb.InboundSize())
	msg := <-mb.Inbound
	assert.Equal(t, "ou_carol", msg.ChatID)
	assert.Equal(t, bus.ChatTypeP2P, msg.Metadata.ChatType)

	entries, err := store.GetRecent(context.Background(), "feishu:oc_room", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFeishu_NonTextContent(t *testing.T) {
	f, mb, _ := newTestFeishu(t, FeishuConfig{BotOpenID: "ou_beta"})
	postEvent(t, f, messageEvent("om_1", "", eventOpts{msgType: "image"}))
	postEvent(t, f, messageEvent("om_2", "", eventOpts{msgType: "location"}))

	require.Equal(t, 2, mb.InboundSize())
	assert.Equal(t, "[image]", (<-mb.Inbound).Content)
	assert.Equal(t, "[location]", (<-mb.Inbound).Content)
}

func TestFeishu_EmptyAfterPlaceholderStrip(t *testing.T) {
	f, mb, _ := newTestFeishu(t, FeishuConfig{BotOpenID: "ou_beta"})
	postEvent(t, f, messageEvent("om_1", "@_user_9", eventOpts{}))
	assert.Equal(t, 0, mb.InboundSize())
}

func TestFeishu_UnknownIdentityLeavesMentionsUnknown(t *testing.T) {
	f, mb, _ := newTestFeishu(t, FeishuConfig{})
	postEvent(t, f, messageEvent("om_1", "@_user_1 hi", eventOpts{
		mentions: []map[string]any{mentionOf("@_user_1", "ou_beta", "Beta")},
	}))

	require.Equal(t, 1, mb.InboundSize())
	msg := <-mb.Inbound
	assert.False(t, msg.Metadata.IsMentioned)
	assert.False(t, msg.Metadata.MentionsKnown)
}

// fakeOpenPlatform stands in for the Feishu open API.
type fakeOpenPlatform struct {
	*httptest.Server
	tokenCalls atomic.Int32
	infoFails  atomic.Int32
	sendCode   int

	mu    sync.Mutex
	sends []sentRequest
}

type sentRequest struct {
	ReceiveIDType string
	Auth          string
	Body          map[string]any
}

func newFakeOpenPlatform(t *testing.T) *fakeOpenPlatform {
	p := &fakeOpenPlatform{}
	mux := http.NewServeMux()
	mux.HandleFunc("/open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "tenant_access_token": "t-123", "expire": 7200})
	})
	mux.HandleFunc("/open-apis/bot/v3/info", func(w http.ResponseWriter, r *http.Request) {
		if p.infoFails.Load() > 0 {
			p.infoFails.Add(-1)
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "bot": map[string]any{"open_id": "ou_beta"}})
	})
	mux.HandleFunc("/open-apis/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.sends = append(p.sends, sentRequest{
			ReceiveIDType: r.URL.Query().Get("receive_id_type"),
			Auth:          r.Header.Get("Authorization"),
			Body:          body,
		})
		p.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"code": p.sendCode, "msg": "x"})
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *fakeOpenPlatform) Sends() []sentRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentRequest(nil), p.sends...)
}

func TestFeishu_SendRendersMentionsAndCachesToken(t *testing.T) {
	platform := newFakeOpenPlatform(t)
	f, _, _ := newTestFeishu(t, FeishuConfig{AppID: "a", AppSecret: "s", BaseURL: platform.URL})

	ctx := context.Background()
	require.NoError(t, f.Send(ctx, bus.OutboundMessage{Channel: FeishuName, ChatID: "oc_room", Content: "@Alpha please plan"}))
	require.NoError(t, f.Send(ctx, bus.OutboundMessage{Channel: FeishuName, ChatID: "ou_carol", Content: "done"}))

	assert.EqualValues(t, 1, platform.tokenCalls.Load())
	sends := platform.Sends()
	require.Len(t, sends, 2)
	assert.Equal(t, "chat_id", sends[0].ReceiveIDType)
	assert.Equal(t, "open_id", sends[1].ReceiveIDType)
	assert.Equal(t, "Bearer t-123", sends[0].Auth)
	assert.Equal(t, "interactive", sends[0].Body["msg_type"])
	assert.Contains(t, sends[0].Body["content"], "<at id=ou_alpha></at> please plan")
}

func TestFeishu_SendPlatformError(t *testing.T) {
	platform := newFakeOpenPlatform(t)
	platform.sendCode = 230002
	f, _, _ := newTestFeishu(t, FeishuConfig{AppID: "a", AppSecret: "s", BaseURL: platform.URL})

	err := f.Send(context.Background(), bus.OutboundMessage{Channel: FeishuName, ChatID: "oc_room", Content: "hi"})
	assert.ErrorContains(t, err, "code=230002")
}

func TestFeishu_FetchBotOpenIDRetries(t *testing.T) {
	platform := newFakeOpenPlatform(t)
	platform.infoFails.Store(2)
	f, _, _ := newTestFeishu(t, FeishuConfig{AppID: "a", AppSecret: "s", BaseURL: platform.URL})
	f.identityDelay = 10 * time.Millisecond

	id, err := f.fetchBotOpenID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ou_beta", id)
}

func TestFeishu_FetchBotOpenIDGivesUp(t *testing.T) {
	platform := newFakeOpenPlatform(t)
	platform.infoFails.Store(10)
	f, _, _ := newTestFeishu(t, FeishuConfig{AppID: "a", AppSecret: "s", BaseURL: platform.URL})
	f.identityDelay = 10 * time.Millisecond

	_, err := f.fetchBotOpenID(context.Background())
	assert.Error(t, err)
	assert.EqualValues(t, 7, platform.infoFails.Load())
}

func TestFeishu_StartRequiresCredentials(t *testing.T) {
	f, _, _ := newTestFeishu(t, FeishuConfig{})
	assert.Error(t, f.Start(context.Background()))
}

func TestBuildCardElements_Table(t *testing.T) {
	content := "Summary:\n| Name | Role |\n|---|---|\n| Alpha | planner |\n| Beta | coder |\nThat's all."
	elements := buildCardElements(content)

	require.Len(t, elements, 3)
	assert.Equal(t, "markdown", elements[0]["tag"])
	assert.Equal(t, "Summary:", elements[0]["content"])
	assert.Equal(t, "table", elements[1]["tag"])
	rows := elements[1]["rows"].([]map[string]any)
	require.Len(t, rows, 2)
	assert.Equal(t, "Beta", rows[1]["c0"])
	assert.Equal(t, "That's all.", elements[2]["content"])
}

func TestBuildCardElements_PlainText(t *testing.T) {
	elements := buildCardElements("just text")
	require.Len(t, elements, 1)
	assert.Equal(t, "just text", elements[0]["content"])
}
