package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/dedup"
	"github.com/dayuer/nanobot-group/internal/httpmw"
	"github.com/dayuer/nanobot-group/internal/mention"
	"github.com/dayuer/nanobot-group/internal/metrics"
	"github.com/dayuer/nanobot-group/internal/transcript"
	"github.com/dayuer/nanobot-group/internal/utils"
)

const (
	FeishuName           = "feishu"
	DefaultFeishuBaseURL = "https://open.feishu.cn"
	DefaultFeishuPort    = 9000

	feishuDedupCapacity = 1000
	// Events created this long before startup are platform replays.
	feishuReplayWindow = 60 * time.Second
	feishuEventMessage = "im.message.receive_v1"
)

var feishuMsgTypes = map[string]string{
	"image":   "[image]",
	"audio":   "[audio]",
	"file":    "[file]",
	"sticker": "[sticker]",
}

// FeishuConfig configures the Feishu/Lark bot.
type FeishuConfig struct {
	AppID             string
	AppSecret         string
	VerificationToken string
	Port              int
	AllowFrom         []string
	GroupPolicy       string

	// BaseURL overrides the open platform host.
	BaseURL string
	// BotOpenID skips the bot info lookup when set.
	BotOpenID string
}

// FeishuOptions carries the shared group components.
type FeishuOptions struct {
	Transcript transcript.Store
	Resolver   *mention.Resolver
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// FeishuChannel implements the Feishu/Lark bot channel.
// Uses webhook-style event receiving (HTTP endpoint).
type FeishuChannel struct {
	BaseChannel
	cfg        FeishuConfig
	transcript transcript.Store
	resolver   *mention.Resolver
	client     *http.Client
	seen       *dedup.Ledger
	logger     zerolog.Logger

	mu          sync.RWMutex
	botOpenID   string
	startedAt   time.Time
	accessToken string
	tokenExpiry time.Time
	cancelFn    context.CancelFunc

	identityRetries int
	identityDelay   time.Duration
}

// NewFeishuChannel creates a FeishuChannel.
func NewFeishuChannel(cfg FeishuConfig, msgBus *bus.MessageBus, opts FeishuOptions) *FeishuChannel {
	if cfg.Port == 0 {
		cfg.Port = DefaultFeishuPort
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultFeishuBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Resolver == nil {
		opts.Resolver = mention.NewResolver(nil)
	}
	return &FeishuChannel{
		BaseChannel: BaseChannel{
			ChannelName: FeishuName,
			Bus:         msgBus,
			AllowFrom:   cfg.AllowFrom,
		},
		cfg:             cfg,
		transcript:      opts.Transcript,
		resolver:        opts.Resolver,
		client:          opts.HTTPClient,
		seen:            dedup.NewLedger(feishuDedupCapacity),
		logger:          opts.Logger.With().Str("component", "feishu").Logger(),
		botOpenID:       cfg.BotOpenID,
		identityRetries: 3,
		identityDelay:   2 * time.Second,
	}
}

func (f *FeishuChannel) Name() string { return FeishuName }

// BotOpenID returns this bot's platform identity, or "" while unknown.
func (f *FeishuChannel) BotOpenID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.botOpenID
}

// Handler returns the webhook router.
func (f *FeishuChannel) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(httpmw.Logger(f.logger))
	r.Use(chimw.Recoverer)
	r.Post("/webhook/event", f.handleEvent)
	return r
}

// Start resolves the bot identity and serves the webhook. Blocks until ctx is cancelled.
func (f *FeishuChannel) Start(ctx context.Context) error {
	if f.cfg.AppID == "" || f.cfg.AppSecret == "" {
		return fmt.Errorf("feishu app_id and app_secret not configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancelFn = cancel
	f.startedAt = time.Now()
	f.mu.Unlock()
	f.setRunning(true)
	defer f.setRunning(false)

	if f.BotOpenID() == "" {
		id, err := f.fetchBotOpenID(ctx)
		if err != nil {
			f.logger.Warn().Err(err).Msg("could not fetch bot open_id; self-skip and mention detection disabled")
		} else {
			f.mu.Lock()
			f.botOpenID = id
			f.mu.Unlock()
			f.logger.Info().Str("open_id", id).Msg("bot identity resolved")
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", f.cfg.Port),
		Handler:           f.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	f.logger.Info().Int("port", f.cfg.Port).Msg("feishu webhook listening")
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the Feishu bot.
func (f *FeishuChannel) Stop() error {
	f.mu.Lock()
	cancel := f.cancelFn
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.setRunning(false)
	return nil
}

// --- Inbound ---

type feishuEnvelope struct {
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Header    struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event *feishuMessageEvent `json:"event"`
}

type feishuMessageEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string          `json:"message_id"`
		ChatID      string          `json:"chat_id"`
		ChatType    string          `json:"chat_type"`
		MessageType string          `json:"message_type"`
		Content     string          `json:"content"`
		CreateTime  string          `json:"create_time"`
		Mentions    []feishuMention `json:"mentions"`
	} `json:"message"`
}

type feishuMention struct {
	Key string `json:"key"`
	ID  struct {
		OpenID string `json:"open_id"`
	} `json:"id"`
	Name string `json:"name"`
}

func (f *FeishuChannel) handleEvent(w http.ResponseWriter, r *http.Request) {
	var env feishuEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if f.cfg.VerificationToken != "" {
		token := env.Header.Token
		if token == "" {
			token = env.Token
		}
		if token != f.cfg.VerificationToken {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	// URL verification challenge
	if env.Challenge != "" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return
	}

	if env.Header.EventType == feishuEventMessage && env.Event != nil {
		outcome := f.processMessage(r.Context(), env.Event)
		metrics.ChannelEvents.WithLabelValues(FeishuName, outcome).Inc()
	}
	w.WriteHeader(http.StatusOK)
}

// processMessage turns one platform message into a bus event and returns the outcome label.
func (f *FeishuChannel) processMessage(ctx context.Context, ev *feishuMessageEvent) string {
	msg := ev.Message
	log := f.logger.With().Str("message_id", msg.MessageID).Logger()

	if msg.MessageID != "" && !f.seen.Claim(msg.MessageID) {
		return "duplicate"
	}

	senderID := ev.Sender.SenderID.OpenID
	if senderID == "" {
		senderID = "unknown"
	}
	self := f.BotOpenID()
	if ev.Sender.SenderType == "bot" || (self != "" && senderID == self) {
		log.Debug().Msg("skipping bot-sent message")
		return "self"
	}

	if f.isReplay(msg.CreateTime) {
		log.Debug().Str("create_time", msg.CreateTime).Msg("skipping replayed historical message")
		return "replay"
	}

	annotations := make([]mention.Annotation, 0, len(msg.Mentions))
	for _, m := range msg.Mentions {
		annotations = append(annotations, mention.Annotation{Key: m.Key, ID: m.ID.OpenID, Name: m.Name})
	}
	parsed := f.resolver.Parse(parseFeishuContent(msg.MessageType, msg.Content), annotations)
	isGroup := msg.ChatType == bus.ChatTypeGroup
	isMentioned := parsed.Has(self)

	if isGroup && !isMentioned && f.cfg.GroupPolicy == "mention" {
		log.Debug().Msg("skipping non-mentioned group message")
		return "filtered"
	}
	if parsed.Content == "" {
		return "empty"
	}

	if isGroup && f.transcript != nil {
		err := f.transcript.Append(ctx, utils.SessionKey(FeishuName, msg.ChatID), transcript.Entry{
			Role:      transcript.RoleUser,
			Content:   parsed.Content,
			Sender:    senderID,
			MessageID: msg.MessageID,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to append inbound to transcript")
		}
	}

	replyTo := senderID
	if isGroup {
		replyTo = msg.ChatID
	}
	md := bus.Metadata{
		ChatType:      msg.ChatType,
		MessageID:     msg.MessageID,
		MsgType:       msg.MessageType,
		GroupPolicy:   f.cfg.GroupPolicy,
		IsMentioned:   isMentioned,
		MentionsKnown: self != "",
	}
	ok, err := f.HandleMessage(ctx, senderID, replyTo, parsed.Content, md)
	if err != nil {
		// Let the platform's retry through. The transcript collapses the repeated user turn.
		if msg.MessageID != "" {
			f.seen.Forget(msg.MessageID)
		}
		log.Warn().Err(err).Msg("failed to publish inbound message")
		return "dropped"
	}
	if !ok {
		return "filtered"
	}
	return "published"
}

func (f *FeishuChannel) isReplay(createTime string) bool {
	if createTime == "" {
		return false
	}
	f.mu.RLock()
	started := f.startedAt
	f.mu.RUnlock()
	if started.IsZero() {
		return false
	}
	ms, err := strconv.ParseInt(createTime, 10, 64)
	if err != nil {
		return false
	}
	return time.UnixMilli(ms).Before(started.Add(-feishuReplayWindow))
}

func parseFeishuContent(msgType, raw string) string {
	if msgType != "text" {
		if label, ok := feishuMsgTypes[msgType]; ok {
			return label
		}
		return "[" + msgType + "]"
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return raw
	}
	return parsed.Text
}

// --- Outbound ---

// Send renders @Name mentions and posts an interactive card.
func (f *FeishuChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	token, err := f.ensureToken(ctx)
	if err != nil {
		return err
	}

	receiveIDType := "open_id"
	if strings.HasPrefix(msg.ChatID, "oc_") {
		receiveIDType = "chat_id"
	}

	card := map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"elements": buildCardElements(f.resolver.Render(msg.Content)),
	}
	// <at> tags must reach the platform unescaped.
	var cardJSON bytes.Buffer
	enc := json.NewEncoder(&cardJSON)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(card); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		"receive_id": msg.ChatID,
		"msg_type":   "interactive",
		"content":    strings.TrimSpace(cardJSON.String()),
	})
	if err != nil {
		return err
	}

	url := f.cfg.BaseURL + "/open-apis/im/v1/messages?receive_id_type=" + receiveIDType
	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := f.doJSON(ctx, http.MethodPost, url, token, body, &result); err != nil {
		metrics.ChannelSendErrors.WithLabelValues(FeishuName).Inc()
		return err
	}
	if result.Code != 0 {
		metrics.ChannelSendErrors.WithLabelValues(FeishuName).Inc()
		return fmt.Errorf("feishu send failed: code=%d msg=%s", result.Code, result.Msg)
	}
	f.logger.Debug().Str("chat_id", msg.ChatID).Msg("feishu message sent")
	return nil
}

var tableRe = regexp.MustCompile(`(?m)((?:^[ \t]*\|.+\|[ \t]*\n)(?:^[ \t]*\|[-:\s|]+\|[ \t]*\n)(?:^[ \t]*\|.+\|[ \t]*(?:\n|$))+)`)

// buildCardElements splits content into markdown and table card elements.
func buildCardElements(content string) []map[string]any {
	var elements []map[string]any
	last := 0
	for _, loc := range tableRe.FindAllStringIndex(content, -1) {
		if before := strings.TrimSpace(content[last:loc[0]]); before != "" {
			elements = append(elements, map[string]any{"tag": "markdown", "content": before})
		}
		block := content[loc[0]:loc[1]]
		if table := parseMarkdownTable(block); table != nil {
			elements = append(elements, table)
		} else {
			elements = append(elements, map[string]any{"tag": "markdown", "content": block})
		}
		last = loc[1]
	}
	if rest := strings.TrimSpace(content[last:]); rest != "" {
		elements = append(elements, map[string]any{"tag": "markdown", "content": rest})
	}
	if len(elements) == 0 {
		elements = append(elements, map[string]any{"tag": "markdown", "content": content})
	}
	return elements
}

func parseMarkdownTable(block string) map[string]any {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(block), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) < 3 {
		return nil
	}
	split := func(l string) []string {
		cells := strings.Split(strings.Trim(l, "|"), "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		return cells
	}
	headers := split(lines[0])
	columns := make([]map[string]any, len(headers))
	for i, h := range headers {
		columns[i] = map[string]any{"tag": "column", "name": fmt.Sprintf("c%d", i), "display_name": h, "width": "auto"}
	}
	rows := make([]map[string]any, 0, len(lines)-2)
	for _, l := range lines[2:] {
		cells := split(l)
		row := make(map[string]any, len(headers))
		for i := range headers {
			v := ""
			if i < len(cells) {
				v = cells[i]
			}
			row[fmt.Sprintf("c%d", i)] = v
		}
		rows = append(rows, row)
	}
	return map[string]any{
		"tag":       "table",
		"page_size": len(rows) + 1,
		"columns":   columns,
		"rows":      rows,
	}
}

// --- Platform API ---

func (f *FeishuChannel) ensureToken(ctx context.Context) (string, error) {
	f.mu.RLock()
	token, expiry := f.accessToken, f.tokenExpiry
	f.mu.RUnlock()
	if token != "" && time.Now().Before(expiry) {
		return token, nil
	}
	return f.refreshToken(ctx)
}

func (f *FeishuChannel) refreshToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"app_id":     f.cfg.AppID,
		"app_secret": f.cfg.AppSecret,
	})
	if err != nil {
		return "", err
	}
	var result struct {
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
		Token  string `json:"tenant_access_token"`
		Expire int    `json:"expire"`
	}
	url := f.cfg.BaseURL + "/open-apis/auth/v3/tenant_access_token/internal"
	if err := f.doJSON(ctx, http.MethodPost, url, "", body, &result); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", fmt.Errorf("feishu token refresh failed: code=%d msg=%s", result.Code, result.Msg)
	}
	f.mu.Lock()
	f.accessToken = result.Token
	f.tokenExpiry = time.Now().Add(time.Duration(result.Expire-60) * time.Second)
	f.mu.Unlock()
	return result.Token, nil
}

// fetchBotOpenID asks the platform who this bot is, retrying a few times.
func (f *FeishuChannel) fetchBotOpenID(ctx context.Context) (string, error) {
	var openID string
	op := func() error {
		token, err := f.refreshToken(ctx)
		if err != nil {
			return err
		}
		var result struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
			Bot  struct {
				OpenID string `json:"open_id"`
			} `json:"bot"`
		}
		if err := f.doJSON(ctx, http.MethodGet, f.cfg.BaseURL+"/open-apis/bot/v3/info", token, nil, &result); err != nil {
			return err
		}
		if result.Bot.OpenID == "" {
			return fmt.Errorf("bot info missing open_id: code=%d msg=%s", result.Code, result.Msg)
		}
		openID = result.Bot.OpenID
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.identityDelay), uint64(f.identityRetries-1)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		f.logger.Warn().Err(err).Dur("retry_in", next).Msg("fetch bot info failed")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", err
	}
	return openID, nil
}

func (f *FeishuChannel) doJSON(ctx context.Context, method, url, token string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feishu %s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, utils.TruncateString(string(data), 200, "..."))
	}
	return json.Unmarshal(data, out)
}
