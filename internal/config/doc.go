// Package config handles configuration loading, saving, and schema definition.
package config

import "time"

// Config is the top-level nanobot configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Provider   ProviderConfig   `json:"provider"`
	Channel    ChannelConfig    `json:"channel"`
	Group      GroupConfig      `json:"group"`
	Relay      RelayConfig      `json:"relay"`
	Transcript TranscriptConfig `json:"transcript"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// AgentConfig holds agent behavior settings.
type AgentConfig struct {
	// Name is this bot's display name. It must match its entry in the group roster.
	Name        string  `json:"name,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Workspace   string  `json:"workspace,omitempty"`
}

// ProviderConfig points at an OpenAI-compatible completion endpoint.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
}

// ChannelConfig holds per-channel settings.
type ChannelConfig struct {
	Feishu *FeishuConfig `json:"feishu,omitempty"`
}

// FeishuConfig holds Feishu/Lark settings.
type FeishuConfig struct {
	AppID             string   `json:"appId"`
	AppSecret         string   `json:"appSecret"`
	VerificationToken string   `json:"verificationToken,omitempty"`
	Port              int      `json:"port,omitempty"`
	AllowFrom         []string `json:"allowFrom,omitempty"`
	BaseURL           string   `json:"baseUrl,omitempty"`
}

// GroupConfig holds the multi-bot reply knobs.
type GroupConfig struct {
	Policy           string `json:"policy,omitempty"`
	MaxBotReplyDepth int    `json:"maxBotReplyDepth,omitempty"`
	// The two bot-reply knobs are pointers so an explicit 0 or false survives
	// the defaults and a Save/Load round trip.
	BotReplyLLMThreshold *int   `json:"botReplyLlmThreshold,omitempty"`
	BotReplyLLMCheck     *bool  `json:"botReplyLlmCheck,omitempty"`
	CheckTimeoutSeconds  int    `json:"checkTimeoutSeconds,omitempty"`
	HistoryLimit         int    `json:"historyLimit,omitempty"`
	RosterPath           string `json:"rosterPath,omitempty"`
}

// DefaultLLMThreshold is the bot reply depth answered without a relevance check.
const DefaultLLMThreshold = 1

// LLMThreshold returns the effective botReplyLlmThreshold value.
func (g GroupConfig) LLMThreshold() int {
	if g.BotReplyLLMThreshold == nil {
		return DefaultLLMThreshold
	}
	return *g.BotReplyLLMThreshold
}

// LLMCheckEnabled reports the effective botReplyLlmCheck value.
func (g GroupConfig) LLMCheckEnabled() bool {
	return g.BotReplyLLMCheck == nil || *g.BotReplyLLMCheck
}

// CheckTimeout returns the relevance check deadline.
func (g GroupConfig) CheckTimeout() time.Duration {
	return time.Duration(g.CheckTimeoutSeconds) * time.Second
}

// Relay backends.
const (
	BackendNone  = "none"
	BackendFile  = "file"
	BackendRedis = "redis"
)

// RelayConfig selects and tunes the cross-process relay.
type RelayConfig struct {
	Backend        string `json:"backend,omitempty"`
	Dir            string `json:"dir,omitempty"`
	RedisURL       string `json:"redisUrl,omitempty"`
	Stream         string `json:"stream,omitempty"`
	PollIntervalMs int    `json:"pollIntervalMs,omitempty"`
	DedupCapacity  int    `json:"dedupCapacity,omitempty"`
}

// PollInterval returns the file relay poll interval.
func (r RelayConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMs) * time.Millisecond
}

// TranscriptConfig selects the shared transcript backend.
type TranscriptConfig struct {
	Backend    string `json:"backend,omitempty"`
	Dir        string `json:"dir,omitempty"`
	RedisURL   string `json:"redisUrl,omitempty"`
	MaxEntries int    `json:"maxEntries,omitempty"`
}

// LoggingConfig controls the root logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // console or json
}

// MetricsConfig controls the ops HTTP server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Group: GroupConfig{
			Policy:              "auto",
			MaxBotReplyDepth:    3,
			CheckTimeoutSeconds: 15,
			HistoryLimit:        20,
		},
		Relay: RelayConfig{
			Backend:        BackendFile,
			Stream:         "nanobot:relay:outbound",
			PollIntervalMs: 500,
			DedupCapacity:  5000,
		},
		Transcript: TranscriptConfig{
			Backend:    BackendFile,
			MaxEntries: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: ":18790",
		},
	}
}
