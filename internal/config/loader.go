package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/dayuer/nanobot-group/internal/routing"
	"github.com/dayuer/nanobot-group/internal/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NANOBOT_"

// GetConfigPath returns the default config file path (~/.nanobot/config.json).
func GetConfigPath() string {
	return filepath.Join(utils.GetDataPath(), "config.json")
}

// Load reads configuration from a JSON file, then applies .env and NANOBOT_*
// environment overrides. If path is empty, uses the default config path.
// A missing file yields DefaultConfig() plus overrides.
func Load(path string) (Config, error) {
	if path == "" {
		path = GetConfigPath()
	}

	cfg := DefaultConfig() // start with defaults so zero-value fields get filled
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return DefaultConfig(), fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return Config{}, err
	}

	// .env next to the config file, then in the working directory. Existing
	// environment variables always win.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	_ = godotenv.Load()
	applyEnv(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes configuration to a JSON file.
// If path is empty, uses the default config path.
func Save(cfg Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks enumerated values.
func (c Config) Validate() error {
	if _, err := routing.ParsePolicy(c.Group.Policy); err != nil {
		return fmt.Errorf("group.policy: %w", err)
	}
	switch c.Relay.Backend {
	case BackendNone, BackendFile, BackendRedis:
	default:
		return fmt.Errorf("relay.backend: unknown backend %q", c.Relay.Backend)
	}
	switch c.Transcript.Backend {
	case BackendFile, BackendRedis:
	default:
		return fmt.Errorf("transcript.backend: unknown backend %q", c.Transcript.Backend)
	}
	if c.Relay.Backend == BackendRedis && c.Relay.RedisURL == "" {
		return fmt.Errorf("relay.redisUrl is required for the redis backend")
	}
	if c.Transcript.Backend == BackendRedis && c.Transcript.RedisURL == "" {
		return fmt.Errorf("transcript.redisUrl is required for the redis backend")
	}
	return nil
}

// WorkspacePath returns the agent workspace, defaulting under the data dir.
func (c Config) WorkspacePath() string {
	if c.Agent.Workspace != "" {
		return utils.ExpandHome(c.Agent.Workspace)
	}
	return filepath.Join(utils.GetDataPath(), "workspace")
}

// RelayDir returns the file relay directory.
func (c Config) RelayDir() string {
	if c.Relay.Dir != "" {
		return utils.ExpandHome(c.Relay.Dir)
	}
	return filepath.Join(utils.GetDataPath(), "relay")
}

// TranscriptDir returns the file transcript directory.
func (c Config) TranscriptDir() string {
	if c.Transcript.Dir != "" {
		return utils.ExpandHome(c.Transcript.Dir)
	}
	return filepath.Join(utils.GetDataPath(), "transcripts")
}

// RoutingConfig converts the group knobs into the decision engine's config.
func (c Config) RoutingConfig() routing.Config {
	policy, _ := routing.ParsePolicy(c.Group.Policy)
	return routing.Config{
		Policy:       policy,
		MaxDepth:     c.Group.MaxBotReplyDepth,
		LLMThreshold: c.Group.LLMThreshold(),
		LLMCheck:     c.Group.LLMCheckEnabled(),
		HistoryLimit: c.Group.HistoryLimit,
		CheckTimeout: c.Group.CheckTimeout(),
	}
}

// applyEnv overlays NANOBOT_* variables. lookup is os.LookupEnv outside tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("AGENT_NAME", &cfg.Agent.Name)
	str("MODEL", &cfg.Agent.Model)
	str("WORKSPACE", &cfg.Agent.Workspace)
	str("API_KEY", &cfg.Provider.APIKey)
	str("API_BASE", &cfg.Provider.APIBase)

	str("GROUP_POLICY", &cfg.Group.Policy)
	num("MAX_BOT_REPLY_DEPTH", &cfg.Group.MaxBotReplyDepth)
	if v, ok := lookup(EnvPrefix + "BOT_REPLY_LLM_THRESHOLD"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Group.BotReplyLLMThreshold = &n
		}
	}
	if v, ok := lookup(EnvPrefix + "BOT_REPLY_LLM_CHECK"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Group.BotReplyLLMCheck = &b
		}
	}
	str("ROSTER_PATH", &cfg.Group.RosterPath)

	str("RELAY_BACKEND", &cfg.Relay.Backend)
	str("RELAY_DIR", &cfg.Relay.Dir)
	str("TRANSCRIPT_BACKEND", &cfg.Transcript.Backend)
	str("TRANSCRIPT_DIR", &cfg.Transcript.Dir)
	if v, ok := lookup(EnvPrefix + "REDIS_URL"); ok && v != "" {
		cfg.Relay.RedisURL = v
		cfg.Transcript.RedisURL = v
	}

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("METRICS_ADDR", &cfg.Metrics.Addr)

	appID, hasID := lookup(EnvPrefix + "FEISHU_APP_ID")
	secret, hasSecret := lookup(EnvPrefix + "FEISHU_APP_SECRET")
	if (hasID && appID != "") || (hasSecret && secret != "") {
		if cfg.Channel.Feishu == nil {
			cfg.Channel.Feishu = &FeishuConfig{}
		}
		if appID != "" {
			cfg.Channel.Feishu.AppID = appID
		}
		if secret != "" {
			cfg.Channel.Feishu.AppSecret = secret
		}
	}
}
