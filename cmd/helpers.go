package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/agent"
	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/config"
	"github.com/dayuer/nanobot-group/internal/mention"
	"github.com/dayuer/nanobot-group/internal/providers"
	nbredis "github.com/dayuer/nanobot-group/internal/redis"
	"github.com/dayuer/nanobot-group/internal/relay"
	"github.com/dayuer/nanobot-group/internal/routing"
	"github.com/dayuer/nanobot-group/internal/transcript"
)

// newLogger builds the root logger from the logging section.
func newLogger(cfg config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil || cfg.Logging.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Logging.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.Agent.Name != "" {
		logger = logger.With().Str("agent", cfg.Agent.Name).Logger()
	}
	return logger
}

// makeProvider creates a Provider from the loaded config, falling back to
// the usual API key environment variables.
func makeProvider(cfg config.Config) *providers.Provider {
	apiKey := cfg.Provider.APIKey
	if apiKey == "" {
		for _, envKey := range []string{"OPENAI_API_KEY", "OPENROUTER_API_KEY"} {
			if v := os.Getenv(envKey); v != "" {
				apiKey = v
				break
			}
		}
	}
	apiBase := cfg.Provider.APIBase
	if apiBase == "" && strings.HasPrefix(apiKey, "sk-or-") {
		apiBase = "https://openrouter.ai/api/v1"
	}
	return providers.NewProvider(apiKey, apiBase, cfg.Agent.Model)
}

// loadRoster reads the group roster named by the config.
func loadRoster(cfg config.Config) (*mention.Table, error) {
	members, err := config.LoadRoster(cfg.RosterPath())
	if err != nil {
		return nil, err
	}
	return mention.NewTable(members), nil
}

// redisClients caches one client per URL so relay and transcript share a pool.
type redisClients struct {
	clients map[string]*goredis.Client
}

func (r *redisClients) get(ctx context.Context, url string) (*goredis.Client, error) {
	if c, ok := r.clients[url]; ok {
		return c, nil
	}
	c, err := nbredis.Connect(ctx, nbredis.Config{URL: url})
	if err != nil {
		return nil, err
	}
	if r.clients == nil {
		r.clients = make(map[string]*goredis.Client)
	}
	r.clients[url] = c
	return c, nil
}

func (r *redisClients) Close() {
	for _, c := range r.clients {
		_ = c.Close()
	}
}

// buildTranscript opens the configured transcript backend.
func buildTranscript(ctx context.Context, cfg config.Config, rc *redisClients, logger zerolog.Logger) (transcript.Store, error) {
	switch cfg.Transcript.Backend {
	case config.BackendRedis:
		client, err := rc.get(ctx, cfg.Transcript.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("transcript: %w", err)
		}
		return transcript.NewRedisStore(client, cfg.Transcript.MaxEntries, logger), nil
	default:
		store, err := transcript.NewFileStore(cfg.TranscriptDir(), logger)
		if err != nil {
			return nil, fmt.Errorf("transcript: %w", err)
		}
		return store, nil
	}
}

// buildRelay opens the configured relay backend for agentName.
func buildRelay(ctx context.Context, cfg config.Config, agentName string, rc *redisClients, logger zerolog.Logger) (relay.Relay, error) {
	switch cfg.Relay.Backend {
	case config.BackendNone:
		return relay.Nop{}, nil
	case config.BackendRedis:
		client, err := rc.get(ctx, cfg.Relay.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		return relay.NewRedisRelay(client, agentName, relay.RedisOptions{Stream: cfg.Relay.Stream}, logger)
	default:
		return relay.NewFileRelay(cfg.RelayDir(), agentName, cfg.Relay.PollInterval(), logger)
	}
}

// core holds the components every bot process shares.
type core struct {
	Config   config.Config
	Logger   zerolog.Logger
	Bus      *bus.MessageBus
	Store    transcript.Store
	Roster   *mention.Table
	Resolver *mention.Resolver
	Provider providers.LLMProvider
	Engine   *routing.Engine
	Loop     *agent.Loop

	redis *redisClients
}

// openCore opens the shared stores and roster. Call wire once the bot
// identity source is known.
func openCore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*core, error) {
	c := &core{
		Config:   cfg,
		Logger:   logger,
		Bus:      bus.NewMessageBus(),
		Provider: makeProvider(cfg),
		redis:    &redisClients{},
	}
	store, err := buildTranscript(ctx, cfg, c.redis, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Store = store
	table, err := loadRoster(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Roster = table
	c.Resolver = mention.NewResolver(table)
	return c, nil
}

// rosterIdentity looks the agent up in the roster by display name.
func (c *core) rosterIdentity() string {
	if m, ok := c.Roster.LookupName(c.Config.Agent.Name); ok {
		return m.ID
	}
	return ""
}

// wire builds the decision engine and agent loop around identity.
func (c *core) wire(identity func() string) {
	cfg := c.Config
	ctxb := agent.NewContextBuilder(cfg.WorkspacePath(), cfg.Agent.Name)

	var checker routing.RelevanceChecker
	if cfg.Group.LLMCheckEnabled() {
		checker = routing.NewLLMChecker(c.Provider, routing.DefaultCheckMaxTokens)
	}
	c.Engine = routing.NewEngine(cfg.RoutingConfig(), routing.EngineOptions{
		Transcript:      c.Store,
		Checker:         checker,
		Roster:          c.Roster,
		SelfID:          identity,
		SelfDescription: ctxb.SelfDescription(),
		Logger:          c.Logger,
	})
	c.Loop = agent.NewLoop(c.Bus, c.Provider, c.Engine, c.Store, agent.Config{
		Workspace:    cfg.WorkspacePath(),
		AgentName:    cfg.Agent.Name,
		Model:        cfg.Agent.Model,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
		HistoryLimit: cfg.Group.HistoryLimit,
	}, c.Logger)
}

func (c *core) Close() {
	c.redis.Close()
}
