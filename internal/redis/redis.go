// Package redis connects to the Redis instance shared by cooperating bot
// processes. The relay and transcript backends build on the client it returns.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes shared by every process talking to the same Redis.
const (
	KeyRelayStream = "nanobot:relay:outbound"
	KeyRelayOffset = "nanobot:relay:offset:" // + agent name
	KeyTranscript  = "nanobot:transcript:"   // + session key
)

// Config holds Redis connection settings.
type Config struct {
	URL      string // redis://host:port/db
	Password string
	DB       int
}

// Connect parses the URL, applies the nanobot timeouts and pings the server.
// Callers treat an error as a boot failure.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return c, nil
}

// OffsetKey returns the key storing an agent's relay read position.
func OffsetKey(agentName string) string {
	return KeyRelayOffset + agentName
}

// TranscriptKey returns the list key holding a session's transcript.
func TranscriptKey(sessionKey string) string {
	return KeyTranscript + sessionKey
}
