package transcript

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/metrics"
	nbredis "github.com/dayuer/nanobot-group/internal/redis"
	"github.com/dayuer/nanobot-group/internal/utils"
)

// DefaultMaxEntries caps each Redis transcript list.
const DefaultMaxEntries = 1000

// RedisStore keeps one Redis list per session. RPUSH of a single encoded
// record is the atomic write unit.
type RedisStore struct {
	client     *goredis.Client
	maxEntries int
	logger     zerolog.Logger
}

// NewRedisStore wraps a connected client. maxEntries <= 0 selects DefaultMaxEntries.
func NewRedisStore(client *goredis.Client, maxEntries int, logger zerolog.Logger) *RedisStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &RedisStore{
		client:     client,
		maxEntries: maxEntries,
		logger:     logger.With().Str("component", "transcript").Str("backend", "redis").Logger(),
	}
}

// Append pushes the record and trims the list to the retention cap.
func (s *RedisStore) Append(ctx context.Context, sessionKey string, e Entry) error {
	if err := validate(sessionKey, e); err != nil {
		return err
	}
	if e.Timestamp == 0 {
		e.Timestamp = utils.NowMillis()
	}
	data, err := encode(e)
	if err != nil {
		return fmt.Errorf("encode transcript entry: %w", err)
	}

	key := nbredis.TranscriptKey(sessionKey)
	var push *goredis.IntCmd
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		push = pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-s.maxEntries), -1)
		return nil
	})
	if push != nil && push.Err() != nil {
		metrics.TranscriptAppendErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("append transcript %s: %w", sessionKey, push.Err())
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("session", sessionKey).Msg("transcript trim failed")
	}
	return nil
}

// GetRecent reads a window larger than max so duplicates near the edge
// still collapse, then returns the newest max entries.
func (s *RedisStore) GetRecent(ctx context.Context, sessionKey string, max int) ([]Entry, error) {
	if sessionKey == "" {
		return nil, ErrInvalidSessionKey
	}
	if max <= 0 {
		max = DefaultRecent
	}
	window := max * 4
	if window < 50 {
		window = 50
	}
	if window > s.maxEntries {
		window = s.maxEntries
	}

	raw, err := s.client.LRange(ctx, nbredis.TranscriptKey(sessionKey), int64(-window), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", sessionKey, err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		e, err := decode([]byte(item))
		if err != nil {
			metrics.TranscriptCorruptRecords.WithLabelValues("redis").Inc()
			s.logger.Debug().Err(err).Str("session", sessionKey).Msg("skipping transcript record")
			continue
		}
		entries = append(entries, e)
	}
	return collapse(entries, max), nil
}
