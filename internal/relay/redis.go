package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/metrics"
	nbredis "github.com/dayuer/nanobot-group/internal/redis"
)

const (
	// DefaultStreamMaxLen approximately caps the shared stream.
	DefaultStreamMaxLen = 10000
	// DefaultBlock is how long one XREAD waits for new entries.
	DefaultBlock = 5 * time.Second

	payloadField = "payload"
	readBatch    = 100
)

// RedisOptions tunes a RedisRelay. Zero values select the defaults.
type RedisOptions struct {
	Stream string
	MaxLen int64
	Block  time.Duration
}

// RedisRelay is the push-style backend on a Redis Stream. Each agent keeps
// its last delivered stream id under nanobot:relay:offset:<agent>, so a
// restarted process resumes where it left off.
type RedisRelay struct {
	client    *goredis.Client
	agentName string
	stream    string
	maxLen    int64
	block     time.Duration
	logger    zerolog.Logger
}

// NewRedisRelay wraps a connected client.
func NewRedisRelay(client *goredis.Client, agentName string, opts RedisOptions, logger zerolog.Logger) (*RedisRelay, error) {
	if client == nil {
		return nil, fmt.Errorf("redis relay: nil client")
	}
	if agentName == "" {
		return nil, fmt.Errorf("redis relay: agent name required")
	}
	if opts.Stream == "" {
		opts.Stream = nbredis.KeyRelayStream
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultStreamMaxLen
	}
	if opts.Block <= 0 {
		opts.Block = DefaultBlock
	}
	return &RedisRelay{
		client:    client,
		agentName: agentName,
		stream:    opts.Stream,
		maxLen:    opts.MaxLen,
		block:     opts.Block,
		logger:    logger.With().Str("component", "relay").Str("backend", "redis").Logger(),
	}, nil
}

// Publish adds the event to the stream, trimming it approximately.
func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	ev.EnsureID()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode relay event: %w", err)
	}
	err = r.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(data)},
	}).Err()
	if err != nil {
		metrics.RelayPublishErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Subscribe starts a blocking read loop from the stored offset. With no
// stored offset the whole retained stream is replayed; the dedup ledger
// absorbs anything already seen.
func (r *RedisRelay) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("redis relay: nil handler")
	}
	return startLoop(ctx, func(ctx context.Context) { r.read(ctx, h) }), nil
}

func (r *RedisRelay) read(ctx context.Context, h Handler) {
	retry := newRetryBackoff(time.Second)
	lastID := ""

	for ctx.Err() == nil {
		if lastID == "" {
			id, err := r.loadOffset(ctx)
			if err != nil {
				if !r.backoff(ctx, retry, err, "load offset failed") {
					return
				}
				continue
			}
			lastID = id
		}

		streams, err := r.client.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{r.stream, lastID},
			Count:   readBatch,
			Block:   r.block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue // block timeout, nothing new
			}
			if ctx.Err() != nil {
				return
			}
			if !r.backoff(ctx, retry, err, "xread failed") {
				return
			}
			continue
		}
		retry.Reset()

		for _, s := range streams {
			for _, msg := range s.Messages {
				if ctx.Err() != nil {
					return
				}
				lastID = msg.ID
				ev, ok := r.decode(msg)
				if !ok {
					continue
				}
				h(ctx, ev)
			}
		}

		if err := r.client.Set(ctx, nbredis.OffsetKey(r.agentName), lastID, 0).Err(); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("offset", lastID).Msg("save relay offset failed")
		}
	}
}

func (r *RedisRelay) loadOffset(ctx context.Context) (string, error) {
	id, err := r.client.Get(ctx, nbredis.OffsetKey(r.agentName)).Result()
	if errors.Is(err, goredis.Nil) || id == "" {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *RedisRelay) decode(msg goredis.XMessage) (Event, bool) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		r.logger.Debug().Str("id", msg.ID).Msg("relay entry without payload")
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		r.logger.Debug().Err(err).Str("id", msg.ID).Msg("skipping malformed relay entry")
		return Event{}, false
	}
	return ev, true
}

func (r *RedisRelay) backoff(ctx context.Context, b interface{ NextBackOff() time.Duration }, err error, msg string) bool {
	metrics.RelayTransportErrors.WithLabelValues("redis").Inc()
	wait := b.NextBackOff()
	r.logger.Warn().Err(err).Dur("retry_in", wait).Msg(msg)
	return sleepCtx(ctx, wait)
}
