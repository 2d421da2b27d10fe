package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/fslock"
	"github.com/dayuer/nanobot-group/internal/metrics"
	"github.com/dayuer/nanobot-group/internal/utils"
)

// DefaultPollInterval is how often the file relay checks for new events.
const DefaultPollInterval = 500 * time.Millisecond

// FileRelay is the pull-based backend: every process appends to one shared
// outbound.jsonl and tracks its own read offset in offsets/<agent>.txt.
type FileRelay struct {
	dir          string
	agentName    string
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewFileRelay prepares the relay directory. agentName keys the read offset
// and must be unique per process sharing dir.
func NewFileRelay(dir, agentName string, pollInterval time.Duration, logger zerolog.Logger) (*FileRelay, error) {
	if agentName == "" {
		return nil, fmt.Errorf("file relay: agent name required")
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if _, err := utils.EnsureDir(filepath.Join(dir, "offsets")); err != nil {
		return nil, fmt.Errorf("relay dir %s: %w", dir, err)
	}
	return &FileRelay{
		dir:          dir,
		agentName:    agentName,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "relay").Str("backend", "file").Logger(),
	}, nil
}

func (r *FileRelay) outboundPath() string {
	return filepath.Join(r.dir, "outbound.jsonl")
}

func (r *FileRelay) offsetPath() string {
	return filepath.Join(r.dir, "offsets", utils.SafeFilename(r.agentName)+".txt")
}

// Publish appends one complete line under an exclusive lock.
func (r *FileRelay) Publish(_ context.Context, ev Event) error {
	ev.EnsureID()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode relay event: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(r.outboundPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		metrics.RelayPublishErrors.WithLabelValues("file").Inc()
		return fmt.Errorf("open relay log: %w", err)
	}
	defer f.Close()

	if err := fslock.Exclusive(f, func() error {
		_, werr := f.Write(data)
		return werr
	}); err != nil {
		metrics.RelayPublishErrors.WithLabelValues("file").Inc()
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

// Subscribe polls the shared log from this agent's saved offset.
func (r *FileRelay) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("file relay: nil handler")
	}
	return startLoop(ctx, func(ctx context.Context) { r.poll(ctx, h) }), nil
}

func (r *FileRelay) poll(ctx context.Context, h Handler) {
	retry := newRetryBackoff(r.pollInterval)
	for {
		wait := r.pollInterval
		if err := r.drain(ctx, h); err != nil {
			metrics.RelayTransportErrors.WithLabelValues("file").Inc()
			wait = retry.NextBackOff()
			r.logger.Warn().Err(err).Dur("retry_in", wait).Msg("relay read failed")
		} else {
			retry.Reset()
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// drain delivers every complete line past the saved offset, then saves the new offset.
func (r *FileRelay) drain(ctx context.Context, h Handler) error {
	offset, err := r.loadOffset()
	if err != nil {
		return err
	}

	data, err := r.readFrom(&offset)
	if err != nil || len(data) == 0 {
		return err
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil // only a partial record so far
	}
	complete := data[:end+1]

	for len(complete) > 0 {
		if ctx.Err() != nil {
			return nil
		}
		i := bytes.IndexByte(complete, '\n')
		line := bytes.TrimSpace(complete[:i])
		complete = complete[i+1:]
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			r.logger.Debug().Err(err).Msg("skipping malformed relay record")
			continue
		}
		h(ctx, ev)
	}
	return r.saveOffset(offset + int64(end+1))
}

// readFrom returns the bytes after *offset. A log shorter than the offset was
// replaced, so reading restarts from zero.
func (r *FileRelay) readFrom(offset *int64) ([]byte, error) {
	f, err := os.Open(r.outboundPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open relay log: %w", err)
	}
	defer f.Close()

	var data []byte
	err = fslock.Shared(f, func() error {
		info, serr := f.Stat()
		if serr != nil {
			return serr
		}
		if info.Size() < *offset {
			r.logger.Info().Int64("offset", *offset).Int64("size", info.Size()).Msg("relay log truncated, rewinding")
			*offset = 0
		}
		if _, serr = f.Seek(*offset, io.SeekStart); serr != nil {
			return serr
		}
		var rerr error
		data, rerr = io.ReadAll(f)
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("read relay log: %w", err)
	}
	return data, nil
}

func (r *FileRelay) loadOffset() (int64, error) {
	raw, err := os.ReadFile(r.offsetPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read relay offset: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || n < 0 {
		r.logger.Warn().Str("value", string(raw)).Msg("bad relay offset, starting over")
		return 0, nil
	}
	return n, nil
}

// saveOffset writes through a temp file and rename so a crash never leaves a torn number.
func (r *FileRelay) saveOffset(n int64) error {
	path := r.offsetPath()
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("save relay offset: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(strconv.FormatInt(n, 10)); err != nil {
		tmp.Close()
		return fmt.Errorf("save relay offset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save relay offset: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("save relay offset: %w", err)
	}
	return nil
}
