package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/fslock"
	"github.com/dayuer/nanobot-group/internal/metrics"
	"github.com/dayuer/nanobot-group/internal/utils"
)

// FileStore keeps one JSONL file per session under a shared directory.
// Each append is a single write of one complete line under an exclusive
// flock; readers take a shared lock, so no reader sees half a record.
type FileStore struct {
	dir    string
	logger zerolog.Logger
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if _, err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("transcript dir %s: %w", dir, err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "transcript").Str("backend", "file").Logger(),
	}, nil
}

// Dir returns the directory holding the session files.
func (s *FileStore) Dir() string { return s.dir }

// Append writes one line to the session file.
func (s *FileStore) Append(_ context.Context, sessionKey string, e Entry) error {
	if err := validate(sessionKey, e); err != nil {
		return err
	}
	if e.Timestamp == 0 {
		e.Timestamp = utils.NowMillis()
	}
	line, err := encode(e)
	if err != nil {
		return fmt.Errorf("encode transcript entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.path(sessionKey), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		metrics.TranscriptAppendErrors.WithLabelValues("file").Inc()
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	err = fslock.Exclusive(f, func() error {
		_, werr := f.Write(line)
		return werr
	})
	if err != nil {
		metrics.TranscriptAppendErrors.WithLabelValues("file").Inc()
		return fmt.Errorf("append transcript %s: %w", sessionKey, err)
	}
	return nil
}

// GetRecent reads the whole session file and returns the collapsed tail.
func (s *FileStore) GetRecent(_ context.Context, sessionKey string, max int) ([]Entry, error) {
	if sessionKey == "" {
		return nil, ErrInvalidSessionKey
	}
	f, err := os.Open(s.path(sessionKey))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var data []byte
	err = fslock.Shared(f, func() error {
		var rerr error
		data, rerr = io.ReadAll(f)
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", sessionKey, err)
	}

	return collapse(s.parse(sessionKey, data), max), nil
}

func (s *FileStore) parse(sessionKey string, data []byte) []Entry {
	var entries []Entry
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			// Unterminated tail from a writer that bypassed the lock.
			break
		}
		line := bytes.TrimSpace(data[:i])
		data = data[i+1:]
		if len(line) == 0 {
			continue
		}
		e, err := decode(line)
		if err != nil {
			metrics.TranscriptCorruptRecords.WithLabelValues("file").Inc()
			s.logger.Debug().Err(err).Str("session", sessionKey).Msg("skipping transcript record")
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// path escapes the whole key so distinct sessions never share a file.
func (s *FileStore) path(sessionKey string) string {
	return filepath.Join(s.dir, url.QueryEscape(sessionKey)+".jsonl")
}
