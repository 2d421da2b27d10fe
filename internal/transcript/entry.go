// Package transcript stores the shared, append-only log of group chat turns.
//
// Every bot process writes to the same log (a JSONL file per session or a
// Redis list per session), so each process can read what humans and peer
// bots said even though the platform never delivers bot messages to bots.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Roles recorded in the transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultRecent is used when GetRecent is called with a non-positive limit.
const DefaultRecent = 20

var (
	ErrInvalidSessionKey = errors.New("transcript: empty session key")
	ErrInvalidRole       = errors.New("transcript: role must be user or assistant")
	errCorruptRecord     = errors.New("transcript: corrupt record")
)

// Entry is one conversational turn. Timestamp is wall clock milliseconds.
type Entry struct {
	Role      string
	Content   string
	Sender    string
	MessageID string
	Timestamp float64
}

// Store is the process view of the shared transcript.
type Store interface {
	// Append durably adds one entry. A zero Timestamp is filled with the current time.
	Append(ctx context.Context, sessionKey string, e Entry) error

	// GetRecent returns the newest max entries in ascending timestamp order,
	// with duplicate user turns collapsed. Unknown sessions yield no entries.
	GetRecent(ctx context.Context, sessionKey string, max int) ([]Entry, error)
}

// record is the persisted form of an Entry.
type record struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Sender    string   `json:"sender"`
	MessageID *string  `json:"message_id"`
	Timestamp float64  `json:"timestamp"`
	TS        *float64 `json:"ts,omitempty"` // written by older nanobot builds
}

func encode(e Entry) ([]byte, error) {
	rec := record{
		Role:      e.Role,
		Content:   e.Content,
		Sender:    e.Sender,
		Timestamp: e.Timestamp,
	}
	if e.MessageID != "" {
		id := e.MessageID
		rec.MessageID = &id
	}
	return json.Marshal(rec)
}

func decode(data []byte) (Entry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if rec.Role != RoleUser && rec.Role != RoleAssistant {
		return Entry{}, fmt.Errorf("%w: role %q", errCorruptRecord, rec.Role)
	}
	e := Entry{
		Role:      rec.Role,
		Content:   rec.Content,
		Sender:    rec.Sender,
		Timestamp: rec.Timestamp,
	}
	if rec.MessageID != nil {
		e.MessageID = *rec.MessageID
	}
	if e.Timestamp == 0 && rec.TS != nil {
		e.Timestamp = *rec.TS
	}
	return e, nil
}

func validate(sessionKey string, e Entry) error {
	if sessionKey == "" {
		return ErrInvalidSessionKey
	}
	if e.Role != RoleUser && e.Role != RoleAssistant {
		return fmt.Errorf("%w: %q", ErrInvalidRole, e.Role)
	}
	return nil
}

// collapse orders entries by timestamp, drops repeated turns that share a role
// and message id (earliest wins) and keeps the newest max. Several processes
// record the same human turn, and relayed bot turns carry their relay id, so
// both collapse here.
func collapse(entries []Entry, max int) []Entry {
	if max <= 0 {
		max = DefaultRecent
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})

	seen := make(map[string]struct{})
	out := entries[:0]
	for _, e := range entries {
		if e.MessageID != "" {
			key := e.Role + "\x00" + e.MessageID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, e)
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// TrailingAssistants counts consecutive assistant entries at the end of entries.
func TrailingAssistants(entries []Entry) int {
	n := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role != RoleAssistant {
			break
		}
		n++
	}
	return n
}
