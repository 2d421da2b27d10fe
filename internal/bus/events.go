// Package bus provides the async message bus for decoupled channel-agent communication.
package bus

import (
	"encoding/json"
	"strings"
	"time"
)

// Chat types reported by channels.
const (
	ChatTypeGroup = "group"
	ChatTypeP2P   = "p2p"
)

// Metadata carries the routing fields channels and the relay attach to a message.
// Recognized keys are explicit fields; anything else survives in Extra.
type Metadata struct {
	ChatType    string `json:"chat_type,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	MsgType     string `json:"msg_type,omitempty"`
	GroupPolicy string `json:"group_policy,omitempty"`
	SenderName  string `json:"sender_agent_name,omitempty"`
	FromBot     bool   `json:"from_bot,omitempty"`
	IsMentioned bool   `json:"is_mentioned,omitempty"`

	// MentionsKnown is true when the channel populated mention information at all.
	// Channels that cannot detect mentions leave it false.
	MentionsKnown bool `json:"mentions_known,omitempty"`

	Extra map[string]string `json:"-"`
}

var knownMetadataKeys = map[string]bool{
	"chat_type":         true,
	"message_id":        true,
	"msg_type":          true,
	"group_policy":      true,
	"sender_agent_name": true,
	"from_bot":          true,
	"is_mentioned":      true,
	"mentions_known":    true,
}

// IsGroup reports whether the message belongs to a group chat.
func (m Metadata) IsGroup() bool {
	return m.ChatType == ChatTypeGroup
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := m
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// MarshalJSON flattens Extra next to the recognized keys.
func (m Metadata) MarshalJSON() ([]byte, error) {
	type plain Metadata
	base, err := json.Marshal(plain(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var flat map[string]any
	if err := json.Unmarshal(base, &flat); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if knownMetadataKeys[k] {
			continue
		}
		flat[k] = v
	}
	return json.Marshal(flat)
}

// UnmarshalJSON reads recognized keys into fields and keeps the rest as strings in Extra.
// Peers may send booleans as strings, so both forms are accepted.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range raw {
		switch k {
		case "chat_type":
			m.ChatType = rawString(v)
		case "message_id":
			m.MessageID = rawString(v)
		case "msg_type":
			m.MsgType = rawString(v)
		case "group_policy":
			m.GroupPolicy = rawString(v)
		case "sender_agent_name":
			m.SenderName = rawString(v)
		case "from_bot":
			m.FromBot = rawBool(v)
		case "is_mentioned":
			m.IsMentioned = rawBool(v)
		case "mentions_known":
			m.MentionsKnown = rawBool(v)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[k] = rawString(v)
		}
	}
	return nil
}

func rawString(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	trimmed := strings.TrimSpace(string(v))
	if trimmed == "null" {
		return ""
	}
	return trimmed
}

func rawBool(v json.RawMessage) bool {
	var b bool
	if json.Unmarshal(v, &b) == nil {
		return b
	}
	return strings.EqualFold(rawString(v), "true")
}

// InboundMessage is received from a chat channel or injected by the relay.
type InboundMessage struct {
	Channel   string    `json:"channel"`
	SenderID  string    `json:"sender_id"`
	ChatID    string    `json:"chat_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Media     []string  `json:"media,omitempty"`
	Metadata  Metadata  `json:"metadata"`
}

// SessionKey returns the unique key for session identification.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is sent to a chat channel.
type OutboundMessage struct {
	Channel  string   `json:"channel"`
	ChatID   string   `json:"chat_id"`
	Content  string   `json:"content"`
	ReplyTo  string   `json:"reply_to,omitempty"`
	Media    []string `json:"media,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// SessionKey returns the session the reply belongs to.
func (m *OutboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}
