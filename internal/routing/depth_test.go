package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/transcript"
)

func u(content string) transcript.Entry {
	return transcript.Entry{Role: transcript.RoleUser, Content: content, Sender: "ou_human"}
}

func a(sender, content string) transcript.Entry {
	return transcript.Entry{Role: transcript.RoleAssistant, Content: content, Sender: sender}
}

func botMsg(sender, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel: "feishu",
		ChatID:  "oc_1",
		Content: content,
		Metadata: bus.Metadata{
			ChatType:      bus.ChatTypeGroup,
			FromBot:       true,
			SenderName:    sender,
			MentionsKnown: true,
		},
	}
}

func TestDepth(t *testing.T) {
	tests := []struct {
		name    string
		entries []transcript.Entry
		msg     bus.InboundMessage
		want    int
	}{
		{
			name:    "user then two bots, current is third",
			entries: []transcript.Entry{u("go"), a("Alpha", "first"), a("Beta", "second")},
			msg:     botMsg("Beta", "second"),
			want:    2,
		},
		{
			name:    "three bots, current is third",
			entries: []transcript.Entry{a("Alpha", "1"), a("Beta", "2"), a("Alpha", "3")},
			msg:     botMsg("Alpha", "3"),
			want:    3,
		},
		{
			name:    "user resets, current is second",
			entries: []transcript.Entry{u("go"), a("Alpha", "done")},
			msg:     botMsg("Alpha", "done"),
			want:    1,
		},
		{
			name:    "current not recorded yet",
			entries: []transcript.Entry{u("go"), a("Alpha", "done")},
			msg:     botMsg("Beta", "new"),
			want:    2,
		},
		{
			name:    "empty transcript",
			entries: nil,
			msg:     botMsg("Alpha", "hi"),
			want:    1,
		},
		{
			name:    "human message starts a chain",
			entries: []transcript.Entry{a("Alpha", "1"), a("Beta", "2")},
			msg:     bus.InboundMessage{Content: "hey", Metadata: bus.Metadata{ChatType: bus.ChatTypeGroup}},
			want:    1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Depth(tt.entries, tt.msg))
		})
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"mention": PolicyMention, " AUTO ": PolicyAuto, "Open": PolicyOpen} {
		got, err := ParsePolicy(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("sometimes")
	assert.Error(t, err)
}
