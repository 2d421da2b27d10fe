package routing

import (
	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/transcript"
)

// Depth counts the bot turns in the current chain, the current message
// included. entries is the locally observed transcript snapshot, oldest first.
//
// A human message starts a new chain at 1. For a relayed bot message the
// subscriber has normally recorded it already; that tail entry is the current
// message and is counted once.
func Depth(entries []transcript.Entry, msg bus.InboundMessage) int {
	if !msg.Metadata.FromBot {
		return 1
	}
	if n := len(entries); n > 0 {
		last := entries[n-1]
		if last.Role == transcript.RoleAssistant && last.Content == msg.Content &&
			(msg.Metadata.SenderName == "" || last.Sender == msg.Metadata.SenderName) {
			entries = entries[:n-1]
		}
	}
	return transcript.TrailingAssistants(entries) + 1
}
