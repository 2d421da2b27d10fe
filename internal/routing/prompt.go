package routing

import (
	"fmt"
	"strings"

	"github.com/dayuer/nanobot-group/internal/bus"
	"github.com/dayuer/nanobot-group/internal/mention"
)

const (
	membersHeader = "## Group Chat Members"

	mentionRulesFromUser = "**When the message @mentions multiple bots (including you), " +
		"ONLY respond to the part directed at YOU.** " +
		"Ignore instructions and questions meant for other bots entirely. " +
		"Do not answer them, summarize them, or reference them in your response.\n\n" +
		"**Do NOT @mention other bots in your response** unless ALL of the following are true:\n" +
		"1. You need another bot to **execute a task** that you cannot do yourself.\n" +
		"2. Your **next step depends on** the result of that task.\n" +
		"3. There is no other way to obtain the result.\n\n" +
		"If you are unsure, do NOT @mention. Specifically:\n" +
		"- Do not @mention a bot just to ask its opinion or for general help.\n" +
		"- Do not answer on behalf of another bot, even if you know the answer.\n" +
		"- If the user's question involves another bot's expertise, " +
		"let the user decide whether to ask them.\n\n" +
		"Mention syntax: write @name in your response%s. " +
		"The system will convert it to a proper @mention automatically."

	mentionRulesFromBot = "You are replying to another bot. Keep your response focused on the task.\n" +
		"- Do NOT @mention additional bots unless the requesting bot explicitly " +
		"asked you to relay results to a specific bot by name.\n" +
		"- Avoid chain-summoning: if you can answer directly, just answer.\n\n" +
		"Mention syntax: write @name in your response%s. " +
		"The system will convert it to a proper @mention automatically."

	groupReminder = "[System] This is a group chat. " +
		"ONLY answer the part directed at you. " +
		"Do NOT answer for other bots. " +
		"Do NOT @mention other bots unless you need one to execute a task " +
		"and your next step depends on its result."
)

// GroupExtras is the system prompt section listing the other members and the
// mention rules. The rules are stricter for human senders. It is empty for
// direct chats or when there are no peers.
func GroupExtras(md bus.Metadata, peers []mention.Member) string {
	if !md.IsGroup() || len(peers) == 0 {
		return ""
	}

	var lines []string
	firstBot := ""
	for _, m := range peers {
		label := "@" + m.Name
		if memberType(m) == mention.TypeBot {
			label += " (bot)"
			if firstBot == "" {
				firstBot = m.Name
			}
		}
		if m.Description != "" {
			label += " - " + m.Description
		}
		lines = append(lines, "- "+label)
	}

	hint := ""
	if firstBot != "" {
		hint = fmt.Sprintf(" (e.g. @%s)", firstBot)
	}
	rules := mentionRulesFromUser
	if md.FromBot {
		rules = mentionRulesFromBot
	}

	return "\n\n" + membersHeader + "\n" +
		"Other members in this group chat:\n" + strings.Join(lines, "\n") + "\n\n" +
		fmt.Sprintf(rules, hint)
}

// UserReminder is prepended to the user turn in group chats.
func UserReminder(md bus.Metadata) string {
	if !md.IsGroup() {
		return ""
	}
	return groupReminder
}
