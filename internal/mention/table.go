// Package mention resolves recipient-addressing tokens in chat content to
// stable bot identities, and renders outbound @Name text into platform syntax.
package mention

import (
	"regexp"
	"sort"
	"strings"
)

// Member types in the group roster.
const (
	TypeBot   = "bot"
	TypeHuman = "human"
)

// Member is one entry of the static group roster.
type Member struct {
	ID          string // platform identity, e.g. a Feishu open_id
	Name        string // display handle used in @Name
	Type        string
	Description string
}

// Table maps handles to identities. It is built once from configuration.
type Table struct {
	members []Member
	byID    map[string]Member
	byName  map[string]Member
	names   []namePattern // longest name first
}

type namePattern struct {
	member Member
	re     *regexp.Regexp
}

// NewTable indexes the roster. Later duplicates of a name or id are ignored.
func NewTable(members []Member) *Table {
	t := &Table{
		byID:   make(map[string]Member),
		byName: make(map[string]Member),
	}
	for _, m := range members {
		m.Name = strings.TrimSpace(m.Name)
		if m.Type == "" {
			m.Type = TypeBot
		}
		if m.ID != "" {
			if _, dup := t.byID[m.ID]; dup {
				continue
			}
			t.byID[m.ID] = m
		}
		t.members = append(t.members, m)
		if m.Name == "" {
			continue
		}
		key := strings.ToLower(m.Name)
		if _, dup := t.byName[key]; dup {
			continue
		}
		t.byName[key] = m
		t.names = append(t.names, namePattern{
			member: m,
			re:     regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(m.Name)),
		})
	}
	sort.SliceStable(t.names, func(i, j int) bool {
		return len(t.names[i].member.Name) > len(t.names[j].member.Name)
	})
	return t
}

// Lookup returns the member with the given identity.
func (t *Table) Lookup(id string) (Member, bool) {
	m, ok := t.byID[id]
	return m, ok
}

// LookupName returns the member with the given display name, ignoring case.
func (t *Table) LookupName(name string) (Member, bool) {
	m, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	return m, ok
}

// Members returns the roster in configuration order.
func (t *Table) Members() []Member {
	out := make([]Member, len(t.members))
	copy(out, t.members)
	return out
}

// Peers returns every member except the one with selfID.
func (t *Table) Peers(selfID string) []Member {
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		if selfID != "" && m.ID == selfID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Len returns the number of roster members.
func (t *Table) Len() int { return len(t.members) }
