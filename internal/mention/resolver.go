package mention

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	placeholderRe = regexp.MustCompile(`@_user_\d+`)
	atTagRe       = regexp.MustCompile(`<at\s+(?:id|user_id|open_id)=["']?([^"'\s>]+)["']?\s*>([^<]*)</at>`)
)

// Annotation is a structured mention delivered next to the content, such as
// Feishu's mentions array where Key is the placeholder found in the text.
type Annotation struct {
	Key  string
	ID   string
	Name string
}

// Result is the outcome of Parse.
type Result struct {
	Content   string
	Mentioned []string // sorted identities
}

// Has reports whether id was mentioned.
func (r Result) Has(id string) bool {
	if id == "" {
		return false
	}
	i := sort.SearchStrings(r.Mentioned, id)
	return i < len(r.Mentioned) && r.Mentioned[i] == id
}

// Resolver parses and renders mentions against a roster.
type Resolver struct {
	table *Table
}

// NewResolver creates a resolver over table. A nil table behaves as an empty roster.
func NewResolver(table *Table) *Resolver {
	if table == nil {
		table = NewTable(nil)
	}
	return &Resolver{table: table}
}

// Parse rewrites platform placeholders to readable @Name text and collects
// the identities addressed by the message. Tokens that resolve to nobody are
// left as plain text.
func (r *Resolver) Parse(content string, annotations []Annotation) Result {
	found := make(map[string]struct{})

	anns := make([]Annotation, len(annotations))
	copy(anns, annotations)
	// @_user_10 must be replaced before @_user_1.
	sort.SliceStable(anns, func(i, j int) bool { return len(anns[i].Key) > len(anns[j].Key) })
	for _, a := range anns {
		if a.ID != "" {
			found[a.ID] = struct{}{}
		}
		if a.Key == "" {
			continue
		}
		name := a.Name
		if name == "" {
			if m, ok := r.table.Lookup(a.ID); ok {
				name = m.Name
			}
		}
		if name != "" {
			content = strings.ReplaceAll(content, a.Key, "@"+name)
		}
	}
	content = placeholderRe.ReplaceAllString(content, "")

	content = atTagRe.ReplaceAllStringFunc(content, func(tag string) string {
		sub := atTagRe.FindStringSubmatch(tag)
		if m, ok := r.table.Lookup(sub[1]); ok {
			found[m.ID] = struct{}{}
			if m.Name != "" {
				return "@" + m.Name
			}
		}
		return tag
	})

	// Names are tried longest first and each match is masked, so @Alpha Beta
	// does not also count as @Alpha.
	work := content
	for _, np := range r.table.names {
		var hit bool
		work, hit = maskTokens(work, np.re)
		if hit && np.member.ID != "" {
			found[np.member.ID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Result{Content: strings.TrimSpace(content), Mentioned: ids}
}

// Mentions reports whether content addresses id. It is Parse without the rewrite.
func (r *Resolver) Mentions(content, id string) bool {
	return r.Parse(content, nil).Has(id)
}

// Render converts @Name text for known members into Feishu <at> tags.
func (r *Resolver) Render(text string) string {
	for _, np := range r.table.names {
		if np.member.ID == "" {
			continue
		}
		tag := "<at id=" + np.member.ID + "></at>"
		text = replaceTokens(text, np.re, tag)
	}
	return text
}

// maskTokens blanks every match of re that ends on a name boundary, so @Al
// does not fire inside @Alice, and reports whether any matched.
func maskTokens(s string, re *regexp.Regexp) (string, bool) {
	var b []byte
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if !boundaryAt(s, loc[1]) {
			continue
		}
		if b == nil {
			b = []byte(s)
		}
		for i := loc[0]; i < loc[1]; i++ {
			b[i] = ' '
		}
	}
	if b == nil {
		return s, false
	}
	return string(b), true
}

func replaceTokens(s string, re *regexp.Regexp, repl string) string {
	var b strings.Builder
	last := 0
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if !boundaryAt(s, loc[1]) {
			continue
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString(repl)
		last = loc[1]
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

func boundaryAt(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	if r > unicode.MaxASCII {
		// CJK text runs straight into names; only ASCII word characters extend a handle.
		return true
	}
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-')
}
