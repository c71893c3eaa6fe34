package format

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// frameMarker matches the text that precedes a file location in a stack
// frame: "at /path/file.js:1:2" or "fn (/path/file.js:1:2)".
const frameMarker = `(at | \()`

type pathRule struct {
	identifier string
	pattern    *regexp.Regexp
}

// PathMapper rewrites filesystem prefixes in stack frames to friendly
// identifiers. Rules apply in registration order; registering an identifier
// again replaces its rule in place. The table is copy-on-write so lookups
// never lock.
type PathMapper struct {
	rules atomic.Pointer[[]pathRule]
}

// NewPathMapper creates an empty mapper.
func NewPathMapper() *PathMapper {
	m := &PathMapper{}
	m.rules.Store(&[]pathRule{})
	return m
}

// Register maps occurrences of path that follow a frame marker to identifier.
func (m *PathMapper) Register(identifier, path string) {
	rule := pathRule{
		identifier: identifier,
		pattern:    regexp.MustCompile(frameMarker + regexp.QuoteMeta(path)),
	}

	current := *m.rules.Load()
	next := make([]pathRule, 0, len(current)+1)
	replaced := false
	for _, r := range current {
		if r.identifier == identifier {
			next = append(next, rule)
			replaced = true
			continue
		}
		next = append(next, r)
	}
	if !replaced {
		next = append(next, rule)
	}
	m.rules.Store(&next)
}

// Rewrite applies every rule to one line.
func (m *PathMapper) Rewrite(line string) string {
	for _, r := range *m.rules.Load() {
		line = r.pattern.ReplaceAllString(line, "${1}"+escapeReplacement(r.identifier))
	}
	return line
}

// Identifiers lists registered identifiers in rule order.
func (m *PathMapper) Identifiers() []string {
	rules := *m.rules.Load()
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.identifier
	}
	return out
}

// Len returns the number of rules.
func (m *PathMapper) Len() int {
	return len(*m.rules.Load())
}

func escapeReplacement(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}
