package loader

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/dop251/goja"
)

// utilsExports backs the koishi/utils module.
func (l *Loader) utilsExports() map[string]any {
	return map[string]any{
		"inspect": func(v goja.Value, options map[string]any) string {
			opts := l.format.Options()
			switch depth := options["depth"].(type) {
			case int64:
				opts.Depth = int(depth)
			case float64:
				opts.Depth = int(depth)
			}
			return opts.Inspect(v)
		},
		"format": func(values ...goja.Value) string {
			args := make([]any, len(values))
			for i, v := range values {
				args[i] = v
			}
			return l.format.FormatResult(args...)
		},
		"escapeRegExp": regexp.QuoteMeta,
		"camelCase":    CamelCase,
		"paramCase":    ParamCase,
		"noop":         func() {},
	}
}

// words splits identifiers on separators and lower-to-upper boundaries.
func words(s string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '-' || r == '_' || r == ' ' || r == '.':
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return out
}

// CamelCase converts "foo-bar_baz" to "fooBarBaz".
func CamelCase(s string) string {
	var b strings.Builder
	for i, w := range words(s) {
		if i > 0 {
			r := []rune(w)
			r[0] = unicode.ToUpper(r[0])
			w = string(r)
		}
		b.WriteString(w)
	}
	return b.String()
}

// ParamCase converts "fooBar_baz" to "foo-bar-baz".
func ParamCase(s string) string {
	return strings.Join(words(s), "-")
}
