// Package inspect renders script values as readable text.
//
// Output follows the conventions chat users know from a JavaScript REPL:
// strings nested in objects are single-quoted, objects print their own keys
// in insertion order, nesting deeper than Depth collapses to [Object] or
// [Array], and long arrays and strings are truncated with a "more" marker.
// Both goja values and plain Go values are accepted. Go maps print with
// sorted keys so output is deterministic.
package inspect

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Options control rendering.
type Options struct {
	// Depth is how many levels of nesting are expanded below the top value.
	Depth int
	// MaxArrayLength is the number of array items shown before truncation.
	MaxArrayLength int
	// MaxStringLength is the number of characters shown before truncation.
	MaxStringLength int
	// BreakLength is the line width above which objects print one entry per line.
	BreakLength int
}

// DefaultOptions returns the REPL-like defaults.
func DefaultOptions() Options {
	return Options{
		Depth:           2,
		MaxArrayLength:  100,
		MaxStringLength: 10000,
		BreakLength:     80,
	}
}

// Format renders values the way console.log does: top-level strings are
// written raw, everything else is inspected, and values are joined by a
// single space.
func (o Options) Format(values ...any) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := rawString(v); ok {
			parts = append(parts, s)
			continue
		}
		parts = append(parts, o.Inspect(v))
	}
	return strings.Join(parts, " ")
}

// Inspect renders a single value.
func (o Options) Inspect(v any) string {
	p := &printer{opts: o}
	return p.value(v, 0)
}

func rawString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case goja.Value:
		if s == nil {
			return "", false
		}
		if _, isObj := s.(*goja.Object); isObj {
			return "", false
		}
		if str, ok := s.Export().(string); ok {
			return str, true
		}
	}
	return "", false
}

type printer struct {
	opts Options
	seen []*goja.Object
}

func (p *printer) value(v any, level int) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case goja.Value:
		return p.jsValue(val, level)
	case string:
		return p.quote(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return formatNumber(float64(val))
	case float64:
		return formatNumber(val)
	case *big.Int:
		return val.String() + "n"
	case time.Time:
		return formatTime(val)
	case error:
		return val.Error()
	case []any:
		items := make([]func() string, len(val))
		for i := range val {
			item := val[i]
			items[i] = func() string { return p.value(item, level+1) }
		}
		return p.array(items, level)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return p.object("", keys, func(k string) string { return p.value(val[k], level+1) }, level)
	case fmt.Stringer:
		return val.String()
	}
	return p.reflectValue(reflect.ValueOf(v), level)
}

// reflectValue covers typed Go slices and maps that handlers may return.
func (p *printer) reflectValue(rv reflect.Value, level int) string {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]func() string, rv.Len())
		for i := range items {
			elem := rv.Index(i).Interface()
			items[i] = func() string { return p.value(elem, level+1) }
		}
		return p.array(items, level)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return p.object("", keys, func(k string) string {
			return p.value(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface(), level+1)
		}, level)
	case reflect.Ptr:
		if rv.IsNil() {
			return "null"
		}
		return p.reflectValue(rv.Elem(), level)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.String:
		return p.quote(rv.String())
	}
	return fmt.Sprintf("%v", rv.Interface())
}

func (p *printer) jsValue(v goja.Value, level int) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if sym, ok := v.(*goja.Symbol); ok {
		return sym.String()
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		switch exported := v.Export().(type) {
		case string:
			return p.quote(exported)
		case *big.Int:
			return exported.String() + "n"
		default:
			return v.String()
		}
	}

	if _, isFn := goja.AssertFunction(obj); isFn {
		name := ""
		if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
			name = n.String()
		}
		if name == "" {
			return "[Function (anonymous)]"
		}
		return "[Function: " + name + "]"
	}

	for _, s := range p.seen {
		if s.SameAs(obj) {
			return "[Circular]"
		}
	}

	switch obj.ClassName() {
	case "Error":
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return stack.String()
		}
		return obj.String()
	case "Date":
		if t, ok := obj.Export().(time.Time); ok {
			return formatTime(t)
		}
		return obj.String()
	case "RegExp":
		return obj.String()
	case "Promise":
		return p.promise(obj, level)
	case "Array":
		if level > p.opts.Depth {
			return "[Array]"
		}
		p.seen = append(p.seen, obj)
		defer func() { p.seen = p.seen[:len(p.seen)-1] }()

		length := 0
		if l := obj.Get("length"); l != nil {
			length = int(l.ToInteger())
		}
		items := make([]func() string, length)
		for i := 0; i < length; i++ {
			idx := strconv.Itoa(i)
			items[i] = func() string { return p.jsValue(obj.Get(idx), level+1) }
		}
		return p.array(items, level)
	}

	if level > p.opts.Depth {
		return "[Object]"
	}
	p.seen = append(p.seen, obj)
	defer func() { p.seen = p.seen[:len(p.seen)-1] }()

	prefix := ""
	if class := obj.ClassName(); class != "Object" {
		prefix = class + " "
	}
	return p.object(prefix, obj.Keys(), func(k string) string { return p.jsValue(obj.Get(k), level+1) }, level)
}

func (p *printer) promise(obj *goja.Object, level int) string {
	promise, ok := obj.Export().(*goja.Promise)
	if !ok {
		return "Promise {}"
	}
	switch promise.State() {
	case goja.PromiseStatePending:
		return "Promise { <pending> }"
	case goja.PromiseStateRejected:
		return "Promise { <rejected> " + p.jsValue(promise.Result(), level+1) + " }"
	default:
		return "Promise { " + p.jsValue(promise.Result(), level+1) + " }"
	}
}

func (p *printer) array(items []func() string, level int) string {
	if len(items) == 0 {
		return "[]"
	}
	if level > p.opts.Depth {
		return "[Array]"
	}

	shown := len(items)
	if p.opts.MaxArrayLength >= 0 && shown > p.opts.MaxArrayLength {
		shown = p.opts.MaxArrayLength
	}

	entries := make([]string, 0, shown+1)
	for i := 0; i < shown; i++ {
		entries = append(entries, items[i]())
	}
	if rest := len(items) - shown; rest > 0 {
		entries = append(entries, fmt.Sprintf("... %d more item%s", rest, plural(rest)))
	}
	return p.wrap("[", "]", entries, level)
}

func (p *printer) object(prefix string, keys []string, get func(string) string, level int) string {
	if len(keys) == 0 {
		return prefix + "{}"
	}
	if level > p.opts.Depth {
		return "[Object]"
	}

	entries := make([]string, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, formatKey(k)+": "+get(k))
	}
	return prefix + p.wrap("{", "}", entries, level)
}

// wrap joins entries on one line when they fit in BreakLength, otherwise
// one entry per line indented by two spaces per level.
func (p *printer) wrap(open, close string, entries []string, level int) string {
	width := len(open) + len(close) + 2*level
	multiline := false
	for _, e := range entries {
		width += len(e) + 2
		if strings.Contains(e, "\n") {
			multiline = true
		}
	}

	if !multiline && width <= p.opts.BreakLength {
		return open + " " + strings.Join(entries, ", ") + " " + close
	}

	indent := strings.Repeat("  ", level+1)
	var b strings.Builder
	b.WriteString(open)
	b.WriteByte('\n')
	for i, e := range entries {
		b.WriteString(indent)
		b.WriteString(strings.ReplaceAll(e, "\n", "\n"+indent))
		if i < len(entries)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(strings.Repeat("  ", level))
	b.WriteString(close)
	return b.String()
}

func (p *printer) quote(s string) string {
	suffix := ""
	if max := p.opts.MaxStringLength; max >= 0 {
		runes := []rune(s)
		if len(runes) > max {
			suffix = fmt.Sprintf("... %d more character%s", len(runes)-max, plural(len(runes)-max))
			s = string(runes[:max])
		}
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return "'" + r.Replace(s) + "'" + suffix
}

func formatKey(k string) string {
	if isIdentifier(k) {
		return k
	}
	return "'" + strings.ReplaceAll(k, "'", `\'`) + "'"
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == math.Trunc(f) && math.Abs(f) < 1e21:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
