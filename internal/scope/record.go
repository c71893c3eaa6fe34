package scope

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Record is a partial user or channel record as sent by the host.
type Record map[string]any

// Diff maps changed field names to their new values. A nil value removes
// the field.
type Diff map[string]any

// Keys returns the diff's field names in sorted order.
func (d Diff) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Apply stages patch onto record. It returns the resulting record and the
// subset of patch that actually changes it. The input record is not
// modified. Values are compared with deep equality, so writing an equal
// value is not a change, and a nil value removes the field.
func Apply(record Record, patch map[string]any) (Record, Diff) {
	next := record.Clone()
	diff := Diff{}
	for k, v := range patch {
		old, exists := record[k]
		if v == nil {
			if exists {
				delete(next, k)
				diff[k] = nil
			}
			continue
		}
		if exists && equal(old, v) {
			continue
		}
		next[k] = v
		diff[k] = v
	}
	return next, diff
}

// UpdateFunc receives a validated diff for one record.
type UpdateFunc func(ctx context.Context, diff Diff) error

// Observed is a record with staged, permission-checked mutations. Writes are
// staged in memory and reach the update callback only through Commit.
type Observed struct {
	name     string
	mu       sync.Mutex
	base     Record
	staged   map[string]any
	writable map[string]struct{}
	update   UpdateFunc
	released bool
}

// NewObserved wraps base. Only fields named in writable may be committed.
func NewObserved(name string, base Record, writable []string, update UpdateFunc) *Observed {
	allow := make(map[string]struct{}, len(writable))
	for _, f := range writable {
		allow[f] = struct{}{}
	}
	if base == nil {
		base = Record{}
	}
	return &Observed{
		name:     name,
		base:     Record(DeepCopy(map[string]any(base)).(map[string]any)),
		staged:   map[string]any{},
		writable: allow,
		update:   update,
	}
}

// Name returns the record name ("user" or "channel").
func (o *Observed) Name() string {
	return o.name
}

// Get returns the current value of a field, staged writes included.
func (o *Observed) Get(key string) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if v, ok := o.staged[key]; ok {
		return v, v != nil
	}
	v, ok := o.base[key]
	return v, ok
}

// Set stages a write. Permission is checked at commit time.
func (o *Observed) Set(key string, value any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.released {
		return ErrScopeReleased
	}
	o.staged[key] = value
	return nil
}

// Stage copies the current value of key into the staged set and returns
// the copy. Nested maps and slices in the returned value belong to the
// staging area, so mutating them in place changes key and nothing else.
func (o *Observed) Stage(key string) (any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.released {
		return nil, ErrScopeReleased
	}
	if v, ok := o.staged[key]; ok {
		return v, nil
	}
	v, ok := o.base[key]
	if !ok {
		return nil, nil
	}
	v = DeepCopy(v)
	o.staged[key] = v
	return v, nil
}

// Delete stages removal of a field.
func (o *Observed) Delete(key string) error {
	return o.Set(key, nil)
}

// Has reports whether the field is present after staged writes.
func (o *Observed) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// Keys lists present fields in sorted order.
func (o *Observed) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	current, _ := Apply(o.base, o.staged)
	keys := make([]string, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns the record as it would look after a commit.
func (o *Observed) Snapshot() Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	current, _ := Apply(o.base, o.staged)
	return current
}

// Diff returns the pending changes since the last commit.
func (o *Observed) Diff() Diff {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, diff := Apply(o.base, o.staged)
	return diff
}

// Commit validates the pending diff against the allow-list and flushes it.
// A diff with any non-writable field is rejected as a whole and the update
// callback is not called. An empty diff is a no-op.
func (o *Observed) Commit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.released {
		return ErrScopeReleased
	}

	next, diff := Apply(o.base, o.staged)
	if len(diff) == 0 {
		o.staged = map[string]any{}
		return nil
	}

	for _, field := range diff.Keys() {
		if _, ok := o.writable[field]; !ok {
			return &WriteDeniedError{Record: o.name, Field: field}
		}
	}

	if o.update != nil {
		if err := o.update(ctx, diff); err != nil {
			return fmt.Errorf("commit %s: %w", o.name, err)
		}
	}

	o.base = next
	o.staged = map[string]any{}
	return nil
}

func (o *Observed) release() {
	o.mu.Lock()
	o.released = true
	o.mu.Unlock()
}

// DeepCopy copies nested maps and slices so the result shares no mutable
// state with v. Records become plain maps and string slices become []any,
// matching what a script write would produce.
func DeepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = DeepCopy(e)
		}
		return out
	case Record:
		return DeepCopy(map[string]any(x))
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = DeepCopy(e)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	}
	return v
}

// equal compares values with deep equality, treating numbers of different
// Go types as equal when they hold the same value. Records decoded from the
// wire carry unsigned integers while script writes carry int64 or float64.
func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !equal(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
