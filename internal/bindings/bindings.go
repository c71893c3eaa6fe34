// Package bindings exposes scopes to JavaScript running in the sandbox.
//
// Every function here creates goja values and must be called inside the
// sandbox execution slot.
package bindings

import (
	"context"
	"errors"
	"reflect"
	"sort"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/scope"
)

// Global names installed for an eval.
const (
	User    = "user"
	Channel = "channel"
	Send    = "send"
	Exec    = "exec"
)

// Scope returns the execution-local globals for s. Absent records are bound
// to undefined.
func Scope(ctx context.Context, vm *goja.Runtime, s *scope.Scope) map[string]any {
	return map[string]any{
		User:    Record(vm, s.User),
		Channel: Record(vm, s.Channel),
		Send:    sendFunc(ctx, vm, s),
		Exec:    execFunc(ctx, vm, s),
	}
}

// Addon builds the argument object handed to a JavaScript addon handler:
// the parsed command line merged with the scope capabilities.
func Addon(ctx context.Context, vm *goja.Runtime, as *scope.AddonScope) *goja.Object {
	obj := vm.NewObject()
	for key, value := range Scope(ctx, vm, as.Scope) {
		_ = obj.Set(key, value)
	}
	// koishi spells the recursive effect "execute"
	_ = obj.Set("execute", obj.Get(Exec))

	args := as.Args
	if args == nil {
		args = []string{}
	}
	options := as.Options
	if options == nil {
		options = map[string]any{}
	}
	_ = obj.Set("name", as.Name)
	_ = obj.Set("args", args)
	_ = obj.Set("options", options)
	_ = obj.Set("debug", as.Debug())
	return obj
}

// Record wraps an observed record in a JavaScript object whose property
// writes are staged on the record. A nil record maps to undefined.
func Record(vm *goja.Runtime, o *scope.Observed) goja.Value {
	if o == nil {
		return goja.Undefined()
	}
	return vm.NewDynamicObject(&record{vm: vm, obs: o})
}

type record struct {
	vm  *goja.Runtime
	obs *scope.Observed
}

func (r *record) Get(key string) goja.Value {
	v, ok := r.obs.Get(key)
	if !ok {
		return nil
	}
	return r.wrap(v, key, nil)
}

func (r *record) Set(key string, val goja.Value) bool {
	v, ok := export(val)
	return ok && r.obs.Set(key, v) == nil
}

func (r *record) Has(key string) bool {
	return r.obs.Has(key)
}

func (r *record) Delete(key string) bool {
	return r.obs.Delete(key) == nil
}

func (r *record) Keys() []string {
	return r.obs.Keys()
}

// wrap turns v, found at path below field, into a script value. Maps and
// slices become live views whose writes stage field as a whole, so the
// allow-list check applies to the top-level field.
func (r *record) wrap(v any, field string, path []any) goja.Value {
	switch v.(type) {
	case map[string]any:
		return r.vm.NewDynamicObject(&nestedObject{nested{rec: r, field: field, path: path}})
	case []any:
		return r.vm.NewDynamicArray(&nestedArray{nested{rec: r, field: field, path: path}})
	}
	return r.vm.ToValue(v)
}

// nested addresses a value inside a record field.
type nested struct {
	rec   *record
	field string
	path  []any // string keys and int indexes
}

// resolve walks path from the field's current value. With stage set the
// field is first copied into the staging area and the staged copy is walked.
func (n *nested) resolve(stage bool) (any, bool) {
	var v any
	if stage {
		staged, err := n.rec.obs.Stage(n.field)
		if err != nil {
			return nil, false
		}
		v = staged
	} else {
		v, _ = n.rec.obs.Get(n.field)
	}
	for _, step := range n.path {
		switch c := v.(type) {
		case map[string]any:
			v = c[step.(string)]
		case []any:
			i := step.(int)
			if i < 0 || i >= len(c) {
				return nil, false
			}
			v = c[i]
		default:
			return nil, false
		}
	}
	return v, true
}

// replace swaps the container at path for v, for slices that had to grow.
func (n *nested) replace(v any) bool {
	if len(n.path) == 0 {
		return n.rec.obs.Set(n.field, v) == nil
	}
	parent := nested{rec: n.rec, field: n.field, path: n.path[:len(n.path)-1]}
	c, ok := parent.resolve(true)
	if !ok {
		return false
	}
	switch p := c.(type) {
	case map[string]any:
		p[n.path[len(n.path)-1].(string)] = v
	case []any:
		p[n.path[len(n.path)-1].(int)] = v
	default:
		return false
	}
	return true
}

func (n *nested) child(step any, v any) goja.Value {
	path := append(append(make([]any, 0, len(n.path)+1), n.path...), step)
	return n.rec.wrap(v, n.field, path)
}

type nestedObject struct{ nested }

func (o *nestedObject) current(stage bool) map[string]any {
	v, ok := o.resolve(stage)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func (o *nestedObject) Get(key string) goja.Value {
	v, ok := o.current(false)[key]
	if !ok {
		return nil
	}
	return o.child(key, v)
}

func (o *nestedObject) Set(key string, val goja.Value) bool {
	v, ok := export(val)
	if !ok {
		return false
	}
	m := o.current(true)
	if m == nil {
		return false
	}
	m[key] = v
	return true
}

func (o *nestedObject) Has(key string) bool {
	_, ok := o.current(false)[key]
	return ok
}

func (o *nestedObject) Delete(key string) bool {
	m := o.current(true)
	if m == nil {
		return false
	}
	delete(m, key)
	return true
}

func (o *nestedObject) Keys() []string {
	m := o.current(false)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type nestedArray struct{ nested }

func (a *nestedArray) current(stage bool) []any {
	v, ok := a.resolve(stage)
	if !ok {
		return nil
	}
	s, _ := v.([]any)
	return s
}

func (a *nestedArray) Len() int {
	return len(a.current(false))
}

func (a *nestedArray) Get(idx int) goja.Value {
	s := a.current(false)
	if idx < 0 || idx >= len(s) {
		return nil
	}
	return a.child(idx, s[idx])
}

func (a *nestedArray) Set(idx int, val goja.Value) bool {
	v, ok := export(val)
	if !ok || idx < 0 {
		return false
	}
	s := a.current(true)
	if idx < len(s) {
		s[idx] = v
		return true
	}
	grown := make([]any, idx+1)
	copy(grown, s)
	grown[idx] = v
	return a.replace(grown)
}

func (a *nestedArray) SetLen(n int) bool {
	if n < 0 {
		return false
	}
	s := a.current(true)
	resized := make([]any, n)
	copy(resized, s)
	return a.replace(resized)
}

// export converts a script value for storage in a record. Record views
// are copied out so stored values never alias a record. Cyclic values
// cannot be stored and report false.
func export(val goja.Value) (any, bool) {
	if val == nil {
		return nil, true
	}
	return detach(val.Export(), map[uintptr]struct{}{})
}

func detach(v any, ancestors map[uintptr]struct{}) (any, bool) {
	switch x := v.(type) {
	case *record:
		return scope.DeepCopy(map[string]any(x.obs.Snapshot())), true
	case *nestedObject:
		return scope.DeepCopy(x.current(false)), true
	case *nestedArray:
		return scope.DeepCopy(x.current(false)), true
	case map[string]any:
		ptr := reflect.ValueOf(x).Pointer()
		if _, ok := ancestors[ptr]; ok {
			return nil, false
		}
		ancestors[ptr] = struct{}{}
		defer delete(ancestors, ptr)
		for k, e := range x {
			d, ok := detach(e, ancestors)
			if !ok {
				return nil, false
			}
			x[k] = d
		}
	case []any:
		if len(x) == 0 {
			return v, true
		}
		ptr := reflect.ValueOf(x).Pointer()
		if _, ok := ancestors[ptr]; ok {
			return nil, false
		}
		ancestors[ptr] = struct{}{}
		defer delete(ancestors, ptr)
		for i, e := range x {
			d, ok := detach(e, ancestors)
			if !ok {
				return nil, false
			}
			x[i] = d
		}
	}
	return v, true
}

// native creates a function that reports name in stack traces.
func native(vm *goja.Runtime, name string, fn func(goja.FunctionCall) goja.Value) *goja.Object {
	obj := vm.ToValue(fn).(*goja.Object)
	_ = obj.DefineDataProperty("name", vm.ToValue(name), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return obj
}

// throw raises err in the script as an Error named after its kind, e.g.
// TypeMismatch. The Go error stays reachable for callers that unwrap.
func throw(vm *goja.Runtime, err error) {
	e := vm.NewGoError(err)
	name := "Error"
	var kinded interface{ ErrorKind() string }
	if errors.As(err, &kinded) {
		name = kinded.ErrorKind()
	}
	_ = e.DefineDataProperty("name", vm.ToValue(name), goja.FLAG_TRUE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	panic(e)
}

func sendFunc(ctx context.Context, vm *goja.Runtime, s *scope.Scope) *goja.Object {
	return native(vm, Send, func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg
		}
		id, err := s.Send(ctx, args...)
		if err != nil {
			throw(vm, err)
		}
		return vm.ToValue(id)
	})
}

func execFunc(ctx context.Context, vm *goja.Runtime, s *scope.Scope) *goja.Object {
	return native(vm, Exec, func(call goja.FunctionCall) goja.Value {
		out, err := s.Exec(ctx, call.Argument(0).Export())
		if err != nil {
			throw(vm, err)
		}
		return vm.ToValue(out)
	})
}
