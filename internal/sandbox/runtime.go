package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/inspect"
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithWaitObserver reports how long each caller waited for the slot.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(r *Runtime) {
		r.onWait = fn
	}
}

// Runtime wraps goja VM with security controls
type Runtime struct {
	vm     *goja.Runtime
	config Config
	logger *zap.Logger
	slot   *slot
	onWait func(time.Duration)
	closed atomic.Bool
}

// New creates a new sandboxed runtime
func New(config Config, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Inspect == (inspect.Options{}) {
		config.Inspect = inspect.DefaultOptions()
	}

	r := &Runtime{
		vm:     goja.New(),
		config: config,
		logger: logger,
		slot:   newSlot(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if config.MaxCallStackSize > 0 {
		r.vm.SetMaxCallStackSize(config.MaxCallStackSize)
	}

	// Setup global objects
	if err := r.setupGlobals(); err != nil {
		return nil, err
	}

	return r, nil
}

// Run compiles and executes source in the execution slot. Bindings exist
// for this execution only; previous globals under the same names are
// restored afterwards.
func (r *Runtime) Run(ctx context.Context, source string, opts RunOptions) (goja.Value, error) {
	filename := opts.Filename
	if filename == "" {
		filename = "anonymous"
	}
	if opts.LineOffset > 0 {
		source = strings.Repeat("\n", opts.LineOffset) + source
	}

	program, err := goja.Compile(filename, source, false)
	if err != nil {
		return nil, err
	}

	return r.Do(ctx, func(vm *goja.Runtime) (goja.Value, error) {
		if opts.Bindings != nil {
			restore, err := r.bind(opts.Bindings(vm))
			if err != nil {
				return nil, err
			}
			defer restore()
		}
		val, err := vm.RunProgram(program)
		if err == nil && opts.Await {
			val, err = Settle(vm, val)
		}
		if err == nil && opts.OnResult != nil {
			opts.OnResult(vm, val)
		}
		return val, err
	})
}

// Settle unwraps a settled promise. It must be called inside the slot.
func Settle(vm *goja.Runtime, val goja.Value) (goja.Value, error) {
	if val == nil {
		return val, nil
	}
	p, ok := val.Export().(*goja.Promise)
	if !ok {
		return val, nil
	}

	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, raise(vm, p.Result())
	default:
		return val, nil
	}
}

// raise turns a JS value into the exception a throw statement would produce.
func raise(vm *goja.Runtime, reason goja.Value) error {
	thrower, _ := goja.AssertFunction(vm.ToValue(func(call goja.FunctionCall) goja.Value {
		panic(call.Argument(0))
	}))
	_, err := thrower(goja.Undefined(), reason)
	return err
}

// Do runs fn inside the execution slot under the timeout and ctx guard.
// Callers queue in arrival order and never run concurrently.
func (r *Runtime) Do(ctx context.Context, fn Func) (val goja.Value, err error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	waited, err := r.slot.acquire(ctx)
	if r.onWait != nil {
		r.onWait(waited)
	}
	if err != nil {
		return nil, fmt.Errorf("waiting for execution slot: %w", err)
	}
	defer r.slot.release()
	if r.closed.Load() {
		return nil, ErrClosed
	}

	// Setup interrupt handler
	stop := r.guard(ctx)
	defer stop()

	defer func() {
		if p := recover(); p != nil {
			if ex, ok := p.(*goja.Exception); ok {
				err = ex
				return
			}
			if ie, ok := p.(*goja.InterruptedError); ok {
				err = ie
				return
			}
			err = fmt.Errorf("sandbox: panic: %v", p)
		}
	}()

	return fn(r.vm)
}

// guard interrupts the VM on timeout or cancellation. The returned func
// stops the watcher and clears any interrupt that fired after fn returned.
func (r *Runtime) guard(ctx context.Context) func() {
	var timeout <-chan time.Time
	var timer *time.Timer
	if r.config.Timeout > 0 {
		timer = time.NewTimer(r.config.Timeout)
		timeout = timer.C
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-timeout:
			r.vm.Interrupt(ReasonTimeout)
		case <-ctx.Done():
			r.vm.Interrupt(ReasonCancelled)
		case <-done:
		}
	}()

	return func() {
		close(done)
		<-exited
		if timer != nil {
			timer.Stop()
		}
		r.vm.ClearInterrupt()
	}
}

// bind installs globals and returns a func restoring the previous ones.
func (r *Runtime) bind(bindings map[string]any) (func(), error) {
	type saved struct {
		key     string
		value   goja.Value
		existed bool
	}

	global := r.vm.GlobalObject()
	prev := make([]saved, 0, len(bindings))
	restore := func() {
		for i := len(prev) - 1; i >= 0; i-- {
			p := prev[i]
			if p.existed {
				_ = global.Set(p.key, p.value)
			} else {
				_ = global.Delete(p.key)
			}
		}
	}

	for key, value := range bindings {
		old := global.Get(key)
		prev = append(prev, saved{key: key, value: old, existed: old != nil})
		if err := global.Set(key, value); err != nil {
			restore()
			return nil, fmt.Errorf("bind %q: %w", key, err)
		}
	}
	return restore, nil
}

// SetGlobal defines a persistent global. Without allowOverwrite an existing
// global is left untouched and ErrGlobalExists is returned.
func (r *Runtime) SetGlobal(key string, value any, allowOverwrite bool) error {
	_, err := r.Do(context.Background(), func(vm *goja.Runtime) (goja.Value, error) {
		global := vm.GlobalObject()
		if !allowOverwrite && global.Get(key) != nil {
			return nil, fmt.Errorf("%q: %w", key, ErrGlobalExists)
		}
		return nil, global.Set(key, value)
	})
	return err
}

// Stats returns slot statistics
func (r *Runtime) Stats() Stats {
	return r.slot.stats()
}

// Close interrupts the running execution and rejects queued and future ones.
func (r *Runtime) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.vm.Interrupt(ErrClosed.Error())
	return nil
}

// setupGlobals configures global objects and security
func (r *Runtime) setupGlobals() error {
	// Remove dangerous globals
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := r.vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("setup %s: %w", name, err)
		}
	}

	// Setup console if enabled
	console := r.vm.NewObject()
	for _, level := range []string{"log", "info", "debug", "warn", "error"} {
		fn := r.makeConsoleFunc(level)
		if !r.config.EnableConsole {
			fn = func(goja.FunctionCall) goja.Value { return goja.Undefined() }
		}
		if err := console.Set(level, fn); err != nil {
			return err
		}
	}
	if err := r.vm.Set("console", console); err != nil {
		return err
	}

	// Setup timers (no-op for security)
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval", "clearImmediate"} {
		if err := r.vm.Set(name, noop); err != nil {
			return err
		}
	}

	return nil
}

// makeConsoleFunc creates a console function
func (r *Runtime) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	logger := r.logger.Named("console")
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg
		}
		msg := r.config.Inspect.Format(args...)

		switch level {
		case "debug":
			logger.Debug(msg)
		case "warn":
			logger.Warn(msg)
		case "error":
			logger.Error(msg)
		default:
			logger.Info(msg)
		}
		return goja.Undefined()
	}
}
