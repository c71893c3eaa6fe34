package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/addon"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/bindings"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/format"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/sandbox"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/scope"
)

// EvalFilename is the file name eval sources report in stack frames.
const EvalFilename = "stdin"

var (
	ErrNotReady     = errors.New("worker startup failed")
	ErrRecordAbsent = errors.New("record not present")
	ErrAlreadyReady = errors.New("worker already marked ready")
)

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics records invocations, commits and host calls.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithTracer emits a span per invocation.
func WithTracer(t *tracing.Tracer) Option {
	return func(w *Worker) {
		w.tracer = t
	}
}

// WithScopeOptions applies opts to every scope manager the worker creates.
func WithScopeOptions(opts ...scope.Option) Option {
	return func(w *Worker) {
		w.scopeOpts = append(w.scopeOpts, opts...)
	}
}

// Worker orchestrates scopes, the sandbox and the addon registry.
type Worker struct {
	runtime   *sandbox.Runtime
	registry  *addon.Registry
	format    *format.Formatter
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
	scopeOpts []scope.Option

	ready    chan struct{}
	readyErr error
	once     sync.Once
	commands []string
}

// New creates a worker. It serves nothing until Ready is called.
func New(runtime *sandbox.Runtime, registry *addon.Registry, formatter *format.Formatter, logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		runtime:  runtime,
		registry: registry,
		format:   formatter,
		logger:   logger,
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ready ends the startup phase. On success the registry is frozen and its
// names become the command list. A non-nil err is reported by every later
// call. Only the first call has an effect.
func (w *Worker) Ready(err error) error {
	fired := false
	w.once.Do(func() {
		fired = true
		if err == nil {
			w.registry.Freeze()
			w.commands = w.registry.Names()
			w.metrics.SetAddons(len(w.commands))
		}
		w.readyErr = err
		close(w.ready)
	})
	if !fired {
		return ErrAlreadyReady
	}
	if err != nil {
		w.logger.Error("Startup failed", zap.Error(err))
	} else {
		w.logger.Info("Worker ready", zap.Strings("commands", w.commands))
	}
	return nil
}

// Status reports without blocking whether startup finished and how.
func (w *Worker) Status() (ready bool, err error) {
	select {
	case <-w.ready:
		return true, w.readyErr
	default:
		return false, nil
	}
}

// await blocks until startup finished.
func (w *Worker) await(ctx context.Context) error {
	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if w.readyErr != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, w.readyErr)
	}
	return nil
}

// Start waits for startup and returns the registered addon names in
// registration order. It may be called any number of times.
func (w *Worker) Start(ctx context.Context) (Response, error) {
	if err := w.await(ctx); err != nil {
		return Response{}, err
	}
	return Response{Commands: append([]string(nil), w.commands...)}, nil
}

// Sync commits the user record, then the channel record. Both commits are
// attempted; their errors are joined in that order.
func (w *Worker) Sync(ctx context.Context, s *scope.Scope) error {
	var errs []error
	for _, record := range s.Records() {
		err := record.Commit(ctx)
		w.metrics.RecordCommit(record.Name(), err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Endpoint binds the worker to one host.
func (w *Worker) Endpoint(host scope.Host) *Endpoint {
	return &Endpoint{
		w:      w,
		scopes: scope.NewManager(host, w.format, w.scopeOpts...),
	}
}

// Endpoint serves eval, callAddon and sync for one host.
type Endpoint struct {
	w      *Worker
	scopes *scope.Manager
}

// Eval runs source with the session's scope bound as globals. Script
// errors and sync failures come back as formatted text; the returned error
// is only set when the worker cannot serve.
func (e *Endpoint) Eval(ctx context.Context, data scope.Data, opts EvalOptions) (Result, error) {
	w := e.w
	if err := w.await(ctx); err != nil {
		return Result{}, err
	}

	inv, ctx := w.begin(ctx, KindEval, data.SessionID)
	defer inv.end()

	s := e.scopes.Build(data)
	defer s.Release()

	var out Result
	_, err := w.runtime.Run(ctx, opts.Source, sandbox.RunOptions{
		Filename: EvalFilename,
		Await:    true,
		Bindings: func(vm *goja.Runtime) map[string]any {
			return bindings.Scope(ctx, vm, s)
		},
		OnResult: func(_ *goja.Runtime, val goja.Value) {
			if opts.Silent || val == nil || goja.IsUndefined(val) {
				return
			}
			out = Value(w.format.FormatResult(val))
		},
	})
	if err != nil {
		inv.fail(err)
		return Value(w.format.FormatError(err)), nil
	}
	inv.succeed()

	if err := w.Sync(ctx, s); err != nil {
		inv.fail(err)
		return Value(w.format.FormatError(err)), nil
	}
	inv.synced()
	return out, nil
}

// CallAddon invokes a registered addon. An unknown name is rejected with
// *addon.NotFoundError before any scope is built. Handler errors are
// returned as text only when the caller asked for debug output.
func (e *Endpoint) CallAddon(ctx context.Context, data scope.Data, argv scope.AddonArgv) (Result, error) {
	w := e.w
	if err := w.await(ctx); err != nil {
		return Result{}, err
	}

	handler, err := w.registry.Get(argv.Name)
	if err != nil {
		return Result{}, err
	}

	inv, ctx := w.begin(ctx, KindAddon, data.SessionID)
	defer inv.end()

	s := e.scopes.Build(data)
	defer s.Release()

	text, err := handler(ctx, &scope.AddonScope{AddonArgv: argv, Scope: s})
	if err == nil {
		inv.succeed()
		err = w.Sync(ctx, s)
	}
	if err != nil {
		inv.fail(err)
		if argv.Debug() {
			return Value(w.format.FormatError(err)), nil
		}
		inv.logger.Warn("Addon failed",
			zap.String("addon", argv.Name),
			zap.Error(err),
		)
		return Result{}, nil
	}
	inv.synced()

	if text == "" {
		return Result{}, nil
	}
	return Value(text), nil
}

// SyncPatch stages patch on a scope built from data and commits it.
func (e *Endpoint) SyncPatch(ctx context.Context, data scope.Data, patch SyncPatch) error {
	w := e.w
	if err := w.await(ctx); err != nil {
		return err
	}

	inv, ctx := w.begin(ctx, KindSync, data.SessionID)
	defer inv.end()

	s := e.scopes.Build(data)
	defer s.Release()

	if err := stage(s.User, "user", patch.User); err != nil {
		inv.fail(err)
		return err
	}
	if err := stage(s.Channel, "channel", patch.Channel); err != nil {
		inv.fail(err)
		return err
	}

	if err := w.Sync(ctx, s); err != nil {
		inv.fail(err)
		return err
	}
	inv.synced()
	return nil
}

func stage(record *scope.Observed, name string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	if record == nil {
		return fmt.Errorf("sync %s: %w", name, ErrRecordAbsent)
	}
	for key, value := range patch {
		if err := record.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}
