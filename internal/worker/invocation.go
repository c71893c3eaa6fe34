package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/shared/id"
)

// State is the lifecycle position of one invocation.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateSynced
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateSynced:
		return "synced"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Invocation kinds used in logs and metrics.
const (
	KindEval  = "eval"
	KindAddon = "addon"
	KindSync  = "sync"
)

// Invocation tracks one eval, addon call or sync.
type Invocation struct {
	ID        id.InvocationID
	Kind      string
	SessionID string
	State     State
	Err       error

	logger *zap.Logger
	timer  *monitoring.Timer
	tracer *tracing.Tracer
	span   *tracing.Span
}

func (w *Worker) begin(ctx context.Context, kind, sessionID string) (*Invocation, context.Context) {
	inv := &Invocation{
		ID:        id.NewInvocationID(),
		Kind:      kind,
		SessionID: sessionID,
		State:     StateIdle,
		timer:     monitoring.NewTimer(w.metrics, kind),
		tracer:    w.tracer,
	}
	inv.logger = w.logger.With(
		zap.String("invocation_id", inv.ID.String()),
		zap.String("kind", kind),
		zap.String("session_id", sessionID),
	)
	if w.tracer != nil {
		inv.span, ctx = w.tracer.StartSpan(ctx, kind)
		inv.span.SetTag("invocation_id", inv.ID.String())
		inv.span.SetTag("session_id", sessionID)
	}
	inv.transition(StateRunning)
	return inv, ctx
}

func (inv *Invocation) transition(to State) {
	inv.logger.Debug("invocation state changed",
		zap.Stringer("from", inv.State),
		zap.Stringer("to", to),
	)
	inv.State = to
}

// succeed marks the body as finished without error.
func (inv *Invocation) succeed() {
	inv.transition(StateSucceeded)
}

// fail marks the body or its sync as failed.
func (inv *Invocation) fail(err error) {
	inv.Err = err
	inv.transition(StateFailed)
}

// synced marks the records as flushed.
func (inv *Invocation) synced() {
	inv.transition(StateSynced)
}

// end records metrics and the trace span. It returns the duration.
func (inv *Invocation) end() time.Duration {
	d := inv.timer.Stop(monitoring.Outcome(inv.Err))
	if inv.span != nil {
		inv.span.SetTag("state", inv.State.String())
		if inv.Err != nil {
			inv.span.SetError(inv.Err)
		}
		inv.span.Finish()
		inv.tracer.Submit(inv.span)
	}
	inv.logger.Debug("invocation finished",
		zap.Stringer("state", inv.State),
		zap.Duration("duration", d),
	)
	return d
}
