package worker

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/rpc"
)

// SessionKey orders requests by the session id carried in their data so
// invocations for one session never overlap.
func SessionKey(req *rpc.Request) string {
	var p struct {
		Data struct {
			SessionID string `cbor:"sessionId" json:"sessionId"`
		} `cbor:"data" json:"data"`
	}
	if err := req.Decode(&p); err != nil {
		return ""
	}
	return p.Data.SessionID
}

// Register serves the worker methods on conn and routes host effects back
// through it.
func (w *Worker) Register(conn *rpc.Conn) *Endpoint {
	ep := w.Endpoint(NewHostClient(conn))

	conn.Handle(MethodStart, func(ctx context.Context, _ *rpc.Request) (any, error) {
		return w.Start(ctx)
	})

	conn.Handle(MethodEval, func(ctx context.Context, req *rpc.Request) (any, error) {
		var p EvalParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return ep.Eval(ctx, p.Data, p.EvalOptions)
	})

	conn.Handle(MethodCallAddon, func(ctx context.Context, req *rpc.Request) (any, error) {
		var p AddonParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		res, err := ep.CallAddon(ctx, p.Data, p.Argv)
		if err != nil {
			return nil, w.redact(err)
		}
		return res, nil
	})

	conn.Handle(MethodSync, func(ctx context.Context, req *rpc.Request) (any, error) {
		var p SyncParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if err := ep.SyncPatch(ctx, p.Data, p.Patch); err != nil {
			return nil, w.redact(err)
		}
		return nil, nil
	})

	return ep
}

// redact replaces err with its formatted text so raw errors never reach
// the host.
func (w *Worker) redact(err error) error {
	if errors.Is(err, ErrNotReady) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.New(w.format.FormatError(err))
}
