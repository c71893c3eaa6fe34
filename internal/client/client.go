// Package client is the host side of the worker channel. It serves the
// host operations the worker calls back into and offers typed wrappers for
// the worker methods.
package client

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/rpc"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/scope"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/worker"
)

// Client talks to one worker.
type Client struct {
	conn   *rpc.Conn
	logger *zap.Logger

	cancel  context.CancelFunc
	served  chan struct{}
	serveMu sync.Mutex
	err     error

	cmd *exec.Cmd
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	codec    rpc.Codec
	connOpts []rpc.ConnOption
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithConnOptions passes options to the underlying connection.
func WithConnOptions(opts ...rpc.ConnOption) Option {
	return func(o *options) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

func buildOptions(codec rpc.Codec, opts []Option) *options {
	o := &options{logger: zap.NewNop(), codec: codec}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New serves host over t and starts reading frames.
func New(t rpc.Transport, codec rpc.Codec, host scope.Host, opts ...Option) *Client {
	o := buildOptions(codec, opts)
	conn := rpc.NewConn(t, o.codec, append([]rpc.ConnOption{rpc.WithLogger(o.logger)}, o.connOpts...)...)
	serveHost(conn, host)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		logger: o.logger,
		cancel: cancel,
		served: make(chan struct{}),
	}
	go func() {
		defer close(c.served)
		err := conn.Serve(ctx)
		c.serveMu.Lock()
		c.err = err
		c.serveMu.Unlock()
	}()
	return c
}

// Spawn starts the worker binary at path with stdio transport. The worker's
// stderr is forwarded to ours.
func Spawn(ctx context.Context, path string, args []string, host scope.Host, opts ...Option) (*Client, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	c := New(rpc.NewStreamTransport(stdout, stdin), rpc.CBOR, host, opts...)
	c.cmd = cmd
	c.logger.Info("Worker spawned", zap.String("path", path), zap.Int("pid", cmd.Process.Pid))
	return c, nil
}

// DialWebSocket connects to a worker serving websocket at url.
func DialWebSocket(ctx context.Context, url string, host scope.Host, opts ...Option) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(rpc.NewWebSocketTransport(ws), rpc.JSON, host, opts...), nil
}

// DialGRPC connects to a worker serving the gRPC channel at addr.
func DialGRPC(ctx context.Context, addr string, host scope.Host, opts ...Option) (*Client, error) {
	t, err := rpc.DialGRPC(ctx, addr)
	if err != nil {
		return nil, err
	}
	return New(t, rpc.CBOR, host, opts...), nil
}

// serveHost routes the worker's callbacks to host.
func serveHost(conn *rpc.Conn, host scope.Host) {
	conn.Handle(worker.MethodUpdateUser, func(ctx context.Context, req *rpc.Request) (any, error) {
		var p worker.DiffParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return nil, host.UpdateUser(ctx, p.SessionID, p.Diff)
	})
	conn.Handle(worker.MethodUpdateGroup, func(ctx context.Context, req *rpc.Request) (any, error) {
		var p worker.DiffParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return nil, host.UpdateGroup(ctx, p.SessionID, p.Diff)
	})
	conn.Handle(worker.MethodSend, func(ctx context.Context, req *rpc.Request) (any, error) {
		var p worker.SendParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return host.Send(ctx, p.SessionID, p.Content)
	})
	conn.Handle(worker.MethodExecute, func(ctx context.Context, req *rpc.Request) (any, error) {
		var p worker.ExecuteParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return host.Execute(ctx, p.SessionID, p.Command)
	})
}

// Start waits for the worker to finish startup and returns its commands.
func (c *Client) Start(ctx context.Context) (worker.Response, error) {
	var resp worker.Response
	err := c.conn.Call(ctx, worker.MethodStart, nil, &resp)
	return resp, err
}

// Eval runs source for the session described by data.
func (c *Client) Eval(ctx context.Context, data scope.Data, opts worker.EvalOptions) (worker.Result, error) {
	var res worker.Result
	err := c.conn.Call(ctx, worker.MethodEval, worker.EvalParams{Data: data, EvalOptions: opts}, &res)
	return res, err
}

// CallAddon invokes a registered addon.
func (c *Client) CallAddon(ctx context.Context, data scope.Data, argv scope.AddonArgv) (worker.Result, error) {
	var res worker.Result
	err := c.conn.Call(ctx, worker.MethodCallAddon, worker.AddonParams{Data: data, Argv: argv}, &res)
	return res, err
}

// Sync commits record patches through the worker's allow-lists.
func (c *Client) Sync(ctx context.Context, data scope.Data, patch worker.SyncPatch) error {
	return c.conn.Call(ctx, worker.MethodSync, worker.SyncParams{Data: data, Patch: patch}, nil)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.served
}

// Close hangs up and, for spawned workers, waits for the process to exit.
func (c *Client) Close() error {
	c.cancel()
	_ = c.conn.Close()
	<-c.served

	c.serveMu.Lock()
	err := c.err
	c.serveMu.Unlock()

	if c.cmd != nil {
		if werr := c.cmd.Wait(); werr != nil && err == nil {
			err = fmt.Errorf("worker exited: %w", werr)
		}
	}
	return err
}
