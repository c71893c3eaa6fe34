package worker_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/rpc"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/scope"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/worker"
	"github.com/GriffinCanCode/AgentOS/evalworker/tests/helpers/testutil"
)

// connect wires a host connection backed by host to a worker connection.
func connect(t *testing.T, w *worker.Worker, host *testutil.RecordingHost) *rpc.Conn {
	t.Helper()
	a, b := net.Pipe()

	hostConn := rpc.NewConn(rpc.NewStreamTransport(a, a), rpc.CBOR)
	hostConn.Handle(worker.MethodUpdateUser, func(ctx context.Context, req *rpc.Request) (any, error) {
		var p worker.DiffParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return nil, host.UpdateUser(ctx, p.SessionID, p.Diff)
	})
	hostConn.Handle(worker.MethodSend, func(ctx context.Context, req *rpc.Request) (any, error) {
		var p worker.SendParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return host.Send(ctx, p.SessionID, p.Content)
	})

	workerConn := rpc.NewConn(rpc.NewStreamTransport(b, b), rpc.CBOR, rpc.WithKeyFunc(worker.SessionKey))
	w.Register(workerConn)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, c := range []*rpc.Conn{hostConn, workerConn} {
		wg.Add(1)
		go func(c *rpc.Conn) {
			defer wg.Done()
			_ = c.Serve(ctx)
		}(c)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return hostConn
}

func TestRPCEval(t *testing.T) {
	f := readyFixture(t)
	host := &testutil.RecordingHost{}
	conn := connect(t, f.worker, host)

	var res worker.Result
	err := conn.Call(context.Background(), worker.MethodEval, worker.EvalParams{
		Data:        testutil.CreateScopeData(t, nil),
		EvalOptions: worker.EvalOptions{Source: "send('hi'); user.name = 'bob'; 40 + user.authority + 1"},
	}, &res)
	require.NoError(t, err)

	assert.Equal(t, worker.Value("42"), res)
	assert.Equal(t, []string{"hi"}, host.SentMessages())
	assert.Equal(t, []scope.Diff{{"name": "bob"}}, host.UserUpdates())
}

func TestRPCStart(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register("echo", func(context.Context, *scope.AddonScope) (string, error) {
		return "", nil
	}))
	require.NoError(t, f.worker.Ready(nil))
	conn := connect(t, f.worker, &testutil.RecordingHost{})

	var resp worker.Response
	require.NoError(t, conn.Call(context.Background(), worker.MethodStart, nil, &resp))
	assert.Equal(t, []string{"echo"}, resp.Commands)
}

func TestRPCErrorsAreRedacted(t *testing.T) {
	f := readyFixture(t)
	conn := connect(t, f.worker, &testutil.RecordingHost{})
	data := testutil.CreateScopeData(t, nil)

	err := conn.Call(context.Background(), worker.MethodCallAddon, worker.AddonParams{
		Data: data,
		Argv: scope.AddonArgv{Name: "nope"},
	}, nil)
	var remote *rpc.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, `RegistryMisuse: addon "nope" is not registered`, remote.Message)

	err = conn.Call(context.Background(), worker.MethodSync, worker.SyncParams{
		Data:  data,
		Patch: worker.SyncPatch{User: map[string]any{"authority": 3}},
	}, nil)
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, `WriteDenied: field "authority" of user record is not writable`, remote.Message)
}

func TestSessionKey(t *testing.T) {
	f := readyFixture(t)
	a, b := net.Pipe()
	client := rpc.NewConn(rpc.NewStreamTransport(a, a), rpc.CBOR)

	keys := make(chan string, 1)
	server := rpc.NewConn(rpc.NewStreamTransport(b, b), rpc.CBOR, rpc.WithKeyFunc(func(req *rpc.Request) string {
		key := worker.SessionKey(req)
		keys <- key
		return key
	}))
	f.worker.Register(server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Serve(ctx) }()
	go func() { _ = server.Serve(ctx) }()

	var res worker.Result
	require.NoError(t, client.Call(ctx, worker.MethodEval, worker.EvalParams{
		Data:        scope.Data{SessionID: "abc"},
		EvalOptions: worker.EvalOptions{Source: "1"},
	}, &res))
	assert.Equal(t, "abc", <-keys)
	assert.Equal(t, worker.Value("1"), res)
}
