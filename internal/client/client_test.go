package client_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/addon"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/client"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/format"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/inspect"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/rpc"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/sandbox"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/scope"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/worker"
	"github.com/GriffinCanCode/AgentOS/evalworker/tests/helpers/testutil"
)

// startWorker serves a ready worker on one end of an in-memory pipe and
// returns a client on the other.
func startWorker(t *testing.T, host scope.Host, register func(*addon.Registry)) *client.Client {
	t.Helper()

	rt, err := sandbox.New(sandbox.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	registry := addon.New()
	if register != nil {
		register(registry)
	}
	w := worker.New(rt, registry, format.New(inspect.DefaultOptions()), zap.NewNop())
	require.NoError(t, w.Ready(nil))

	a, b := net.Pipe()
	conn := rpc.NewConn(rpc.NewStreamTransport(b, b), rpc.CBOR, rpc.WithKeyFunc(worker.SessionKey))
	w.Register(conn)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = conn.Serve(ctx)
	}()

	c := client.New(rpc.NewStreamTransport(a, a), rpc.CBOR, host)
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		<-served
	})
	return c
}

func TestClientRoundTrip(t *testing.T) {
	host := &testutil.RecordingHost{
		ExecuteFunc: func(_ context.Context, _, command string) (string, error) {
			return "done:" + command, nil
		},
	}
	c := startWorker(t, host, func(r *addon.Registry) {
		require.NoError(t, r.Register("ping", func(ctx context.Context, s *scope.AddonScope) (string, error) {
			if _, err := s.Send(ctx, "pong"); err != nil {
				return "", err
			}
			return "ok", nil
		}))
	})
	ctx := context.Background()
	data := testutil.CreateScopeData(t, nil)

	resp, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ping"}, resp.Commands)

	res, err := c.Eval(ctx, data, worker.EvalOptions{Source: "channel.flag = true; exec('x')"})
	require.NoError(t, err)
	assert.Equal(t, worker.Value("done:x"), res)
	assert.Equal(t, []scope.Diff{{"flag": true}}, host.GroupUpdates())

	res, err = c.CallAddon(ctx, data, scope.AddonArgv{Name: "ping"})
	require.NoError(t, err)
	assert.Equal(t, worker.Value("ok"), res)
	assert.Equal(t, []string{"pong"}, host.SentMessages())

	require.NoError(t, c.Sync(ctx, data, worker.SyncPatch{User: map[string]any{"name": "dave"}}))
	assert.Equal(t, []scope.Diff{{"name": "dave"}}, host.UserUpdates())
}

func TestClientSyncDenied(t *testing.T) {
	c := startWorker(t, &testutil.RecordingHost{}, nil)

	err := c.Sync(context.Background(), testutil.CreateScopeData(t, nil), worker.SyncPatch{
		Channel: map[string]any{"assignee": "mallory"},
	})
	var remote *rpc.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Contains(t, remote.Message, "WriteDenied")
}

func TestClientCloseEndsConnection(t *testing.T) {
	c := startWorker(t, &testutil.RecordingHost{}, nil)
	require.NoError(t, c.Close())

	<-c.Done()
	_, err := c.Start(context.Background())
	assert.ErrorIs(t, err, rpc.ErrClosed)
}
