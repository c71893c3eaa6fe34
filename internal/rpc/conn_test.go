package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoParams struct {
	Key   string         `cbor:"key" json:"key"`
	Text  string         `cbor:"text" json:"text"`
	Extra map[string]any `cbor:"extra,omitempty" json:"extra,omitempty"`
}

// pipe returns two serving connections joined by an in-memory stream.
func pipe(t *testing.T, serverOpts ...ConnOption) (client, server *Conn) {
	t.Helper()
	a, b := net.Pipe()

	client = NewConn(NewStreamTransport(a, a), CBOR)
	server = NewConn(NewStreamTransport(b, b), CBOR, serverOpts...)
	return client, server
}

func serve(t *testing.T, conns ...*Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			_ = c.Serve(ctx)
		}(c)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestConnCallRoundTrip(t *testing.T) {
	client, server := pipe(t)
	server.Handle("echo", func(_ context.Context, req *Request) (any, error) {
		var p echoParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]any{"text": strings.ToUpper(p.Text), "extra": p.Extra}, nil
	})
	serve(t, client, server)

	var out struct {
		Text  string         `cbor:"text"`
		Extra map[string]any `cbor:"extra"`
	}
	err := client.Call(context.Background(), "echo", echoParams{Text: "hi", Extra: map[string]any{"n": 1}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "HI", out.Text)
	assert.Equal(t, map[string]any{"n": uint64(1)}, out.Extra, "nested maps decode as map[string]any")
}

func TestConnRemoteError(t *testing.T) {
	client, server := pipe(t)
	server.Handle("fail", func(context.Context, *Request) (any, error) {
		return nil, errors.New("WriteDenied: nope")
	})
	serve(t, client, server)

	err := client.Call(context.Background(), "fail", nil, nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "WriteDenied: nope", remote.Message)
	assert.Equal(t, "fail", remote.Method)
}

func TestConnMethodNotFound(t *testing.T) {
	client, server := pipe(t)
	serve(t, client, server)

	err := client.Call(context.Background(), "missing", nil, nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Contains(t, remote.Message, "method not found")
}

func TestConnHandlerPanic(t *testing.T) {
	client, server := pipe(t)
	server.Handle("boom", func(context.Context, *Request) (any, error) {
		panic("kaboom")
	})
	serve(t, client, server)

	err := client.Call(context.Background(), "boom", nil, nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "kaboom", "panic values do not cross the boundary")
}

func TestConnBidirectional(t *testing.T) {
	client, server := pipe(t)
	client.Handle("send", func(_ context.Context, req *Request) (any, error) {
		var p echoParams
		require.NoError(t, req.Decode(&p))
		return "id-" + p.Text, nil
	})
	server.Handle("eval", func(ctx context.Context, _ *Request) (any, error) {
		var id string
		if err := server.Call(ctx, "send", echoParams{Text: "x"}, &id); err != nil {
			return nil, err
		}
		return id, nil
	})
	serve(t, client, server)

	var out string
	require.NoError(t, client.Call(context.Background(), "eval", nil, &out))
	assert.Equal(t, "id-x", out)
}

func TestConnKeyedRequestsRunInOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}
	active := map[string]int{}
	overlap := false

	client, server := pipe(t, WithKeyFunc(func(req *Request) string {
		var p echoParams
		_ = req.Decode(&p)
		return p.Key
	}))
	server.Handle("work", func(_ context.Context, req *Request) (any, error) {
		var p echoParams
		require.NoError(t, req.Decode(&p))

		mu.Lock()
		active[p.Key]++
		if active[p.Key] > 1 {
			overlap = true
		}
		seen[p.Key] = append(seen[p.Key], p.Text)
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active[p.Key]--
		mu.Unlock()
		return nil, nil
	})
	serve(t, client, server)

	// Each call is issued once the previous one reached its handler, so
	// arrival order is known.
	var wg sync.WaitGroup
	texts := []string{"1", "2", "3", "4", "5"}
	for _, text := range texts {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func(key, text string) {
				defer wg.Done()
				assert.NoError(t, client.Call(context.Background(), "work", echoParams{Key: key, Text: text}, nil))
			}(key, text)
			// Let the request reach the wire before issuing the next one.
			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return countSeen(seen, key, text)
			}, time.Second, 100*time.Microsecond)
		}
	}
	wg.Wait()

	assert.False(t, overlap, "requests with the same key never overlap")
	assert.Equal(t, texts, seen["a"])
	assert.Equal(t, texts, seen["b"])
}

func countSeen(seen map[string][]string, key, text string) bool {
	for _, s := range seen[key] {
		if s == text {
			return true
		}
	}
	return false
}

func TestConnCallContextCancelled(t *testing.T) {
	client, server := pipe(t)
	release := make(chan struct{})
	server.Handle("slow", func(context.Context, *Request) (any, error) {
		<-release
		return nil, nil
	})
	serve(t, client, server)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, "slow", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnCloseFailsPendingCalls(t *testing.T) {
	client, server := pipe(t)
	started := make(chan struct{})
	server.Handle("hang", func(ctx context.Context, _ *Request) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	serve(t, client, server)

	errc := make(chan error, 1)
	go func() { errc <- client.Call(context.Background(), "hang", nil, nil) }()
	<-started

	require.NoError(t, client.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call was not failed")
	}

	assert.ErrorIs(t, client.Call(context.Background(), "hang", nil, nil), ErrClosed)
}

func TestServeReturnsNilOnHangUp(t *testing.T) {
	a, b := net.Pipe()
	server := NewConn(NewStreamTransport(b, b), CBOR)

	done := make(chan error, 1)
	go func() { done <- server.Serve(context.Background()) }()

	require.NoError(t, a.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(NewWebSocketTransport(ws), JSON)
		conn.Handle("echo", func(_ context.Context, req *Request) (any, error) {
			var p echoParams
			if err := req.Decode(&p); err != nil {
				return nil, err
			}
			return p.Text + "!", nil
		})
		_ = conn.Serve(r.Context())
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	client := NewConn(NewWebSocketTransport(ws), JSON)
	serve(t, client)

	var out string
	require.NoError(t, client.Call(context.Background(), "echo", echoParams{Text: "hey"}, &out))
	assert.Equal(t, "hey!", out)
}

func TestWebSocketTransportCloseDuringWrites(t *testing.T) {
	upgrader := websocket.Upgrader{}
	writerDone := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := NewWebSocketTransport(ws)
		started := make(chan struct{})
		go func() {
			for id := uint64(1); ; id++ {
				if err := tr.WriteFrame(&Frame{ID: id, Kind: KindResponse}); err != nil {
					writerDone <- err
					return
				}
				if id == 1 {
					close(started)
				}
			}
		}()
		<-started
		_ = tr.Close()
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	client := NewWebSocketTransport(ws)
	defer client.Close()

	for {
		f, err := client.ReadFrame()
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		assert.Equal(t, KindResponse, f.Kind)
	}

	select {
	case err := <-writerDone:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop after Close")
	}
}

func TestGRPCTransport(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gs := NewGRPCServer()
	RegisterChannelServer(gs, func(ctx context.Context, tr Transport) error {
		conn := NewConn(tr, CBOR)
		conn.Handle("echo", func(_ context.Context, req *Request) (any, error) {
			var p echoParams
			if err := req.Decode(&p); err != nil {
				return nil, err
			}
			return p.Text + "?", nil
		})
		return conn.Serve(ctx)
	})
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	tr, err := DialGRPC(context.Background(), lis.Addr().String())
	require.NoError(t, err)

	client := NewConn(tr, CBOR)
	serve(t, client)

	var out string
	require.NoError(t, client.Call(context.Background(), "echo", echoParams{Text: "grpc"}, &out))
	assert.Equal(t, "grpc?", out)
}

func TestCodecByName(t *testing.T) {
	c, ok := CodecByName("cbor")
	require.True(t, ok)
	assert.Equal(t, "cbor", c.Name())

	c, ok = CodecByName("json")
	require.True(t, ok)
	assert.Equal(t, "json", c.Name())

	_, ok = CodecByName("xml")
	assert.False(t, ok)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "request", KindRequest.String())
	assert.Equal(t, "response", KindResponse.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
