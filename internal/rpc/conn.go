package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Request is an incoming call.
type Request struct {
	ID     uint64
	Method string

	payload []byte
	codec   Codec
}

// Decode unmarshals the call parameters into v.
func (r *Request) Decode(v any) error {
	if len(r.payload) == 0 {
		return nil
	}
	if err := r.codec.Unmarshal(r.payload, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Method, err)
	}
	return nil
}

// HandlerFunc serves one method. The returned value is encoded as the
// response payload; a returned error becomes an error response carrying
// err.Error().
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// KeyFunc picks the ordering key of an incoming request. Requests with the
// same non-empty key are handled one at a time in arrival order. Requests
// with an empty key are handled concurrently.
type KeyFunc func(req *Request) string

// CallObserver is told about every finished outgoing call.
type CallObserver func(method string, d time.Duration, err error)

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithKeyFunc sets the request ordering key.
func WithKeyFunc(fn KeyFunc) ConnOption {
	return func(c *Conn) {
		c.keyFunc = fn
	}
}

// WithLogger sets the connection logger.
func WithLogger(logger *zap.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithCallObserver reports outgoing call latencies.
func WithCallObserver(fn CallObserver) ConnOption {
	return func(c *Conn) {
		c.onCall = fn
	}
}

// Conn is a symmetric RPC endpoint: both sides may serve methods and call
// the peer over the same transport. Outgoing calls are matched to their
// responses through a pending-call table keyed by frame ID.
type Conn struct {
	transport Transport
	codec     Codec
	logger    *zap.Logger
	keyFunc   KeyFunc
	onCall    CallObserver

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan *Frame

	queuesMu sync.Mutex
	queues   map[string]*keyQueue

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type keyQueue struct {
	jobs    []func()
	running bool
}

// NewConn creates a connection over t.
func NewConn(t Transport, codec Codec, opts ...ConnOption) *Conn {
	c := &Conn{
		transport: t,
		codec:     codec,
		logger:    zap.NewNop(),
		handlers:  make(map[string]HandlerFunc),
		pending:   make(map[uint64]chan *Frame),
		queues:    make(map[string]*keyQueue),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle registers the handler for method.
func (c *Conn) Handle(method string, h HandlerFunc) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = h
}

// Call invokes method on the peer and decodes the response into result,
// which may be nil when the caller does not need it.
func (c *Conn) Call(ctx context.Context, method string, params, result any) (err error) {
	if c.onCall != nil {
		start := time.Now()
		defer func() { c.onCall(method, time.Since(start), err) }()
	}

	var payload []byte
	if params != nil {
		payload, err = c.codec.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
	}

	id := c.nextID.Add(1)
	ch := make(chan *Frame, 1)

	c.pendingMu.Lock()
	select {
	case <-c.closed:
		c.pendingMu.Unlock()
		return ErrClosed
	default:
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(&Frame{ID: id, Kind: KindRequest, Method: method, Payload: payload}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return &RemoteError{Method: method, Message: resp.Error}
		}
		if result != nil && len(resp.Payload) > 0 {
			if err := c.codec.Unmarshal(resp.Payload, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

// Serve reads frames until the transport fails, the peer hangs up or ctx is
// cancelled. A clean hang-up returns nil. In-flight handlers are waited for
// before Serve returns.
func (c *Conn) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	err := c.readLoop(ctx)
	c.Close()
	cancel()
	c.wg.Wait()

	if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		f, err := c.transport.ReadFrame()
		if err != nil {
			select {
			case <-c.closed:
				return ErrClosed
			default:
			}
			return err
		}

		switch f.Kind {
		case KindResponse:
			c.deliver(f)
		case KindRequest:
			c.dispatch(ctx, f)
		default:
			c.logger.Warn("Dropping frame of unknown kind", zap.Uint64("id", f.ID), zap.Stringer("kind", f.Kind))
		}
	}
}

func (c *Conn) deliver(f *Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("Dropping response without pending call", zap.Uint64("id", f.ID))
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (c *Conn) dispatch(ctx context.Context, f *Frame) {
	req := &Request{ID: f.ID, Method: f.Method, payload: f.Payload, codec: c.codec}
	job := func() { c.handle(ctx, req) }

	key := ""
	if c.keyFunc != nil {
		key = c.keyFunc(req)
	}
	if key == "" {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			job()
		}()
		return
	}
	c.enqueue(key, job)
}

// enqueue appends job to the key's queue and starts a drainer if none is
// running. The read loop is the only producer, so jobs run in arrival order.
func (c *Conn) enqueue(key string, job func()) {
	c.queuesMu.Lock()
	q := c.queues[key]
	if q == nil {
		q = &keyQueue{}
		c.queues[key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.running {
		c.queuesMu.Unlock()
		return
	}
	q.running = true
	c.queuesMu.Unlock()

	c.wg.Add(1)
	go c.drain(key, q)
}

func (c *Conn) drain(key string, q *keyQueue) {
	defer c.wg.Done()
	for {
		c.queuesMu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			delete(c.queues, key)
			c.queuesMu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		c.queuesMu.Unlock()

		job()
	}
}

func (c *Conn) handle(ctx context.Context, req *Request) {
	resp := &Frame{ID: req.ID, Kind: KindResponse}

	result, err := c.invoke(ctx, req)
	if err == nil && result != nil {
		resp.Payload, err = c.codec.Marshal(result)
	}
	if err != nil {
		resp.Payload = nil
		resp.Error = err.Error()
	}

	if err := c.write(resp); err != nil {
		c.logger.Debug("Failed to write response", zap.String("method", req.Method), zap.Error(err))
	}
}

func (c *Conn) invoke(ctx context.Context, req *Request) (result any, err error) {
	c.handlersMu.RLock()
	h, ok := c.handlers[req.Method]
	c.handlersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, req.Method)
	}

	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Handler panicked", zap.String("method", req.Method), zap.Any("panic", p))
			err = fmt.Errorf("internal error in %s", req.Method)
		}
	}()
	return h(ctx, req)
}

func (c *Conn) write(f *Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteFrame(f)
}

// Close shuts the transport down and fails pending calls with ErrClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.transport.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}
