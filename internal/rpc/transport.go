package rpc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Transport moves whole frames. ReadFrame is only called from one
// goroutine; WriteFrame calls are serialized by the Conn.
type Transport interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
}

// streamTransport carries a CBOR sequence over a byte stream such as the
// worker's stdin and stdout.
type streamTransport struct {
	dec     *cbor.Decoder
	enc     *cbor.Encoder
	closers []io.Closer
	once    sync.Once
}

// NewStreamTransport creates a CBOR stream transport. r and w are closed
// by Close when they implement io.Closer.
func NewStreamTransport(r io.Reader, w io.Writer) Transport {
	t := &streamTransport{
		dec: decMode.NewDecoder(r),
		enc: encMode.NewEncoder(w),
	}
	if c, ok := r.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	if c, ok := w.(io.Closer); ok && any(w) != any(r) {
		t.closers = append(t.closers, c)
	}
	return t
}

func (t *streamTransport) ReadFrame() (*Frame, error) {
	f := new(Frame)
	if err := t.dec.Decode(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (t *streamTransport) WriteFrame(f *Frame) error {
	return t.enc.Encode(f)
}

func (t *streamTransport) Close() error {
	var errs []error
	t.once.Do(func() {
		for _, c := range t.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// closeWriteWait bounds how long Close waits to send the close message.
const closeWriteWait = time.Second

// wsTransport sends one JSON frame per websocket text message.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() (*Frame, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		f := new(Frame)
		if err := JSON.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return f, nil
	}
}

func (t *wsTransport) WriteFrame(f *Frame) error {
	data, err := JSON.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close may run while the Conn is writing a frame. WriteControl is the
// one write the websocket package allows concurrently with WriteMessage.
func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	return t.conn.Close()
}
