package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for calls on a closed connection and for calls
	// still pending when the connection closes.
	ErrClosed = errors.New("rpc: connection closed")

	// ErrMethodNotFound is reported for requests without a handler.
	ErrMethodNotFound = errors.New("rpc: method not found")
)

// Kind distinguishes requests from responses.
type Kind uint8

const (
	KindRequest  Kind = 1
	KindResponse Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Frame is one message on the wire. Responses carry the ID of the request
// they answer. Error is set instead of Payload when the call failed.
type Frame struct {
	ID      uint64 `cbor:"id" json:"id"`
	Kind    Kind   `cbor:"kind" json:"kind"`
	Method  string `cbor:"method,omitempty" json:"method,omitempty"`
	Payload []byte `cbor:"payload,omitempty" json:"payload,omitempty"`
	Error   string `cbor:"error,omitempty" json:"error,omitempty"`
}

// RemoteError is an error response from the peer.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Method, e.Message)
}
