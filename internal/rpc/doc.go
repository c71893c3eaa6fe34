/*
Package rpc carries typed request and response frames between the host and
the worker.

Every Frame has a correlation ID. A Conn keeps a table of pending outgoing
calls keyed by that ID and resolves each one when the matching response
arrives, so both peers can serve methods and call each other over one
transport. Requests that share an ordering key (the worker keys by session)
are handled strictly one after another in arrival order.

Transports:

  - NewStreamTransport: a CBOR sequence over a byte stream (stdio)
  - NewWebSocketTransport: one JSON frame per websocket message
  - DialGRPC and RegisterChannelServer: a bidirectional gRPC stream using
    the CBOR codec
*/
package rpc
