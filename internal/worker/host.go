package worker

import (
	"context"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/scope"
)

// Caller issues calls to the peer. *rpc.Conn implements it.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// HostClient implements scope.Host by calling the host over RPC.
type HostClient struct {
	conn Caller
}

var _ scope.Host = (*HostClient)(nil)

// NewHostClient creates a host client.
func NewHostClient(conn Caller) *HostClient {
	return &HostClient{conn: conn}
}

// UpdateUser pushes a user diff.
func (h *HostClient) UpdateUser(ctx context.Context, sessionID string, diff scope.Diff) error {
	return h.conn.Call(ctx, MethodUpdateUser, DiffParams{SessionID: sessionID, Diff: diff}, nil)
}

// UpdateGroup pushes a channel diff.
func (h *HostClient) UpdateGroup(ctx context.Context, sessionID string, diff scope.Diff) error {
	return h.conn.Call(ctx, MethodUpdateGroup, DiffParams{SessionID: sessionID, Diff: diff}, nil)
}

// Send posts content to the session and returns the message id.
func (h *HostClient) Send(ctx context.Context, sessionID, content string) (string, error) {
	var id string
	err := h.conn.Call(ctx, MethodSend, SendParams{SessionID: sessionID, Content: content}, &id)
	return id, err
}

// Execute runs a command through the host.
func (h *HostClient) Execute(ctx context.Context, sessionID, command string) (string, error) {
	var out string
	err := h.conn.Call(ctx, MethodExecute, ExecuteParams{SessionID: sessionID, Command: command}, &out)
	return out, err
}
