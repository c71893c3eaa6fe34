// Package testutil provides testing utilities and helpers for worker tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/scope"
)

// MockHost is a mock implementation of scope.Host for testing.
type MockHost struct {
	mock.Mock
}

// UpdateUser mocks the UpdateUser method.
func (m *MockHost) UpdateUser(ctx context.Context, sessionID string, diff scope.Diff) error {
	args := m.Called(ctx, sessionID, diff)
	return args.Error(0)
}

// UpdateGroup mocks the UpdateGroup method.
func (m *MockHost) UpdateGroup(ctx context.Context, sessionID string, diff scope.Diff) error {
	args := m.Called(ctx, sessionID, diff)
	return args.Error(0)
}

// Send mocks the Send method.
func (m *MockHost) Send(ctx context.Context, sessionID, content string) (string, error) {
	args := m.Called(ctx, sessionID, content)
	return args.String(0), args.Error(1)
}

// Execute mocks the Execute method.
func (m *MockHost) Execute(ctx context.Context, sessionID, command string) (string, error) {
	args := m.Called(ctx, sessionID, command)
	return args.String(0), args.Error(1)
}

// NewMockHost creates a mock host whose operations all succeed. Tests that
// care about a call should register their own expectation before using it.
func NewMockHost(t *testing.T) *MockHost {
	t.Helper()
	m := new(MockHost)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// AllowAll registers permissive default expectations.
func (m *MockHost) AllowAll() *MockHost {
	m.On("UpdateUser", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("UpdateGroup", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Send", mock.Anything, mock.Anything, mock.Anything).Return("msg-1", nil).Maybe()
	m.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("", nil).Maybe()
	return m
}

// RecordingHost is a scope.Host that stores every call. It is safe for
// concurrent use and handy where mock expectations would be noisy.
type RecordingHost struct {
	mu       sync.Mutex
	Users    []scope.Diff
	Groups   []scope.Diff
	Messages []string
	Commands []string

	// ExecuteFunc, when set, produces Execute results.
	ExecuteFunc func(ctx context.Context, sessionID, command string) (string, error)
}

// UpdateUser records the diff.
func (h *RecordingHost) UpdateUser(_ context.Context, _ string, diff scope.Diff) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Users = append(h.Users, diff)
	return nil
}

// UpdateGroup records the diff.
func (h *RecordingHost) UpdateGroup(_ context.Context, _ string, diff scope.Diff) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Groups = append(h.Groups, diff)
	return nil
}

// Send records the message and returns its sequence number as id.
func (h *RecordingHost) Send(_ context.Context, _ string, content string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Messages = append(h.Messages, content)
	return fmt.Sprintf("msg-%d", len(h.Messages)), nil
}

// Execute records the command.
func (h *RecordingHost) Execute(ctx context.Context, sessionID, command string) (string, error) {
	h.mu.Lock()
	h.Commands = append(h.Commands, command)
	fn := h.ExecuteFunc
	h.mu.Unlock()

	if fn != nil {
		return fn(ctx, sessionID, command)
	}
	return "", nil
}

// SentMessages returns a copy of the recorded messages.
func (h *RecordingHost) SentMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.Messages...)
}

// UserUpdates returns a copy of the recorded user diffs.
func (h *RecordingHost) UserUpdates() []scope.Diff {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]scope.Diff(nil), h.Users...)
}

// GroupUpdates returns a copy of the recorded channel diffs.
func (h *RecordingHost) GroupUpdates() []scope.Diff {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]scope.Diff(nil), h.Groups...)
}

// CreateScopeData creates scope data with default values.
func CreateScopeData(t *testing.T, overrides map[string]interface{}) scope.Data {
	t.Helper()

	data := scope.Data{
		SessionID:     "session-1",
		User:          scope.Record{"id": "u1", "name": "alice", "authority": 1},
		Channel:       scope.Record{"id": "c1", "assignee": "bot"},
		UserFields:    []string{"name", "usage"},
		ChannelFields: []string{"flag"},
	}

	// Apply overrides
	if id, ok := overrides["session_id"].(string); ok {
		data.SessionID = id
	}
	if user, ok := overrides["user"].(scope.Record); ok {
		data.User = user
	}
	if channel, ok := overrides["channel"].(scope.Record); ok {
		data.Channel = channel
	}
	if fields, ok := overrides["user_fields"].([]string); ok {
		data.UserFields = fields
	}
	if fields, ok := overrides["channel_fields"].([]string); ok {
		data.ChannelFields = fields
	}

	return data
}

// Formatter is a scope.ValueFormatter that joins values with %v.
type Formatter struct{}

// FormatResult renders values separated by spaces.
func (Formatter) FormatResult(values ...any) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprint(v)
	}
	return out
}

// WriteFile writes content to name under dir, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
