package worker

import (
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/scope"
)

// Methods served by the worker.
const (
	MethodStart     = "start"
	MethodSync      = "sync"
	MethodEval      = "eval"
	MethodCallAddon = "callAddon"
)

// Methods the worker calls on the host.
const (
	MethodUpdateUser  = "updateUser"
	MethodUpdateGroup = "updateGroup"
	MethodSend        = "send"
	MethodExecute     = "execute"
)

// Response is returned by start.
type Response struct {
	Commands []string `cbor:"commands" json:"commands"`
}

// EvalOptions select what to run.
type EvalOptions struct {
	Source string `cbor:"source" json:"source"`
	Silent bool   `cbor:"silent,omitempty" json:"silent,omitempty"`
}

// EvalParams is the eval request payload.
type EvalParams struct {
	Data scope.Data `cbor:"data" json:"data"`
	EvalOptions
}

// AddonParams is the callAddon request payload.
type AddonParams struct {
	Data scope.Data      `cbor:"data" json:"data"`
	Argv scope.AddonArgv `cbor:"argv" json:"argv"`
}

// SyncPatch carries record writes made outside the sandbox.
type SyncPatch struct {
	User    map[string]any `cbor:"user,omitempty" json:"user,omitempty"`
	Channel map[string]any `cbor:"channel,omitempty" json:"channel,omitempty"`
}

// SyncParams is the sync request payload.
type SyncParams struct {
	Data  scope.Data `cbor:"data" json:"data"`
	Patch SyncPatch  `cbor:"patch" json:"patch"`
}

// Result is the outcome of eval and callAddon. Present is false when the
// invocation produced no value.
type Result struct {
	Value   string `cbor:"value,omitempty" json:"value,omitempty"`
	Present bool   `cbor:"present" json:"present"`
}

// Value returns a Result holding text.
func Value(text string) Result {
	return Result{Value: text, Present: true}
}

// DiffParams is the updateUser and updateGroup payload.
type DiffParams struct {
	SessionID string     `cbor:"sessionId" json:"sessionId"`
	Diff      scope.Diff `cbor:"diff" json:"diff"`
}

// SendParams is the send payload.
type SendParams struct {
	SessionID string `cbor:"sessionId" json:"sessionId"`
	Content   string `cbor:"content" json:"content"`
}

// ExecuteParams is the execute payload.
type ExecuteParams struct {
	SessionID string `cbor:"sessionId" json:"sessionId"`
	Command   string `cbor:"command" json:"command"`
}
