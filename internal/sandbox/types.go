package sandbox

import (
	"errors"
	"time"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/inspect"
)

var (
	ErrClosed       = errors.New("sandbox is closed")
	ErrGlobalExists = errors.New("global already defined")
)

// Interrupt reasons passed to goja.Runtime.Interrupt.
const (
	ReasonTimeout   = "execution timeout exceeded"
	ReasonCancelled = "context cancelled"
)

// Config defines sandbox configuration
type Config struct {
	Timeout          time.Duration   // Execution timeout per slot use
	MaxCallStackSize int             // goja call stack limit
	EnableConsole    bool            // Route console.* to the logger
	Inspect          inspect.Options // Rendering of console arguments
}

// RunOptions describe one script execution.
type RunOptions struct {
	// Filename is reported in stack frames.
	Filename string

	// LineOffset shifts reported line numbers down by the given amount.
	LineOffset int

	// Bindings returns globals that exist for this execution only. It is
	// called inside the execution slot, so it may create goja values.
	Bindings BindFunc

	// Await unwraps a settled promise result. A rejection is raised as an
	// exception carrying the rejection reason. Pending promises are returned
	// as they are.
	Await bool

	// OnResult receives the completion value inside the execution slot,
	// where it is still safe to read from it. It is not called on error.
	OnResult func(vm *goja.Runtime, val goja.Value)
}

// BindFunc produces execution-local globals.
type BindFunc func(vm *goja.Runtime) map[string]any

// Func is Go code that drives the VM inside the execution slot.
type Func func(vm *goja.Runtime) (goja.Value, error)

// Stats describes slot usage.
type Stats struct {
	Busy    bool  `json:"busy"`
	Waiting int64 `json:"waiting"`
	Runs    int64 `json:"runs"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		MaxCallStackSize: 1024,
		EnableConsole:    true,
		Inspect:          inspect.DefaultOptions(),
	}
}
