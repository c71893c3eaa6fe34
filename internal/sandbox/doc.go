/*
Package sandbox provides the JavaScript execution context for the worker.

# Overview

The sandbox runs untrusted snippets and addon code inside a single goja
runtime. The runtime has:

  - One FIFO execution slot (callers queue in arrival order)
  - CPU limits (execution timeout, context cancellation)
  - API restrictions (no require, process, module or exports)
  - Console output routed to the structured logger

# Architecture

Every entry into the VM goes through Do, which acquires the slot, arms the
interrupt guard and releases both when the Go callback returns. Run is the
common case: compile a source string, install execution-local bindings,
execute, and restore whatever globals the bindings shadowed.

# Security Model

Sandboxed code cannot:
  - Access filesystem or network directly
  - Schedule work that outlives its execution (timers are no-ops)
  - Keep a reference to execution-local bindings past the execution

# Usage Example

	rt, err := sandbox.New(sandbox.DefaultConfig(), logger)
	if err != nil {
		return err
	}

	val, err := rt.Run(ctx, "1 + 1", sandbox.RunOptions{Filename: "stdin"})
*/
package sandbox
