// Package config provides 12-factor configuration management for the eval worker.
//
// Configuration starts from Default(), is overlaid by an optional YAML or TOML
// file (chosen by extension), and finally by EVAL_* environment variables.
//
// Configuration Sections:
//   - Logging: verbosity, development mode, timestamp mode
//   - Inspect: value rendering depth and truncation limits
//   - Addons: addon root directory, addon names, source cache file
//   - Sandbox: execution timeout, call stack limit, console capture
//   - Send: outbound message rate per invocation
//   - Transport: stdio, websocket or grpc, plus listen address
//   - Diagnostics: health and metrics server address
//
// Example Usage:
//
//	cfg, err := config.Load("worker.yaml")
//	if err != nil {
//		return err
//	}
//
// Environment Variables:
//   - EVAL_LOG_LEVEL, EVAL_LOG_DEV, EVAL_LOG_TIMESTAMP
//   - EVAL_INSPECT_DEPTH, EVAL_INSPECT_MAX_ARRAY_LENGTH
//   - EVAL_ADDON_ROOT, EVAL_ADDON_NAMES, EVAL_ADDON_CACHE_FILE
//   - EVAL_SANDBOX_TIMEOUT, EVAL_SEND_RATE, EVAL_SEND_BURST
//   - EVAL_TRANSPORT_MODE, EVAL_TRANSPORT_ADDRESS, EVAL_DIAGNOSTICS_ADDRESS
//   - EVAL_SETUP_FILES, EVAL_HOST_CALL_TIMEOUT
package config
