// Package logging provides structured logging using uber/zap.
//
// This package offers two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// The worker writes logs to stderr by default. In stdio transport mode
// stdout carries RPC frames and must never receive log output.
//
// Timestamp modes:
//   - iso8601: 2006-01-02T15:04:05.000Z0700 (default)
//   - epoch: milliseconds since the Unix epoch
//   - none: no timestamp field, for hosts that stamp lines themselves
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("worker ready", zap.Strings("commands", names))
//	logger.Warn("addon failed", zap.String("addon", name), zap.Error(err))
package logging
