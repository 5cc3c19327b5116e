// Package logging provides structured logging for ParcelHub Core.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same shape: JSON in production, text for development, and the
// service name and version attached to every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("locker report applied", "locker_id", id)
//
// Attributes named code, code_part1, code_part2 or unlock_code are replaced
// with "[redacted]" by the handler, so unlock codes never reach a log sink.
// Customer phone numbers are logged only at debug level.
package logging
