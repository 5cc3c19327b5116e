package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/parcelhub-core/internal/infrastructure/config"
)

// ServiceName is attached to every entry as the "service" attribute.
const ServiceName = "parcelhub"

const redacted = "[redacted]"

// secretKeys are attribute keys whose values never reach the output.
// Unlock code parts are the only secrets the core handles.
var secretKeys = map[string]struct{}{
	"code":        {},
	"code_part1":  {},
	"code_part2":  {},
	"unlock_code": {},
}

// Logger is the core's structured logger. It is safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a Logger writing to the configured stream.
func New(cfg config.LoggingConfig, version string) *Logger {
	out := io.Writer(os.Stdout)
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return NewWithWriter(cfg, version, out)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LoggingConfig, version string, out io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactSecrets,
	}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	}

	return &Logger{slog.New(h).With(
		slog.String("service", ServiceName),
		slog.String("version", version),
	)}
}

// Default is the logger used until configuration has loaded: JSON at info
// level on stdout.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// With returns a child logger carrying args on every entry, typically
// "component" or "locker_id".
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l.Logger.With(args...)}
}

// redactSecrets masks unlock codes wherever they appear, including inside
// groups.
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if _, secret := secretKeys[strings.ToLower(a.Key)]; secret {
		return slog.String(a.Key, redacted)
	}
	return a
}

// parseLevel maps a config level name to slog. Unknown names mean info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
