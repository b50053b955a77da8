// Package observability configures the process-wide structured logger
// shared by cmd/core and cmd/gateway, and carries trace IDs through it.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/semblance-ai/semblance/common/redact"
	"github.com/semblance-ai/semblance/common/trace"
)

// Setup configures the global slog logger according to level and format
// (e.g. level="info", format="json"). Call once at process startup.
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTrace returns a child logger that always includes the trace_id
// carried by ctx, so a single request can be followed across Core and
// Gateway log lines.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}

// RedactSecrets replaces known-sensitive values in a log message with
// "[REDACTED]" before it is written anywhere — signing keys and
// passphrases must never reach a log line verbatim.
func RedactSecrets(msg string, sensitiveValues ...string) string {
	return redact.String(msg, sensitiveValues...)
}
