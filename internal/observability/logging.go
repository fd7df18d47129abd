package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Environment variables read by the logger constructors.
const (
	EnvLogLevel  = "FISO_LOG_LEVEL"
	EnvLogFormat = "FISO_LOG_FORMAT"
)

// NewLogger creates a structured logger for a component. Logs go to w, which
// is stderr in the binary so the stdout sink keeps a clean stream. Output is
// JSON unless FISO_LOG_FORMAT=text.
func NewLogger(w io.Writer, component string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv(EnvLogFormat), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("component", component)
}

// WithTraceContext adds trace_id and span_id from the span in ctx, if any.
func WithTraceContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// ParseLogLevel accepts slog level names in any case, "warning", and offsets
// such as "info+2". Anything else is info.
func ParseLogLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// GetLogLevel prefers the flag value, then FISO_LOG_LEVEL.
func GetLogLevel(flagLevel string) slog.Level {
	if flagLevel == "" {
		flagLevel = os.Getenv(EnvLogLevel)
	}
	return ParseLogLevel(flagLevel)
}
