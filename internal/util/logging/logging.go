package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// New creates a zerolog.Logger writing JSON to w at the named level. An
// unknown level falls back to info.
func New(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "cloud-mover").Logger()
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// LogRequest logs an HTTP request with standard fields. Server errors log at
// error level.
func LogRequest(logger zerolog.Logger, ctx context.Context, method, path, remote string, status int, size int64, latency time.Duration) {
	ev := logger.Info()
	if status >= 500 {
		ev = logger.Error()
	}
	ev.Str("request_id", RequestID(ctx)).
		Str("method", method).
		Str("path", path).
		Str("remote", remote).
		Int("status", status).
		Int64("size", size).
		Dur("latency", latency).
		Msg("request")
}
