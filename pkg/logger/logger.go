package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New returns a production-friendly structured logger.
// No business logic should depend on logging implementation details.
func New(appEnv string) *slog.Logger {
	return NewWithWriter(appEnv, os.Stdout)
}

// NewWithWriter is New with an explicit sink (tests, callpeer stderr).
func NewWithWriter(appEnv string, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "family-calls")
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForCall scopes a logger to one call from one participant's point of view.
// Empty values are omitted so the same helper works before a call id exists.
func ForCall(l *slog.Logger, callID, participantID, side string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	var attrs []any
	if callID != "" {
		attrs = append(attrs, "call_id", callID)
	}
	if participantID != "" {
		attrs = append(attrs, "participant_id", participantID)
	}
	if side != "" {
		attrs = append(attrs, "side", side)
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
