package gbatch

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that SetLogger
// can race with logging from the submit worker.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for gbatch and its backends.
// By default, gbatch produces no log output. Pass nil to restore silence.
//
// Log levels used by gbatch:
//   - [slog.LevelDebug]: pool growth, state reclamation, render-pass splits
//   - [slog.LevelInfo]: screen and context lifecycle
//   - [slog.LevelWarn]: out-of-memory retries and forced flushes
//   - [slog.LevelError]: failed submissions and device loss
//
// Example:
//
//	gbatch.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger. Backends call this to share the same
// configuration without an import cycle.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
