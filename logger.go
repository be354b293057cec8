package imago

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/imago/model"
)

// Logger wraps slog.Logger with imago-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithImageID adds an image id field to the logger.
func (l *Logger) WithImageID(id model.ImageID) *Logger {
	return &Logger{
		Logger: l.Logger.With("image_id", id),
	}
}

// WithFingerprint adds an abbreviated fingerprint field to the logger.
func (l *Logger) WithFingerprint(fp model.Fingerprint) *Logger {
	return &Logger{
		Logger: l.Logger.With("fingerprint", fp.Short()),
	}
}

// WithK adds a k (result count) field to the logger.
func (l *Logger) WithK(k int) *Logger {
	return &Logger{
		Logger: l.Logger.With("k", k),
	}
}

// LogIngest logs an ingest operation.
func (l *Logger) LogIngest(ctx context.Context, rec *model.ImageRecord, err error) {
	if err != nil {
		l.ErrorContext(ctx, "ingest failed",
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "ingest completed",
		"image_id", rec.ID,
		"fingerprint", rec.Fingerprint.Short(),
		"status", rec.Status,
	)
}

// LogQuery logs a query operation.
func (l *Logger) LogQuery(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"k", k,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "query completed",
		"k", k,
		"results", resultsFound,
	)
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, id model.ImageID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"image_id", id,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "delete completed",
		"image_id", id,
	)
}

// LogRecovery logs a recovery pass.
func (l *Logger) LogRecovery(ctx context.Context, recovered int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"recovered", recovered,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "recovery completed",
		"recovered", recovered,
	)
}

// LogSnapshot logs a snapshot operation.
func (l *Logger) LogSnapshot(ctx context.Context, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"segment", name,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "snapshot saved",
		"segment", name,
	)
}
