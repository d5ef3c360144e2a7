// Package audit records the append-only per-run log that operators read to
// follow a run through its steps.
//
// Appending never fails the caller: write errors are logged and counted.
package audit

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/model"
)

// DefaultWriteTimeout bounds a single audit insert.
const DefaultWriteTimeout = 5 * time.Second

// Writer persists log entries.
type Writer interface {
	Insert(ctx context.Context, e model.LogEntry) error
}

// Logger appends audit entries through a Writer.
type Logger struct {
	w        Writer
	timeout  time.Duration
	failures atomic.Int64
	nowFunc  func() time.Time
}

// NewLogger creates a Logger writing through w.
func NewLogger(w Writer) *Logger {
	return &Logger{w: w, timeout: DefaultWriteTimeout, nowFunc: time.Now}
}

// Append writes e. The write survives cancellation of ctx but is bounded by
// the logger's own timeout.
func (l *Logger) Append(ctx context.Context, e model.LogEntry) {
	if e.StepName == "" {
		e.StepName = model.StepName(e.StepNumber)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.nowFunc().UTC()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := l.w.Insert(wctx, e); err != nil {
		l.failures.Add(1)
		zap.L().Warn("audit: append failed",
			zap.String("run_id", e.RunID),
			zap.Int("step", e.StepNumber),
			zap.String("level", string(e.Level)),
			zap.Error(err),
		)
	}
}

// Failures returns how many appends have failed since the logger was created.
func (l *Logger) Failures() int64 {
	return l.failures.Load()
}

// Info appends an info entry.
func (l *Logger) Info(ctx context.Context, runID string, step int, msg string, details any) {
	l.log(ctx, runID, step, model.LevelInfo, msg, details)
}

// Success appends a success entry.
func (l *Logger) Success(ctx context.Context, runID string, step int, msg string, details any) {
	l.log(ctx, runID, step, model.LevelSuccess, msg, details)
}

// Warn appends a warning entry.
func (l *Logger) Warn(ctx context.Context, runID string, step int, msg string, details any) {
	l.log(ctx, runID, step, model.LevelWarning, msg, details)
}

// Error appends an error entry.
func (l *Logger) Error(ctx context.Context, runID string, step int, msg string, details any) {
	l.log(ctx, runID, step, model.LevelError, msg, details)
}

// Named appends an entry whose step name differs from the step's canonical one.
func (l *Logger) Named(ctx context.Context, runID string, step int, name string, level model.LogLevel, msg string, details any) {
	l.Append(ctx, model.LogEntry{
		RunID:      runID,
		StepNumber: step,
		StepName:   name,
		Level:      level,
		Message:    msg,
		Details:    encodeDetails(details),
	})
}

func (l *Logger) log(ctx context.Context, runID string, step int, level model.LogLevel, msg string, details any) {
	l.Append(ctx, model.LogEntry{
		RunID:      runID,
		StepNumber: step,
		Level:      level,
		Message:    msg,
		Details:    encodeDetails(details),
	})
}

func encodeDetails(details any) json.RawMessage {
	switch d := details.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return d
	}
	b, err := json.Marshal(details)
	if err != nil {
		zap.L().Debug("audit: encode details", zap.Error(err))
		return nil
	}
	return b
}
