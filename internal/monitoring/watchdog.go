// Package monitoring recovers stalled work and reports pipeline health.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/audit"
	"github.com/sells-group/leadpipe/internal/extraction"
	"github.com/sells-group/leadpipe/internal/model"
	"github.com/sells-group/leadpipe/internal/queue"
)

// DefaultStuckAfter is how long a run or scrape may go without progress.
const DefaultStuckAfter = 15 * time.Minute

// stepName labels watchdog entries in the audit log.
const stepName = "stuck_detection"

// RunStore is the run persistence the watchdog needs.
type RunStore interface {
	ListStuckRuns(ctx context.Context, olderThan time.Duration) ([]model.Run, error)
	RequeueRun(ctx context.Context, runID string) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
	GetDefinition(ctx context.Context, id string) (*model.Definition, error)
}

// ScrapeResetter returns abandoned scraping rows to the queue of work.
type ScrapeResetter interface {
	ResetStuckScrapes(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CheckResult summarizes one watchdog pass.
type CheckResult struct {
	StuckRuns    int   `json:"stuck_runs"`
	Requeued     int   `json:"requeued"`
	Failed       int   `json:"failed"`
	Partial      int   `json:"partial"`
	ScrapesReset int64 `json:"scrapes_reset"`
	Errors       int   `json:"errors"`
}

// Watchdog finds runs and rows whose worker disappeared.
type Watchdog struct {
	runs       RunStore
	staging    ScrapeResetter
	queue      queue.Queue
	audit      *audit.Logger
	stuckAfter time.Duration
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(runs RunStore, stg ScrapeResetter, q queue.Queue, al *audit.Logger, stuckAfter time.Duration) *Watchdog {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &Watchdog{runs: runs, staging: stg, queue: q, audit: al, stuckAfter: stuckAfter}
}

// Check requeues or fails stuck runs and resets stuck scrapes.
func (w *Watchdog) Check(ctx context.Context) (*CheckResult, error) {
	log := zap.L().With(zap.String("component", "monitoring.watchdog"))

	runs, err := w.runs.ListStuckRuns(ctx, w.stuckAfter)
	if err != nil {
		return nil, eris.Wrap(err, "watchdog: list stuck runs")
	}
	res := &CheckResult{StuckRuns: len(runs)}

	for _, run := range runs {
		if err := w.recoverRun(ctx, run, res); err != nil {
			res.Errors++
			log.Warn("recover run failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	reset, err := w.staging.ResetStuckScrapes(ctx, w.stuckAfter)
	if err != nil {
		res.Errors++
		log.Warn("reset stuck scrapes failed", zap.Error(err))
	}
	res.ScrapesReset = reset

	if res.StuckRuns > 0 || res.ScrapesReset > 0 {
		log.Info("watchdog pass done",
			zap.Int("stuck_runs", res.StuckRuns),
			zap.Int("requeued", res.Requeued),
			zap.Int("failed", res.Failed+res.Partial),
			zap.Int64("scrapes_reset", res.ScrapesReset),
		)
	}
	return res, nil
}

func (w *Watchdog) recoverRun(ctx context.Context, run model.Run, res *CheckResult) error {
	maxRetries := model.DefaultMaxRetries
	if def, err := w.runs.GetDefinition(ctx, run.DefinitionID); err == nil && def != nil {
		maxRetries = def.MaxRetries
	}

	details := map[string]any{
		"retry_count": run.RetryCount,
		"max_retries": maxRetries,
		"found":       run.FoundQuantity,
		"last_update": run.UpdatedAt,
		"stuck_after": w.stuckAfter.String(),
	}

	if run.RetryCount >= maxRetries {
		status := model.RunStatusFailed
		if run.FoundQuantity > 0 {
			status = model.RunStatusPartial
		}
		if err := w.runs.FinishRun(ctx, run.ID, status, "stuck: no progress after watchdog retries"); err != nil {
			if model.IsStale(err) {
				return nil
			}
			return err
		}
		if status == model.RunStatusFailed {
			res.Failed++
		} else {
			res.Partial++
		}
		details["status"] = status
		w.audit.Named(ctx, run.ID, model.StepComplete, stepName, model.LevelWarning, "stuck run finished", details)
		return nil
	}

	if err := w.runs.RequeueRun(ctx, run.ID); err != nil {
		if model.IsStale(err) {
			return nil
		}
		return err
	}
	if _, err := w.queue.Enqueue(ctx, extraction.QueueRuns, extraction.RunMessage{RunID: run.ID, Resume: true}, 0); err != nil {
		return eris.Wrapf(err, "watchdog: enqueue resume for %s", run.ID)
	}
	res.Requeued++
	w.audit.Named(ctx, run.ID, model.StepComplete, stepName, model.LevelWarning, "stuck run requeued", details)
	return nil
}
