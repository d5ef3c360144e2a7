package filter

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/audit"
	"github.com/sells-group/leadpipe/internal/model"
)

// DefaultBatchSize is the number of scraped rows evaluated per sweep.
const DefaultBatchSize = 200

// StagingStore is the staging persistence the sweep needs.
type StagingStore interface {
	ListForStatus(ctx context.Context, status model.ExtractionStatus, limit int) ([]model.StagingLead, error)
	ApplyFilter(ctx context.Context, id string, passed bool, reason string, enrichmentEnabled bool) error
}

// RunStore supplies definitions and accepts metric deltas.
type RunStore interface {
	GetDefinition(ctx context.Context, id string) (*model.Definition, error)
	IncrementRunMetrics(ctx context.Context, runID string, delta model.MetricsDelta) error
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Evaluated int
	Passed    int
	Rejected  int
	Stale     int
	Errors    int
}

// Sweeper moves scraped rows to ready or filtered_out.
type Sweeper struct {
	staging   StagingStore
	runs      RunStore
	audit     *audit.Logger
	batchSize int
}

// NewSweeper creates a Sweeper. A non-positive batchSize uses DefaultBatchSize.
func NewSweeper(stg StagingStore, runs RunStore, al *audit.Logger, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{staging: stg, runs: runs, audit: al, batchSize: batchSize}
}

type runTally struct {
	passed   int
	rejected int
	reasons  map[string]int
}

// Sweep evaluates one batch of scraped rows.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	log := zap.L().With(zap.String("component", "filter"))

	rows, err := s.staging.ListForStatus(ctx, model.ExtractionScraped, s.batchSize)
	if err != nil {
		return nil, eris.Wrap(err, "filter: list scraped")
	}

	res := &SweepResult{}
	defs := map[string]*model.Definition{}
	tallies := map[string]*runTally{}

	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		def, ok := defs[row.DefinitionID]
		if !ok {
			def, err = s.runs.GetDefinition(ctx, row.DefinitionID)
			if err != nil {
				log.Warn("load definition failed", zap.String("definition_id", row.DefinitionID), zap.Error(err))
				res.Errors++
				continue
			}
			defs[row.DefinitionID] = def
		}
		if def == nil {
			res.Errors++
			continue
		}

		verdict := Evaluate(*def, row.ExtractedData)
		res.Evaluated++
		if err := s.staging.ApplyFilter(ctx, row.ID, verdict.Passed, verdict.Reason, def.EnrichmentEnabled); err != nil {
			if model.IsStale(err) {
				res.Stale++
				continue
			}
			log.Warn("apply filter failed", zap.String("staging_id", row.ID), zap.Error(err))
			res.Errors++
			continue
		}

		t := tallies[row.RunID]
		if t == nil {
			t = &runTally{reasons: map[string]int{}}
			tallies[row.RunID] = t
		}
		if verdict.Passed {
			t.passed++
			res.Passed++
		} else {
			t.rejected++
			t.reasons[verdict.Reason]++
			res.Rejected++
		}
	}

	for runID, t := range tallies {
		if t.rejected > 0 {
			if err := s.runs.IncrementRunMetrics(ctx, runID, model.MetricsDelta{Filtered: t.rejected}); err != nil {
				log.Warn("increment filtered_out failed", zap.String("run_id", runID), zap.Error(err))
			}
		}
		s.audit.Info(ctx, runID, model.StepFilter, "filter applied", map[string]any{
			"passed":   t.passed,
			"rejected": t.rejected,
			"reasons":  t.reasons,
		})
	}

	if res.Evaluated > 0 {
		log.Info("filter sweep done",
			zap.Int("passed", res.Passed),
			zap.Int("rejected", res.Rejected),
			zap.Int("stale", res.Stale),
		)
	}
	return res, nil
}
