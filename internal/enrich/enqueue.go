package enrich

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/model"
	"github.com/sells-group/leadpipe/internal/queue"
)

// DefaultBatchSize is the number of candidates listed per sweep.
const DefaultBatchSize = 50

// CandidateStore lists rows waiting for enrichment and stamps the enqueued ones.
type CandidateStore interface {
	ListEnrichmentCandidates(ctx context.Context, limit int) ([]model.StagingLead, error)
	MarkEnrichmentEnqueued(ctx context.Context, ids []string) (int64, error)
}

// DefinitionStore resolves the retry budget of a row's definition.
type DefinitionStore interface {
	GetDefinition(ctx context.Context, id string) (*model.Definition, error)
}

// EnqueueResult summarizes one enqueue sweep.
type EnqueueResult struct {
	Candidates int
	Enqueued   int
	Stamped    int64
	Failed     int
}

// Enqueuer moves ready rows onto QueueEnrichment.
type Enqueuer struct {
	staging   CandidateStore
	defs      DefinitionStore
	queue     queue.Queue
	batchSize int
}

// NewEnqueuer creates an Enqueuer.
func NewEnqueuer(stg CandidateStore, defs DefinitionStore, q queue.Queue, batchSize int) *Enqueuer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Enqueuer{staging: stg, defs: defs, queue: q, batchSize: batchSize}
}

// Sweep enqueues one message per candidate. Only rows whose enqueue
// succeeded are stamped; the rest stay selectable for the next sweep.
func (e *Enqueuer) Sweep(ctx context.Context) (*EnqueueResult, error) {
	log := zap.L().With(zap.String("component", "enrich.enqueue"))

	rows, err := e.staging.ListEnrichmentCandidates(ctx, e.batchSize)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: list candidates")
	}
	res := &EnqueueResult{Candidates: len(rows)}
	if len(rows) == 0 {
		return res, nil
	}

	retries := map[string]int{}
	enqueued := make([]string, 0, len(rows))
	for _, row := range rows {
		maxRetries, ok := retries[row.DefinitionID]
		if !ok {
			maxRetries = e.maxRetries(ctx, row.DefinitionID)
			retries[row.DefinitionID] = maxRetries
		}

		p := Payload{
			StagingID:   row.ID,
			RunID:       row.RunID,
			WorkspaceID: row.WorkspaceID,
			MaxRetries:  maxRetries,
		}
		if _, err := e.queue.Enqueue(ctx, QueueEnrichment, p, 0); err != nil {
			res.Failed++
			log.Warn("enqueue failed", zap.String("staging_id", row.ID), zap.Error(err))
			continue
		}
		enqueued = append(enqueued, row.ID)
	}
	res.Enqueued = len(enqueued)

	stamped, err := e.staging.MarkEnrichmentEnqueued(ctx, enqueued)
	if err != nil {
		// The messages are out; a row picked up again is rejected as stale
		// by the second worker to start it.
		return res, eris.Wrap(err, "enrich: mark enqueued")
	}
	res.Stamped = stamped

	log.Info("enrichment enqueue sweep done",
		zap.Int("candidates", res.Candidates),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (e *Enqueuer) maxRetries(ctx context.Context, definitionID string) int {
	def, err := e.defs.GetDefinition(ctx, definitionID)
	if err != nil || def == nil {
		if err != nil {
			zap.L().Debug("enrich: definition lookup failed", zap.String("definition_id", definitionID), zap.Error(err))
		}
		return model.DefaultMaxRetries
	}
	return def.MaxRetries
}
