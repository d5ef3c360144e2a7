package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/audit"
	"github.com/sells-group/leadpipe/internal/model"
	"github.com/sells-group/leadpipe/internal/queue"
	"github.com/sells-group/leadpipe/internal/resilience"
	"github.com/sells-group/leadpipe/pkg/enrichment"
)

// ReasonPermanent archives messages whose provider error will not clear on retry.
const ReasonPermanent = "permanent"

// WorkerStore is the staging persistence a Worker needs.
type WorkerStore interface {
	StartEnrichment(ctx context.Context, id string, allowReentry bool) (*model.StagingLead, error)
	CompleteEnrichment(ctx context.Context, id string, data map[string]string) error
	FailEnrichment(ctx context.Context, id, reason string) error
	RecordEnrichmentAttempt(ctx context.Context, id, errMsg string) error
}

// Worker enriches one staging row per message.
type Worker struct {
	staging WorkerStore
	client  enrichment.Client
	audit   *audit.Logger
}

// NewWorker creates a Worker.
func NewWorker(stg WorkerStore, client enrichment.Client, al *audit.Logger) *Worker {
	return &Worker{staging: stg, client: client, audit: al}
}

// Handle processes one QueueEnrichment message.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var p Payload
	if err := msg.Decode(&p); err != nil || p.StagingID == "" {
		return queue.Discard("malformed", err)
	}
	log := zap.L().With(
		zap.String("component", "enrich.worker"),
		zap.String("staging_id", p.StagingID),
		zap.Int("delivery", msg.DeliveryCount),
	)

	row, err := w.staging.StartEnrichment(ctx, p.StagingID, msg.DeliveryCount > 1)
	if err != nil {
		return err
	}

	resp, err := w.client.Enrich(ctx, enrichment.Request{Fields: row.Fields()})
	if err != nil {
		if rerr := w.staging.RecordEnrichmentAttempt(ctx, p.StagingID, err.Error()); rerr != nil {
			log.Warn("record attempt failed", zap.Error(rerr))
		}
		if resilience.IsPermanent(err) {
			w.fail(ctx, p, msg.DeliveryCount, err)
			return queue.Discard(ReasonPermanent, err)
		}
		return eris.Wrapf(err, "enrich: provider call for %s", p.StagingID)
	}

	merged := Merge(row.EnrichmentData, resp.AdditionalFields)
	if err := w.staging.CompleteEnrichment(ctx, p.StagingID, merged); err != nil {
		return err
	}
	log.Debug("row enriched", zap.Int("added", len(resp.AdditionalFields)))
	return nil
}

// OnExhausted fails the row behind a message that used its last delivery.
func (w *Worker) OnExhausted(ctx context.Context, msg queue.Message, lastErr error) {
	var p Payload
	if err := msg.Decode(&p); err != nil || p.StagingID == "" {
		return
	}
	w.fail(ctx, p, msg.DeliveryCount, lastErr)
}

func (w *Worker) fail(ctx context.Context, p Payload, attempts int, cause error) {
	reason := "max deliveries exceeded"
	if cause != nil {
		reason = cause.Error()
	}
	if err := w.staging.FailEnrichment(ctx, p.StagingID, reason); err != nil {
		if model.IsStale(err) {
			return
		}
		zap.L().Error("enrich: fail row", zap.String("staging_id", p.StagingID), zap.Error(err))
		return
	}
	w.audit.Error(ctx, p.RunID, model.StepEnrichment, "enrichment failed", map[string]any{
		"staging_id": p.StagingID,
		"attempts":   attempts,
		"error":      reason,
	})
}

// MaxDeliveries is the per-message attempt budget: max_retries + 1.
func MaxDeliveries(msg queue.Message) int {
	var p Payload
	if err := msg.Decode(&p); err != nil {
		return 0
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p.MaxRetries + 1
}

// NewConsumer wires the worker to QueueEnrichment. maxDeliveries applies to
// messages whose payload cannot be decoded.
func (w *Worker) NewConsumer(q queue.Queue, visibility time.Duration, batchSize, concurrency, maxDeliveries int) *queue.Consumer {
	return &queue.Consumer{
		Queue:             q,
		Name:              QueueEnrichment,
		Visibility:        visibility,
		BatchSize:         batchSize,
		Concurrency:       concurrency,
		MaxDeliveries:     maxDeliveries,
		MaxDeliveriesFunc: MaxDeliveries,
		OnExhausted:       w.OnExhausted,
	}
}
