package extraction

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/audit"
	"github.com/sells-group/leadpipe/internal/model"
	"github.com/sells-group/leadpipe/internal/queue"
)

// QueueRuns carries one message per run to execute.
const QueueRuns = "extraction_runs"

// RunMessage is the payload on QueueRuns. Resume marks a watchdog requeue of
// a run that is already running.
type RunMessage struct {
	RunID  string `json:"run_id"`
	Resume bool   `json:"resume,omitempty"`
}

// Service is the operator-facing side of runs: starting and cancelling them.
type Service struct {
	store Store
	queue queue.Queue
	audit *audit.Logger
}

// NewService creates a Service.
func NewService(store Store, q queue.Queue, al *audit.Logger) *Service {
	return &Service{store: store, queue: q, audit: al}
}

// StartRun creates a pending run of an active definition and enqueues it.
// A run whose message cannot be enqueued is failed immediately.
func (s *Service) StartRun(ctx context.Context, definitionID string) (*model.Run, error) {
	def, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, ErrNotFound
	}
	if !def.IsActive {
		return nil, &model.ValidationError{Field: "is_active", Reason: "inactive"}
	}

	run, err := s.store.CreateRun(ctx, def)
	if err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, QueueRuns, RunMessage{RunID: run.ID}, 0); err != nil {
		msg := "enqueue run: " + err.Error()
		if ferr := s.store.FinishRun(ctx, run.ID, model.RunStatusFailed, msg); ferr != nil {
			zap.L().Error("extraction: fail unqueued run", zap.String("run_id", run.ID), zap.Error(ferr))
		}
		s.audit.Error(ctx, run.ID, model.StepStart, "run could not be queued", map[string]string{"error": err.Error()})
		return nil, eris.Wrapf(err, "extraction: enqueue run %s", run.ID)
	}

	s.audit.Info(ctx, run.ID, model.StepStart, "run queued", map[string]any{
		"definition_id": def.ID,
		"target":        def.TargetQuantity,
	})
	return run, nil
}

// CancelRun cancels a pending or running run. Cancelling a terminal run
// returns a StaleMessageError.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrNotFound
	}
	if err := s.store.CancelRun(ctx, runID); err != nil {
		return err
	}
	s.audit.Warn(ctx, runID, model.StepComplete, "run cancelled", nil)
	return nil
}

// Handle runs the orchestrator for one message on QueueRuns.
func (o *Orchestrator) Handle(ctx context.Context, msg queue.Message) error {
	var p RunMessage
	if err := msg.Decode(&p); err != nil || p.RunID == "" {
		return queue.Discard("malformed", err)
	}
	return o.Execute(ctx, p.RunID, msg.DeliveryCount > 1 || p.Resume)
}

// OnExhausted fails the run behind a message that used its last delivery.
func (o *Orchestrator) OnExhausted(ctx context.Context, msg queue.Message, lastErr error) {
	var p RunMessage
	if err := msg.Decode(&p); err != nil {
		return
	}
	if err := o.Abandon(ctx, p.RunID, lastErr); err != nil {
		zap.L().Error("extraction: abandon run", zap.String("run_id", p.RunID), zap.Error(err))
	}
}

// NewConsumer wires the orchestrator to QueueRuns.
func (o *Orchestrator) NewConsumer(q queue.Queue, visibility time.Duration, maxDeliveries int) *queue.Consumer {
	return &queue.Consumer{
		Queue:         q,
		Name:          QueueRuns,
		Visibility:    visibility,
		BatchSize:     1,
		Concurrency:   1,
		MaxDeliveries: maxDeliveries,
		OnExhausted:   o.OnExhausted,
	}
}

// IsNotFound reports whether err means a missing definition or run.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
