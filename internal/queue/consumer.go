package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReasonExhausted is the archive reason for messages that ran out of deliveries.
const ReasonExhausted = "exhausted"

// Archivable is implemented by handler errors that should archive the
// message instead of letting its lease expire.
type Archivable interface {
	ArchiveReason() string
}

// discardError archives a message with an explicit reason.
type discardError struct {
	reason string
	err    error
}

func (e *discardError) Error() string {
	if e.err == nil {
		return "discard: " + e.reason
	}
	return fmt.Sprintf("discard: %s: %v", e.reason, e.err)
}

func (e *discardError) Unwrap() error         { return e.err }
func (e *discardError) ArchiveReason() string { return e.reason }

// Discard wraps err so the consumer archives the message with reason.
func Discard(reason string, err error) error {
	return &discardError{reason: reason, err: err}
}

// Handler processes one message. A nil return acks it.
type Handler func(ctx context.Context, msg Message) error

// ExhaustedFunc runs once a message has used its last allowed delivery,
// right before it is archived. lastErr is nil when the previous attempt
// never reported back.
type ExhaustedFunc func(ctx context.Context, msg Message, lastErr error)

// Consumer leases batches from one queue and dispatches them to a Handler.
type Consumer struct {
	Queue      Queue
	Name       string
	Visibility time.Duration
	BatchSize  int
	// Concurrency bounds in-flight handlers per batch. Default: 1.
	Concurrency int
	// MaxDeliveries is the total number of attempts per message. Zero means
	// unlimited unless MaxDeliveriesFunc is set.
	MaxDeliveries int
	// MaxDeliveriesFunc derives the attempt budget from the message itself.
	MaxDeliveriesFunc func(msg Message) int
	OnExhausted       ExhaustedFunc
}

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Leased    int
	Acked     int
	Archived  int
	Retrying  int
	Exhausted int
}

func (c *Consumer) maxDeliveries(msg Message) int {
	if c.MaxDeliveriesFunc != nil {
		if n := c.MaxDeliveriesFunc(msg); n > 0 {
			return n
		}
	}
	return c.MaxDeliveries
}

// ProcessBatch leases one batch and handles every message in it. Handler
// failures never abort the batch; only a lease error is returned.
func (c *Consumer) ProcessBatch(ctx context.Context, h Handler) (BatchResult, error) {
	log := zap.L().With(zap.String("component", "queue.consumer"), zap.String("queue", c.Name))

	batch := c.BatchSize
	if batch <= 0 {
		batch = 10
	}
	msgs, err := c.Queue.Lease(ctx, c.Name, c.Visibility, batch)
	if err != nil {
		return BatchResult{}, err
	}
	res := BatchResult{Leased: len(msgs)}
	if len(msgs) == 0 {
		return res, nil
	}

	outcomes := make([]outcome, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	limit := c.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, msg := range msgs {
		g.Go(func() error {
			outcomes[i] = c.handle(gctx, log, msg, h)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeAcked:
			res.Acked++
		case outcomeArchived:
			res.Archived++
		case outcomeExhausted:
			res.Exhausted++
			res.Archived++
		case outcomeRetrying:
			res.Retrying++
		}
	}
	log.Debug("batch processed",
		zap.Int("leased", res.Leased),
		zap.Int("acked", res.Acked),
		zap.Int("archived", res.Archived),
		zap.Int("retrying", res.Retrying),
	)
	return res, nil
}

type outcome int

const (
	outcomeRetrying outcome = iota
	outcomeAcked
	outcomeArchived
	outcomeExhausted
)

func (c *Consumer) handle(ctx context.Context, log *zap.Logger, msg Message, h Handler) outcome {
	log = log.With(zap.Int64("message_id", msg.ID), zap.Int("delivery", msg.DeliveryCount))
	budget := c.maxDeliveries(msg)

	// The previous delivery crashed or timed out without reporting.
	if budget > 0 && msg.DeliveryCount > budget {
		return c.exhaust(ctx, log, msg, nil)
	}

	err := h(ctx, msg)
	if err == nil {
		if ackErr := c.Queue.Ack(ctx, c.Name, msg.ID); ackErr != nil && !errors.Is(ackErr, ErrNotFound) {
			log.Warn("ack failed", zap.Error(ackErr))
			return outcomeRetrying
		}
		return outcomeAcked
	}

	var arch Archivable
	if errors.As(err, &arch) {
		c.archive(ctx, log, msg, arch.ArchiveReason())
		log.Info("message archived", zap.String("reason", arch.ArchiveReason()), zap.Error(err))
		return outcomeArchived
	}

	if budget > 0 && msg.DeliveryCount >= budget {
		return c.exhaust(ctx, log, msg, err)
	}

	log.Warn("handler failed, message will be redelivered", zap.Error(err))
	return outcomeRetrying
}

func (c *Consumer) exhaust(ctx context.Context, log *zap.Logger, msg Message, lastErr error) outcome {
	if c.OnExhausted != nil {
		c.OnExhausted(ctx, msg, lastErr)
	}
	c.archive(ctx, log, msg, ReasonExhausted)
	log.Warn("message exhausted its deliveries", zap.Error(lastErr))
	return outcomeExhausted
}

func (c *Consumer) archive(ctx context.Context, log *zap.Logger, msg Message, reason string) {
	if err := c.Queue.Archive(ctx, c.Name, msg.ID, reason); err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn("archive failed", zap.String("reason", reason), zap.Error(err))
	}
}
