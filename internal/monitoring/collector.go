package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Snapshot is a point-in-time view of pipeline health.
type Snapshot struct {
	QueueDepth    map[string]int `json:"queue_depth"`
	AuditFailures int64          `json:"audit_failures"`
	Watchdog      *CheckResult   `json:"watchdog,omitempty"`
	CollectedAt   time.Time      `json:"collected_at"`
}

// DepthReader reports how many messages wait on a queue.
type DepthReader interface {
	Depth(ctx context.Context, queue string) (int, error)
}

// FailureCounter exposes the audit logger's write failure count.
type FailureCounter interface {
	Failures() int64
}

// Collector gathers queue depths and audit health.
type Collector struct {
	queue  DepthReader
	queues []string
	audit  FailureCounter
}

// NewCollector creates a Collector over the named queues.
func NewCollector(q DepthReader, audit FailureCounter, queues ...string) *Collector {
	return &Collector{queue: q, queues: queues, audit: audit}
}

// Collect builds a snapshot, attaching the latest watchdog result if any.
func (c *Collector) Collect(ctx context.Context, check *CheckResult) (*Snapshot, error) {
	snap := &Snapshot{
		QueueDepth:  make(map[string]int, len(c.queues)),
		Watchdog:    check,
		CollectedAt: time.Now().UTC(),
	}
	for _, name := range c.queues {
		n, err := c.queue.Depth(ctx, name)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: depth of %s", name)
		}
		snap.QueueDepth[name] = n
	}
	if c.audit != nil {
		snap.AuditFailures = c.audit.Failures()
	}
	return snap, nil
}
