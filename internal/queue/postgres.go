package queue

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadpipe/internal/db"
)

// PostgresQueue implements Queue on the queue_messages and queue_archive tables.
type PostgresQueue struct {
	pool db.Pool
}

// NewPostgres creates a PostgresQueue backed by pool.
func NewPostgres(pool db.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

// Enqueue inserts a message that becomes visible after delay.
func (q *PostgresQueue) Enqueue(ctx context.Context, queue string, payload any, delay time.Duration) (int64, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}
	var id int64
	err = q.pool.QueryRow(ctx, `
		INSERT INTO queue_messages (queue, payload, enqueued_at, visible_at, delivery_count)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3), 0)
		RETURNING id`,
		queue, body, delay.Seconds(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "queue: enqueue %s", queue)
	}
	return id, nil
}

// Lease claims up to max visible messages, hiding them for visibility.
// Concurrent callers receive disjoint batches.
func (q *PostgresQueue) Lease(ctx context.Context, queue string, visibility time.Duration, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	rows, err := q.pool.Query(ctx, `
		UPDATE queue_messages m
		SET visible_at = now() + make_interval(secs => $3),
			delivery_count = m.delivery_count + 1
		WHERE m.id IN (
			SELECT id FROM queue_messages
			WHERE queue = $1 AND visible_at <= now()
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING m.id, m.queue, m.payload, m.enqueued_at, m.visible_at, m.delivery_count`,
		queue, max, visibility.Seconds(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: lease %s", queue)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Queue, &m.Payload, &m.EnqueuedAt, &m.LeaseUntil, &m.DeliveryCount); err != nil {
			return nil, eris.Wrap(err, "queue: scan leased message")
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "queue: iterate leased messages")
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

// Ack permanently deletes a message.
func (q *PostgresQueue) Ack(ctx context.Context, queue string, id int64) error {
	tag, err := q.pool.Exec(ctx, `DELETE FROM queue_messages WHERE queue = $1 AND id = $2`, queue, id)
	if err != nil {
		return eris.Wrapf(err, "queue: ack %s/%d", queue, id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Archive moves a message to queue_archive with reason.
func (q *PostgresQueue) Archive(ctx context.Context, queue string, id int64, reason string) error {
	tag, err := q.pool.Exec(ctx, `
		WITH moved AS (
			DELETE FROM queue_messages WHERE queue = $1 AND id = $2
			RETURNING id, queue, payload, enqueued_at, delivery_count
		)
		INSERT INTO queue_archive (id, queue, payload, enqueued_at, delivery_count, reason, archived_at)
		SELECT id, queue, payload, enqueued_at, delivery_count, $3, now() FROM moved`,
		queue, id, reason,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: archive %s/%d", queue, id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListArchived returns the most recently archived messages of a queue.
func (q *PostgresQueue) ListArchived(ctx context.Context, queue string, limit int) ([]ArchivedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.pool.Query(ctx, `
		SELECT id, queue, payload, enqueued_at, delivery_count, reason, archived_at
		FROM queue_archive
		WHERE queue = $1
		ORDER BY archived_at DESC, id DESC
		LIMIT $2`,
		queue, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: list archive %s", queue)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ArchivedMessage, error) {
		var a ArchivedMessage
		err := row.Scan(&a.ID, &a.Queue, &a.Payload, &a.EnqueuedAt, &a.DeliveryCount, &a.Reason, &a.ArchivedAt)
		return a, err
	})
	if err != nil {
		return nil, eris.Wrap(err, "queue: scan archived message")
	}
	return out, nil
}

// Depth counts the messages still in the live queue, leased or not.
func (q *PostgresQueue) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM queue_messages WHERE queue = $1`, queue).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "queue: depth %s", queue)
	}
	return n, nil
}
