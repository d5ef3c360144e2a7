package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteQueue implements Queue on a local SQLite file. It suits single-node
// deployments and tests; timestamps are stored as unix milliseconds.
type SQLiteQueue struct {
	db *sql.DB

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewSQLite opens the queue database at dsn and applies its schema.
func NewSQLite(ctx context.Context, dsn string) (*SQLiteQueue, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "queue: sqlite open")
	}
	// Leases are single UPDATE ... RETURNING statements; one writer keeps
	// them serialized without SQLITE_BUSY retries.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, eris.Wrapf(err, "queue: sqlite exec %s", pragma)
		}
	}
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		_ = conn.Close()
		return nil, eris.Wrap(err, "queue: sqlite migrate")
	}
	return &SQLiteQueue{db: conn, nowFunc: time.Now}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	queue          TEXT NOT NULL,
	payload        TEXT NOT NULL,
	enqueued_at    INTEGER NOT NULL,
	visible_at     INTEGER NOT NULL,
	delivery_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages(queue, visible_at, id);

CREATE TABLE IF NOT EXISTS queue_archive (
	id             INTEGER PRIMARY KEY,
	queue          TEXT NOT NULL,
	payload        TEXT NOT NULL,
	enqueued_at    INTEGER NOT NULL,
	delivery_count INTEGER NOT NULL,
	reason         TEXT NOT NULL,
	archived_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_archive_queue ON queue_archive(queue, archived_at);
`

// Close releases the database handle.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func (q *SQLiteQueue) now() int64 {
	return q.nowFunc().UnixMilli()
}

// Enqueue inserts a message that becomes visible after delay.
func (q *SQLiteQueue) Enqueue(ctx context.Context, queue string, payload any, delay time.Duration) (int64, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}
	now := q.now()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_messages (queue, payload, enqueued_at, visible_at, delivery_count) VALUES (?, ?, ?, ?, 0)`,
		queue, string(body), now, now+delay.Milliseconds(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "queue: enqueue %s", queue)
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "queue: enqueue last insert id")
}

// Lease claims up to max visible messages, hiding them for visibility.
func (q *SQLiteQueue) Lease(ctx context.Context, queue string, visibility time.Duration, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	now := q.now()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE queue_messages
		SET visible_at = ?, delivery_count = delivery_count + 1
		WHERE id IN (
			SELECT id FROM queue_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY id
			LIMIT ?
		)
		RETURNING id, queue, payload, enqueued_at, visible_at, delivery_count`,
		now+visibility.Milliseconds(), queue, now, max,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: lease %s", queue)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m                   Message
			payload             string
			enqueued, leaseTill int64
		)
		if err := rows.Scan(&m.ID, &m.Queue, &payload, &enqueued, &leaseTill, &m.DeliveryCount); err != nil {
			return nil, eris.Wrap(err, "queue: scan leased message")
		}
		m.Payload = json.RawMessage(payload)
		m.EnqueuedAt = time.UnixMilli(enqueued)
		m.LeaseUntil = time.UnixMilli(leaseTill)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "queue: iterate leased messages")
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

// Ack permanently deletes a message.
func (q *SQLiteQueue) Ack(ctx context.Context, queue string, id int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE queue = ? AND id = ?`, queue, id)
	if err != nil {
		return eris.Wrapf(err, "queue: ack %s/%d", queue, id)
	}
	return notFoundIfZero(res)
}

// Archive moves a message to queue_archive with reason.
func (q *SQLiteQueue) Archive(ctx context.Context, queue string, id int64, reason string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "queue: archive begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_archive (id, queue, payload, enqueued_at, delivery_count, reason, archived_at)
		SELECT id, queue, payload, enqueued_at, delivery_count, ?, ?
		FROM queue_messages WHERE queue = ? AND id = ?`,
		reason, q.now(), queue, id,
	); err != nil {
		return eris.Wrapf(err, "queue: archive copy %s/%d", queue, id)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE queue = ? AND id = ?`, queue, id)
	if err != nil {
		return eris.Wrapf(err, "queue: archive delete %s/%d", queue, id)
	}
	if err := notFoundIfZero(res); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "queue: archive commit")
}

// ListArchived returns the most recently archived messages of a queue.
func (q *SQLiteQueue) ListArchived(ctx context.Context, queue string, limit int) ([]ArchivedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, queue, payload, enqueued_at, delivery_count, reason, archived_at
		FROM queue_archive WHERE queue = ?
		ORDER BY archived_at DESC, id DESC
		LIMIT ?`,
		queue, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: list archive %s", queue)
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var (
			a                  ArchivedMessage
			payload            string
			enqueued, archived int64
		)
		if err := rows.Scan(&a.ID, &a.Queue, &payload, &enqueued, &a.DeliveryCount, &a.Reason, &archived); err != nil {
			return nil, eris.Wrap(err, "queue: scan archived message")
		}
		a.Payload = json.RawMessage(payload)
		a.EnqueuedAt = time.UnixMilli(enqueued)
		a.ArchivedAt = time.UnixMilli(archived)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "queue: iterate archived messages")
}

// Depth counts the messages still in the live queue, leased or not.
func (q *SQLiteQueue) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM queue_messages WHERE queue = ?`, queue).Scan(&n)
	return n, eris.Wrapf(err, "queue: depth %s", queue)
}

func notFoundIfZero(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "queue: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
