package audit

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadpipe/internal/db"
	"github.com/sells-group/leadpipe/internal/model"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 500

// PostgresWriter stores entries in extraction_logs.
type PostgresWriter struct {
	pool db.Pool
}

// NewPostgresWriter creates a PostgresWriter backed by pool.
func NewPostgresWriter(pool db.Pool) *PostgresWriter {
	return &PostgresWriter{pool: pool}
}

// Insert appends e to extraction_logs.
func (w *PostgresWriter) Insert(ctx context.Context, e model.LogEntry) error {
	var details any
	if len(e.Details) > 0 {
		details = e.Details
	}
	_, err := w.pool.Exec(ctx,
		`INSERT INTO extraction_logs (run_id, step_number, step_name, level, message, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.RunID, e.StepNumber, e.StepName, string(e.Level), e.Message, details, e.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "audit: insert log for run %s", e.RunID)
	}
	return nil
}

// List returns a run's entries in append order.
func (w *PostgresWriter) List(ctx context.Context, runID string, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := w.pool.Query(ctx,
		`SELECT id, run_id, step_number, step_name, level, message, details, created_at
		 FROM extraction_logs
		 WHERE run_id = $1
		 ORDER BY created_at, id
		 LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: list logs for run %s", runID)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.LogEntry, error) {
		var (
			e     model.LogEntry
			level string
		)
		err := row.Scan(&e.ID, &e.RunID, &e.StepNumber, &e.StepName, &level, &e.Message, &e.Details, &e.CreatedAt)
		e.Level = model.LogLevel(level)
		return e, err
	})
	if err != nil {
		return nil, eris.Wrap(err, "audit: scan logs")
	}
	return entries, nil
}
