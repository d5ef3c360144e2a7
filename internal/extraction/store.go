package extraction

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadpipe/internal/db"
	"github.com/sells-group/leadpipe/internal/model"
)

// ErrNotFound is returned by mutations addressed to a missing definition or run.
var ErrNotFound = errors.New("extraction: not found")

// DefaultListLimit caps list queries when no limit is given.
const DefaultListLimit = 100

// Store defines persistence operations for definitions and runs.
type Store interface {
	CreateDefinition(ctx context.Context, d *model.Definition) error
	UpdateDefinition(ctx context.Context, d *model.Definition) error
	GetDefinition(ctx context.Context, id string) (*model.Definition, error)
	ListDefinitions(ctx context.Context, workspaceID string, activeOnly bool) ([]model.Definition, error)
	SetDefinitionActive(ctx context.Context, id string, active bool) error

	CreateRun(ctx context.Context, d *model.Definition) (*model.Run, error)
	ClaimRun(ctx context.Context, id string, allowRunning bool) (*model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, workspaceID string, limit int) ([]model.Run, error)
	IncrementRunMetrics(ctx context.Context, runID string, delta model.MetricsDelta) error
	SetStep(ctx context.Context, runID string, current, completed int, location, pageToken string) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
	CancelRun(ctx context.Context, runID string) error
	ListStuckRuns(ctx context.Context, olderThan time.Duration) ([]model.Run, error)
	RequeueRun(ctx context.Context, runID string) error
}

var _ Store = (*PostgresStore)(nil)

const definitionColumns = `id, workspace_id, name, search_term, location, niche, target_quantity,
	require_website, require_phone, require_email, min_rating, min_reviews,
	funnel_id, column_id, expand_state_search, enrichment_enabled, max_retries, is_active,
	created_at, updated_at`

const runColumns = `id, definition_id, workspace_id, status, target_quantity, found_quantity,
	created_quantity, duplicates_skipped, filtered_out, pages_consumed, credits_consumed,
	current_step, completed_steps, total_steps, search_location, next_page_token, started_at, finished_at,
	execution_time_ms, error_message, retry_count, created_at, updated_at`

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CreateDefinition validates d, assigns an id and inserts it as active.
func (s *PostgresStore) CreateDefinition(ctx context.Context, d *model.Definition) error {
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.IsActive = true

	err := s.pool.QueryRow(ctx, `
		INSERT INTO extraction_definitions (
			id, workspace_id, name, search_term, location, niche, target_quantity,
			require_website, require_phone, require_email, min_rating, min_reviews,
			funnel_id, column_id, expand_state_search, enrichment_enabled, max_retries, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING created_at, updated_at`,
		d.ID, d.WorkspaceID, d.Name, d.SearchTerm, d.Location, d.Niche, d.TargetQuantity,
		d.RequireWebsite, d.RequirePhone, d.RequireEmail, d.MinRating, d.MinReviews,
		d.FunnelID, d.ColumnID, d.ExpandStateSearch, d.EnrichmentEnabled, d.MaxRetries, d.IsActive,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return eris.Wrap(err, "extraction: create definition")
	}
	return nil
}

// UpdateDefinition replaces the mutable settings of an existing definition.
func (s *PostgresStore) UpdateDefinition(ctx context.Context, d *model.Definition) error {
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return err
	}
	err := s.pool.QueryRow(ctx, `
		UPDATE extraction_definitions SET
			name = $2, search_term = $3, location = $4, niche = $5, target_quantity = $6,
			require_website = $7, require_phone = $8, require_email = $9, min_rating = $10, min_reviews = $11,
			funnel_id = $12, column_id = $13, expand_state_search = $14, enrichment_enabled = $15,
			max_retries = $16, updated_at = now()
		WHERE id = $1
		RETURNING workspace_id, is_active, created_at, updated_at`,
		d.ID, d.Name, d.SearchTerm, d.Location, d.Niche, d.TargetQuantity,
		d.RequireWebsite, d.RequirePhone, d.RequireEmail, d.MinRating, d.MinReviews,
		d.FunnelID, d.ColumnID, d.ExpandStateSearch, d.EnrichmentEnabled, d.MaxRetries,
	).Scan(&d.WorkspaceID, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "extraction: update definition %s", d.ID)
	}
	return nil
}

// GetDefinition loads a definition. It returns nil, nil when none exists.
func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (*model.Definition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM extraction_definitions WHERE id = $1`, id)
	d, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "extraction: get definition %s", id)
	}
	return d, nil
}

// ListDefinitions returns a workspace's definitions, newest first.
func (s *PostgresStore) ListDefinitions(ctx context.Context, workspaceID string, activeOnly bool) ([]model.Definition, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + definitionColumns + ` FROM extraction_definitions WHERE workspace_id = $1`)
	if activeOnly {
		b.WriteString(` AND is_active`)
	}
	b.WriteString(` ORDER BY created_at DESC`)

	rows, err := s.pool.Query(ctx, b.String(), workspaceID)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: list definitions")
	}
	defer rows.Close()

	var out []model.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, eris.Wrap(err, "extraction: scan definition")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "extraction: iterate definitions")
}

// SetDefinitionActive soft-enables or soft-disables a definition.
func (s *PostgresStore) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_definitions SET is_active = $2, updated_at = now() WHERE id = $1`,
		id, active,
	)
	if err != nil {
		return eris.Wrapf(err, "extraction: set definition %s active", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRun inserts a pending run for d.
func (s *PostgresStore) CreateRun(ctx context.Context, d *model.Definition) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO extraction_runs (id, definition_id, workspace_id, status, target_quantity, total_steps, search_location)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6)
		RETURNING `+runColumns,
		uuid.NewString(), d.ID, d.WorkspaceID, d.TargetQuantity, model.TotalSteps, d.Location,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "extraction: create run for definition %s", d.ID)
	}
	return r, nil
}

// ClaimRun moves a pending run to running. With allowRunning a run already
// running is accepted too, so a redelivered message can resume it.
func (s *PostgresStore) ClaimRun(ctx context.Context, id string, allowRunning bool) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE extraction_runs
		SET status = 'running', started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id = $1 AND (status = 'pending' OR ($2 AND status = 'running'))
		RETURNING `+runColumns,
		id, allowRunning,
	)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.StaleMessageError{Entity: "run", ID: id, Expected: string(model.RunStatusPending)}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "extraction: claim run %s", id)
	}
	return r, nil
}

// GetRun loads a run. It returns nil, nil when none exists.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM extraction_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "extraction: get run %s", id)
	}
	return r, nil
}

// ListRuns returns a workspace's most recent runs.
func (s *PostgresStore) ListRuns(ctx context.Context, workspaceID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM extraction_runs WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: list runs")
	}
	return collectRuns(rows)
}

// IncrementRunMetrics adds delta to the run's counters in one statement.
// A zero delta issues no query.
func (s *PostgresStore) IncrementRunMetrics(ctx context.Context, runID string, delta model.MetricsDelta) error {
	if delta.IsZero() {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE extraction_runs SET
			pages_consumed = pages_consumed + $2,
			credits_consumed = credits_consumed + $3,
			found_quantity = found_quantity + $4,
			created_quantity = created_quantity + $5,
			duplicates_skipped = duplicates_skipped + $6,
			filtered_out = filtered_out + $7,
			updated_at = now()
		WHERE id = $1`,
		runID, delta.Pages, delta.Credits, delta.Found, delta.Created, delta.Duplicates, delta.Filtered,
	)
	if err != nil {
		return eris.Wrapf(err, "extraction: increment metrics for run %s", runID)
	}
	return nil
}

// SetStep records the run's current step, its completed step high-water mark,
// the location last searched and the page token to resume from. An empty
// pageToken means the next fetch starts on the first page of location.
func (s *PostgresStore) SetStep(ctx context.Context, runID string, current, completed int, location, pageToken string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE extraction_runs SET
			current_step = $2,
			completed_steps = GREATEST(completed_steps, $3),
			search_location = COALESCE(NULLIF($4, ''), search_location),
			next_page_token = $5,
			updated_at = now()
		WHERE id = $1 AND status = 'running'`,
		runID, current, completed, location, pageToken,
	)
	if err != nil {
		return eris.Wrapf(err, "extraction: set step for run %s", runID)
	}
	return nil
}

// FinishRun moves a non-terminal run to status, stamping finished_at and the
// execution time.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return eris.Errorf("extraction: finish run %s: %s is not terminal", runID, status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_runs SET
			status = $2,
			error_message = NULLIF($3, ''),
			current_step = $4,
			completed_steps = $4,
			finished_at = now(),
			execution_time_ms = (EXTRACT(EPOCH FROM (now() - COALESCE(started_at, now()))) * 1000)::bigint,
			updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`,
		runID, string(status), errMsg, model.TotalSteps,
	)
	if err != nil {
		return eris.Wrapf(err, "extraction: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return &model.StaleMessageError{Entity: "run", ID: runID, Expected: string(model.RunStatusRunning)}
	}
	return nil
}

// CancelRun cancels a pending or running run.
func (s *PostgresStore) CancelRun(ctx context.Context, runID string) error {
	return s.FinishRun(ctx, runID, model.RunStatusCancelled, "")
}

// ListStuckRuns returns running runs not updated within olderThan.
func (s *PostgresStore) ListStuckRuns(ctx context.Context, olderThan time.Duration) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM extraction_runs
		WHERE status = 'running' AND updated_at < now() - make_interval(secs => $1)
		ORDER BY updated_at`,
		olderThan.Seconds(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: list stuck runs")
	}
	return collectRuns(rows)
}

// RequeueRun counts a watchdog retry and refreshes the run's heartbeat.
func (s *PostgresStore) RequeueRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_runs SET retry_count = retry_count + 1, updated_at = now() WHERE id = $1 AND status = 'running'`,
		runID,
	)
	if err != nil {
		return eris.Wrapf(err, "extraction: requeue run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return &model.StaleMessageError{Entity: "run", ID: runID, Expected: string(model.RunStatusRunning)}
	}
	return nil
}

func scanDefinition(row pgx.Row) (*model.Definition, error) {
	var d model.Definition
	err := row.Scan(
		&d.ID, &d.WorkspaceID, &d.Name, &d.SearchTerm, &d.Location, &d.Niche, &d.TargetQuantity,
		&d.RequireWebsite, &d.RequirePhone, &d.RequireEmail, &d.MinRating, &d.MinReviews,
		&d.FunnelID, &d.ColumnID, &d.ExpandStateSearch, &d.EnrichmentEnabled, &d.MaxRetries, &d.IsActive,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanRun(row pgx.Row) (*model.Run, error) {
	var (
		r      model.Run
		status string
	)
	err := row.Scan(
		&r.ID, &r.DefinitionID, &r.WorkspaceID, &status, &r.TargetQuantity, &r.FoundQuantity,
		&r.CreatedQuantity, &r.DuplicatesSkipped, &r.FilteredOut, &r.PagesConsumed, &r.CreditsConsumed,
		&r.CurrentStep, &r.CompletedSteps, &r.TotalSteps, &r.SearchLocation, &r.NextPageToken, &r.StartedAt, &r.FinishedAt,
		&r.ExecutionTimeMs, &r.ErrorMessage, &r.RetryCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]model.Run, error) {
	defer rows.Close()
	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "extraction: scan run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "extraction: iterate runs")
}
