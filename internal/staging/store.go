// Package staging persists candidate leads between discovery and migration.
// Every mutation is a conditional update keyed on the row's current status.
package staging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadpipe/internal/db"
	"github.com/sells-group/leadpipe/internal/model"
)

// Table is the staging table name.
const Table = "lead_extraction_staging"

// Columns lists every staging column in scan order.
var Columns = []string{
	"id", "workspace_id", "run_id", "definition_id", "deduplication_hash",
	"place_id", "name", "address", "phone", "website", "rating", "review_count",
	"status_extraction", "status_enrichment", "raw_provider", "raw_scrape",
	"extracted_data", "enrichment_data", "filter_passed", "filter_reason", "should_migrate",
	"scrape_attempts", "enrichment_enqueued_at", "enrichment_attempts", "enrichment_error",
	"migrated_at", "migrated_lead_id", "created_at", "updated_at",
}

// insertColumns are written by InsertBatch; the rest take table defaults.
var insertColumns = []string{
	"id", "workspace_id", "run_id", "definition_id", "deduplication_hash",
	"place_id", "name", "address", "phone", "website", "rating", "review_count",
	"status_extraction", "status_enrichment", "raw_provider", "extracted_data",
	"created_at", "updated_at",
}

var (
	columnList = strings.Join(Columns, ", ")
	sColumns   = prefixed("s")
)

func prefixed(alias string) string {
	out := make([]string, len(Columns))
	for i, c := range Columns {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

// Store defines persistence operations on staging rows.
type Store interface {
	InsertBatch(ctx context.Context, leads []model.StagingLead) (int64, error)
	Get(ctx context.Context, id string) (*model.StagingLead, error)
	ClaimForScrape(ctx context.Context, limit int) ([]model.StagingLead, error)
	CompleteScrape(ctx context.Context, id string, rawScrape json.RawMessage, extracted map[string]string) error
	ReleaseScrape(ctx context.Context, id string) error
	RejectScrape(ctx context.Context, id, reason string) error
	ListForStatus(ctx context.Context, status model.ExtractionStatus, limit int) ([]model.StagingLead, error)
	ApplyFilter(ctx context.Context, id string, passed bool, reason string, enrichmentEnabled bool) error
	ListEnrichmentCandidates(ctx context.Context, limit int) ([]model.StagingLead, error)
	MarkEnrichmentEnqueued(ctx context.Context, ids []string) (int64, error)
	StartEnrichment(ctx context.Context, id string, allowReentry bool) (*model.StagingLead, error)
	CompleteEnrichment(ctx context.Context, id string, data map[string]string) error
	FailEnrichment(ctx context.Context, id, reason string) error
	RecordEnrichmentAttempt(ctx context.Context, id, errMsg string) error
	ListMigratable(ctx context.Context, limit int) ([]model.StagingLead, error)
	Progress(ctx context.Context, runID string) (*model.Progress, error)
	ResetStuckScrapes(ctx context.Context, olderThan time.Duration) (int64, error)
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InsertBatch stages rows, silently skipping any whose (workspace_id,
// deduplication_hash) already exists. It returns the number inserted.
func (s *PostgresStore) InsertBatch(ctx context.Context, leads []model.StagingLead) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(leads))
	for _, l := range leads {
		extracted := l.ExtractedData
		if extracted == nil {
			extracted = map[string]string{}
		}
		rows = append(rows, []any{
			l.ID, l.WorkspaceID, l.RunID, l.DefinitionID, l.DeduplicationHash,
			l.PlaceID, l.Name, l.Address, l.Phone, l.Website, l.Rating, l.ReviewCount,
			string(l.StatusExtraction), string(l.StatusEnrichment), nullJSON(l.RawProvider), extracted,
			now, now,
		})
	}
	n, err := db.BulkInsertIgnore(ctx, s.pool, db.InsertConfig{
		Table:        Table,
		Columns:      insertColumns,
		ConflictKeys: []string{"workspace_id", "deduplication_hash"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "staging: insert batch")
	}
	return n, nil
}

// Get loads one staging row. It returns nil, nil when the row does not exist.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.StagingLead, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columnList+` FROM `+Table+` WHERE id = $1`, id)
	l, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "staging: get %s", id)
	}
	return l, nil
}

// ClaimForScrape moves up to limit provider_fetched rows of live runs to
// scraping and returns them. Concurrent callers claim disjoint rows.
func (s *PostgresStore) ClaimForScrape(ctx context.Context, limit int) ([]model.StagingLead, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE `+Table+` s
		SET status_extraction = 'scraping', updated_at = now()
		WHERE s.id IN (
			SELECT st.id FROM `+Table+` st
			JOIN extraction_runs r ON r.id = st.run_id
			WHERE st.status_extraction = 'provider_fetched' AND r.status <> 'cancelled'
			ORDER BY st.created_at
			LIMIT $1
			FOR UPDATE OF st SKIP LOCKED
		)
		RETURNING `+sColumns,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "staging: claim for scrape")
	}
	return collectLeads(rows, "staging: claim for scrape")
}

// CompleteScrape moves a scraping row to scraped, storing the raw scrape and
// merging extracted into extracted_data. Keys in extracted replace existing ones.
func (s *PostgresStore) CompleteScrape(ctx context.Context, id string, rawScrape json.RawMessage, extracted map[string]string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+Table+`
		SET status_extraction = 'scraped', raw_scrape = $2, extracted_data = extracted_data || $3::jsonb, updated_at = now()
		WHERE id = $1 AND status_extraction = 'scraping'`,
		id, nullJSON(rawScrape), extracted,
	)
	return s.guard(tag.RowsAffected(), err, id, model.ExtractionScraping, "complete scrape")
}

// ReleaseScrape returns a scraping row to provider_fetched for another
// attempt and counts the failed one.
func (s *PostgresStore) ReleaseScrape(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+Table+`
		SET status_extraction = 'provider_fetched', scrape_attempts = scrape_attempts + 1, updated_at = now()
		WHERE id = $1 AND status_extraction = 'scraping'`,
		id,
	)
	return s.guard(tag.RowsAffected(), err, id, model.ExtractionScraping, "release scrape")
}

// RejectScrape moves a scraping row straight to filtered_out with reason.
func (s *PostgresStore) RejectScrape(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+Table+`
		SET status_extraction = 'filtered_out', filter_passed = false, filter_reason = $2,
			should_migrate = false, scrape_attempts = scrape_attempts + 1, updated_at = now()
		WHERE id = $1 AND status_extraction = 'scraping'`,
		id, reason,
	)
	return s.guard(tag.RowsAffected(), err, id, model.ExtractionScraping, "reject scrape")
}

// ListForStatus returns up to limit rows of live runs in the given
// extraction status, oldest first.
func (s *PostgresStore) ListForStatus(ctx context.Context, status model.ExtractionStatus, limit int) ([]model.StagingLead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sColumns+`
		FROM `+Table+` s
		JOIN extraction_runs r ON r.id = s.run_id
		WHERE s.status_extraction = $1 AND r.status <> 'cancelled'
		ORDER BY s.created_at
		LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "staging: list %s", status)
	}
	return collectLeads(rows, "staging: list for status")
}

// ApplyFilter records a filter verdict on a scraped row. Passed rows become
// ready (and skip enrichment when it is disabled); the rest become filtered_out.
func (s *PostgresStore) ApplyFilter(ctx context.Context, id string, passed bool, reason string, enrichmentEnabled bool) error {
	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+Table+`
		SET filter_passed = $2,
			filter_reason = $3,
			should_migrate = $2,
			status_extraction = CASE WHEN $2 THEN 'ready' ELSE 'filtered_out' END,
			status_enrichment = CASE WHEN $2 AND NOT $4 THEN 'skipped' ELSE status_enrichment END,
			updated_at = now()
		WHERE id = $1 AND status_extraction = 'scraped'`,
		id, passed, reasonArg, enrichmentEnabled,
	)
	return s.guard(tag.RowsAffected(), err, id, model.ExtractionScraped, "apply filter")
}

// ListEnrichmentCandidates returns ready rows of live runs whose enrichment
// is pending and not yet enqueued.
func (s *PostgresStore) ListEnrichmentCandidates(ctx context.Context, limit int) ([]model.StagingLead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sColumns+`
		FROM `+Table+` s
		JOIN extraction_runs r ON r.id = s.run_id
		WHERE s.status_extraction = 'ready'
			AND s.status_enrichment = 'pending'
			AND s.enrichment_enqueued_at IS NULL
			AND r.status <> 'cancelled'
		ORDER BY s.created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "staging: list enrichment candidates")
	}
	return collectLeads(rows, "staging: list enrichment candidates")
}

// MarkEnrichmentEnqueued stamps rows whose enrichment message was enqueued.
func (s *PostgresStore) MarkEnrichmentEnqueued(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+Table+`
		SET enrichment_enqueued_at = now(), updated_at = now()
		WHERE id = ANY($1) AND status_enrichment = 'pending' AND enrichment_enqueued_at IS NULL`,
		ids,
	)
	if err != nil {
		return 0, eris.Wrap(err, "staging: mark enrichment enqueued")
	}
	return tag.RowsAffected(), nil
}

// StartEnrichment moves a ready row from pending to enriching and returns it.
// With allowReentry a row already enriching is accepted too, so a redelivered
// message can resume after its previous attempt failed.
func (s *PostgresStore) StartEnrichment(ctx context.Context, id string, allowReentry bool) (*model.StagingLead, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE `+Table+`
		SET status_enrichment = 'enriching', updated_at = now()
		WHERE id = $1
			AND status_extraction = 'ready'
			AND (status_enrichment = 'pending' OR ($2 AND status_enrichment = 'enriching'))
		RETURNING `+columnList,
		id, allowReentry,
	)
	l, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.StaleMessageError{Entity: "staging", ID: id, Expected: string(model.EnrichmentPending)}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "staging: start enrichment %s", id)
	}
	return l, nil
}

// CompleteEnrichment stores merged enrichment data and marks the row completed.
func (s *PostgresStore) CompleteEnrichment(ctx context.Context, id string, data map[string]string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+Table+`
		SET status_enrichment = 'completed', enrichment_data = $2, enrichment_error = NULL, updated_at = now()
		WHERE id = $1 AND status_enrichment = 'enriching'`,
		id, data,
	)
	return s.guard(tag.RowsAffected(), err, id, model.EnrichmentEnriching, "complete enrichment")
}

// FailEnrichment forces a pending or enriching row to failed.
func (s *PostgresStore) FailEnrichment(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+Table+`
		SET status_enrichment = 'failed', enrichment_error = $2, updated_at = now()
		WHERE id = $1 AND status_enrichment IN ('pending', 'enriching')`,
		id, reason,
	)
	return s.guard(tag.RowsAffected(), err, id, model.EnrichmentEnriching, "fail enrichment")
}

// RecordEnrichmentAttempt counts a failed provider call without changing status.
func (s *PostgresStore) RecordEnrichmentAttempt(ctx context.Context, id, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+Table+`
		SET enrichment_attempts = enrichment_attempts + 1, enrichment_error = $2, updated_at = now()
		WHERE id = $1 AND status_enrichment = 'enriching'`,
		id, errMsg,
	)
	return s.guard(tag.RowsAffected(), err, id, model.EnrichmentEnriching, "record enrichment attempt")
}

// ListMigratable returns rows flagged for migration, not yet migrated, whose
// enrichment reached a terminal status.
func (s *PostgresStore) ListMigratable(ctx context.Context, limit int) ([]model.StagingLead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sColumns+`
		FROM `+Table+` s
		JOIN extraction_runs r ON r.id = s.run_id
		WHERE s.should_migrate
			AND s.migrated_at IS NULL
			AND s.status_enrichment IN ('completed', 'failed', 'skipped')
			AND r.status <> 'cancelled'
		ORDER BY s.created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "staging: list migratable")
	}
	return collectLeads(rows, "staging: list migratable")
}

// Progress counts a run's staging rows by status.
func (s *PostgresStore) Progress(ctx context.Context, runID string) (*model.Progress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status_extraction, status_enrichment, count(*), count(migrated_at)
		FROM `+Table+`
		WHERE run_id = $1
		GROUP BY status_extraction, status_enrichment`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "staging: progress %s", runID)
	}
	defer rows.Close()

	p := &model.Progress{
		RunID:        runID,
		ByExtraction: map[model.ExtractionStatus]int{},
		ByEnrichment: map[model.EnrichmentStatus]int{},
	}
	for rows.Next() {
		var (
			ext, enr        string
			count, migrated int
		)
		if err := rows.Scan(&ext, &enr, &count, &migrated); err != nil {
			return nil, eris.Wrap(err, "staging: scan progress")
		}
		p.ByExtraction[model.ExtractionStatus(ext)] += count
		p.ByEnrichment[model.EnrichmentStatus(enr)] += count
		p.Total += count
		p.Migrated += migrated
	}
	return p, eris.Wrap(rows.Err(), "staging: iterate progress")
}

// ResetStuckScrapes returns rows left in scraping longer than olderThan to
// provider_fetched. It returns how many were reset.
func (s *PostgresStore) ResetStuckScrapes(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+Table+`
		SET status_extraction = 'provider_fetched', scrape_attempts = scrape_attempts + 1, updated_at = now()
		WHERE status_extraction = 'scraping' AND updated_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "staging: reset stuck scrapes")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) guard(affected int64, err error, id string, expected any, action string) error {
	if err != nil {
		return eris.Wrapf(err, "staging: %s %s", action, id)
	}
	if affected == 0 {
		return &model.StaleMessageError{Entity: "staging", ID: id, Expected: toString(expected)}
	}
	return nil
}

func toString(v any) string {
	switch s := v.(type) {
	case model.ExtractionStatus:
		return string(s)
	case model.EnrichmentStatus:
		return string(s)
	}
	return ""
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func scanLead(row pgx.Row) (*model.StagingLead, error) {
	var (
		l        model.StagingLead
		ext, enr string
	)
	err := row.Scan(
		&l.ID, &l.WorkspaceID, &l.RunID, &l.DefinitionID, &l.DeduplicationHash,
		&l.PlaceID, &l.Name, &l.Address, &l.Phone, &l.Website, &l.Rating, &l.ReviewCount,
		&ext, &enr, &l.RawProvider, &l.RawScrape,
		&l.ExtractedData, &l.EnrichmentData, &l.FilterPassed, &l.FilterReason, &l.ShouldMigrate,
		&l.ScrapeAttempts, &l.EnrichmentEnqueuedAt, &l.EnrichmentAttempts, &l.EnrichmentError,
		&l.MigratedAt, &l.MigratedLeadID, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.StatusExtraction = model.ExtractionStatus(ext)
	l.StatusEnrichment = model.EnrichmentStatus(enr)
	if l.ExtractedData == nil {
		l.ExtractedData = map[string]string{}
	}
	if l.EnrichmentData == nil {
		l.EnrichmentData = map[string]string{}
	}
	return &l, nil
}

func collectLeads(rows pgx.Rows, op string) ([]model.StagingLead, error) {
	defer rows.Close()
	var out []model.StagingLead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, op+": scan")
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, op+": iterate")
	}
	return out, nil
}
