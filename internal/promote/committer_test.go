package promote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/audit"
	"github.com/sells-group/leadpipe/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeLister struct {
	rows []model.StagingLead
	err  error
}

func (f *fakeLister) ListMigratable(_ context.Context, _ int) ([]model.StagingLead, error) {
	return f.rows, f.err
}

type fakeRuns struct {
	defs   map[string]*model.Definition
	deltas map[string]model.MetricsDelta
}

func (f *fakeRuns) GetDefinition(_ context.Context, id string) (*model.Definition, error) {
	return f.defs[id], nil
}

func (f *fakeRuns) IncrementRunMetrics(_ context.Context, runID string, d model.MetricsDelta) error {
	if f.deltas == nil {
		f.deltas = map[string]model.MetricsDelta{}
	}
	f.deltas[runID] = f.deltas[runID].Add(d)
	return nil
}

type fakeFields struct {
	mu     sync.Mutex
	calls  []string
	failOn string
}

func (f *fakeFields) EnsureFieldExists(_ context.Context, _ string, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == f.failOn {
		return "", errors.New("registry down")
	}
	f.calls = append(f.calls, key)
	return "field-" + key, nil
}

type memWriter struct {
	entries []model.LogEntry
}

func (w *memWriter) Insert(_ context.Context, e model.LogEntry) error {
	w.entries = append(w.entries, e)
	return nil
}

func fixedIDs(t *testing.T) {
	t.Helper()
	n := 0
	orig := newID
	newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	t.Cleanup(func() { newID = orig })
}

func stagingRow(id string) model.StagingLead {
	return model.StagingLead{
		ID:           id,
		WorkspaceID:  "ws-1",
		RunID:        "run-1",
		DefinitionID: "def-1",
		Name:         "Joe's Pizza",
		Phone:        "555",
		ExtractedData: map[string]string{
			model.KeyName:   "Joe's Pizza",
			model.KeyPhone:  "555",
			model.KeyRating: "4.5",
		},
		EnrichmentData: map[string]string{
			model.KeyEmail: "joe@pizza.example",
			"cnpj":         "123",
		},
	}
}

func defs() *fakeRuns {
	return &fakeRuns{defs: map[string]*model.Definition{"def-1": {ID: "def-1", FunnelID: "funnel-1", ColumnID: "col-1"}}}
}

func expectMigration(mock pgxmock.PgxPoolIface, stagingID, leadID string, valueIDs ...string) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM lead_extraction_staging WHERE id = \$1 AND migrated_at IS NULL FOR UPDATE`).
		WithArgs(stagingID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(stagingID))
	mock.ExpectQuery(`INSERT INTO leads`).
		WithArgs(leadID, "ws-1", "funnel-1", "col-1", stagingID, "run-1",
			"Joe's Pizza", "555", "joe@pizza.example", "", "", model.LeadSource).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(leadID))
	mock.ExpectExec(`INSERT INTO custom_field_values`).
		WithArgs(valueIDs[0], "field-cnpj", leadID, "123").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO custom_field_values`).
		WithArgs(valueIDs[1], "field-rating", leadID, "4.5").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE lead_extraction_staging SET migrated_at = now\(\), migrated_lead_id = \$2`).
		WithArgs(stagingID, leadID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
}

func TestSweep_MigratesRow(t *testing.T) {
	fixedIDs(t)
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectMigration(mock, "s1", "id-1", "id-2", "id-3")

	runs := defs()
	fields := &fakeFields{}
	w := &memWriter{}
	c := NewCommitter(mock, &fakeLister{rows: []model.StagingLead{stagingRow("s1")}}, runs, fields, audit.NewLogger(w))

	res, err := c.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, &Result{Candidates: 1, Migrated: 1}, res)
	assert.Equal(t, []string{"cnpj", "rating"}, fields.calls)
	assert.Equal(t, model.MetricsDelta{Created: 1}, runs.deltas["run-1"])
	require.Len(t, w.entries, 1)
	assert.Equal(t, model.StepMigration, w.entries[0].StepNumber)
	assert.Equal(t, model.LevelSuccess, w.entries[0].Level)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AlreadyMigratedIsNoop(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM lead_extraction_staging`).
		WithArgs("s1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	runs := defs()
	c := NewCommitter(mock, &fakeLister{rows: []model.StagingLead{stagingRow("s1")}}, runs, &fakeFields{}, audit.NewLogger(&memWriter{}))
	res, err := c.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Migrated)
	assert.Nil(t, runs.deltas)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Running the same row twice creates one lead: the second pass finds the row
// stamped and does nothing.
func TestMigrate_AtMostOnce(t *testing.T) {
	fixedIDs(t)
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectMigration(mock, "s1", "id-1", "id-2", "id-3")
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM lead_extraction_staging`).
		WithArgs("s1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	c := NewCommitter(mock, nil, defs(), &fakeFields{}, audit.NewLogger(&memWriter{}))
	def := defs().defs["def-1"]

	first, err := c.Migrate(context.Background(), stagingRow("s1"), def)
	require.NoError(t, err)
	assert.Equal(t, "id-1", first)

	second, err := c.Migrate(context.Background(), stagingRow("s1"), def)
	require.NoError(t, err)
	assert.Empty(t, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_InsertFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM lead_extraction_staging`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectQuery(`INSERT INTO leads`).WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	c := NewCommitter(mock, nil, defs(), &fakeFields{}, audit.NewLogger(&memWriter{}))
	_, err = c.Migrate(context.Background(), stagingRow("s1"), defs().defs["def-1"])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert lead")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_FieldErrorBeforeTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := NewCommitter(mock, nil, defs(), &fakeFields{failOn: "cnpj"}, audit.NewLogger(&memWriter{}))
	_, err = c.Migrate(context.Background(), stagingRow("s1"), defs().defs["def-1"])
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweep_ErrorsAreCounted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	orphan := stagingRow("s2")
	orphan.DefinitionID = "missing"
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	w := &memWriter{}
	c := NewCommitter(mock, &fakeLister{rows: []model.StagingLead{stagingRow("s1"), orphan}}, defs(), &fakeFields{}, audit.NewLogger(w))
	res, err := c.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errors)
	assert.Empty(t, w.entries)
}

func TestSweep_ListError(t *testing.T) {
	c := NewCommitter(nil, &fakeLister{err: errors.New("boom")}, defs(), &fakeFields{}, audit.NewLogger(&memWriter{}))
	_, err := c.Sweep(context.Background(), 0)
	require.Error(t, err)
}

func TestCustomKeys(t *testing.T) {
	got := customKeys(map[string]string{
		model.KeyName:  "n",
		model.KeyEmail: "e",
		"owner":        "o",
		"empty":        "",
		"cnpj":         "1",
	})
	assert.Equal(t, []string{"cnpj", "owner"}, got)
}

func TestCanonicalFields(t *testing.T) {
	got := canonicalFields(map[string]string{
		"Email":        "joe@pizza.example",
		"Review Count": "12",
		"review_count": "15",
		"-":            "x",
		" ":            "y",
		".":            "z",
		"Owner-Name":   "Ana",
		"blank":        "",
	})
	assert.Equal(t, map[string]string{
		model.KeyEmail:       "joe@pizza.example",
		model.KeyReviewCount: "15",
		"owner_name":         "Ana",
	}, got)
}

func TestCanonicalFields_FirstSortedWinsWithoutExactKey(t *testing.T) {
	got := canonicalFields(map[string]string{
		"Review-Count": "1",
		"Review Count": "2",
	})
	assert.Equal(t, map[string]string{model.KeyReviewCount: "2"}, got)
}

// A key with no word characters must not reach the registry, which rejects
// it, or the row would fail on every sweep.
func TestSweep_PunctuationKeyDoesNotBlockMigration(t *testing.T) {
	fixedIDs(t)
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	row := stagingRow("s1")
	row.EnrichmentData["-"] = "x"
	row.EnrichmentData[" "] = "y"

	expectMigration(mock, "s1", "id-1", "id-2", "id-3")

	lister := &fakeLister{rows: []model.StagingLead{row}}
	fields := &fakeFields{}
	c := NewCommitter(mock, lister, defs(), fields, audit.NewLogger(&memWriter{}))

	res, err := c.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, &Result{Candidates: 1, Migrated: 1}, res)
	assert.Equal(t, []string{"cnpj", "rating"}, fields.calls)

	lister.rows = nil
	res, err = c.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_MixedCaseKeysLandOnLeadColumns(t *testing.T) {
	fixedIDs(t)
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	row := stagingRow("s1")
	delete(row.EnrichmentData, model.KeyEmail)
	row.EnrichmentData["Email"] = "joe@pizza.example"
	row.EnrichmentData["CNPJ"] = "123"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM lead_extraction_staging`).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectQuery(`INSERT INTO leads`).
		WithArgs("id-1", "ws-1", "funnel-1", "col-1", "s1", "run-1",
			"Joe's Pizza", "555", "joe@pizza.example", "", "", model.LeadSource).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("id-1"))
	mock.ExpectExec(`INSERT INTO custom_field_values`).
		WithArgs("id-2", "field-cnpj", "id-1", "123").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO custom_field_values`).
		WithArgs("id-3", "field-rating", "id-1", "4.5").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE lead_extraction_staging SET migrated_at`).
		WithArgs("s1", "id-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	fields := &fakeFields{}
	c := NewCommitter(mock, nil, defs(), fields, audit.NewLogger(&memWriter{}))
	leadID, err := c.Migrate(context.Background(), row, defs().defs["def-1"])
	require.NoError(t, err)
	assert.Equal(t, "id-1", leadID)
	assert.Equal(t, []string{"cnpj", "rating"}, fields.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_CollidingKeysWriteOneValue(t *testing.T) {
	fixedIDs(t)
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	row := stagingRow("s1")
	row.ExtractedData["Review Count"] = "12"
	row.EnrichmentData[model.KeyReviewCount] = "15"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM lead_extraction_staging`).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectQuery(`INSERT INTO leads`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("id-1"))
	mock.ExpectExec(`INSERT INTO custom_field_values`).
		WithArgs("id-2", "field-cnpj", "id-1", "123").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO custom_field_values`).
		WithArgs("id-3", "field-rating", "id-1", "4.5").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO custom_field_values`).
		WithArgs("id-4", "field-review_count", "id-1", "15").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE lead_extraction_staging SET migrated_at`).
		WithArgs("s1", "id-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	fields := &fakeFields{}
	c := NewCommitter(mock, nil, defs(), fields, audit.NewLogger(&memWriter{}))
	_, err = c.Migrate(context.Background(), row, defs().defs["def-1"])
	require.NoError(t, err)
	assert.Equal(t, []string{"cnpj", "rating", "review_count"}, fields.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}
