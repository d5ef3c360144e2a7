package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/audit"
	"github.com/sells-group/leadpipe/internal/model"
	"github.com/sells-group/leadpipe/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type completed struct {
	raw  json.RawMessage
	data map[string]string
}

type fakeStaging struct {
	mu        sync.Mutex
	rows      []model.StagingLead
	claimErr  error
	completed map[string]completed
	released  []string
	rejected  map[string]string
}

func newFakeStaging(rows ...model.StagingLead) *fakeStaging {
	return &fakeStaging{rows: rows, completed: map[string]completed{}, rejected: map[string]string{}}
}

func (f *fakeStaging) ClaimForScrape(_ context.Context, limit int) ([]model.StagingLead, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.rows) > limit {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func (f *fakeStaging) CompleteScrape(_ context.Context, id string, raw json.RawMessage, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = completed{raw: raw, data: data}
	return nil
}

func (f *fakeStaging) ReleaseScrape(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeStaging) RejectScrape(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[id] = reason
	return nil
}

type fakeMetrics struct {
	mu     sync.Mutex
	deltas map[string]model.MetricsDelta
}

func (f *fakeMetrics) IncrementRunMetrics(_ context.Context, runID string, d model.MetricsDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deltas == nil {
		f.deltas = map[string]model.MetricsDelta{}
	}
	f.deltas[runID] = f.deltas[runID].Add(d)
	return nil
}

type fakeScraper struct {
	pages map[string]*Page
	errs  map[string]error
}

func (f *fakeScraper) Scrape(_ context.Context, url string) (*Page, error) {
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if p, ok := f.pages[url]; ok {
		return p, nil
	}
	return nil, errors.New("unexpected url " + url)
}

type memWriter struct {
	mu      sync.Mutex
	entries []model.LogEntry
}

func (w *memWriter) Insert(_ context.Context, e model.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, e)
	return nil
}

func row(id, website string, attempts int, data map[string]string) model.StagingLead {
	if data == nil {
		data = map[string]string{}
	}
	return model.StagingLead{ID: id, RunID: "run-1", Website: website, ScrapeAttempts: attempts, ExtractedData: data}
}

func TestSweep_Outcomes(t *testing.T) {
	stg := newFakeStaging(
		row("ok", "https://ok.example", 0, map[string]string{model.KeyPhone: "111"}),
		row("none", "", 0, nil),
		row("gone", "https://gone.example", 0, nil),
		row("flaky", "https://flaky.example", 0, nil),
		row("flaky-last", "https://flaky.example", 2, nil),
	)
	sc := &fakeScraper{
		pages: map[string]*Page{
			"https://ok.example": {Emails: []string{"hi@ok.example"}, Phones: []string{"999"}, Title: "OK"},
		},
		errs: map[string]error{
			"https://gone.example":  &resilience.PermanentError{Provider: providerName, StatusCode: 404, Err: errors.New("status 404")},
			"https://flaky.example": resilience.NewTransientError(errors.New("timeout"), 0),
		},
	}
	metrics := &fakeMetrics{}
	w := &memWriter{}

	s := NewSweeper(stg, metrics, sc, audit.NewLogger(w), SweepConfig{MaxAttempts: 3, Concurrency: 2})
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &SweepResult{Claimed: 5, Scraped: 1, NoWebsite: 1, Released: 1, Rejected: 1, GaveUp: 1}, res)

	// Provider phone is kept, scraped email fills the gap.
	assert.Equal(t, map[string]string{"email": "hi@ok.example", "site_title": "OK"}, stg.completed["ok"].data)
	assert.NotEmpty(t, stg.completed["ok"].raw)
	assert.Empty(t, stg.completed["none"].data)
	assert.Nil(t, stg.completed["none"].raw)
	assert.Contains(t, stg.completed, "flaky-last")
	assert.Equal(t, []string{"flaky"}, stg.released)
	assert.Equal(t, map[string]string{"gone": ReasonScrapeFailed}, stg.rejected)

	assert.Equal(t, model.MetricsDelta{Filtered: 1}, metrics.deltas["run-1"])
	require.Len(t, w.entries, 1)
	assert.Equal(t, model.StepScrape, w.entries[0].StepNumber)
	assert.Equal(t, model.LevelInfo, w.entries[0].Level)
}

func TestSweep_Empty(t *testing.T) {
	metrics := &fakeMetrics{}
	w := &memWriter{}
	res, err := NewSweeper(newFakeStaging(), metrics, &fakeScraper{}, audit.NewLogger(w), SweepConfig{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
	assert.Empty(t, w.entries)
	assert.Nil(t, metrics.deltas)
}

func TestSweep_ClaimError(t *testing.T) {
	stg := newFakeStaging()
	stg.claimErr = errors.New("db down")
	_, err := NewSweeper(stg, &fakeMetrics{}, &fakeScraper{}, audit.NewLogger(&memWriter{}), SweepConfig{}).Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestSweep_WebsiteFromExtractedData(t *testing.T) {
	stg := newFakeStaging(row("a", "", 0, map[string]string{model.KeyWebsite: "https://a.example"}))
	sc := &fakeScraper{pages: map[string]*Page{"https://a.example": {Title: "A"}}}
	res, err := NewSweeper(stg, &fakeMetrics{}, sc, audit.NewLogger(&memWriter{}), SweepConfig{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scraped)
	assert.Equal(t, "A", stg.completed["a"].data["site_title"])
}

func TestMergeMissing(t *testing.T) {
	existing := map[string]string{"phone": "1", "email": ""}
	found := map[string]string{"phone": "2", "email": "e@x.example", "facebook": "", "site_title": "T"}
	assert.Equal(t, map[string]string{"email": "e@x.example", "site_title": "T"}, MergeMissing(existing, found))
	assert.Empty(t, MergeMissing(nil, nil))
}
