package enrich

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// memStaging tracks enrichment status transitions in memory.
type memStaging struct {
	mu       sync.Mutex
	rows     map[string]*model.StagingLead
	attempts map[string][]string
	failed   map[string]string
	stamped  []string
	listErr  error
}

func newMemStaging(rows ...model.StagingLead) *memStaging {
	m := &memStaging{rows: map[string]*model.StagingLead{}, attempts: map[string][]string{}, failed: map[string]string{}}
	for i := range rows {
		r := rows[i]
		if r.StatusEnrichment == "" {
			r.StatusEnrichment = model.EnrichmentPending
		}
		m.rows[r.ID] = &r
	}
	return m
}

func (m *memStaging) status(id string) model.EnrichmentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].StatusEnrichment
}

func (m *memStaging) ListEnrichmentCandidates(_ context.Context, limit int) ([]model.StagingLead, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.StagingLead
	for _, id := range sortedIDs(m.rows) {
		r := m.rows[id]
		if r.StatusEnrichment == model.EnrichmentPending && r.EnrichmentEnqueuedAt == nil && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStaging) MarkEnrichmentEnqueued(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamped = append(m.stamped, ids...)
	return int64(len(ids)), nil
}

func (m *memStaging) StartEnrichment(_ context.Context, id string, allowReentry bool) (*model.StagingLead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, &model.StaleMessageError{Entity: "staging", ID: id, Expected: "pending"}
	}
	switch {
	case r.StatusEnrichment == model.EnrichmentPending:
	case allowReentry && r.StatusEnrichment == model.EnrichmentEnriching:
	default:
		return nil, &model.StaleMessageError{Entity: "staging", ID: id, Expected: "pending"}
	}
	r.StatusEnrichment = model.EnrichmentEnriching
	cp := *r
	return &cp, nil
}

func (m *memStaging) CompleteEnrichment(_ context.Context, id string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r.StatusEnrichment != model.EnrichmentEnriching {
		return &model.StaleMessageError{Entity: "staging", ID: id, Expected: "enriching"}
	}
	r.StatusEnrichment = model.EnrichmentCompleted
	r.EnrichmentData = data
	return nil
}

func (m *memStaging) FailEnrichment(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r.StatusEnrichment != model.EnrichmentPending && r.StatusEnrichment != model.EnrichmentEnriching {
		return &model.StaleMessageError{Entity: "staging", ID: id, Expected: "enriching"}
	}
	r.StatusEnrichment = model.EnrichmentFailed
	m.failed[id] = reason
	return nil
}

func (m *memStaging) RecordEnrichmentAttempt(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[id] = append(m.attempts[id], errMsg)
	return nil
}

func sortedIDs(rows map[string]*model.StagingLead) []string {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type memDefs map[string]*model.Definition

func (d memDefs) GetDefinition(_ context.Context, id string) (*model.Definition, error) {
	if id == "broken" {
		return nil, errors.New("db down")
	}
	return d[id], nil
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

func (w *memWriter) count(step int, level model.LogLevel) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, e := range w.entries {
		if e.StepNumber == step && e.Level == level {
			n++
		}
	}
	return n
}
