package extraction

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// memStore implements Store in memory.
type memStore struct {
	mu        sync.Mutex
	defs      map[string]*model.Definition
	runs      map[string]*model.Run
	deltas    []model.MetricsDelta
	cancelAt  int // cancel the run once this many deltas were applied
	steps     []int
	requeued  []string
	finishErr error
}

func newMemStore() *memStore {
	return &memStore{defs: map[string]*model.Definition{}, runs: map[string]*model.Run{}}
}

func (m *memStore) CreateDefinition(_ context.Context, d *model.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.defs[d.ID] = &cp
	return nil
}

func (m *memStore) UpdateDefinition(_ context.Context, d *model.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.defs[d.ID] = &cp
	return nil
}

func (m *memStore) GetDefinition(_ context.Context, id string) (*model.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) ListDefinitions(_ context.Context, workspaceID string, activeOnly bool) ([]model.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Definition
	for _, d := range m.defs {
		if d.WorkspaceID == workspaceID && (!activeOnly || d.IsActive) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memStore) SetDefinitionActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return ErrNotFound
	}
	d.IsActive = active
	return nil
}

func (m *memStore) CreateRun(_ context.Context, d *model.Definition) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &model.Run{
		ID:             "run-" + d.ID,
		DefinitionID:   d.ID,
		WorkspaceID:    d.WorkspaceID,
		Status:         model.RunStatusPending,
		TargetQuantity: d.TargetQuantity,
		TotalSteps:     model.TotalSteps,
		SearchLocation: d.Location,
	}
	m.runs[r.ID] = r
	cp := *r
	return &cp, nil
}

func (m *memStore) ClaimRun(_ context.Context, id string, allowRunning bool) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || !(r.Status == model.RunStatusPending || (allowRunning && r.Status == model.RunStatusRunning)) {
		return nil, &model.StaleMessageError{Entity: "run", ID: id, Expected: "pending"}
	}
	r.Status = model.RunStatusRunning
	cp := *r
	return &cp, nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ListRuns(_ context.Context, workspaceID string, _ int) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Run
	for _, r := range m.runs {
		if r.WorkspaceID == workspaceID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) IncrementRunMetrics(_ context.Context, runID string, d model.MetricsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[runID]
	m.deltas = append(m.deltas, d)
	r.PagesConsumed += d.Pages
	r.CreditsConsumed += d.Credits
	r.FoundQuantity += d.Found
	r.CreatedQuantity += d.Created
	r.DuplicatesSkipped += d.Duplicates
	r.FilteredOut += d.Filtered
	if m.cancelAt > 0 && len(m.deltas) == m.cancelAt {
		r.Status = model.RunStatusCancelled
	}
	return nil
}

func (m *memStore) SetStep(_ context.Context, runID string, current, _ int, location, pageToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, current)
	r, ok := m.runs[runID]
	if !ok || r.Status != model.RunStatusRunning {
		return nil
	}
	r.CurrentStep = current
	if location != "" {
		r.SearchLocation = location
	}
	r.NextPageToken = pageToken
	return nil
}

func (m *memStore) FinishRun(_ context.Context, runID string, status model.RunStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishErr != nil {
		return m.finishErr
	}
	r, ok := m.runs[runID]
	if !ok || r.Status.Terminal() {
		return &model.StaleMessageError{Entity: "run", ID: runID, Expected: "running"}
	}
	r.Status = status
	if errMsg != "" {
		r.ErrorMessage = &errMsg
	}
	now := time.Now()
	r.FinishedAt = &now
	return nil
}

func (m *memStore) CancelRun(ctx context.Context, runID string) error {
	return m.FinishRun(ctx, runID, model.RunStatusCancelled, "")
}

func (m *memStore) ListStuckRuns(context.Context, time.Duration) ([]model.Run, error) {
	return nil, nil
}

func (m *memStore) RequeueRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued = append(m.requeued, runID)
	return nil
}

func (m *memStore) run(id string) model.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.runs[id]
}

// memStaging dedups on fingerprint like the unique constraint does.
type memStaging struct {
	mu     sync.Mutex
	hashes map[string]bool
	rows   []model.StagingLead
	err    error
}

func (s *memStaging) InsertBatch(_ context.Context, leads []model.StagingLead) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.hashes == nil {
		s.hashes = map[string]bool{}
	}
	var n int64
	for _, l := range leads {
		key := l.WorkspaceID + "|" + l.DeduplicationHash
		if s.hashes[key] {
			continue
		}
		s.hashes[key] = true
		s.rows = append(s.rows, l)
		n++
	}
	return n, nil
}

// memAudit implements audit.Writer.
type memAudit struct {
	mu      sync.Mutex
	entries []model.LogEntry
}

func (a *memAudit) Insert(_ context.Context, e model.LogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) count(step int, level model.LogLevel) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.StepNumber == step && e.Level == level {
			n++
		}
	}
	return n
}
