package model

import "time"

// RunStatus represents the state of an extraction run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// TotalSteps is the number of audit steps in a run.
const TotalSteps = 9

// Run is one execution of a Definition.
type Run struct {
	ID                string     `json:"id" db:"id"`
	DefinitionID      string     `json:"definition_id" db:"definition_id"`
	WorkspaceID       string     `json:"workspace_id" db:"workspace_id"`
	Status            RunStatus  `json:"status" db:"status"`
	TargetQuantity    int        `json:"target_quantity" db:"target_quantity"`
	FoundQuantity     int        `json:"found_quantity" db:"found_quantity"`
	CreatedQuantity   int        `json:"created_quantity" db:"created_quantity"`
	DuplicatesSkipped int        `json:"duplicates_skipped" db:"duplicates_skipped"`
	FilteredOut       int        `json:"filtered_out" db:"filtered_out"`
	PagesConsumed     int        `json:"pages_consumed" db:"pages_consumed"`
	CreditsConsumed   int        `json:"credits_consumed" db:"credits_consumed"`
	CurrentStep       int        `json:"current_step" db:"current_step"`
	CompletedSteps    int        `json:"completed_steps" db:"completed_steps"`
	TotalSteps        int        `json:"total_steps" db:"total_steps"`
	SearchLocation    string     `json:"search_location" db:"search_location"`
	NextPageToken     string     `json:"next_page_token,omitempty" db:"next_page_token"`
	StartedAt         *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	ExecutionTimeMs   *int64     `json:"execution_time_ms,omitempty" db:"execution_time_ms"`
	ErrorMessage      *string    `json:"error_message,omitempty" db:"error_message"`
	RetryCount        int        `json:"retry_count" db:"retry_count"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// MetricsDelta is an additive change to a run's counters. Fields are applied
// as deltas, never as absolute values.
type MetricsDelta struct {
	Pages      int `json:"pages,omitempty"`
	Credits    int `json:"credits,omitempty"`
	Found      int `json:"found,omitempty"`
	Created    int `json:"created,omitempty"`
	Duplicates int `json:"duplicates,omitempty"`
	Filtered   int `json:"filtered,omitempty"`
}

// IsZero reports whether applying d would change nothing.
func (d MetricsDelta) IsZero() bool {
	return d == MetricsDelta{}
}

// Add returns the sum of d and o.
func (d MetricsDelta) Add(o MetricsDelta) MetricsDelta {
	return MetricsDelta{
		Pages:      d.Pages + o.Pages,
		Credits:    d.Credits + o.Credits,
		Found:      d.Found + o.Found,
		Created:    d.Created + o.Created,
		Duplicates: d.Duplicates + o.Duplicates,
		Filtered:   d.Filtered + o.Filtered,
	}
}
