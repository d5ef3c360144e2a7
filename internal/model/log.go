package model

import (
	"encoding/json"
	"time"
)

// Step numbers of the audit log, one per pipeline stage.
const (
	StepStart         = 1
	StepSearch        = 2
	StepStagingInsert = 3
	StepGeoExpansion  = 4
	StepScrape        = 5
	StepFilter        = 6
	StepEnrichment    = 7
	StepMigration     = 8
	StepComplete      = 9
)

var stepNames = map[int]string{
	StepStart:         "start",
	StepSearch:        "search",
	StepStagingInsert: "staging_insert",
	StepGeoExpansion:  "geo_expansion",
	StepScrape:        "scrape",
	StepFilter:        "filter",
	StepEnrichment:    "enrichment",
	StepMigration:     "migration",
	StepComplete:      "complete",
}

// StepName returns the canonical name for a step number.
func StepName(step int) string {
	if n, ok := stepNames[step]; ok {
		return n
	}
	return "unknown"
}

// LogLevel is the severity of an audit entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogEntry is one append-only audit record for a run.
type LogEntry struct {
	ID         int64           `json:"id" db:"id"`
	RunID      string          `json:"run_id" db:"run_id"`
	StepNumber int             `json:"step_number" db:"step_number"`
	StepName   string          `json:"step_name" db:"step_name"`
	Level      LogLevel        `json:"level" db:"level"`
	Message    string          `json:"message" db:"message"`
	Details    json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
