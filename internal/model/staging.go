package model

import (
	"encoding/json"
	"time"
)

// ExtractionStatus tracks a staging row through fetch, scrape and filter.
type ExtractionStatus string

const (
	ExtractionPending         ExtractionStatus = "pending"
	ExtractionProviderFetched ExtractionStatus = "provider_fetched"
	ExtractionScraping        ExtractionStatus = "scraping"
	ExtractionScraped         ExtractionStatus = "scraped"
	ExtractionFilteredOut     ExtractionStatus = "filtered_out"
	ExtractionReady           ExtractionStatus = "ready"
)

// EnrichmentStatus tracks a staging row through third-party enrichment.
type EnrichmentStatus string

const (
	EnrichmentPending   EnrichmentStatus = "pending"
	EnrichmentEnriching EnrichmentStatus = "enriching"
	EnrichmentCompleted EnrichmentStatus = "completed"
	EnrichmentFailed    EnrichmentStatus = "failed"
	EnrichmentSkipped   EnrichmentStatus = "skipped"
)

// Terminal reports whether enrichment has finished one way or another.
func (s EnrichmentStatus) Terminal() bool {
	return s == EnrichmentCompleted || s == EnrichmentFailed || s == EnrichmentSkipped
}

// Well-known keys in StagingLead.ExtractedData.
const (
	KeyName        = "name"
	KeyAddress     = "address"
	KeyPhone       = "phone"
	KeyEmail       = "email"
	KeyWebsite     = "website"
	KeyRating      = "rating"
	KeyReviewCount = "review_count"
	KeyPlaceID     = "place_id"
	KeyNiche       = "niche"
	KeySearchTerm  = "search_term"
)

// StagingLead is an unconfirmed candidate lead discovered by a run.
type StagingLead struct {
	ID                   string            `json:"id" db:"id"`
	WorkspaceID          string            `json:"workspace_id" db:"workspace_id"`
	RunID                string            `json:"run_id" db:"run_id"`
	DefinitionID         string            `json:"definition_id" db:"definition_id"`
	DeduplicationHash    string            `json:"deduplication_hash" db:"deduplication_hash"`
	PlaceID              string            `json:"place_id" db:"place_id"`
	Name                 string            `json:"name" db:"name"`
	Address              string            `json:"address" db:"address"`
	Phone                string            `json:"phone" db:"phone"`
	Website              string            `json:"website" db:"website"`
	Rating               *float64          `json:"rating,omitempty" db:"rating"`
	ReviewCount          *int              `json:"review_count,omitempty" db:"review_count"`
	StatusExtraction     ExtractionStatus  `json:"status_extraction" db:"status_extraction"`
	StatusEnrichment     EnrichmentStatus  `json:"status_enrichment" db:"status_enrichment"`
	RawProvider          json.RawMessage   `json:"raw_provider,omitempty" db:"raw_provider"`
	RawScrape            json.RawMessage   `json:"raw_scrape,omitempty" db:"raw_scrape"`
	ExtractedData        map[string]string `json:"extracted_data" db:"extracted_data"`
	EnrichmentData       map[string]string `json:"enrichment_data" db:"enrichment_data"`
	FilterPassed         *bool             `json:"filter_passed,omitempty" db:"filter_passed"`
	FilterReason         *string           `json:"filter_reason,omitempty" db:"filter_reason"`
	ShouldMigrate        bool              `json:"should_migrate" db:"should_migrate"`
	ScrapeAttempts       int               `json:"scrape_attempts" db:"scrape_attempts"`
	EnrichmentEnqueuedAt *time.Time        `json:"enrichment_enqueued_at,omitempty" db:"enrichment_enqueued_at"`
	EnrichmentAttempts   int               `json:"enrichment_attempts" db:"enrichment_attempts"`
	EnrichmentError      *string           `json:"enrichment_error,omitempty" db:"enrichment_error"`
	MigratedAt           *time.Time        `json:"migrated_at,omitempty" db:"migrated_at"`
	MigratedLeadID       *string           `json:"migrated_lead_id,omitempty" db:"migrated_lead_id"`
	CreatedAt            time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at" db:"updated_at"`
}

// Fields returns the union of extracted and enrichment data. Enrichment
// values win over extracted ones when non-empty.
func (s *StagingLead) Fields() map[string]string {
	out := make(map[string]string, len(s.ExtractedData)+len(s.EnrichmentData))
	for k, v := range s.ExtractedData {
		out[k] = v
	}
	for k, v := range s.EnrichmentData {
		if v != "" || out[k] == "" {
			out[k] = v
		}
	}
	return out
}

// Progress is a snapshot of staging row counts for a run.
type Progress struct {
	RunID        string                   `json:"run_id"`
	Total        int                      `json:"total"`
	Migrated     int                      `json:"migrated"`
	ByExtraction map[ExtractionStatus]int `json:"by_extraction"`
	ByEnrichment map[EnrichmentStatus]int `json:"by_enrichment"`
}
