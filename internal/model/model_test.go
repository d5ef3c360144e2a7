package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() Definition {
	return Definition{
		WorkspaceID:    "ws-1",
		SearchTerm:     "dentista",
		Location:       "Campinas, SP, Brazil",
		TargetQuantity: 50,
		FunnelID:       "funnel-1",
		ColumnID:       "col-1",
	}
}

func TestDefinitionValidate(t *testing.T) {
	rating := 6.0
	tests := []struct {
		name   string
		mutate func(d *Definition)
		field  string
	}{
		{"valid", func(d *Definition) {}, ""},
		{"missing workspace", func(d *Definition) { d.WorkspaceID = "" }, "workspace_id"},
		{"missing search term", func(d *Definition) { d.SearchTerm = "" }, "search_term"},
		{"zero target", func(d *Definition) { d.TargetQuantity = 0 }, "target_quantity"},
		{"target too large", func(d *Definition) { d.TargetQuantity = 5000 }, "target_quantity"},
		{"rating out of range", func(d *Definition) { d.MinRating = &rating }, "min_rating"},
		{"missing column", func(d *Definition) { d.ColumnID = "" }, "column_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(&d)
			err := d.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestDefinitionApplyDefaults(t *testing.T) {
	d := validDefinition()
	d.ApplyDefaults()
	assert.Equal(t, DefaultMaxRetries, d.MaxRetries)
	assert.Equal(t, "dentista - Campinas, SP, Brazil", d.Name)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusPending.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	for _, s := range []RunStatus{RunStatusCompleted, RunStatusPartial, RunStatusFailed, RunStatusCancelled} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestMetricsDelta(t *testing.T) {
	assert.True(t, MetricsDelta{}.IsZero())
	sum := MetricsDelta{Found: 3, Pages: 1}.Add(MetricsDelta{Found: 5, Duplicates: 2})
	assert.Equal(t, MetricsDelta{Found: 8, Pages: 1, Duplicates: 2}, sum)
	assert.False(t, sum.IsZero())
}

func TestStagingLeadFields(t *testing.T) {
	s := StagingLead{
		ExtractedData:  map[string]string{"phone": "123", "website": "https://a.example", "email": ""},
		EnrichmentData: map[string]string{"phone": "", "email": "a@example.com", "cnpj": "42"},
	}
	got := s.Fields()
	assert.Equal(t, "123", got["phone"])
	assert.Equal(t, "a@example.com", got["email"])
	assert.Equal(t, "42", got["cnpj"])
	assert.Equal(t, "https://a.example", got["website"])
}

func TestStepName(t *testing.T) {
	assert.Equal(t, "start", StepName(StepStart))
	assert.Equal(t, "enrichment", StepName(StepEnrichment))
	assert.Equal(t, "unknown", StepName(42))
}

func TestErrorClassification(t *testing.T) {
	stale := fmt.Errorf("wrap: %w", &StaleMessageError{Entity: "staging", ID: "x", Expected: "pending"})
	assert.True(t, IsStale(stale))
	assert.False(t, IsValidation(stale))
	assert.True(t, IsValidation(&ValidationError{Field: "name", Reason: "required"}))

	inner := errors.New("boom")
	assert.ErrorIs(t, &ExhaustedRetriesError{ID: "1", Deliveries: 3, Err: inner}, inner)
	assert.ErrorIs(t, &RunFatalError{RunID: "r", Err: inner}, inner)
	assert.Equal(t, "stale", (&StaleMessageError{}).ArchiveReason())
}
