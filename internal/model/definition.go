// Package model defines the domain types shared across the lead pipeline.
package model

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// DefaultMaxRetries is used when a definition does not set max_retries.
const DefaultMaxRetries = 3

// Definition is the durable configuration of an extraction search.
type Definition struct {
	ID                string    `json:"id" yaml:"id" db:"id"`
	WorkspaceID       string    `json:"workspace_id" yaml:"workspace_id" db:"workspace_id" validate:"required"`
	Name              string    `json:"name" yaml:"name" db:"name"`
	SearchTerm        string    `json:"search_term" yaml:"search_term" db:"search_term" validate:"required"`
	Location          string    `json:"location" yaml:"location" db:"location" validate:"required"`
	Niche             string    `json:"niche,omitempty" yaml:"niche" db:"niche"`
	TargetQuantity    int       `json:"target_quantity" yaml:"target_quantity" db:"target_quantity" validate:"gte=1,lte=1000"`
	RequireWebsite    bool      `json:"require_website" yaml:"require_website" db:"require_website"`
	RequirePhone      bool      `json:"require_phone" yaml:"require_phone" db:"require_phone"`
	RequireEmail      bool      `json:"require_email" yaml:"require_email" db:"require_email"`
	MinRating         *float64  `json:"min_rating,omitempty" yaml:"min_rating" db:"min_rating" validate:"omitempty,gte=0,lte=5"`
	MinReviews        *int      `json:"min_reviews,omitempty" yaml:"min_reviews" db:"min_reviews" validate:"omitempty,gte=0"`
	FunnelID          string    `json:"funnel_id" yaml:"funnel_id" db:"funnel_id" validate:"required"`
	ColumnID          string    `json:"column_id" yaml:"column_id" db:"column_id" validate:"required"`
	ExpandStateSearch bool      `json:"expand_state_search" yaml:"expand_state_search" db:"expand_state_search"`
	EnrichmentEnabled bool      `json:"enrichment_enabled" yaml:"enrichment_enabled" db:"enrichment_enabled"`
	MaxRetries        int       `json:"max_retries" yaml:"max_retries" db:"max_retries" validate:"gte=0,lte=10"`
	IsActive          bool      `json:"is_active" yaml:"is_active" db:"is_active"`
	CreatedAt         time.Time `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" yaml:"-" db:"updated_at"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the definition's required fields and bounds. Failures are
// returned as a *ValidationError naming the first offending field.
func (d *Definition) Validate() error {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Reason: fe.Tag()}
	}
	return eris.Wrap(err, "model: validate definition")
}

// ApplyDefaults fills zero-valued optional settings.
func (d *Definition) ApplyDefaults() {
	if d.MaxRetries == 0 {
		d.MaxRetries = DefaultMaxRetries
	}
	if d.Name == "" {
		d.Name = d.SearchTerm + " - " + d.Location
	}
}
