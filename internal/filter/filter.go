// Package filter applies a definition's acceptance policy to scraped leads.
package filter

import (
	"math"
	"strconv"
	"strings"

	"github.com/sells-group/leadpipe/internal/model"
)

// Rejection reasons, one per predicate.
const (
	ReasonRequireWebsite = "require_website"
	ReasonRequirePhone   = "require_phone"
	ReasonRequireEmail   = "require_email"
	ReasonMinRating      = "min_rating"
	ReasonMinReviews     = "min_reviews"
)

// Result is the verdict for one lead.
type Result struct {
	Passed bool
	Reason string
}

// Evaluate checks extracted against def's policy. Predicates run in a fixed
// order and the first failure wins. A threshold whose value is missing or
// unparsable (NaN included) fails.
func Evaluate(def model.Definition, extracted map[string]string) Result {
	if def.RequireWebsite && blank(extracted[model.KeyWebsite]) {
		return Result{Reason: ReasonRequireWebsite}
	}
	if def.RequirePhone && blank(extracted[model.KeyPhone]) {
		return Result{Reason: ReasonRequirePhone}
	}
	if def.RequireEmail && blank(extracted[model.KeyEmail]) {
		return Result{Reason: ReasonRequireEmail}
	}
	if def.MinRating != nil {
		r, err := strconv.ParseFloat(strings.TrimSpace(extracted[model.KeyRating]), 64)
		if err != nil || math.IsNaN(r) || r < *def.MinRating {
			return Result{Reason: ReasonMinRating}
		}
	}
	if def.MinReviews != nil {
		n, err := strconv.Atoi(strings.TrimSpace(extracted[model.KeyReviewCount]))
		if err != nil || n < *def.MinReviews {
			return Result{Reason: ReasonMinReviews}
		}
	}
	return Result{Passed: true}
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
