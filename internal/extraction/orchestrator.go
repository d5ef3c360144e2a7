// Package extraction drives extraction runs: it pages the search provider,
// stages candidates and keeps the run's counters and audit trail current.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/audit"
	"github.com/sells-group/leadpipe/internal/model"
	"github.com/sells-group/leadpipe/internal/resilience"
	"github.com/sells-group/leadpipe/internal/staging"
	"github.com/sells-group/leadpipe/pkg/google"
)

// Defaults for OrchestratorConfig.
const (
	DefaultMaxPagesPerRun = 50
	DefaultCreditsPerPage = 1
)

// StagingInserter is the slice of the staging store the orchestrator writes to.
type StagingInserter interface {
	InsertBatch(ctx context.Context, leads []model.StagingLead) (int64, error)
}

// OrchestratorConfig tunes a run's search loop.
type OrchestratorConfig struct {
	MaxPagesPerRun int
	CreditsPerPage int
	// RetryBackoff overrides the initial backoff between search retries.
	RetryBackoff time.Duration
}

// Orchestrator executes extraction runs.
type Orchestrator struct {
	store   Store
	staging StagingInserter
	search  google.Client
	audit   *audit.Logger
	cfg     OrchestratorConfig
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store Store, stg StagingInserter, search google.Client, al *audit.Logger, cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxPagesPerRun <= 0 {
		cfg.MaxPagesPerRun = DefaultMaxPagesPerRun
	}
	if cfg.CreditsPerPage <= 0 {
		cfg.CreditsPerPage = DefaultCreditsPerPage
	}
	return &Orchestrator{store: store, staging: stg, search: search, audit: al, cfg: cfg}
}

// runState is the progress of one Execute call.
type runState struct {
	found     int
	pages     int
	location  string
	widened   bool
	exhausted bool
}

// Execute claims runID and searches until the target is met, the provider
// runs out of results, or the page budget is spent. redelivered allows
// resuming a run left running by an earlier attempt.
//
// A nil return means the run no longer needs this message: it finished,
// was cancelled, or was failed on purpose. Any other error leaves the
// message for redelivery.
func (o *Orchestrator) Execute(ctx context.Context, runID string, redelivered bool) error {
	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("run_id", runID))

	run, err := o.store.ClaimRun(ctx, runID, redelivered)
	if err != nil {
		return err
	}

	def, err := o.store.GetDefinition(ctx, run.DefinitionID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: load definition")
	}
	if def == nil {
		return o.fail(ctx, run, &runState{found: run.FoundQuantity}, eris.Errorf("definition %s not found", run.DefinitionID))
	}

	st := &runState{
		found:    run.FoundQuantity,
		pages:    run.PagesConsumed,
		location: def.Location,
	}
	if run.SearchLocation != "" && run.SearchLocation != def.Location {
		st.location = run.SearchLocation
		st.widened = true
	}

	o.audit.Info(ctx, run.ID, model.StepStart, "run started", map[string]any{
		"definition_id": def.ID,
		"search_term":   def.SearchTerm,
		"location":      st.location,
		"target":        run.TargetQuantity,
		"resumed":       run.PagesConsumed > 0,
		"from_token":    run.NextPageToken != "",
	})
	log.Info("run started", zap.String("location", st.location), zap.Int("target", run.TargetQuantity))

	retry := resilience.ForMaxRetries(def.MaxRetries)
	retry.ShouldRetry = resilience.IsTransient
	retry.OnRetry = resilience.RetryLogger("google_places", "text_search", zap.String("run_id", runID))
	if o.cfg.RetryBackoff > 0 {
		retry.InitialBackoff = o.cfg.RetryBackoff
		retry.MaxBackoff = o.cfg.RetryBackoff * 8
	}

	token := run.NextPageToken
	for st.found < run.TargetQuantity && st.pages < o.cfg.MaxPagesPerRun {
		if st.pages > run.PagesConsumed {
			if cancelled, err := o.cancelled(ctx, run.ID); err != nil {
				return err
			} else if cancelled {
				log.Info("run cancelled, stopping search", zap.Int("pages", st.pages))
				return nil
			}
		}

		req := &google.TextSearchRequest{TextQuery: searchQuery(def, st.location), PageToken: token}
		resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*google.TextSearchResponse, error) {
			return o.search.TextSearch(ctx, req)
		})
		if err != nil {
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "orchestrator: search interrupted")
			}
			return o.fail(ctx, run, st, err)
		}

		if err := o.stagePage(ctx, run, def, st, resp); err != nil {
			return err
		}

		token = resp.NextPageToken
		if token != "" {
			continue
		}
		if st.found >= run.TargetQuantity {
			break
		}
		if def.ExpandStateSearch && !st.widened {
			if wider, ok := WidenLocation(st.location); ok {
				o.audit.Info(ctx, run.ID, model.StepGeoExpansion, "expanding search area", map[string]any{
					"from":  st.location,
					"to":    wider,
					"found": st.found,
				})
				log.Info("expanding search area", zap.String("from", st.location), zap.String("to", wider))
				st.location = wider
				st.widened = true
				if err := o.store.SetStep(ctx, run.ID, model.StepGeoExpansion, model.StepGeoExpansion, wider, ""); err != nil {
					log.Warn("set step failed", zap.Error(err))
				}
				continue
			}
		}
		st.exhausted = true
		break
	}

	return o.complete(ctx, run, st)
}

// stagePage validates one page of results, inserts the valid ones and
// records the page's metrics.
func (o *Orchestrator) stagePage(ctx context.Context, run *model.Run, def *model.Definition, st *runState, resp *google.TextSearchResponse) error {
	leads, invalid := BuildStagingLeads(run, def, resp.Places)

	inserted, err := o.staging.InsertBatch(ctx, leads)
	if err != nil {
		return eris.Wrap(err, "orchestrator: stage page")
	}

	delta := model.MetricsDelta{
		Pages:      1,
		Credits:    o.cfg.CreditsPerPage,
		Found:      int(inserted),
		Duplicates: len(leads) - int(inserted),
		Filtered:   invalid,
	}
	if err := o.store.IncrementRunMetrics(ctx, run.ID, delta); err != nil {
		return err
	}
	st.pages++
	st.found += int(inserted)

	o.audit.Info(ctx, run.ID, model.StepSearch, fmt.Sprintf("page %d fetched", st.pages), map[string]any{
		"location": st.location,
		"results":  len(resp.Places),
		"has_next": resp.NextPageToken != "",
	})
	o.audit.Info(ctx, run.ID, model.StepStagingInsert, fmt.Sprintf("staged %d new leads", inserted), map[string]any{
		"inserted":   inserted,
		"duplicates": delta.Duplicates,
		"invalid":    invalid,
		"found":      st.found,
	})
	if err := o.store.SetStep(ctx, run.ID, model.StepStagingInsert, model.StepStagingInsert, st.location, resp.NextPageToken); err != nil {
		zap.L().Warn("orchestrator: set step failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, run *model.Run, st *runState) error {
	details := map[string]any{"found": st.found, "pages": st.pages, "target": run.TargetQuantity}

	if err := o.store.FinishRun(ctx, run.ID, model.RunStatusCompleted, ""); err != nil {
		if model.IsStale(err) {
			return nil
		}
		return err
	}

	if st.found < run.TargetQuantity {
		reason := "page budget spent"
		if st.exhausted {
			reason = "search exhausted"
		}
		o.audit.Warn(ctx, run.ID, model.StepComplete, reason+" below target", details)
	}
	o.audit.Success(ctx, run.ID, model.StepComplete, "run completed", details)
	zap.L().Info("run completed", zap.String("run_id", run.ID), zap.Int("found", st.found), zap.Int("pages", st.pages))
	return nil
}

// fail finishes the run as failed when nothing was found, partial otherwise.
func (o *Orchestrator) fail(ctx context.Context, run *model.Run, st *runState, cause error) error {
	status := model.RunStatusPartial
	if st.found == 0 {
		status = model.RunStatusFailed
		cause = &model.RunFatalError{RunID: run.ID, Err: cause}
	}

	if err := o.store.FinishRun(ctx, run.ID, status, cause.Error()); err != nil {
		if model.IsStale(err) {
			return nil
		}
		return err
	}

	o.audit.Error(ctx, run.ID, model.StepComplete, "run "+string(status), map[string]any{
		"error": cause.Error(),
		"found": st.found,
		"pages": st.pages,
	})
	zap.L().Error("run ended early",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("found", st.found),
		zap.Error(cause),
	)
	return nil
}

// Abandon fails a run whose message ran out of deliveries.
func (o *Orchestrator) Abandon(ctx context.Context, runID string, cause error) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil || run.Status.Terminal() {
		return nil
	}
	if cause == nil {
		cause = eris.New("run message exhausted its deliveries")
	}
	return o.fail(ctx, run, &runState{found: run.FoundQuantity, pages: run.PagesConsumed}, cause)
}

func (o *Orchestrator) cancelled(ctx context.Context, runID string) (bool, error) {
	r, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return r == nil || r.Status == model.RunStatusCancelled, nil
}

func searchQuery(def *model.Definition, location string) string {
	if location == "" {
		return def.SearchTerm
	}
	return def.SearchTerm + " in " + location
}

// BuildStagingLeads turns provider places into staging rows. Places missing
// an id or a name are counted as invalid and dropped.
func BuildStagingLeads(run *model.Run, def *model.Definition, places []google.Place) ([]model.StagingLead, int) {
	leads := make([]model.StagingLead, 0, len(places))
	invalid := 0
	for _, p := range places {
		if err := validatePlace(p); err != nil {
			invalid++
			zap.L().Debug("dropping invalid place", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}

		name := p.DisplayName.Text
		phone := p.Phone()
		extracted := map[string]string{
			model.KeyName:       name,
			model.KeyPlaceID:    p.ID,
			model.KeySearchTerm: def.SearchTerm,
		}
		setIf(extracted, model.KeyAddress, p.FormattedAddress)
		setIf(extracted, model.KeyPhone, phone)
		setIf(extracted, model.KeyWebsite, p.WebsiteURI)
		setIf(extracted, model.KeyNiche, def.Niche)

		var (
			rating  *float64
			reviews *int
		)
		if p.Rating > 0 {
			r := p.Rating
			rating = &r
			extracted[model.KeyRating] = strconv.FormatFloat(r, 'f', -1, 64)
		}
		if p.UserRatingCount > 0 || p.Rating > 0 {
			n := p.UserRatingCount
			reviews = &n
			extracted[model.KeyReviewCount] = strconv.Itoa(n)
		}

		raw, _ := json.Marshal(p)
		leads = append(leads, model.StagingLead{
			ID:                uuid.NewString(),
			WorkspaceID:       run.WorkspaceID,
			RunID:             run.ID,
			DefinitionID:      def.ID,
			DeduplicationHash: staging.Fingerprint(run.WorkspaceID, name, p.FormattedAddress, phone),
			PlaceID:           p.ID,
			Name:              name,
			Address:           p.FormattedAddress,
			Phone:             phone,
			Website:           p.WebsiteURI,
			Rating:            rating,
			ReviewCount:       reviews,
			StatusExtraction:  model.ExtractionProviderFetched,
			StatusEnrichment:  model.EnrichmentPending,
			RawProvider:       raw,
			ExtractedData:     extracted,
		})
	}
	return leads, invalid
}

func validatePlace(p google.Place) error {
	if p.ID == "" {
		return &model.ValidationError{Field: model.KeyPlaceID, Reason: "required"}
	}
	if p.DisplayName.Text == "" {
		return &model.ValidationError{Field: model.KeyName, Reason: "required"}
	}
	return nil
}

func setIf(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
