package scrape

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadpipe/internal/audit"
	"github.com/sells-group/leadpipe/internal/model"
	"github.com/sells-group/leadpipe/internal/resilience"
)

// Defaults for SweepConfig.
const (
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 3
	DefaultConcurrency = 5
)

// ReasonScrapeFailed is the filter reason for rows whose site is gone for good.
const ReasonScrapeFailed = "scrape_failed"

// StagingStore is the staging persistence the sweep needs.
type StagingStore interface {
	ClaimForScrape(ctx context.Context, limit int) ([]model.StagingLead, error)
	CompleteScrape(ctx context.Context, id string, rawScrape json.RawMessage, extracted map[string]string) error
	ReleaseScrape(ctx context.Context, id string) error
	RejectScrape(ctx context.Context, id, reason string) error
}

// MetricsStore accepts run metric deltas.
type MetricsStore interface {
	IncrementRunMetrics(ctx context.Context, runID string, delta model.MetricsDelta) error
}

// SweepConfig tunes a Sweeper.
type SweepConfig struct {
	BatchSize   int
	MaxAttempts int
	Concurrency int
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Claimed   int
	Scraped   int
	NoWebsite int
	Released  int
	Rejected  int
	GaveUp    int
	Errors    int
}

// Sweeper moves provider_fetched rows through scraping to scraped.
type Sweeper struct {
	staging StagingStore
	metrics MetricsStore
	scraper Scraper
	audit   *audit.Logger
	cfg     SweepConfig
}

// NewSweeper creates a Sweeper.
func NewSweeper(stg StagingStore, metrics MetricsStore, s Scraper, al *audit.Logger, cfg SweepConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Sweeper{staging: stg, metrics: metrics, scraper: s, audit: al, cfg: cfg}
}

type outcome int

const (
	outcomeScraped outcome = iota
	outcomeNoWebsite
	outcomeReleased
	outcomeRejected
	outcomeGaveUp
	outcomeError
)

// Sweep claims one batch and scrapes it with bounded concurrency.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	log := zap.L().With(zap.String("component", "scrape"))

	rows, err := s.staging.ClaimForScrape(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: claim batch")
	}
	res := &SweepResult{Claimed: len(rows)}
	if len(rows) == 0 {
		return res, nil
	}

	var (
		mu      sync.Mutex
		perRun  = map[string]map[outcome]int{}
		g, gctx = errgroup.WithContext(ctx)
	)
	g.SetLimit(s.cfg.Concurrency)

	for _, row := range rows {
		g.Go(func() error {
			o := s.process(gctx, row)
			mu.Lock()
			defer mu.Unlock()
			if perRun[row.RunID] == nil {
				perRun[row.RunID] = map[outcome]int{}
			}
			perRun[row.RunID][o]++
			switch o {
			case outcomeScraped:
				res.Scraped++
			case outcomeNoWebsite:
				res.NoWebsite++
			case outcomeReleased:
				res.Released++
			case outcomeRejected:
				res.Rejected++
			case outcomeGaveUp:
				res.GaveUp++
			default:
				res.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	for runID, counts := range perRun {
		if n := counts[outcomeRejected]; n > 0 {
			if err := s.metrics.IncrementRunMetrics(ctx, runID, model.MetricsDelta{Filtered: n}); err != nil {
				log.Warn("increment filtered_out failed", zap.String("run_id", runID), zap.Error(err))
			}
		}
		s.audit.Info(ctx, runID, model.StepScrape, "scrape batch processed", map[string]int{
			"scraped":    counts[outcomeScraped],
			"no_website": counts[outcomeNoWebsite],
			"released":   counts[outcomeReleased],
			"rejected":   counts[outcomeRejected],
			"gave_up":    counts[outcomeGaveUp],
			"errors":     counts[outcomeError],
		})
	}

	log.Info("scrape sweep done",
		zap.Int("claimed", res.Claimed),
		zap.Int("scraped", res.Scraped),
		zap.Int("rejected", res.Rejected),
		zap.Int("released", res.Released),
	)
	return res, nil
}

func (s *Sweeper) process(ctx context.Context, row model.StagingLead) outcome {
	log := zap.L().With(zap.String("component", "scrape"), zap.String("staging_id", row.ID))

	website := row.Website
	if website == "" {
		website = row.ExtractedData[model.KeyWebsite]
	}
	if website == "" {
		if err := s.staging.CompleteScrape(ctx, row.ID, nil, map[string]string{}); err != nil {
			log.Warn("complete scrape failed", zap.Error(err))
			return outcomeError
		}
		return outcomeNoWebsite
	}

	page, err := s.scraper.Scrape(ctx, website)
	if err == nil {
		raw, merr := json.Marshal(page)
		if merr != nil {
			raw = nil
		}
		if err := s.staging.CompleteScrape(ctx, row.ID, raw, MergeMissing(row.ExtractedData, page.Fields())); err != nil {
			log.Warn("complete scrape failed", zap.Error(err))
			return outcomeError
		}
		return outcomeScraped
	}

	if resilience.IsPermanent(err) {
		log.Debug("site permanently unavailable", zap.String("url", website), zap.Error(err))
		if err := s.staging.RejectScrape(ctx, row.ID, ReasonScrapeFailed); err != nil {
			log.Warn("reject scrape failed", zap.Error(err))
			return outcomeError
		}
		return outcomeRejected
	}

	if row.ScrapeAttempts+1 < s.cfg.MaxAttempts {
		log.Debug("scrape failed, releasing", zap.Int("attempts", row.ScrapeAttempts+1), zap.Error(err))
		if err := s.staging.ReleaseScrape(ctx, row.ID); err != nil {
			log.Warn("release scrape failed", zap.Error(err))
			return outcomeError
		}
		return outcomeReleased
	}

	log.Info("scrape attempts exhausted, continuing without site data", zap.String("url", website), zap.Error(err))
	if err := s.staging.CompleteScrape(ctx, row.ID, nil, map[string]string{}); err != nil {
		log.Warn("complete scrape failed", zap.Error(err))
		return outcomeError
	}
	return outcomeGaveUp
}

// MergeMissing returns the entries of found whose keys are empty or absent
// in existing. Provider-supplied values are never overwritten.
func MergeMissing(existing, found map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range found {
		if v == "" {
			continue
		}
		if existing[k] == "" {
			out[k] = v
		}
	}
	return out
}
