package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/audit"
	"github.com/sells-group/leadpipe/internal/config"
	"github.com/sells-group/leadpipe/internal/customfield"
	"github.com/sells-group/leadpipe/internal/db"
	"github.com/sells-group/leadpipe/internal/enrich"
	"github.com/sells-group/leadpipe/internal/extraction"
	"github.com/sells-group/leadpipe/internal/filter"
	"github.com/sells-group/leadpipe/internal/monitoring"
	"github.com/sells-group/leadpipe/internal/promote"
	"github.com/sells-group/leadpipe/internal/queue"
	"github.com/sells-group/leadpipe/internal/scheduler"
	"github.com/sells-group/leadpipe/internal/scrape"
	"github.com/sells-group/leadpipe/internal/staging"
	"github.com/sells-group/leadpipe/pkg/enrichment"
	"github.com/sells-group/leadpipe/pkg/google"
)

// appEnv holds the database pool, queue and stores shared by all commands.
type appEnv struct {
	Pool        db.Pool
	Queue       queue.Queue
	Audit       *audit.Logger
	AuditWriter *audit.PostgresWriter
	Runs        *extraction.PostgresStore
	Staging     *staging.PostgresStore
	Service     *extraction.Service

	closers []func()
}

// Close releases the queue and pool.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initEnv validates cfg for mode, connects to Postgres, applies migrations
// and opens the configured queue. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "connect store")
	}
	env := &appEnv{Pool: pool, closers: []func(){pool.Close}}

	if err := db.Migrate(ctx, pool); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	q, closeQueue, err := openQueue(ctx, cfg.Queue, pool)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closeQueue != nil {
		env.closers = append(env.closers, closeQueue)
	}

	env.wire(q)
	return env, nil
}

// wire builds the stores on top of an open pool and queue.
func (e *appEnv) wire(q queue.Queue) {
	e.Queue = q
	e.AuditWriter = audit.NewPostgresWriter(e.Pool)
	e.Audit = audit.NewLogger(e.AuditWriter)
	e.Runs = extraction.NewPostgresStore(e.Pool)
	e.Staging = staging.NewPostgresStore(e.Pool)
	e.Service = extraction.NewService(e.Runs, q, e.Audit)
}

func openQueue(ctx context.Context, qc config.QueueConfig, pool db.Pool) (queue.Queue, func(), error) {
	switch qc.Driver {
	case "", "postgres":
		return queue.NewPostgres(pool), nil, nil
	case "sqlite":
		sq, err := queue.NewSQLite(ctx, qc.SQLitePath)
		if err != nil {
			return nil, nil, eris.Wrap(err, "open sqlite queue")
		}
		zap.L().Info("using sqlite queue", zap.String("path", qc.SQLitePath))
		return sq, func() { _ = sq.Close() }, nil
	default:
		return nil, nil, eris.Errorf("unknown queue driver %q", qc.Driver)
	}
}

// Stage names accepted by `sweep` and registered with the scheduler.
const (
	stageOrchestrate   = "orchestrate"
	stageScrape        = "scrape"
	stageFilter        = "filter"
	stageEnrichEnqueue = "enrich-enqueue"
	stageEnrich        = "enrich"
	stageMigrate       = "migrate"
	stageWatchdog      = "watchdog"
)

// pipelineJobs builds one job per stage, in pipeline order.
func (e *appEnv) pipelineJobs() []scheduler.Job {
	pc := cfg.Pipeline
	sc := cfg.Scheduler

	googleOpts := []google.Option{
		google.WithHTTPClient(&http.Client{Timeout: seconds(cfg.Google.TimeoutSecs)}),
		google.WithRateLimit(cfg.Google.RateLimit),
	}
	if cfg.Google.BaseURL != "" {
		googleOpts = append(googleOpts, google.WithBaseURL(cfg.Google.BaseURL))
	}
	orch := extraction.NewOrchestrator(e.Runs, e.Staging, google.NewClient(cfg.Google.Key, googleOpts...), e.Audit,
		extraction.OrchestratorConfig{
			MaxPagesPerRun: pc.MaxPagesPerRun,
			CreditsPerPage: pc.CreditsPerPage,
			RetryBackoff:   time.Duration(pc.SearchRetryBackoffMs) * time.Millisecond,
		})
	runConsumer := orch.NewConsumer(e.Queue, pc.RunVisibility(), pc.RunMaxDeliveries)

	scraper := scrape.NewHTTPScraper(scrape.HTTPConfig{
		Timeout:   seconds(cfg.Scrape.TimeoutSecs),
		UserAgent: cfg.Scrape.UserAgent,
	})
	scrapeSweeper := scrape.NewSweeper(e.Staging, e.Runs, scraper, e.Audit, scrape.SweepConfig{
		BatchSize:   pc.ScrapeBatchSize,
		MaxAttempts: cfg.Scrape.MaxAttempts,
		Concurrency: cfg.Scrape.Concurrency,
	})

	filterSweeper := filter.NewSweeper(e.Staging, e.Runs, e.Audit, pc.FilterBatchSize)

	enqueuer := enrich.NewEnqueuer(e.Staging, e.Runs, e.Queue, pc.EnrichBatchSize)
	enrichClient := enrichment.NewClient(cfg.Enrichment.Key, cfg.Enrichment.BaseURL,
		enrichment.WithTimeout(seconds(cfg.Enrichment.TimeoutSecs)))
	worker := enrich.NewWorker(e.Staging, enrichClient, e.Audit)
	enrichConsumer := worker.NewConsumer(e.Queue, pc.EnrichVisibility(), pc.EnrichBatchSize, pc.EnrichConcurrency, 1)

	committer := promote.NewCommitter(e.Pool, e.Staging, e.Runs, customfield.NewRegistry(e.Pool), e.Audit)

	health := &monitoring.Health{
		Watchdog:  monitoring.NewWatchdog(e.Runs, e.Staging, e.Queue, e.Audit, pc.StuckAfter()),
		Collector: monitoring.NewCollector(e.Queue, e.Audit, extraction.QueueRuns, enrich.QueueEnrichment),
		Alerter:   monitoring.NewAlerter(cfg.Monitoring),
	}

	return []scheduler.Job{
		{Name: stageOrchestrate, Spec: sc.Orchestrate, Run: func(ctx context.Context) error {
			res, err := runConsumer.ProcessBatch(ctx, orch.Handle)
			logBatch(stageOrchestrate, res)
			return err
		}},
		{Name: stageScrape, Spec: sc.Scrape, Run: func(ctx context.Context) error {
			_, err := scrapeSweeper.Sweep(ctx)
			return err
		}},
		{Name: stageFilter, Spec: sc.Filter, Run: func(ctx context.Context) error {
			_, err := filterSweeper.Sweep(ctx)
			return err
		}},
		{Name: stageEnrichEnqueue, Spec: sc.EnrichEnqueue, Run: func(ctx context.Context) error {
			_, err := enqueuer.Sweep(ctx)
			return err
		}},
		{Name: stageEnrich, Spec: sc.Enrich, Run: func(ctx context.Context) error {
			res, err := enrichConsumer.ProcessBatch(ctx, worker.Handle)
			logBatch(stageEnrich, res)
			return err
		}},
		{Name: stageMigrate, Spec: sc.Migrate, Run: func(ctx context.Context) error {
			_, err := committer.Sweep(ctx, pc.MigrateBatchSize)
			return err
		}},
		{Name: stageWatchdog, Spec: sc.Watchdog, Run: func(ctx context.Context) error {
			_, err := health.Run(ctx)
			return err
		}},
	}
}

func logBatch(stage string, res queue.BatchResult) {
	if res.Leased == 0 {
		return
	}
	zap.L().Info("batch processed",
		zap.String("stage", stage),
		zap.Int("leased", res.Leased),
		zap.Int("acked", res.Acked),
		zap.Int("archived", res.Archived),
		zap.Int("retrying", res.Retrying),
		zap.Int("exhausted", res.Exhausted),
	)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
