package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/config"
	"github.com/sells-group/leadpipe/internal/queue"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testConfig() *config.Config {
	return &config.Config{
		Google:     config.GoogleConfig{Key: "g-key", RateLimit: 5, TimeoutSecs: 10},
		Scrape:     config.ScrapeConfig{TimeoutSecs: 5, MaxAttempts: 3, Concurrency: 2},
		Enrichment: config.EnrichmentConfig{Key: "e-key", BaseURL: "http://enrich.local", TimeoutSecs: 5},
		Pipeline: config.PipelineConfig{
			ScrapeBatchSize: 10, FilterBatchSize: 10, EnrichBatchSize: 10, MigrateBatchSize: 10,
			RunVisibilitySecs: 60, EnrichVisibilitySecs: 30, RunMaxDeliveries: 3, EnrichConcurrency: 2,
			MaxPagesPerRun: 5, CreditsPerPage: 1, StuckAfterMins: 15,
		},
		Scheduler: config.SchedulerConfig{
			Orchestrate: "@every 30s", Scrape: "@every 30s", Filter: "@every 30s",
			EnrichEnqueue: "@every 30s", Enrich: "@every 30s", Migrate: "@every 30s",
			Watchdog: "@every 5m",
		},
	}
}

func TestPipelineJobs_OrderAndSpecs(t *testing.T) {
	cfg = testConfig()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q, err := queue.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	defer q.Close() //nolint:errcheck

	env := &appEnv{Pool: mock}
	env.wire(q)
	jobs := env.pipelineJobs()

	var names []string
	for _, j := range jobs {
		names = append(names, j.Name)
		assert.NotNil(t, j.Run, j.Name)
	}
	assert.Equal(t, stageNames, names)

	wd, err := findJob(jobs, stageWatchdog)
	require.NoError(t, err)
	assert.Equal(t, "@every 5m", wd.Spec)

	_, err = findJob(jobs, "nope")
	assert.Error(t, err)
}

func TestPipelineJobs_OrchestrateOnEmptyQueue(t *testing.T) {
	cfg = testConfig()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q, err := queue.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	defer q.Close() //nolint:errcheck

	env := &appEnv{Pool: mock}
	env.wire(q)
	job, err := findJob(env.pipelineJobs(), stageOrchestrate)
	require.NoError(t, err)

	require.NoError(t, job.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenQueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q, closeFn, err := openQueue(context.Background(), config.QueueConfig{Driver: "postgres"}, mock)
	require.NoError(t, err)
	assert.IsType(t, &queue.PostgresQueue{}, q)
	assert.Nil(t, closeFn)

	q, closeFn, err = openQueue(context.Background(), config.QueueConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "q.db"),
	}, mock)
	require.NoError(t, err)
	assert.IsType(t, &queue.SQLiteQueue{}, q)
	require.NotNil(t, closeFn)
	closeFn()

	_, _, err = openQueue(context.Background(), config.QueueConfig{Driver: "kafka"}, mock)
	assert.Error(t, err)
}

func TestAppEnv_CloseRunsInReverse(t *testing.T) {
	var order []int
	env := &appEnv{closers: []func(){
		func() { order = append(order, 1) },
		func() { order = append(order, 2) },
	}}
	env.Close()
	assert.Equal(t, []int{2, 1}, order)
}
