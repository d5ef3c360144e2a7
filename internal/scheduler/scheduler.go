// Package scheduler drives the pipeline sweeps on cron schedules inside a
// single worker process.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job is one named sweep.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler wraps robfig/cron. Jobs never overlap with themselves and a
// panicking job is recovered and logged.
type Scheduler struct {
	cron *cron.Cron
	jobs []registered

	mu      sync.Mutex
	ctx     context.Context
	initial sync.WaitGroup
}

type registered struct {
	name string
	id   cron.EntryID
}

// New creates an empty Scheduler.
func New() *Scheduler {
	logger := zapLogger{log: zap.L().With(zap.String("component", "scheduler")).Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx: context.Background(),
	}
}

// Add registers a job. A job with an empty spec is skipped.
func (s *Scheduler) Add(j Job) error {
	if j.Spec == "" {
		zap.L().Info("scheduler: job disabled", zap.String("job", j.Name))
		return nil
	}
	id, err := s.cron.AddFunc(j.Spec, func() { s.run(j) })
	if err != nil {
		return eris.Wrapf(err, "scheduler: add %s (%q)", j.Name, j.Spec)
	}
	s.jobs = append(s.jobs, registered{name: j.Name, id: id})
	return nil
}

// Jobs returns the names of the registered jobs in registration order.
func (s *Scheduler) Jobs() []string {
	out := make([]string, len(s.jobs))
	for i, r := range s.jobs {
		out[i] = r.name
	}
	return out
}

// Start runs every job once right away, then on its schedule. Jobs receive
// ctx; cancelling it stops in-flight work but not the schedule.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	for _, r := range s.jobs {
		wrapped := s.cron.Entry(r.id).WrappedJob
		s.initial.Add(1)
		go func() {
			defer s.initial.Done()
			wrapped.Run()
		}()
	}
	s.cron.Start()
	zap.L().Info("scheduler: started", zap.Strings("jobs", s.Jobs()))
}

// Stop halts the schedule and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	initialDone := make(chan struct{})
	go func() {
		s.initial.Wait()
		close(initialDone)
	}()

	for _, done := range []<-chan struct{}{cronDone.Done(), initialDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "scheduler: stop")
		}
	}
	zap.L().Info("scheduler: stopped")
	return nil
}

func (s *Scheduler) run(j Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	log := zap.L().With(zap.String("component", "scheduler"), zap.String("job", j.Name))
	if err := j.Run(ctx); err != nil {
		log.Error("job failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	log.Debug("job done", zap.Duration("elapsed", time.Since(start)))
}

// zapLogger adapts zap to cron.Logger.
type zapLogger struct {
	log *zap.SugaredLogger
}

func (l zapLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l zapLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
