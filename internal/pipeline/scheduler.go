// Package pipeline runs the periodic background jobs: exchange
// reconciliation and the daily object-storage archive.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/metrics"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler runs jobs on six-field cron specs (seconds first). A run that is
// still in progress when its next tick fires is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu    sync.Mutex
	ctx   context.Context
	names []string
}

// NewScheduler creates an empty Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	logger = logger.With(slog.String("component", "scheduler"))
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Add registers job under name.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if _, err := s.cron.AddFunc(spec, func() { s.runJob(name, job) }); err != nil {
		return fmt.Errorf("pipeline: schedule %s %q: %w", name, spec, err)
	}
	s.names = append(s.names, name)
	return nil
}

func (s *Scheduler) runJob(name string, job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	err := job(ctx)
	switch {
	case err == nil:
		metrics.JobRuns.WithLabelValues(name, "ok").Inc()
		s.logger.Debug("job finished", slog.String("job", name), slog.Duration("took", time.Since(start)))
	case errors.Is(err, domain.ErrLockHeld):
		metrics.JobRuns.WithLabelValues(name, "skipped").Inc()
		s.logger.Debug("job skipped, lock held elsewhere", slog.String("job", name))
	case ctx.Err() != nil:
		metrics.JobRuns.WithLabelValues(name, "cancelled").Inc()
	default:
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		s.logger.Error("job failed",
			slog.String("job", name),
			slog.Duration("took", time.Since(start)),
			slog.String("error", err.Error()),
		)
	}
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("scheduler starting", slog.Any("jobs", s.names))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
