// Package scheduler runs the admission sweeps on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeps is the set of maintenance passes the scheduler drives.
type Sweeps interface {
	ExpirePending(ctx context.Context) error
	ReleaseOrphanHolds(ctx context.Context) error
	ExpireWaitlist(ctx context.Context) error
	PurgeIdempotency(ctx context.Context) error
	Reconcile(ctx context.Context) error
	PromoteAll(ctx context.Context) error
}

// Schedules holds one cron spec per job. An empty spec disables the job.
type Schedules struct {
	ExpirePending    string
	OrphanHolds      string
	WaitlistExpiry   string
	IdempotencyPurge string
	Reconcile        string
	Promotion        string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	sweeps    Sweeps
	logger    *slog.Logger
	schedules Schedules
	timeout   time.Duration
}

// New creates a scheduler. Each job run gets its own context bounded by
// timeout.
func New(sweeps Sweeps, logger *slog.Logger, schedules Schedules, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return &Scheduler{
		cron:      c,
		sweeps:    sweeps,
		logger:    logger.With("component", "scheduler"),
		schedules: schedules,
		timeout:   timeout,
	}
}

func (s *Scheduler) job(name string, fn func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.logger.Error("job failed", "job", name, "error", err)
			return
		}
		s.logger.Debug("job finished", "job", name, "duration", time.Since(start))
	}
}

func (s *Scheduler) add(name, spec string, fn func(context.Context) error) {
	if spec == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(spec, s.job(name, fn)); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.add("expire_pending", s.schedules.ExpirePending, s.sweeps.ExpirePending)
	s.add("orphan_holds", s.schedules.OrphanHolds, s.sweeps.ReleaseOrphanHolds)
	s.add("waitlist_expiry", s.schedules.WaitlistExpiry, s.sweeps.ExpireWaitlist)
	s.add("idempotency_purge", s.schedules.IdempotencyPurge, s.sweeps.PurgeIdempotency)
	s.add("reconcile", s.schedules.Reconcile, s.sweeps.Reconcile)
	s.add("promotion", s.schedules.Promotion, s.sweeps.PromoteAll)
	s.cron.Start()
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop stops the scheduler. The returned context is done once running jobs
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
