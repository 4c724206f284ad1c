package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeps struct {
	expire, orphans, waitlist, purge, reconcile, promote atomic.Int32
}

func (c *countingSweeps) ExpirePending(context.Context) error {
	c.expire.Add(1)
	return nil
}

func (c *countingSweeps) ReleaseOrphanHolds(context.Context) error {
	c.orphans.Add(1)
	return nil
}

func (c *countingSweeps) ExpireWaitlist(context.Context) error {
	c.waitlist.Add(1)
	return nil
}

func (c *countingSweeps) PurgeIdempotency(context.Context) error {
	c.purge.Add(1)
	return nil
}

func (c *countingSweeps) Reconcile(context.Context) error {
	c.reconcile.Add(1)
	return errors.New("diverged")
}

func (c *countingSweeps) PromoteAll(context.Context) error {
	c.promote.Add(1)
	return nil
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_EmptyAndInvalidSpecsAreSkipped(t *testing.T) {
	s := New(&countingSweeps{}, quiet(), Schedules{
		ExpirePending: "@every 30s",
		OrphanHolds:   "not a schedule",
		Reconcile:     "@every 5m",
	}, time.Second)
	s.Start()
	defer s.Stop()

	assert.Equal(t, 2, s.Entries())
}

func TestScheduler_RunsJobs(t *testing.T) {
	sweeps := &countingSweeps{}
	s := New(sweeps, quiet(), Schedules{ExpirePending: "@every 1s", Reconcile: "@every 1s"}, time.Second)
	s.Start()

	require.Eventually(t, func() bool {
		return sweeps.expire.Load() > 0 && sweeps.reconcile.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	<-s.Stop().Done()
	assert.Zero(t, sweeps.purge.Load())
}

func TestScheduler_JobContextHasDeadline(t *testing.T) {
	s := New(&countingSweeps{}, quiet(), Schedules{}, 50*time.Millisecond)

	var hadDeadline bool
	s.job("deadline", func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	})()
	assert.True(t, hadDeadline)
}
