package service

import (
	"context"
	"log/slog"
)

// sweepBatch caps how many rows one sweep touches per run.
const sweepBatch = 500

// Sweeper holds the background maintenance passes. Every pass is idempotent,
// so running it on several workers at once is safe.
type Sweeper struct {
	ledger   *CapacityLedger
	bookings *BookingStateMachine
	waitlist *WaitlistQueue
	guard    *IdempotencyGuard
	promoter *Promoter
	logger   *slog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(ledger *CapacityLedger, bookings *BookingStateMachine, waitlist *WaitlistQueue, guard *IdempotencyGuard, promoter *Promoter, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		ledger:   ledger,
		bookings: bookings,
		waitlist: waitlist,
		guard:    guard,
		promoter: promoter,
		logger:   orDefault(logger).With("component", "sweeper"),
	}
}

// ExpirePending cancels PENDING bookings past their payment window. Each
// cancellation promotes through the booking release hook.
func (s *Sweeper) ExpirePending(ctx context.Context) error {
	n, err := s.bookings.ExpirePending(ctx, sweepBatch)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("expired pending bookings", "count", n)
	}
	return nil
}

// ReleaseOrphanHolds returns capacity from reservations that never became a
// booking, then promotes on the events that regained seats.
func (s *Sweeper) ReleaseOrphanHolds(ctx context.Context) error {
	events, err := s.ledger.ReleaseExpiredHolds(ctx, sweepBatch)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		s.logger.Info("released orphan holds", "events", len(events))
		s.promoter.PromoteAll(ctx, events)
	}
	return nil
}

// ExpireWaitlist drops timed-out entries and offers their place to whoever
// is next.
func (s *Sweeper) ExpireWaitlist(ctx context.Context) error {
	events, err := s.waitlist.ExpireStale(ctx)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		s.promoter.PromoteAll(ctx, events)
	}
	return nil
}

// PurgeIdempotency deletes expired idempotency records.
func (s *Sweeper) PurgeIdempotency(ctx context.Context) error {
	n, err := s.guard.Purge(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("purged idempotency records", "count", n)
	}
	return nil
}

// Reconcile audits every event's ledger. Diverged events are halted and
// alerted by the ledger.
func (s *Sweeper) Reconcile(ctx context.Context) error {
	diverged, err := s.ledger.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	if len(diverged) > 0 {
		s.logger.Error("ledger reconciliation found divergence", "events", diverged)
	}
	return nil
}

// PromoteAll runs promotion on every event so a missed release hook is
// eventually caught up.
func (s *Sweeper) PromoteAll(ctx context.Context) error {
	ids, err := s.ledger.EventIDs(ctx)
	if err != nil {
		return err
	}
	if n := s.promoter.PromoteAll(ctx, ids); n > 0 {
		s.logger.Info("promoted waitlist entries", "count", n)
	}
	return nil
}
