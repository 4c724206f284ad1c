package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

// LedgerConfig tunes reservation holds and contention retries.
type LedgerConfig struct {
	// HoldTTL is how long an unbound reservation survives before the sweep
	// releases it.
	HoldTTL     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
}

func (c LedgerConfig) normalized() LedgerConfig {
	if c.HoldTTL <= 0 {
		c.HoldTTL = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 20 * time.Millisecond
	}
	return c
}

// LedgerAlert is the payload published when capacity accounting diverges.
type LedgerAlert struct {
	EventID string             `json:"event_id"`
	Reason  string             `json:"reason"`
	Audit   *model.LedgerAudit `json:"audit,omitempty"`
	At      time.Time          `json:"at"`
}

// CapacityLedger is the only writer of an event's available capacity.
type CapacityLedger struct {
	store  store.LedgerStore
	events Publisher
	logger *slog.Logger
	cfg    LedgerConfig
	now    Clock
}

// NewCapacityLedger constructs a CapacityLedger.
func NewCapacityLedger(s store.LedgerStore, events Publisher, logger *slog.Logger, cfg LedgerConfig, now Clock) *CapacityLedger {
	return &CapacityLedger{
		store:  s,
		events: orPublisher(events),
		logger: orDefault(logger).With("component", "ledger"),
		cfg:    cfg.normalized(),
		now:    orClock(now),
	}
}

func (l *CapacityLedger) mapErr(err error, eventID string) error {
	switch {
	case errors.Is(err, store.ErrCapacityExhausted):
		return model.WrapError(model.KindCapacityExhausted, err, "event %s has insufficient capacity", eventID)
	case errors.Is(err, store.ErrLedgerHalted):
		return model.WrapError(model.KindInconsistentLedgerState, err, "reservations for event %s are halted pending reconciliation", eventID)
	case errors.Is(err, store.ErrNotFound):
		return model.WrapError(model.KindNotFound, err, "event %s has no capacity ledger", eventID)
	case errors.Is(err, store.ErrCapacityBelowHeld):
		return model.WrapError(model.KindInvalidRequest, err, "capacity for event %s is below the quantity currently held", eventID)
	}
	return err
}

// retry runs op until it succeeds, fails with a non-contention error, or
// MaxAttempts is reached. Backoff doubles after each contended attempt.
func (l *CapacityLedger) retry(ctx context.Context, op string, eventID string, fn func() error) error {
	backoff := l.cfg.BaseBackoff
	var err error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, store.ErrContention) {
			return err
		}
		l.logger.Debug("ledger contention", "op", op, "event_id", eventID, "attempt", attempt, "error", err)
		if attempt == l.cfg.MaxAttempts {
			break
		}
		if serr := sleepCtx(ctx, backoff); serr != nil {
			return serr
		}
		backoff *= 2
	}
	return err
}

// Initialize sets an event's capacity. Available becomes capacity minus
// everything currently held.
func (l *CapacityLedger) Initialize(ctx context.Context, eventID string, capacity int) (*model.CapacitySnapshot, error) {
	if capacity < 1 {
		return nil, model.NewError(model.KindInvalidRequest, "capacity must be at least 1")
	}
	snap, err := l.store.InitCapacity(ctx, eventID, capacity, l.now())
	if err != nil {
		return nil, l.mapErr(err, eventID)
	}
	l.logger.Info("capacity initialized", "event_id", eventID, "capacity", snap.Capacity, "available", snap.Available)
	return snap, nil
}

// Reserve atomically takes quantity from the event. It fails without side
// effect when quantity exceeds availability. Persistent contention surfaces
// as exhaustion once the retry budget is spent.
func (l *CapacityLedger) Reserve(ctx context.Context, eventID string, quantity int) (*model.ReservationToken, error) {
	if quantity <= 0 {
		return nil, model.NewError(model.KindInvalidRequest, "quantity must be positive")
	}
	var tok *model.ReservationToken
	err := l.retry(ctx, "reserve", eventID, func() error {
		now := l.now()
		var err error
		tok, err = l.store.Reserve(ctx, eventID, quantity, now.Add(l.cfg.HoldTTL), now)
		return err
	})
	if errors.Is(err, store.ErrContention) {
		return nil, model.WrapError(model.KindCapacityExhausted, err,
			"event %s is contended; gave up after %d attempts", eventID, l.cfg.MaxAttempts)
	}
	if err != nil {
		return nil, l.mapErr(err, eventID)
	}
	return tok, nil
}

// Release returns quantity to the event. Excess above capacity is clamped and
// reported as an inconsistent ledger.
func (l *CapacityLedger) Release(ctx context.Context, eventID string, quantity int) error {
	if quantity <= 0 {
		return nil
	}
	var overflow int
	err := l.retry(ctx, "release", eventID, func() error {
		var err error
		overflow, err = l.store.Release(ctx, eventID, quantity, l.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("release capacity: %w", l.mapErr(err, eventID))
	}
	if overflow > 0 {
		return l.ReportOverflow(ctx, eventID, overflow, "release")
	}
	return nil
}

// ReleaseHold releases one reservation token. Releasing the same token twice
// returns zero the second time.
func (l *CapacityLedger) ReleaseHold(ctx context.Context, tok *model.ReservationToken) (int, error) {
	var released, overflow int
	err := l.retry(ctx, "release_hold", tok.EventID, func() error {
		var err error
		released, overflow, err = l.store.ReleaseHold(ctx, tok.ID, l.now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("release hold %s: %w", tok.ID, l.mapErr(err, tok.EventID))
	}
	if overflow > 0 {
		return released, l.ReportOverflow(ctx, tok.EventID, overflow, "hold "+tok.ID)
	}
	return released, nil
}

// Peek returns the event's current counter.
func (l *CapacityLedger) Peek(ctx context.Context, eventID string) (*model.CapacitySnapshot, error) {
	snap, err := l.store.Peek(ctx, eventID)
	if err != nil {
		return nil, l.mapErr(err, eventID)
	}
	return snap, nil
}

// ReportOverflow halts the event and raises an alert. It always returns an
// inconsistent-ledger error describing the divergence.
func (l *CapacityLedger) ReportOverflow(ctx context.Context, eventID string, overflow int, source string) error {
	reason := fmt.Sprintf("release by %s exceeded capacity by %d", source, overflow)
	l.halt(ctx, eventID, reason, nil)
	return model.NewError(model.KindInconsistentLedgerState, "event %s: %s", eventID, reason)
}

func (l *CapacityLedger) halt(ctx context.Context, eventID, reason string, audit *model.LedgerAudit) {
	if err := l.store.Halt(ctx, eventID, reason, l.now()); err != nil {
		l.logger.Error("halt ledger failed", "event_id", eventID, "error", err)
	}
	l.logger.Error("ledger inconsistent; reservations halted",
		"event_id", eventID, "reason", reason, "kind", model.KindInconsistentLedgerState)
	publish(ctx, l.events, l.logger, EventLedgerInconsistent, LedgerAlert{
		EventID: eventID, Reason: reason, Audit: audit, At: l.now(),
	})
}

// Reconcile checks the counter against bookings and live holds. A mismatch
// halts the event; it is never corrected automatically.
func (l *CapacityLedger) Reconcile(ctx context.Context, eventID string) (*model.LedgerAudit, error) {
	audit, err := l.store.Audit(ctx, eventID)
	if err != nil {
		return nil, l.mapErr(err, eventID)
	}
	if audit.Consistent() {
		return audit, nil
	}
	reason := fmt.Sprintf("available=%d expected=%d (capacity=%d bookings=%d holds=%d)",
		audit.Available, audit.Expected(), audit.Capacity, audit.ActiveBookingQty, audit.UnboundHoldQty)

	snap, err := l.store.Peek(ctx, eventID)
	if err == nil && snap.Halted {
		return audit, model.NewError(model.KindInconsistentLedgerState, "event %s: %s", eventID, reason)
	}
	l.halt(ctx, eventID, reason, audit)
	return audit, model.NewError(model.KindInconsistentLedgerState, "event %s: %s", eventID, reason)
}

// ReconcileAll reconciles every event and returns the diverged ones. One
// event's failure never stops the others from being checked.
func (l *CapacityLedger) ReconcileAll(ctx context.Context) ([]string, error) {
	ids, err := l.store.LedgerEventIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}
	var diverged []string
	for _, id := range ids {
		if _, err := l.Reconcile(ctx, id); err != nil {
			if model.IsKind(err, model.KindInconsistentLedgerState) {
				diverged = append(diverged, id)
				continue
			}
			l.logger.Warn("reconcile failed", "event_id", id, "error", err)
		}
	}
	return diverged, nil
}

// Repair is the operator action that recomputes the counter from records and
// lifts a halt.
func (l *CapacityLedger) Repair(ctx context.Context, eventID string) (*model.CapacitySnapshot, error) {
	snap, err := l.store.Repair(ctx, eventID, l.now())
	if err != nil {
		return nil, l.mapErr(err, eventID)
	}
	l.logger.Warn("ledger repaired by operator", "event_id", eventID, "available", snap.Available)
	return snap, nil
}

// EventIDs lists events that have a ledger row.
func (l *CapacityLedger) EventIDs(ctx context.Context) ([]string, error) {
	return l.store.LedgerEventIDs(ctx)
}

// ReleaseExpiredHolds releases reservations never bound to a booking. It
// returns the events that regained capacity.
func (l *CapacityLedger) ReleaseExpiredHolds(ctx context.Context, limit int) ([]string, error) {
	holds, err := l.store.ExpiredHolds(ctx, l.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	seen := make(map[string]bool)
	var events []string
	for i := range holds {
		released, err := l.ReleaseHold(ctx, &holds[i])
		if err != nil {
			l.logger.Warn("release expired hold failed", "reservation_id", holds[i].ID, "error", err)
			continue
		}
		if released > 0 && !seen[holds[i].EventID] {
			seen[holds[i].EventID] = true
			events = append(events, holds[i].EventID)
		}
	}
	return events, nil
}
