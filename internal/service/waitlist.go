package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

// WaitlistExpired is the payload published when an entry times out.
type WaitlistExpired struct {
	EventID  string    `json:"event_id"`
	UserID   string    `json:"user_id"`
	Quantity int       `json:"quantity"`
	At       time.Time `json:"at"`
}

// WaitlistQueue orders users waiting for capacity on a full event. Order is
// the store's sequence, never the order promotions happen to run in.
type WaitlistQueue struct {
	store  store.WaitlistStore
	events Publisher
	logger *slog.Logger
	ttl    time.Duration
	now    Clock
}

// DefaultWaitlistTTL is how long an entry waits when no ttl is configured.
const DefaultWaitlistTTL = 72 * time.Hour

// NewWaitlistQueue constructs a WaitlistQueue. A non-positive ttl falls back
// to DefaultWaitlistTTL; every entry carries a real expiry.
func NewWaitlistQueue(s store.WaitlistStore, events Publisher, logger *slog.Logger, ttl time.Duration, now Clock) *WaitlistQueue {
	if ttl <= 0 {
		ttl = DefaultWaitlistTTL
	}
	return &WaitlistQueue{
		store:  s,
		events: orPublisher(events),
		logger: orDefault(logger).With("component", "waitlist"),
		ttl:    ttl,
		now:    orClock(now),
	}
}

// Enroll appends the user to the event's queue and returns the entry with its
// 1-based position.
func (q *WaitlistQueue) Enroll(ctx context.Context, eventID, userID string, quantity int) (*model.WaitlistEntry, int, error) {
	if quantity <= 0 {
		return nil, 0, model.NewError(model.KindInvalidRequest, "quantity must be positive")
	}
	now := q.now()
	e := &model.WaitlistEntry{
		ID:         uuid.New().String(),
		EventID:    eventID,
		UserID:     userID,
		Quantity:   quantity,
		EnrolledAt: now,
		ExpiresAt:  now.Add(q.ttl),
	}
	if err := q.store.Enroll(ctx, e); err != nil {
		if errors.Is(err, store.ErrAlreadyEnrolled) {
			return nil, 0, model.WrapError(model.KindAlreadyEnrolled, err, "user already waiting for event %s", eventID)
		}
		return nil, 0, fmt.Errorf("enroll on waitlist: %w", err)
	}
	pos, err := q.store.Position(ctx, eventID, userID, now)
	if err != nil {
		return nil, 0, fmt.Errorf("waitlist position: %w", err)
	}
	q.logger.Info("waitlist enrolled", "event_id", eventID, "user_id", userID, "quantity", quantity, "position", pos)
	return e, pos, nil
}

// NextEligible returns the earliest entry whose quantity fits available. It
// skips entries that do not fit and never removes anything.
func (q *WaitlistQueue) NextEligible(ctx context.Context, eventID string, available int) (*model.WaitlistEntry, error) {
	if available <= 0 {
		return nil, nil
	}
	e, err := q.store.NextEligible(ctx, eventID, available, q.now())
	if err != nil {
		return nil, fmt.Errorf("next eligible waitlist entry: %w", err)
	}
	return e, nil
}

// Remove deletes the user's entry. Removing an absent entry is not an error.
func (q *WaitlistQueue) Remove(ctx context.Context, eventID, userID string) (bool, error) {
	ok, err := q.store.Remove(ctx, eventID, userID)
	if err != nil {
		return false, fmt.Errorf("remove waitlist entry: %w", err)
	}
	return ok, nil
}

// Restore puts a removed entry back at its original Seq so it keeps its place.
func (q *WaitlistQueue) Restore(ctx context.Context, e *model.WaitlistEntry) error {
	if err := q.store.Enroll(ctx, e); err != nil {
		return fmt.Errorf("restore waitlist entry: %w", err)
	}
	return nil
}

// Position returns the user's 1-based rank among live entries.
func (q *WaitlistQueue) Position(ctx context.Context, eventID, userID string) (int, error) {
	pos, err := q.store.Position(ctx, eventID, userID, q.now())
	if errors.Is(err, store.ErrNotFound) {
		return 0, model.WrapError(model.KindNotFound, err, "user is not waiting for event %s", eventID)
	}
	if err != nil {
		return 0, fmt.Errorf("waitlist position: %w", err)
	}
	return pos, nil
}

// Entries lists live entries in queue order.
func (q *WaitlistQueue) Entries(ctx context.Context, eventID string) ([]model.WaitlistEntry, error) {
	return q.store.Entries(ctx, eventID, q.now())
}

// ExpireStale removes entries past their expiry and returns the events whose
// queue changed.
func (q *WaitlistQueue) ExpireStale(ctx context.Context) ([]string, error) {
	removed, err := q.store.RemoveExpired(ctx, q.now())
	if err != nil {
		return nil, fmt.Errorf("remove expired waitlist entries: %w", err)
	}
	seen := make(map[string]bool)
	var events []string
	for _, e := range removed {
		q.logger.Info("waitlist entry expired", "event_id", e.EventID, "user_id", e.UserID)
		publish(ctx, q.events, q.logger, EventWaitlistExpired, WaitlistExpired{
			EventID: e.EventID, UserID: e.UserID, Quantity: e.Quantity, At: q.now(),
		})
		if !seen[e.EventID] {
			seen[e.EventID] = true
			events = append(events, e.EventID)
		}
	}
	return events, nil
}
