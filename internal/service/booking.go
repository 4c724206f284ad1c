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

// allowedFrom lists, per target state, the states it may be entered from. No
// target lists itself, so repeating a transition is a no-op.
var allowedFrom = map[model.BookingStatus][]model.BookingStatus{
	model.BookingConfirmed: {model.BookingPending},
	model.BookingCancelled: {model.BookingPending, model.BookingConfirmed},
}

// BookingEvent is the payload published on booking transitions.
type BookingEvent struct {
	BookingID string              `json:"booking_id"`
	EventID   string              `json:"event_id"`
	UserID    string              `json:"user_id"`
	Quantity  int                 `json:"quantity"`
	Status    model.BookingStatus `json:"status"`
	Reason    string              `json:"reason,omitempty"`
	At        time.Time           `json:"at"`
}

// ReleaseHook runs after a cancellation returned capacity to an event.
type ReleaseHook func(ctx context.Context, eventID string)

// BookingStateMachine owns every booking status change.
type BookingStateMachine struct {
	store      store.BookingStore
	ledger     *CapacityLedger
	events     Publisher
	logger     *slog.Logger
	pendingTTL time.Duration
	now        Clock
	onRelease  ReleaseHook
}

// NewBookingStateMachine constructs a BookingStateMachine. pendingTTL is the
// payment window of a PENDING booking.
func NewBookingStateMachine(s store.BookingStore, ledger *CapacityLedger, events Publisher, logger *slog.Logger, pendingTTL time.Duration, now Clock) *BookingStateMachine {
	if pendingTTL <= 0 {
		pendingTTL = 15 * time.Minute
	}
	return &BookingStateMachine{
		store:      s,
		ledger:     ledger,
		events:     orPublisher(events),
		logger:     orDefault(logger).With("component", "booking"),
		pendingTTL: pendingTTL,
		now:        orClock(now),
	}
}

// SetReleaseHook installs the callback run after capacity is released. The
// admission wiring points it at waitlist promotion.
func (m *BookingStateMachine) SetReleaseHook(fn ReleaseHook) {
	m.onRelease = fn
}

// OpenParams describes a booking to create against a live reservation.
type OpenParams struct {
	Event          *model.Event
	UserID         string
	Quantity       int
	IdempotencyKey string
	Token          *model.ReservationToken
}

// Open creates a PENDING booking bound to the reservation token.
func (m *BookingStateMachine) Open(ctx context.Context, p OpenParams) (*model.Booking, error) {
	now := m.now()
	b := &model.Booking{
		ID:              uuid.New().String(),
		EventID:         p.Event.ID,
		UserID:          p.UserID,
		Quantity:        p.Quantity,
		TotalPriceCents: p.Event.PriceCents * int64(p.Quantity),
		Status:          model.BookingPending,
		IdempotencyKey:  p.IdempotencyKey,
		ReservationID:   p.Token.ID,
		ExpiresAt:       now.Add(m.pendingTTL),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateBooking(ctx, b); err != nil {
		if errors.Is(err, store.ErrHoldNotLive) {
			return nil, model.WrapError(model.KindReservationExpired, err, "reservation %s is no longer held", p.Token.ID)
		}
		return nil, fmt.Errorf("create booking: %w", err)
	}
	m.logger.Info("booking opened",
		"booking_id", b.ID, "event_id", b.EventID, "user_id", b.UserID,
		"quantity", b.Quantity, "expires_at", b.ExpiresAt)
	return b, nil
}

// Get loads a booking.
func (m *BookingStateMachine) Get(ctx context.Context, id string) (*model.Booking, error) {
	b, err := m.store.GetBooking(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.WrapError(model.KindNotFound, err, "booking %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

// FindByKey returns the most recent booking a user opened with key.
func (m *BookingStateMachine) FindByKey(ctx context.Context, userID, key string) (*model.Booking, error) {
	b, err := m.store.FindBookingByKey(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// History returns the booking's transition trail, oldest first.
func (m *BookingStateMachine) History(ctx context.Context, id string) ([]model.BookingAudit, error) {
	return m.store.AuditTrail(ctx, id)
}

func (m *BookingStateMachine) transition(ctx context.Context, id string, from []model.BookingStatus, to model.BookingStatus, reason string) (*model.TransitionResult, error) {
	res, err := m.store.Transition(ctx, id, from, to, reason, m.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.WrapError(model.KindNotFound, err, "booking %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("transition booking %s to %s: %w", id, to, err)
	}
	return res, nil
}

// Confirm drives PENDING to CONFIRMED. Capacity stays reserved. A PENDING
// booking past its payment window is cancelled instead and the call fails
// with reservation_expired.
func (m *BookingStateMachine) Confirm(ctx context.Context, id string) (*model.TransitionResult, error) {
	b, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status == model.BookingPending && !b.ExpiresAt.After(m.now()) {
		res, err := m.CancelPending(ctx, id, model.ReasonReservationExpired)
		if err != nil {
			return nil, err
		}
		return res, model.NewError(model.KindReservationExpired, "booking %s expired before payment completed", id)
	}

	res, err := m.transition(ctx, id, allowedFrom[model.BookingConfirmed], model.BookingConfirmed, model.ReasonPaymentCompleted)
	if err != nil {
		return nil, err
	}
	if res.Changed {
		b := res.Booking
		m.logger.Info("booking confirmed", "booking_id", b.ID, "event_id", b.EventID)
		publish(ctx, m.events, m.logger, EventBookingConfirmed, m.eventOf(b, ""))
	}
	return res, nil
}

// Cancel drives PENDING or CONFIRMED to CANCELLED. The booking's hold is
// released in the same store transaction, so repeating the call releases
// nothing.
func (m *BookingStateMachine) Cancel(ctx context.Context, id, reason string) (*model.TransitionResult, error) {
	return m.cancel(ctx, id, allowedFrom[model.BookingCancelled], reason)
}

// CancelPending cancels only a booking that has not been paid.
func (m *BookingStateMachine) CancelPending(ctx context.Context, id, reason string) (*model.TransitionResult, error) {
	return m.cancel(ctx, id, []model.BookingStatus{model.BookingPending}, reason)
}

// Refund cancels a CONFIRMED booking after the payment was returned.
func (m *BookingStateMachine) Refund(ctx context.Context, id string) (*model.TransitionResult, error) {
	return m.cancel(ctx, id, []model.BookingStatus{model.BookingConfirmed}, model.ReasonRefunded)
}

func (m *BookingStateMachine) cancel(ctx context.Context, id string, from []model.BookingStatus, reason string) (*model.TransitionResult, error) {
	res, err := m.transition(ctx, id, from, model.BookingCancelled, reason)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return res, nil
	}

	b := res.Booking
	m.logger.Info("booking cancelled",
		"booking_id", b.ID, "event_id", b.EventID, "reason", reason, "released", res.Released)
	if res.Overflow > 0 {
		// The cancel is committed; the divergence is surfaced as an alert.
		_ = m.ledger.ReportOverflow(ctx, b.EventID, res.Overflow, "booking "+b.ID)
	}
	publish(ctx, m.events, m.logger, EventBookingCancelled, m.eventOf(b, reason))
	if res.Released > 0 && m.onRelease != nil {
		m.onRelease(ctx, b.EventID)
	}
	return res, nil
}

// ExpirePending cancels PENDING bookings whose payment window has passed and
// returns how many it cancelled.
func (m *BookingStateMachine) ExpirePending(ctx context.Context, limit int) (int, error) {
	expired, err := m.store.ExpiredPending(ctx, m.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired bookings: %w", err)
	}
	n := 0
	for _, b := range expired {
		res, err := m.CancelPending(ctx, b.ID, model.ReasonReservationExpired)
		if err != nil {
			m.logger.Warn("expire booking failed", "booking_id", b.ID, "error", err)
			continue
		}
		if res.Changed {
			n++
		}
	}
	return n, nil
}

func (m *BookingStateMachine) eventOf(b *model.Booking, reason string) BookingEvent {
	return BookingEvent{
		BookingID: b.ID,
		EventID:   b.EventID,
		UserID:    b.UserID,
		Quantity:  b.Quantity,
		Status:    b.Status,
		Reason:    reason,
		At:        m.now(),
	}
}
