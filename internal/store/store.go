// Package store declares the persistence contracts the admission core depends
// on. The repository package implements them on PostgreSQL and the memstore
// package implements them in process.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrCapacityExhausted is returned when a reservation exceeds availability.
var ErrCapacityExhausted = errors.New("capacity exhausted")

// ErrAlreadyEnrolled is returned when a user already has a waitlist entry.
var ErrAlreadyEnrolled = errors.New("already enrolled on waitlist")

// ErrLedgerHalted is returned when reservations are suspended for an event
// pending reconciliation.
var ErrLedgerHalted = errors.New("ledger halted")

// ErrContention marks a transient serialization or lock failure that may be
// retried.
var ErrContention = errors.New("store contention")

// ErrCapacityBelowHeld is returned when a capacity change would strand held
// quantity.
var ErrCapacityBelowHeld = errors.New("capacity below held quantity")

// ErrHoldNotLive is returned when binding a reservation that was already
// released or bound.
var ErrHoldNotLive = errors.New("reservation hold is not live")

// EventStore is the read side of the event catalogue plus operator creation.
type EventStore interface {
	CreateEvent(ctx context.Context, e *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context) ([]model.Event, error)
}

// LedgerStore owns the available-capacity counter and reservation holds.
// Reserve and the release methods are atomic per event.
type LedgerStore interface {
	InitCapacity(ctx context.Context, eventID string, capacity int, now time.Time) (*model.CapacitySnapshot, error)
	Reserve(ctx context.Context, eventID string, quantity int, holdUntil, now time.Time) (*model.ReservationToken, error)
	// Release returns quantity to the counter, clamping at capacity. The
	// clamped excess is returned as overflow.
	Release(ctx context.Context, eventID string, quantity int, now time.Time) (overflow int, err error)
	// ReleaseHold releases an unbound or bound hold exactly once.
	ReleaseHold(ctx context.Context, reservationID string, now time.Time) (released, overflow int, err error)
	Peek(ctx context.Context, eventID string) (*model.CapacitySnapshot, error)
	ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.ReservationToken, error)
	Audit(ctx context.Context, eventID string) (*model.LedgerAudit, error)
	Halt(ctx context.Context, eventID, reason string, now time.Time) error
	// Repair recomputes the counter from bookings and holds and clears a halt.
	Repair(ctx context.Context, eventID string, now time.Time) (*model.CapacitySnapshot, error)
	LedgerEventIDs(ctx context.Context) ([]string, error)
}

// BookingStore persists bookings. Status changes are compare-and-set; a change
// to CANCELLED releases the booking's hold in the same atomic unit.
type BookingStore interface {
	// CreateBooking inserts b and binds b.ReservationID to it.
	CreateBooking(ctx context.Context, b *model.Booking) error
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	FindBookingByKey(ctx context.Context, userID, key string) (*model.Booking, error)
	Transition(ctx context.Context, id string, from []model.BookingStatus, to model.BookingStatus, reason string, now time.Time) (*model.TransitionResult, error)
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Booking, error)
	AuditTrail(ctx context.Context, bookingID string) ([]model.BookingAudit, error)
}

// IdempotencyStore persists (user, key) → booking mappings.
type IdempotencyStore interface {
	// Claim inserts a provisional record unless a live one exists. A record is
	// reclaimable when it has expired, or when it is still provisional and
	// older than staleBefore. fresh is false when an existing record is
	// returned.
	Claim(ctx context.Context, userID, key string, now, expiresAt, staleBefore time.Time) (rec *model.IdempotencyRecord, fresh bool, err error)
	Bind(ctx context.Context, userID, key, bookingID string) error
	// Abandon deletes the record if it is still provisional.
	Abandon(ctx context.Context, userID, key string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// WaitlistStore persists FIFO waitlist entries ordered by Seq.
type WaitlistStore interface {
	Enroll(ctx context.Context, e *model.WaitlistEntry) error
	// NextEligible returns the first live entry, in Seq order, whose quantity
	// fits available. It returns nil when none fits.
	NextEligible(ctx context.Context, eventID string, available int, now time.Time) (*model.WaitlistEntry, error)
	Remove(ctx context.Context, eventID, userID string) (bool, error)
	Position(ctx context.Context, eventID, userID string, now time.Time) (int, error)
	Entries(ctx context.Context, eventID string, now time.Time) ([]model.WaitlistEntry, error)
	RemoveExpired(ctx context.Context, now time.Time) ([]model.WaitlistEntry, error)
}

// PaymentStore persists payment intents, one per booking.
type PaymentStore interface {
	CreateIntent(ctx context.Context, p *model.PaymentIntent) error
	IntentByBooking(ctx context.Context, bookingID string) (*model.PaymentIntent, error)
	UpdateIntentStatus(ctx context.Context, bookingID string, status model.PaymentStatus, providerRef string, now time.Time) (*model.PaymentIntent, error)
	// MarkRefundRequested stamps the intent's refund marker and reports
	// whether this call set it. Later calls return false.
	MarkRefundRequested(ctx context.Context, bookingID string, now time.Time) (bool, error)
}

// Stores bundles every store a backend provides.
type Stores struct {
	Events      EventStore
	Ledger      LedgerStore
	Bookings    BookingStore
	Idempotency IdempotencyStore
	Waitlist    WaitlistStore
	Payments    PaymentStore
}
