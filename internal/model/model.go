// Package model defines the core domain types for the booking admission system.
package model

import "time"

// Event represents a bookable event owned by the event catalogue.
// The core only reads it; capacity accounting lives in the ledger.
type Event struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Capacity    int       `json:"capacity"`
	PriceCents  int64     `json:"price_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

// CapacitySnapshot is a point-in-time read of an event's ledger row.
type CapacitySnapshot struct {
	EventID      string    `json:"event_id"`
	Capacity     int       `json:"capacity"`
	Available    int       `json:"available"`
	Halted       bool      `json:"halted"`
	HaltedReason string    `json:"halted_reason,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Reserved returns the quantity currently held against the event.
func (s CapacitySnapshot) Reserved() int {
	return s.Capacity - s.Available
}

// LedgerAudit compares the ledger counter with the records it must agree with.
type LedgerAudit struct {
	EventID          string `json:"event_id"`
	Capacity         int    `json:"capacity"`
	Available        int    `json:"available"`
	ActiveBookingQty int    `json:"active_booking_qty"`
	UnboundHoldQty   int    `json:"unbound_hold_qty"`
}

// Expected returns the available count implied by bookings and live holds.
func (a LedgerAudit) Expected() int {
	return a.Capacity - a.ActiveBookingQty - a.UnboundHoldQty
}

// Consistent reports whether the counter matches the records.
func (a LedgerAudit) Consistent() bool {
	return a.Available == a.Expected()
}

// HoldStatus is the lifecycle of a capacity reservation.
type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldBound    HoldStatus = "bound"
	HoldReleased HoldStatus = "released"
)

// ReservationToken records a capacity decrement held against an event.
// An unbound token past ExpiresAt is released by the sweep.
type ReservationToken struct {
	ID        string     `json:"id"`
	EventID   string     `json:"event_id"`
	Quantity  int        `json:"quantity"`
	Status    HoldStatus `json:"status"`
	BookingID string     `json:"booking_id,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
)

// Active reports whether the booking still holds capacity.
func (s BookingStatus) Active() bool {
	return s == BookingPending || s == BookingConfirmed
}

// Cancellation reasons recorded on the booking and its audit trail.
const (
	ReasonUserCancelled      = "user_cancelled"
	ReasonPaymentFailed      = "payment_failed"
	ReasonPaymentCancelled   = "payment_cancelled"
	ReasonRefunded           = "refunded"
	ReasonReservationExpired = "reservation_expired"
	ReasonPaymentCompleted   = "payment_completed"
)

// Booking is a user's purchase of tickets for one event. Bookings are never
// deleted; CANCELLED is terminal.
type Booking struct {
	ID              string        `json:"id"`
	EventID         string        `json:"event_id"`
	UserID          string        `json:"user_id"`
	Quantity        int           `json:"quantity"`
	TotalPriceCents int64         `json:"total_price_cents"`
	Status          BookingStatus `json:"status"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty"`
	ReservationID   string        `json:"reservation_id"`
	CancelReason    string        `json:"cancel_reason,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// TransitionResult is the outcome of a compare-and-set status change.
type TransitionResult struct {
	Booking  *Booking
	Changed  bool
	Released int
	Overflow int
}

// BookingAudit is one row of a booking's transition history.
type BookingAudit struct {
	BookingID string        `json:"booking_id"`
	From      BookingStatus `json:"from"`
	To        BookingStatus `json:"to"`
	Reason    string        `json:"reason"`
	CreatedAt time.Time     `json:"created_at"`
}

// IdempotencyRecord maps (user, key) to the booking the first request produced.
// BookingID is empty while the record is provisional.
type IdempotencyRecord struct {
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	BookingID string    `json:"booking_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Provisional reports whether no booking has been bound yet.
func (r IdempotencyRecord) Provisional() bool {
	return r.BookingID == ""
}

// WaitlistEntry is a user waiting for capacity on a full event. Position is
// derived from Seq at read time.
type WaitlistEntry struct {
	ID         string    `json:"id"`
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	Quantity   int       `json:"quantity"`
	Seq        int64     `json:"seq"`
	EnrolledAt time.Time `json:"enrolled_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PaymentStatus is the gateway-driven state of a payment intent.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentProcessing, PaymentCompleted, PaymentFailed, PaymentRefunded, PaymentCancelled:
		return true
	}
	return false
}

// PaymentIntent tracks the gateway charge for a booking.
type PaymentIntent struct {
	ID          string        `json:"id"`
	BookingID   string        `json:"booking_id"`
	AmountCents int64         `json:"amount_cents"`
	Status      PaymentStatus `json:"status"`
	ProviderRef string        `json:"provider_ref,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`

	// RefundRequestedAt is set once, when the first refund request is sent.
	RefundRequestedAt *time.Time `json:"refund_requested_at,omitempty"`
}

// PaymentOutcome is a notification from the payment gateway.
type PaymentOutcome struct {
	BookingID   string        `json:"booking_id"`
	Status      PaymentStatus `json:"status"`
	ProviderRef string        `json:"provider_ref,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// BookingRequest is an authenticated user's request for tickets.
type BookingRequest struct {
	UserID         string
	EventID        string
	Quantity       int
	IdempotencyKey string
}

// BookingView is the API-facing projection of a booking.
type BookingView struct {
	BookingID       string        `json:"booking_id"`
	EventID         string        `json:"event_id"`
	Status          BookingStatus `json:"status"`
	Quantity        int           `json:"quantity"`
	TotalPriceCents int64         `json:"total_price_cents"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	CancelReason    string        `json:"cancel_reason,omitempty"`
}

// ViewOf projects a booking for the API layer.
func ViewOf(b *Booking) *BookingView {
	v := &BookingView{
		BookingID:       b.ID,
		EventID:         b.EventID,
		Status:          b.Status,
		Quantity:        b.Quantity,
		TotalPriceCents: b.TotalPriceCents,
		CancelReason:    b.CancelReason,
	}
	if b.Status == BookingPending {
		exp := b.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}

// AdmissionResult is what requestBooking returns: either a booking view or a
// waitlist position.
type AdmissionResult struct {
	Booking    *BookingView `json:"booking,omitempty"`
	Waitlisted bool         `json:"waitlisted,omitempty"`
	Position   int          `json:"position,omitempty"`
	Replayed   bool         `json:"replayed,omitempty"`
}

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Capacity    int    `json:"capacity"`
	PriceCents  int64  `json:"price_cents"`
}

// BookRequest is the HTTP payload for requesting tickets.
type BookRequest struct {
	Quantity int `json:"quantity"`
}

// CapacityRequest is the operator payload for changing an event's capacity.
type CapacityRequest struct {
	Capacity int `json:"capacity"`
}

// ErrorResponse is a standard JSON error envelope. Kind is stable; Error is
// free text.
type ErrorResponse struct {
	Kind  ErrorKind `json:"kind"`
	Error string    `json:"error"`
}
