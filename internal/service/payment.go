package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

const terminalRank = 2

// intentRank orders payment statuses so a stale notification never moves an
// intent backwards.
var intentRank = map[model.PaymentStatus]int{
	model.PaymentPending:    0,
	model.PaymentProcessing: 1,
	model.PaymentCompleted:  terminalRank,
	model.PaymentFailed:     terminalRank,
	model.PaymentCancelled:  terminalRank,
	model.PaymentRefunded:   terminalRank + 1,
}

// PaymentCoordinator reconciles asynchronous gateway outcomes with bookings.
type PaymentCoordinator struct {
	store    store.PaymentStore
	bookings *BookingStateMachine
	gateway  PaymentGateway
	logger   *slog.Logger
	now      Clock
}

// NewPaymentCoordinator constructs a PaymentCoordinator.
func NewPaymentCoordinator(s store.PaymentStore, bookings *BookingStateMachine, gateway PaymentGateway, logger *slog.Logger, now Clock) *PaymentCoordinator {
	return &PaymentCoordinator{
		store:    s,
		bookings: bookings,
		gateway:  gateway,
		logger:   orDefault(logger).With("component", "payment"),
		now:      orClock(now),
	}
}

// Initiate records a PENDING intent for the booking total and asks the gateway
// to charge it. A gateway failure leaves the booking PENDING; the expiry sweep
// cancels it if no outcome ever arrives.
func (c *PaymentCoordinator) Initiate(ctx context.Context, b *model.Booking) (*model.PaymentIntent, error) {
	now := c.now()
	intent := &model.PaymentIntent{
		BookingID:   b.ID,
		AmountCents: b.TotalPriceCents,
		Status:      model.PaymentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	stored, err := c.store.IntentByBooking(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("load payment intent: %w", err)
	}
	if c.gateway != nil {
		if err := c.gateway.RequestPayment(ctx, *stored, *b); err != nil {
			c.logger.Warn("payment request failed", "booking_id", b.ID, "error", err)
		}
	}
	return stored, nil
}

// Intent returns the booking's payment intent.
func (c *PaymentCoordinator) Intent(ctx context.Context, bookingID string) (*model.PaymentIntent, error) {
	p, err := c.store.IntentByBooking(ctx, bookingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.WrapError(model.KindNotFound, err, "no payment for booking %s", bookingID)
	}
	return p, err
}

// HandleOutcome applies one gateway notification. Duplicates and reordered
// notifications are detected from the booking's current status and reported
// as payment_transition_conflict without changing anything.
func (c *PaymentCoordinator) HandleOutcome(ctx context.Context, o model.PaymentOutcome) (*model.Booking, error) {
	if o.BookingID == "" || !o.Status.Valid() {
		return nil, model.NewError(model.KindInvalidRequest, "payment outcome needs a booking id and a known status")
	}
	c.recordIntent(ctx, o)

	var (
		res *model.TransitionResult
		err error
	)
	switch o.Status {
	case model.PaymentCompleted:
		res, err = c.bookings.Confirm(ctx, o.BookingID)
		if model.IsKind(err, model.KindReservationExpired) {
			c.logger.Warn("payment completed after expiry; refunding", "booking_id", o.BookingID)
			c.refund(ctx, o.BookingID, model.ReasonReservationExpired)
			return res.Booking, err
		}
	case model.PaymentFailed:
		res, err = c.bookings.CancelPending(ctx, o.BookingID, model.ReasonPaymentFailed)
	case model.PaymentCancelled:
		res, err = c.bookings.CancelPending(ctx, o.BookingID, model.ReasonPaymentCancelled)
	case model.PaymentRefunded:
		res, err = c.bookings.Refund(ctx, o.BookingID)
	default:
		// PENDING and PROCESSING are progress reports; the booking waits.
		return c.bookings.Get(ctx, o.BookingID)
	}
	if err != nil {
		return nil, err
	}
	if res.Changed {
		return res.Booking, nil
	}

	b := res.Booking
	if o.Status == model.PaymentCompleted && b.Status == model.BookingCancelled {
		// Money arrived for seats already given back.
		c.refund(ctx, b.ID, b.CancelReason)
	}
	c.logger.Info("payment notification ignored",
		"booking_id", b.ID, "payment_status", o.Status, "booking_status", b.Status,
		"kind", model.KindPaymentTransitionConflict)
	return b, model.NewError(model.KindPaymentTransitionConflict,
		"booking %s is %s; %s has no effect", b.ID, b.Status, o.Status)
}

func (c *PaymentCoordinator) recordIntent(ctx context.Context, o model.PaymentOutcome) {
	cur, err := c.store.IntentByBooking(ctx, o.BookingID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("load payment intent failed", "booking_id", o.BookingID, "error", err)
		}
		return
	}
	if intentRank[o.Status] < intentRank[cur.Status] {
		return
	}
	if cur.Status != o.Status && intentRank[o.Status] == intentRank[cur.Status] && intentRank[o.Status] == terminalRank {
		// Conflicting terminal outcomes; the first one stands.
		return
	}
	if _, err := c.store.UpdateIntentStatus(ctx, o.BookingID, o.Status, o.ProviderRef, c.now()); err != nil {
		c.logger.Warn("update payment intent failed", "booking_id", o.BookingID, "error", err)
	}
}

// refund asks the gateway to return the booking's charge. The intent's refund
// marker makes this happen at most once however often the outcome repeats.
func (c *PaymentCoordinator) refund(ctx context.Context, bookingID, reason string) {
	if c.gateway == nil {
		return
	}
	first, err := c.store.MarkRefundRequested(ctx, bookingID, c.now())
	if err != nil {
		c.logger.Error("refund skipped: no payment intent", "booking_id", bookingID, "error", err)
		return
	}
	if !first {
		c.logger.Info("refund already requested", "booking_id", bookingID)
		return
	}
	intent, err := c.store.IntentByBooking(ctx, bookingID)
	if err != nil {
		c.logger.Error("refund skipped: no payment intent", "booking_id", bookingID, "error", err)
		return
	}
	if err := c.gateway.RequestRefund(ctx, *intent, reason); err != nil {
		c.logger.Error("refund request failed", "booking_id", bookingID, "error", err)
	}
}
