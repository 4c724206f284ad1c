package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

// DefaultMaxQuantity is the most tickets one booking may hold.
const DefaultMaxQuantity = 10

// AdmissionController answers whether a user may book tickets now and
// commits the answer.
type AdmissionController struct {
	events      store.EventStore
	guard       *IdempotencyGuard
	ledger      *CapacityLedger
	waitlist    *WaitlistQueue
	bookings    *BookingStateMachine
	payments    *PaymentCoordinator
	logger      *slog.Logger
	maxQuantity int
}

// NewAdmissionController constructs an AdmissionController.
func NewAdmissionController(
	events store.EventStore,
	guard *IdempotencyGuard,
	ledger *CapacityLedger,
	waitlist *WaitlistQueue,
	bookings *BookingStateMachine,
	payments *PaymentCoordinator,
	logger *slog.Logger,
	maxQuantity int,
) *AdmissionController {
	if maxQuantity <= 0 {
		maxQuantity = DefaultMaxQuantity
	}
	return &AdmissionController{
		events:      events,
		guard:       guard,
		ledger:      ledger,
		waitlist:    waitlist,
		bookings:    bookings,
		payments:    payments,
		logger:      orDefault(logger).With("component", "admission"),
		maxQuantity: maxQuantity,
	}
}

func (a *AdmissionController) validate(req model.BookingRequest) error {
	if req.UserID == "" {
		return model.NewError(model.KindInvalidRequest, "user identity is required")
	}
	if req.EventID == "" {
		return model.NewError(model.KindInvalidRequest, "event id is required")
	}
	if req.Quantity < 1 || req.Quantity > a.maxQuantity {
		return model.NewError(model.KindInvalidRequest, "quantity must be between 1 and %d", a.maxQuantity)
	}
	return nil
}

func (a *AdmissionController) event(ctx context.Context, id string) (*model.Event, error) {
	e, err := a.events.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.WrapError(model.KindNotFound, err, "event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// RequestBooking runs admission for one request. It returns a PENDING booking
// awaiting payment, the existing booking on replay, or a waitlist position
// when the event is full.
func (a *AdmissionController) RequestBooking(ctx context.Context, req model.BookingRequest) (*model.AdmissionResult, error) {
	if err := a.validate(req); err != nil {
		return nil, err
	}
	event, err := a.event(ctx, req.EventID)
	if err != nil {
		return nil, err
	}

	claim, err := a.guard.Claim(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !claim.Fresh {
		return a.replay(ctx, req, claim)
	}

	tok, err := a.ledger.Reserve(ctx, event.ID, req.Quantity)
	if err != nil {
		a.guard.Abandon(ctx, req.UserID, req.IdempotencyKey)
		if model.IsKind(err, model.KindCapacityExhausted) {
			return a.enroll(ctx, req)
		}
		return nil, err
	}

	b, err := a.bookings.Open(ctx, OpenParams{
		Event:          event,
		UserID:         req.UserID,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
		Token:          tok,
	})
	if err != nil {
		if _, rerr := a.ledger.ReleaseHold(ctx, tok); rerr != nil {
			a.logger.Error("release hold after failed booking", "reservation_id", tok.ID, "error", rerr)
		}
		a.guard.Abandon(ctx, req.UserID, req.IdempotencyKey)
		return nil, err
	}
	if err := a.guard.Bind(ctx, req.UserID, req.IdempotencyKey, b.ID); err != nil {
		// The booking carries its key, so a replay still recovers it.
		a.logger.Warn("bind idempotency key failed", "booking_id", b.ID, "error", err)
	}
	if _, err := a.payments.Initiate(ctx, b); err != nil {
		a.logger.Warn("initiate payment failed", "booking_id", b.ID, "error", err)
	}
	return &model.AdmissionResult{Booking: model.ViewOf(b)}, nil
}

// replay answers a request whose key was already claimed.
func (a *AdmissionController) replay(ctx context.Context, req model.BookingRequest, claim *Claim) (*model.AdmissionResult, error) {
	var b *model.Booking
	if claim.BookingID != "" {
		found, err := a.bookings.Get(ctx, claim.BookingID)
		if err != nil {
			return nil, err
		}
		b = found
	} else {
		// The first attempt may have opened its booking and died before binding.
		found, err := a.bookings.FindByKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil || claim.Record == nil || found.CreatedAt.Before(claim.Record.CreatedAt) {
			return nil, model.NewError(model.KindRequestInProgress,
				"a request with this idempotency key is still being processed")
		}
		if err := a.guard.Bind(ctx, req.UserID, req.IdempotencyKey, found.ID); err != nil {
			a.logger.Warn("bind recovered booking failed", "booking_id", found.ID, "error", err)
		}
		b = found
	}

	if b.UserID != req.UserID || b.EventID != req.EventID || b.Quantity != req.Quantity {
		return nil, model.NewError(model.KindIdempotencyKeyReused,
			"idempotency key was used for a different booking request")
	}
	a.logger.Debug("idempotent replay", "booking_id", b.ID, "user_id", req.UserID, "kind", model.KindDuplicateRequest)
	return &model.AdmissionResult{Booking: model.ViewOf(b), Replayed: true}, nil
}

func (a *AdmissionController) enroll(ctx context.Context, req model.BookingRequest) (*model.AdmissionResult, error) {
	_, pos, err := a.waitlist.Enroll(ctx, req.EventID, req.UserID, req.Quantity)
	if model.IsKind(err, model.KindAlreadyEnrolled) {
		if cur, perr := a.waitlist.Position(ctx, req.EventID, req.UserID); perr == nil {
			return &model.AdmissionResult{Waitlisted: true, Position: cur}, err
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &model.AdmissionResult{Waitlisted: true, Position: pos}, nil
}

// Cancel cancels the user's own booking. Cancelling twice returns the
// cancelled booking without releasing again.
func (a *AdmissionController) Cancel(ctx context.Context, userID, bookingID string) (*model.BookingView, error) {
	if _, err := a.GetBooking(ctx, userID, bookingID); err != nil {
		return nil, err
	}
	res, err := a.bookings.Cancel(ctx, bookingID, model.ReasonUserCancelled)
	if err != nil {
		return nil, err
	}
	return model.ViewOf(res.Booking), nil
}

// GetBooking returns the booking if it belongs to userID.
func (a *AdmissionController) GetBooking(ctx context.Context, userID, bookingID string) (*model.BookingView, error) {
	b, err := a.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, model.NewError(model.KindForbidden, "booking %s belongs to another user", bookingID)
	}
	return model.ViewOf(b), nil
}

// WaitlistPosition returns the user's rank on the event's waitlist.
func (a *AdmissionController) WaitlistPosition(ctx context.Context, eventID, userID string) (int, error) {
	return a.waitlist.Position(ctx, eventID, userID)
}

// LeaveWaitlist removes the user from the event's waitlist.
func (a *AdmissionController) LeaveWaitlist(ctx context.Context, eventID, userID string) error {
	ok, err := a.waitlist.Remove(ctx, eventID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewError(model.KindNotFound, "user is not waiting for event %s", eventID)
	}
	return nil
}
