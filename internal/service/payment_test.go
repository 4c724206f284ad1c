package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/service"
)

func outcome(bookingID string, status model.PaymentStatus) model.PaymentOutcome {
	return model.PaymentOutcome{BookingID: bookingID, Status: status, ProviderRef: "psp-" + bookingID}
}

func TestHandleOutcome_CompletedConfirms(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)
	ctx := context.Background()
	id := h.book(t, "alice", e.ID, 2, "").Booking.BookingID

	b, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentCompleted))
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, b.Status)
	assert.Equal(t, 3, h.available(t, e.ID))
	assert.Equal(t, 1, h.events.count(service.EventBookingConfirmed))

	intent, err := h.core.Payments.Intent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, intent.Status)
	assert.Equal(t, "psp-"+id, intent.ProviderRef)

	// A redelivered notification changes nothing.
	b, err = h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentCompleted))
	assert.Equal(t, model.KindPaymentTransitionConflict, model.KindOf(err))
	require.NotNil(t, b)
	assert.Equal(t, model.BookingConfirmed, b.Status)
	assert.Equal(t, 1, h.events.count(service.EventBookingConfirmed))
	h.requireConsistent(t, e.ID)
}

func TestHandleOutcome_FailureAfterConfirmationIsIgnored(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)
	ctx := context.Background()
	id := h.book(t, "alice", e.ID, 2, "").Booking.BookingID

	_, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentCompleted))
	require.NoError(t, err)

	b, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentFailed))
	assert.Equal(t, model.KindPaymentTransitionConflict, model.KindOf(err))
	assert.Equal(t, model.BookingConfirmed, b.Status)
	assert.Equal(t, 3, h.available(t, e.ID))

	intent, err := h.core.Payments.Intent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, intent.Status, "first terminal outcome stands")
}

func TestHandleOutcome_FailedCancelsAndPromotes(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 2)
	ctx := context.Background()
	id := h.book(t, "alice", e.ID, 2, "").Booking.BookingID
	require.True(t, h.book(t, "bob", e.ID, 2, "").Waitlisted)

	b, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentFailed))
	require.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, b.Status)
	assert.Equal(t, model.ReasonPaymentFailed, b.CancelReason)

	promoted, ok := h.gateway.paymentFor("bob")
	require.True(t, ok)
	assert.Equal(t, 2, promoted.Quantity)
	assert.Equal(t, 0, h.available(t, e.ID))
	h.requireConsistent(t, e.ID)
}

func TestHandleOutcome_RefundCancelsConfirmedBooking(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)
	ctx := context.Background()
	id := h.book(t, "alice", e.ID, 2, "").Booking.BookingID

	_, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentCompleted))
	require.NoError(t, err)

	b, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentRefunded))
	require.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, b.Status)
	assert.Equal(t, model.ReasonRefunded, b.CancelReason)
	assert.Equal(t, 5, h.available(t, e.ID))

	intent, err := h.core.Payments.Intent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentRefunded, intent.Status)
}

func TestHandleOutcome_CompletedAfterCancelRequestsRefund(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)
	ctx := context.Background()
	id := h.book(t, "alice", e.ID, 2, "").Booking.BookingID

	_, err := h.core.Admission.Cancel(ctx, "alice", id)
	require.NoError(t, err)

	b, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentCompleted))
	assert.Equal(t, model.KindPaymentTransitionConflict, model.KindOf(err))
	assert.Equal(t, model.BookingCancelled, b.Status)
	assert.Equal(t, 1, h.gateway.refundCount())
	assert.Equal(t, 5, h.available(t, e.ID))
}

func TestHandleOutcome_CompletedAfterExpiryRefunds(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)
	ctx := context.Background()
	id := h.book(t, "alice", e.ID, 2, "").Booking.BookingID

	// The sweep has not run yet; confirmation still must not succeed.
	h.clock.Advance(16 * time.Minute)
	b, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentCompleted))
	assert.Equal(t, model.KindReservationExpired, model.KindOf(err))
	require.NotNil(t, b)
	assert.Equal(t, model.BookingCancelled, b.Status)
	assert.Equal(t, model.ReasonReservationExpired, b.CancelReason)
	assert.Equal(t, 1, h.gateway.refundCount())
	assert.Equal(t, 5, h.available(t, e.ID))
	h.requireConsistent(t, e.ID)
}

func TestHandleOutcome_DuplicateCompletedAfterCancelRefundsOnce(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)
	ctx := context.Background()
	id := h.book(t, "alice", e.ID, 2, "").Booking.BookingID

	_, err := h.core.Admission.Cancel(ctx, "alice", id)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentCompleted))
		assert.Equal(t, model.KindPaymentTransitionConflict, model.KindOf(err), "delivery %d", i)
	}
	assert.Equal(t, 1, h.gateway.refundCount())
	assert.Equal(t, 5, h.available(t, e.ID))
}

func TestHandleOutcome_DuplicateCompletedAfterExpiryRefundsOnce(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)
	ctx := context.Background()
	id := h.book(t, "alice", e.ID, 2, "").Booking.BookingID

	h.clock.Advance(16 * time.Minute)
	_, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentCompleted))
	assert.Equal(t, model.KindReservationExpired, model.KindOf(err))
	for i := 0; i < 2; i++ {
		_, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentCompleted))
		require.Error(t, err)
	}
	assert.Equal(t, 1, h.gateway.refundCount())
	h.requireConsistent(t, e.ID)
}

func TestHandleOutcome_ProgressReportsLeaveBookingPending(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)
	ctx := context.Background()
	id := h.book(t, "alice", e.ID, 1, "").Booking.BookingID

	b, err := h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentProcessing))
	require.NoError(t, err)
	assert.Equal(t, model.BookingPending, b.Status)

	intent, err := h.core.Payments.Intent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentProcessing, intent.Status)

	// A late PENDING report does not move the intent backwards.
	_, err = h.core.Payments.HandleOutcome(ctx, outcome(id, model.PaymentPending))
	require.NoError(t, err)
	intent, err = h.core.Payments.Intent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentProcessing, intent.Status)
}

func TestHandleOutcome_RejectsMalformedOutcomes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.core.Payments.HandleOutcome(ctx, model.PaymentOutcome{Status: model.PaymentCompleted})
	assert.Equal(t, model.KindInvalidRequest, model.KindOf(err))

	_, err = h.core.Payments.HandleOutcome(ctx, model.PaymentOutcome{BookingID: "b", Status: "SETTLED"})
	assert.Equal(t, model.KindInvalidRequest, model.KindOf(err))

	_, err = h.core.Payments.HandleOutcome(ctx, outcome("missing", model.PaymentCompleted))
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}
