// Package service implements the booking admission core: the capacity ledger,
// idempotency guard, waitlist queue, booking state machine, payment
// coordinator and the admission controller that orchestrates them.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
)

// Routing keys for domain events published by the core.
const (
	EventBookingConfirmed   = "booking.confirmed"
	EventBookingCancelled   = "booking.cancelled"
	EventWaitlistPromoted   = "waitlist.promoted"
	EventWaitlistExpired    = "waitlist.expired"
	EventLedgerInconsistent = "ledger.inconsistent"
)

// Locker serializes work per key across workers.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// IdempotencyCache is an optional fast path in front of the idempotency store.
type IdempotencyCache interface {
	Get(ctx context.Context, userID, key string) (bookingID string, ok bool, err error)
	Set(ctx context.Context, userID, key, bookingID string, ttl time.Duration) error
}

// PaymentGateway is the outbound side of the payment provider.
type PaymentGateway interface {
	RequestPayment(ctx context.Context, intent model.PaymentIntent, booking model.Booking) error
	RequestRefund(ctx context.Context, intent model.PaymentIntent, reason string) error
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func orClock(c Clock) Clock {
	if c == nil {
		return systemClock
	}
	return c
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

func orPublisher(p Publisher) Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

// publish emits an event and logs, rather than returns, a failure: domain
// events are notifications and never roll back a committed state change.
func publish(ctx context.Context, p Publisher, logger *slog.Logger, key string, body any) {
	if err := p.Publish(ctx, key, body); err != nil {
		logger.Warn("publish event failed", "routing_key", key, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
