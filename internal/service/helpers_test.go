package service_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/memstore"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/service"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingGateway struct {
	mu       sync.Mutex
	payments []model.Booking
	refunds  []model.PaymentIntent
}

func (g *recordingGateway) RequestPayment(_ context.Context, _ model.PaymentIntent, b model.Booking) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments = append(g.payments, b)
	return nil
}

func (g *recordingGateway) RequestRefund(_ context.Context, intent model.PaymentIntent, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, intent)
	return nil
}

func (g *recordingGateway) paymentFor(userID string) (model.Booking, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range g.payments {
		if b.UserID == userID {
			return b, true
		}
	}
	return model.Booking{}, false
}

func (g *recordingGateway) paymentsFor(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, b := range g.payments {
		if b.UserID == userID {
			n++
		}
	}
	return n
}

func (g *recordingGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == routingKey {
			n++
		}
	}
	return n
}

type harness struct {
	core    *service.Core
	mem     *memstore.Store
	clock   *fakeClock
	gateway *recordingGateway
	events  *recordingPublisher
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil, nil)
}

// newHarnessWith lets a test wrap the memstore contracts and swap the
// promotion locker. Nil arguments keep the defaults.
func newHarnessWith(t *testing.T, wrap func(store.Stores) store.Stores, locker service.Locker) *harness {
	t.Helper()
	h := &harness{
		mem:     memstore.New(),
		clock:   newClock(),
		gateway: &recordingGateway{},
		events:  &recordingPublisher{},
	}
	stores := h.mem.Stores()
	if wrap != nil {
		stores = wrap(stores)
	}
	h.core = service.NewCore(stores, service.Options{
		Logger:    quietLogger(),
		Clock:     h.clock.Now,
		Locker:    locker,
		Gateway:   h.gateway,
		Publisher: h.events,
		Ledger: service.LedgerConfig{
			HoldTTL:     2 * time.Minute,
			MaxAttempts: 5,
			BaseBackoff: time.Microsecond,
		},
		Idempotency: service.IdempotencyConfig{TTL: 24 * time.Hour, ClaimLease: time.Minute},
		PendingTTL:  15 * time.Minute,
		WaitlistTTL: 72 * time.Hour,
		MaxQuantity: 10,
	})
	return h
}

func (h *harness) event(t *testing.T, capacity int) *model.Event {
	t.Helper()
	e, err := h.core.Events.CreateEvent(context.Background(), model.CreateEventRequest{
		Name:       "Launch Night",
		Capacity:   capacity,
		PriceCents: 2500,
	})
	require.NoError(t, err)
	return e
}

func (h *harness) available(t *testing.T, eventID string) int {
	t.Helper()
	snap, err := h.core.Ledger.Peek(context.Background(), eventID)
	require.NoError(t, err)
	return snap.Available
}

func (h *harness) book(t *testing.T, user, eventID string, qty int, key string) *model.AdmissionResult {
	t.Helper()
	res, err := h.core.Admission.RequestBooking(context.Background(), model.BookingRequest{
		UserID: user, EventID: eventID, Quantity: qty, IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) requireConsistent(t *testing.T, eventID string) {
	t.Helper()
	audit, err := h.core.Ledger.Reconcile(context.Background(), eventID)
	require.NoError(t, err)
	require.True(t, audit.Consistent())
}
