package repository_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/database"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/service"
)

// newCore connects to TEST_DATABASE_URL or skips.
func newCore(t *testing.T) *service.Core {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool, err := database.NewPool(ctx, database.PoolConfig{URL: url, MaxConns: 30, ConnectAttempts: 1}, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool))

	return service.NewCore(repository.New(pool), service.Options{
		Logger:      logger,
		Locker:      repository.NewAdvisoryLocker(pool),
		MaxQuantity: 20,
	})
}

func TestPostgres_ConcurrentBookingsNeverOversell(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()

	e, err := core.Events.CreateEvent(ctx, model.CreateEventRequest{Name: "pg-" + uuid.NewString(), Capacity: 20})
	require.NoError(t, err)

	var booked, waitlisted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := core.Admission.RequestBooking(ctx, model.BookingRequest{
				UserID: uuid.NewString(), EventID: e.ID, Quantity: 1,
			})
			if !assert.NoError(t, err) {
				return
			}
			if res.Waitlisted {
				waitlisted.Add(1)
			} else {
				booked.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, booked.Load(), int32(20))
	assert.Equal(t, int32(50), booked.Load()+waitlisted.Load())

	audit, err := core.Ledger.Reconcile(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent())
	assert.Equal(t, 20-int(booked.Load()), audit.Available)
}

func TestPostgres_CancelReleasesOnceAndPromotes(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()

	e, err := core.Events.CreateEvent(ctx, model.CreateEventRequest{Name: "pg-" + uuid.NewString(), Capacity: 2})
	require.NoError(t, err)

	first, err := core.Admission.RequestBooking(ctx, model.BookingRequest{
		UserID: "x", EventID: e.ID, Quantity: 2, IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	waiting, err := core.Admission.RequestBooking(ctx, model.BookingRequest{UserID: "y", EventID: e.ID, Quantity: 1})
	require.NoError(t, err)
	require.True(t, waiting.Waitlisted)

	for i := 0; i < 2; i++ {
		view, err := core.Admission.Cancel(ctx, "x", first.Booking.BookingID)
		require.NoError(t, err)
		assert.Equal(t, model.BookingCancelled, view.Status)
	}

	snap, err := core.Ledger.Peek(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Available, "two seats released once, one taken by promotion")

	_, err = core.Admission.WaitlistPosition(ctx, e.ID, "y")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))

	history, err := core.Bookings.History(ctx, first.Booking.BookingID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPostgres_IdempotentReplay(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()

	e, err := core.Events.CreateEvent(ctx, model.CreateEventRequest{Name: "pg-" + uuid.NewString(), Capacity: 5})
	require.NoError(t, err)

	req := model.BookingRequest{UserID: "u", EventID: e.ID, Quantity: 2, IdempotencyKey: uuid.NewString()}
	a, err := core.Admission.RequestBooking(ctx, req)
	require.NoError(t, err)
	b, err := core.Admission.RequestBooking(ctx, req)
	require.NoError(t, err)

	assert.True(t, b.Replayed)
	assert.Equal(t, a.Booking.BookingID, b.Booking.BookingID)

	snap, err := core.Ledger.Peek(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Available)
}

func TestPostgres_QuantityAboveDefaultLimitIsStored(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()

	e, err := core.Events.CreateEvent(ctx, model.CreateEventRequest{Name: "pg-" + uuid.NewString(), Capacity: 30})
	require.NoError(t, err)

	res, err := core.Admission.RequestBooking(ctx, model.BookingRequest{UserID: "u", EventID: e.ID, Quantity: 12})
	require.NoError(t, err)
	require.False(t, res.Waitlisted)
	assert.Equal(t, 12, res.Booking.Quantity)

	snap, err := core.Ledger.Peek(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 18, snap.Available)
}
