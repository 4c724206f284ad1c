package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/memstore"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/service"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

func TestCapacityLedger_ConcurrentReserveNeverOversells(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 50)
	ctx := context.Background()

	var reserved atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(qty int) {
			defer wg.Done()
			tok, err := h.core.Ledger.Reserve(ctx, e.ID, qty)
			if err != nil {
				assert.True(t, model.IsKind(err, model.KindCapacityExhausted), "unexpected error: %v", err)
				return
			}
			reserved.Add(int64(tok.Quantity))
		}(i%3 + 1)
	}
	wg.Wait()

	assert.LessOrEqual(t, reserved.Load(), int64(50))
	assert.Equal(t, 50-int(reserved.Load()), h.available(t, e.ID))
	h.requireConsistent(t, e.ID)
}

func TestCapacityLedger_ReleaseThenReserveRoundTrip(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 3)
	ctx := context.Background()

	_, err := h.core.Ledger.Reserve(ctx, e.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, h.available(t, e.ID))

	require.NoError(t, h.core.Ledger.Release(ctx, e.ID, 3))
	assert.Equal(t, 3, h.available(t, e.ID))

	_, err = h.core.Ledger.Reserve(ctx, e.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, h.available(t, e.ID))
}

func TestCapacityLedger_ReserveFailsWithoutSideEffect(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 2)

	_, err := h.core.Ledger.Reserve(context.Background(), e.ID, 3)
	require.Error(t, err)
	assert.Equal(t, model.KindCapacityExhausted, model.KindOf(err))
	assert.Equal(t, 2, h.available(t, e.ID))
}

func TestCapacityLedger_ReleaseHoldIsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 4)
	ctx := context.Background()

	tok, err := h.core.Ledger.Reserve(ctx, e.ID, 3)
	require.NoError(t, err)

	n, err := h.core.Ledger.ReleaseHold(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = h.core.Ledger.ReleaseHold(ctx, tok)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 4, h.available(t, e.ID))
}

func TestCapacityLedger_ReleaseOverflowHaltsEvent(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 2)
	ctx := context.Background()

	err := h.core.Ledger.Release(ctx, e.ID, 1)
	require.Error(t, err)
	assert.Equal(t, model.KindInconsistentLedgerState, model.KindOf(err))

	snap, err := h.core.Ledger.Peek(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Available, "release must clamp at capacity")
	assert.True(t, snap.Halted)
	assert.Equal(t, 1, h.events.count(service.EventLedgerInconsistent))

	_, err = h.core.Ledger.Reserve(ctx, e.ID, 1)
	assert.Equal(t, model.KindInconsistentLedgerState, model.KindOf(err))

	snap, err = h.core.Ledger.Repair(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, snap.Halted)
	_, err = h.core.Ledger.Reserve(ctx, e.ID, 1)
	assert.NoError(t, err)
}

func TestCapacityLedger_ReconcileHaltsDivergedEventOnly(t *testing.T) {
	h := newHarness(t)
	bad := h.event(t, 5)
	good := h.event(t, 5)
	ctx := context.Background()

	h.book(t, "u1", bad.ID, 2, "")
	h.mem.SetAvailable(bad.ID, 5)

	diverged, err := h.core.Ledger.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{bad.ID}, diverged)

	_, err = h.core.Ledger.Reserve(ctx, bad.ID, 1)
	assert.Equal(t, model.KindInconsistentLedgerState, model.KindOf(err))
	_, err = h.core.Ledger.Reserve(ctx, good.ID, 1)
	assert.NoError(t, err, "other events keep serving")

	snap, err := h.core.Ledger.Repair(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Available)
	h.requireConsistent(t, bad.ID)
}

func TestCapacityLedger_InitializeRespectsHeldQuantity(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)
	ctx := context.Background()

	h.book(t, "u1", e.ID, 4, "")

	_, err := h.core.Ledger.Initialize(ctx, e.ID, 3)
	assert.Equal(t, model.KindInvalidRequest, model.KindOf(err))

	snap, err := h.core.Ledger.Initialize(ctx, e.ID, 8)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Available)
	h.requireConsistent(t, e.ID)
}

// contendedLedger fails the first n reservations with ErrContention.
type contendedLedger struct {
	*memstore.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (c *contendedLedger) Reserve(ctx context.Context, eventID string, qty int, holdUntil, now time.Time) (*model.ReservationToken, error) {
	c.calls.Add(1)
	if c.failures.Add(-1) >= 0 {
		return nil, store.ErrContention
	}
	return c.Store.Reserve(ctx, eventID, qty, holdUntil, now)
}

func TestCapacityLedger_RetriesContentionWithinBudget(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()
	ev := &model.Event{Name: "x", Capacity: 3}
	require.NoError(t, mem.CreateEvent(ctx, ev))
	_, err := mem.InitCapacity(ctx, ev.ID, 3, time.Now())
	require.NoError(t, err)

	fake := &contendedLedger{Store: mem}
	fake.failures.Store(2)
	ledger := service.NewCapacityLedger(fake, nil, quietLogger(),
		service.LedgerConfig{MaxAttempts: 5, BaseBackoff: time.Microsecond}, nil)

	tok, err := ledger.Reserve(ctx, ev.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, tok.Quantity)
	assert.Equal(t, int32(3), fake.calls.Load())
}

func TestCapacityLedger_PersistentContentionSurfacesExhaustion(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()
	ev := &model.Event{Name: "x", Capacity: 3}
	require.NoError(t, mem.CreateEvent(ctx, ev))
	_, err := mem.InitCapacity(ctx, ev.ID, 3, time.Now())
	require.NoError(t, err)

	fake := &contendedLedger{Store: mem}
	fake.failures.Store(100)
	ledger := service.NewCapacityLedger(fake, nil, quietLogger(),
		service.LedgerConfig{MaxAttempts: 5, BaseBackoff: time.Microsecond}, nil)

	_, err = ledger.Reserve(ctx, ev.ID, 1)
	require.Error(t, err)
	assert.Equal(t, model.KindCapacityExhausted, model.KindOf(err))
	assert.Equal(t, int32(5), fake.calls.Load())

	snap, err := mem.Peek(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Available)
}

func TestCapacityLedger_OrphanHoldsReleasedAfterExpiry(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)
	ctx := context.Background()

	_, err := h.core.Ledger.Reserve(ctx, e.ID, 2)
	require.NoError(t, err)
	h.requireConsistent(t, e.ID)

	require.NoError(t, h.core.Sweeper.ReleaseOrphanHolds(ctx))
	assert.Equal(t, 3, h.available(t, e.ID), "live holds are kept")

	h.clock.Advance(3 * time.Minute)
	require.NoError(t, h.core.Sweeper.ReleaseOrphanHolds(ctx))
	assert.Equal(t, 5, h.available(t, e.ID))
	h.requireConsistent(t, e.ID)
}
