package service

import (
	"log/slog"
	"time"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/cache"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

// Options configures NewCore. Zero values fall back to defaults; a nil Locker
// means promotions are serialized only within this process.
type Options struct {
	Logger      *slog.Logger
	Clock       Clock
	Cache       IdempotencyCache
	Locker      Locker
	Gateway     PaymentGateway
	Publisher   Publisher
	Ledger      LedgerConfig
	Idempotency IdempotencyConfig
	PendingTTL  time.Duration
	WaitlistTTL time.Duration
	MaxQuantity int
}

// Core is the wired admission core.
type Core struct {
	Events    *EventService
	Ledger    *CapacityLedger
	Guard     *IdempotencyGuard
	Waitlist  *WaitlistQueue
	Bookings  *BookingStateMachine
	Payments  *PaymentCoordinator
	Promoter  *Promoter
	Admission *AdmissionController
	Sweeper   *Sweeper
}

// NewCore wires every component over one set of stores. Cancellations
// promote the waitlist through the booking release hook.
func NewCore(st store.Stores, opts Options) *Core {
	logger := orDefault(opts.Logger)
	locker := opts.Locker
	if locker == nil {
		locker = cache.NewLocalLocker()
	}

	ledger := NewCapacityLedger(st.Ledger, opts.Publisher, logger, opts.Ledger, opts.Clock)
	guard := NewIdempotencyGuard(st.Idempotency, opts.Cache, logger, opts.Idempotency, opts.Clock)
	waitlist := NewWaitlistQueue(st.Waitlist, opts.Publisher, logger, opts.WaitlistTTL, opts.Clock)
	bookings := NewBookingStateMachine(st.Bookings, ledger, opts.Publisher, logger, opts.PendingTTL, opts.Clock)
	payments := NewPaymentCoordinator(st.Payments, bookings, opts.Gateway, logger, opts.Clock)
	promoter := NewPromoter(st.Events, ledger, waitlist, bookings, payments, locker, opts.Publisher, logger)
	bookings.SetReleaseHook(promoter.OnRelease)

	return &Core{
		Events:    NewEventService(st.Events, ledger, promoter, logger, opts.Clock),
		Ledger:    ledger,
		Guard:     guard,
		Waitlist:  waitlist,
		Bookings:  bookings,
		Payments:  payments,
		Promoter:  promoter,
		Admission: NewAdmissionController(st.Events, guard, ledger, waitlist, bookings, payments, logger, opts.MaxQuantity),
		Sweeper:   NewSweeper(ledger, bookings, waitlist, guard, promoter, logger),
	}
}
