package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

// maxPromotionsPerRun bounds the iterations of one Promote call so a long
// queue cannot pin the event lock.
const maxPromotionsPerRun = 100

// WaitlistPromoted is the payload published when a waiting user gets a
// booking.
type WaitlistPromoted struct {
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	BookingID string    `json:"booking_id"`
	Quantity  int       `json:"quantity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Promoter converts waitlist entries into PENDING bookings when capacity frees
// up. Runs for the same event are serialized by the locker.
type Promoter struct {
	events   store.EventStore
	ledger   *CapacityLedger
	waitlist *WaitlistQueue
	bookings *BookingStateMachine
	payments *PaymentCoordinator
	locker   Locker
	bus      Publisher
	logger   *slog.Logger
}

// NewPromoter constructs a Promoter.
func NewPromoter(events store.EventStore, ledger *CapacityLedger, waitlist *WaitlistQueue, bookings *BookingStateMachine, payments *PaymentCoordinator, locker Locker, bus Publisher, logger *slog.Logger) *Promoter {
	return &Promoter{
		events:   events,
		ledger:   ledger,
		waitlist: waitlist,
		bookings: bookings,
		payments: payments,
		locker:   locker,
		bus:      orPublisher(bus),
		logger:   orDefault(logger).With("component", "promoter"),
	}
}

func promotionKey(eventID string) string { return "promote:" + eventID }

// Promote hands freed capacity to eligible waiting users in FIFO order and
// returns how many were promoted. Removing the entry is the claim on it: a run
// that loses the removal gives its hold back and moves on, so an entry yields
// at most one booking even if two runs overlap. A failed conversion gives the
// seats back and restores the entry at its old position.
func (p *Promoter) Promote(ctx context.Context, eventID string) (int, error) {
	unlock, err := p.locker.Lock(ctx, promotionKey(eventID))
	if err != nil {
		return 0, fmt.Errorf("lock promotion for event %s: %w", eventID, err)
	}
	defer unlock()

	event, err := p.events.GetEvent(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("load event %s: %w", eventID, err)
	}

	promoted := 0
	for attempt := 0; attempt < maxPromotionsPerRun; attempt++ {
		snap, err := p.ledger.Peek(ctx, eventID)
		if err != nil {
			return promoted, err
		}
		if snap.Halted {
			p.logger.Warn("promotion skipped: ledger halted", "event_id", eventID)
			return promoted, nil
		}
		entry, err := p.waitlist.NextEligible(ctx, eventID, snap.Available)
		if err != nil {
			return promoted, err
		}
		if entry == nil {
			return promoted, nil
		}

		tok, err := p.ledger.Reserve(ctx, eventID, entry.Quantity)
		if model.IsKind(err, model.KindCapacityExhausted) {
			// A direct admission took the seats between peek and reserve.
			continue
		}
		if err != nil {
			return promoted, err
		}

		claimed, err := p.waitlist.Remove(ctx, eventID, entry.UserID)
		if err != nil || !claimed {
			p.releaseHold(ctx, tok)
			if err != nil {
				return promoted, err
			}
			p.logger.Info("waitlist entry claimed elsewhere", "event_id", eventID, "user_id", entry.UserID)
			continue
		}

		b, err := p.bookings.Open(ctx, OpenParams{
			Event:    event,
			UserID:   entry.UserID,
			Quantity: entry.Quantity,
			Token:    tok,
		})
		if err != nil {
			p.releaseHold(ctx, tok)
			if rerr := p.waitlist.Restore(ctx, entry); rerr != nil {
				p.logger.Error("restore waitlist entry after failed promotion",
					"event_id", eventID, "user_id", entry.UserID, "error", rerr)
			}
			return promoted, fmt.Errorf("open promoted booking: %w", err)
		}
		if _, err := p.payments.Initiate(ctx, b); err != nil {
			p.logger.Warn("initiate payment for promoted booking failed", "booking_id", b.ID, "error", err)
		}

		promoted++
		p.logger.Info("waitlist promoted",
			"event_id", eventID, "user_id", entry.UserID, "booking_id", b.ID, "quantity", b.Quantity)
		publish(ctx, p.bus, p.logger, EventWaitlistPromoted, WaitlistPromoted{
			EventID:   eventID,
			UserID:    entry.UserID,
			BookingID: b.ID,
			Quantity:  b.Quantity,
			ExpiresAt: b.ExpiresAt,
		})
	}
	return promoted, nil
}

func (p *Promoter) releaseHold(ctx context.Context, tok *model.ReservationToken) {
	if _, err := p.ledger.ReleaseHold(ctx, tok); err != nil {
		p.logger.Error("release promotion hold", "reservation_id", tok.ID, "error", err)
	}
}

// OnRelease is a ReleaseHook that promotes synchronously and logs failures.
// The periodic sweep retries anything missed here.
func (p *Promoter) OnRelease(ctx context.Context, eventID string) {
	if _, err := p.Promote(ctx, eventID); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("promotion after release failed", "event_id", eventID, "error", err)
	}
}

// PromoteAll runs Promote for each event, continuing past failures.
func (p *Promoter) PromoteAll(ctx context.Context, eventIDs []string) int {
	total := 0
	for _, id := range eventIDs {
		n, err := p.Promote(ctx, id)
		if err != nil {
			p.logger.Warn("promotion failed", "event_id", id, "error", err)
		}
		total += n
	}
	return total
}
