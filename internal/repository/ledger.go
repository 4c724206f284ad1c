package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

// LedgerRepository owns the event_capacity counter and the reservations table.
type LedgerRepository struct {
	db *pgxpool.Pool
}

// NewLedgerRepository constructs a LedgerRepository.
func NewLedgerRepository(db *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{db: db}
}

const snapshotColumns = `event_id, capacity, available, halted, halted_reason, updated_at`

func scanSnapshot(row pgx.Row) (*model.CapacitySnapshot, error) {
	var s model.CapacitySnapshot
	if err := row.Scan(&s.EventID, &s.Capacity, &s.Available, &s.Halted, &s.HaltedReason, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// InitCapacity creates or resizes the event's ledger row. Available becomes
// capacity minus everything still held, so a resize never forgets a hold.
func (r *LedgerRepository) InitCapacity(ctx context.Context, eventID string, capacity int, now time.Time) (*model.CapacitySnapshot, error) {
	var snap *model.CapacitySnapshot
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM events WHERE id = $1 FOR UPDATE`, eventID).Scan(&id); err != nil {
			return classify(err)
		}
		if _, err := tx.Exec(ctx, `SELECT 1 FROM event_capacity WHERE event_id = $1 FOR UPDATE`, eventID); err != nil {
			return fmt.Errorf("lock capacity row: %w", err)
		}

		var held int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(quantity), 0) FROM reservations
			 WHERE event_id = $1 AND status <> 'released'`,
			eventID,
		).Scan(&held); err != nil {
			return fmt.Errorf("sum held: %w", err)
		}
		if capacity < held {
			return store.ErrCapacityBelowHeld
		}

		s, err := scanSnapshot(tx.QueryRow(ctx,
			`INSERT INTO event_capacity (event_id, capacity, available, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (event_id) DO UPDATE
			   SET capacity = EXCLUDED.capacity, available = EXCLUDED.available, updated_at = EXCLUDED.updated_at
			 RETURNING `+snapshotColumns,
			eventID, capacity, capacity-held, now,
		))
		if err != nil {
			return fmt.Errorf("upsert capacity: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE events SET capacity = $2 WHERE id = $1`, eventID, capacity); err != nil {
			return fmt.Errorf("update event capacity: %w", err)
		}
		snap = s
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return snap, nil
}

// Reserve decrements availability and records a hold inside one transaction.
//
// Two callers that read the counter without a lock can both see the last free
// seat and both decrement it. SELECT … FOR UPDATE takes a row-level exclusive
// lock on the event's capacity row, so concurrent reservations for the same
// event queue behind each other and each one reads the value the previous one
// committed. Reservations for different events never contend.
//
// lock_timeout turns a long queue into a contention error the ledger retries
// with backoff instead of holding a connection indefinitely.
func (r *LedgerRepository) Reserve(ctx context.Context, eventID string, quantity int, holdUntil, now time.Time) (*model.ReservationToken, error) {
	var tok *model.ReservationToken
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '`+lockTimeout+`'`); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}

		var available int
		var halted bool
		err := tx.QueryRow(ctx,
			`SELECT available, halted
			 FROM event_capacity
			 WHERE event_id = $1
			 FOR UPDATE`,
			eventID,
		).Scan(&available, &halted)
		if err != nil {
			return err
		}
		if halted {
			return store.ErrLedgerHalted
		}
		if quantity > available {
			return store.ErrCapacityExhausted
		}

		if _, err := tx.Exec(ctx,
			`UPDATE event_capacity SET available = available - $2, updated_at = $3 WHERE event_id = $1`,
			eventID, quantity, now,
		); err != nil {
			return fmt.Errorf("decrement available: %w", err)
		}

		t := &model.ReservationToken{
			ID:        uuid.New().String(),
			EventID:   eventID,
			Quantity:  quantity,
			Status:    model.HoldHeld,
			ExpiresAt: holdUntil,
			CreatedAt: now,
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO reservations (id, event_id, quantity, status, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			t.ID, t.EventID, t.Quantity, t.Status, t.ExpiresAt, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		tok = t
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return tok, nil
}

// releaseInTx adds quantity back to the counter, clamped at capacity.
func releaseInTx(ctx context.Context, tx pgx.Tx, eventID string, quantity int, now time.Time) (int, error) {
	var capacity, available int
	err := tx.QueryRow(ctx,
		`SELECT capacity, available FROM event_capacity WHERE event_id = $1 FOR UPDATE`,
		eventID,
	).Scan(&capacity, &available)
	if err != nil {
		return 0, err
	}
	next := available + quantity
	overflow := 0
	if next > capacity {
		overflow = next - capacity
		next = capacity
	}
	if _, err := tx.Exec(ctx,
		`UPDATE event_capacity SET available = $2, updated_at = $3 WHERE event_id = $1`,
		eventID, next, now,
	); err != nil {
		return 0, fmt.Errorf("increment available: %w", err)
	}
	return overflow, nil
}

// releaseHoldInTx marks a hold released and returns its quantity to the
// counter. A hold already released returns zero.
func releaseHoldInTx(ctx context.Context, tx pgx.Tx, reservationID string, now time.Time) (int, int, error) {
	var eventID string
	var quantity int
	err := tx.QueryRow(ctx,
		`UPDATE reservations SET status = 'released', released_at = $2
		 WHERE id = $1 AND status <> 'released'
		 RETURNING event_id, quantity`,
		reservationID, now,
	).Scan(&eventID, &quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, reservationID).Scan(&exists); err != nil {
			return 0, 0, err
		}
		if !exists {
			return 0, 0, store.ErrNotFound
		}
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("release hold: %w", err)
	}
	overflow, err := releaseInTx(ctx, tx, eventID, quantity, now)
	if err != nil {
		return 0, 0, err
	}
	return quantity, overflow, nil
}

// Release returns quantity to the event's counter.
func (r *LedgerRepository) Release(ctx context.Context, eventID string, quantity int, now time.Time) (int, error) {
	var overflow int
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		overflow, err = releaseInTx(ctx, tx, eventID, quantity, now)
		return err
	})
	return overflow, classify(err)
}

// ReleaseHold releases one hold exactly once.
func (r *LedgerRepository) ReleaseHold(ctx context.Context, reservationID string, now time.Time) (int, int, error) {
	var released, overflow int
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		released, overflow, err = releaseHoldInTx(ctx, tx, reservationID, now)
		return err
	})
	if err != nil {
		return 0, 0, classify(err)
	}
	return released, overflow, nil
}

// Peek reads the ledger row without locking.
func (r *LedgerRepository) Peek(ctx context.Context, eventID string) (*model.CapacitySnapshot, error) {
	s, err := scanSnapshot(r.db.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM event_capacity WHERE event_id = $1`, eventID))
	if err != nil {
		return nil, classify(err)
	}
	return s, nil
}

// ExpiredHolds lists unbound holds whose expiry has passed.
func (r *LedgerRepository) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.ReservationToken, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, event_id, quantity, status, expires_at, created_at
		 FROM reservations
		 WHERE status = 'held' AND expires_at <= $1
		 ORDER BY expires_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	defer rows.Close()

	var out []model.ReservationToken
	for rows.Next() {
		var t model.ReservationToken
		if err := rows.Scan(&t.ID, &t.EventID, &t.Quantity, &t.Status, &t.ExpiresAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const auditQuery = `
SELECT c.capacity, c.available,
  (SELECT COALESCE(SUM(b.quantity), 0) FROM bookings b
    WHERE b.event_id = c.event_id AND b.status IN ('PENDING', 'CONFIRMED')),
  (SELECT COALESCE(SUM(h.quantity), 0) FROM reservations h
    WHERE h.event_id = c.event_id AND h.status = 'held')
FROM event_capacity c
WHERE c.event_id = $1`

func scanAudit(row pgx.Row, eventID string) (*model.LedgerAudit, error) {
	a := &model.LedgerAudit{EventID: eventID}
	if err := row.Scan(&a.Capacity, &a.Available, &a.ActiveBookingQty, &a.UnboundHoldQty); err != nil {
		return nil, err
	}
	return a, nil
}

// Audit compares the counter with booking and hold sums.
func (r *LedgerRepository) Audit(ctx context.Context, eventID string) (*model.LedgerAudit, error) {
	a, err := scanAudit(r.db.QueryRow(ctx, auditQuery, eventID), eventID)
	if err != nil {
		return nil, classify(err)
	}
	return a, nil
}

// Halt suspends reservations for the event.
func (r *LedgerRepository) Halt(ctx context.Context, eventID, reason string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE event_capacity SET halted = TRUE, halted_reason = $2, updated_at = $3 WHERE event_id = $1`,
		eventID, reason, now,
	)
	if err != nil {
		return fmt.Errorf("halt ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Repair recomputes availability from bookings and holds under the row lock
// and clears any halt.
func (r *LedgerRepository) Repair(ctx context.Context, eventID string, now time.Time) (*model.CapacitySnapshot, error) {
	var snap *model.CapacitySnapshot
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM event_capacity WHERE event_id = $1 FOR UPDATE`, eventID); err != nil {
			return fmt.Errorf("lock capacity row: %w", err)
		}
		a, err := scanAudit(tx.QueryRow(ctx, auditQuery, eventID), eventID)
		if err != nil {
			return err
		}
		expected := max(a.Expected(), 0)
		snap, err = scanSnapshot(tx.QueryRow(ctx,
			`UPDATE event_capacity
			 SET available = $2, halted = FALSE, halted_reason = '', updated_at = $3
			 WHERE event_id = $1
			 RETURNING `+snapshotColumns,
			eventID, expected, now,
		))
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return snap, nil
}

// LedgerEventIDs lists every event with a ledger row.
func (r *LedgerRepository) LedgerEventIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT event_id FROM event_capacity ORDER BY event_id`)
	if err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}
	defer rows.Close()
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan ledger events: %w", err)
	}
	return ids, nil
}
