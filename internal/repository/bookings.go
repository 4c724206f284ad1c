package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

// BookingRepository handles persistence for bookings and their audit trail.
type BookingRepository struct {
	db *pgxpool.Pool
}

// NewBookingRepository constructs a BookingRepository.
func NewBookingRepository(db *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingColumns = `id, event_id, user_id, quantity, total_price_cents, status,
	idempotency_key, reservation_id, cancel_reason, expires_at, created_at, updated_at`

func scanBooking(row pgx.Row) (*model.Booking, error) {
	var b model.Booking
	err := row.Scan(&b.ID, &b.EventID, &b.UserID, &b.Quantity, &b.TotalPriceCents, &b.Status,
		&b.IdempotencyKey, &b.ReservationID, &b.CancelReason, &b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBooking binds the booking's hold and inserts the booking in one
// transaction. The hold must still be unbound; a swept hold fails with
// store.ErrHoldNotLive.
func (r *BookingRepository) CreateBooking(ctx context.Context, b *model.Booking) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE reservations SET status = 'bound', booking_id = $2
			 WHERE id = $1 AND status = 'held'`,
			b.ReservationID, b.ID,
		)
		if err != nil {
			return fmt.Errorf("bind reservation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrHoldNotLive
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO bookings (`+bookingColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			b.ID, b.EventID, b.UserID, b.Quantity, b.TotalPriceCents, b.Status,
			b.IdempotencyKey, b.ReservationID, b.CancelReason, b.ExpiresAt, b.CreatedAt, b.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		return nil
	})
	return classify(err)
}

// GetBooking returns a single booking or store.ErrNotFound.
func (r *BookingRepository) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err)
	}
	return b, nil
}

// FindBookingByKey returns the newest booking created under (user, key).
func (r *BookingRepository) FindBookingByKey(ctx context.Context, userID, key string) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE user_id = $1 AND idempotency_key = $2 AND idempotency_key <> ''
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, key,
	))
	if err != nil {
		return nil, classify(err)
	}
	return b, nil
}

// Transition moves a booking from one of the allowed states to the target.
// The booking row is locked first, so two racing transitions see each other's
// result; the loser observes the new status and reports no change. A change to
// CANCELLED releases the booking's hold in the same transaction.
func (r *BookingRepository) Transition(ctx context.Context, id string, from []model.BookingStatus, to model.BookingStatus, reason string, now time.Time) (*model.TransitionResult, error) {
	var res *model.TransitionResult
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		b, err := scanBooking(tx.QueryRow(ctx,
			`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}

		allowed := false
		for _, f := range from {
			if b.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			res = &model.TransitionResult{Booking: b}
			return nil
		}

		res = &model.TransitionResult{Changed: true}
		if to == model.BookingCancelled {
			res.Released, res.Overflow, err = releaseHoldInTx(ctx, tx, b.ReservationID, now)
			if err != nil {
				return err
			}
			b.CancelReason = reason
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO booking_audit (booking_id, from_status, to_status, reason, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, b.Status, to, reason, now,
		); err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}

		b.Status = to
		b.UpdatedAt = now
		if _, err := tx.Exec(ctx,
			`UPDATE bookings SET status = $2, cancel_reason = $3, updated_at = $4 WHERE id = $1`,
			id, b.Status, b.CancelReason, b.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update booking status: %w", err)
		}
		res.Booking = b
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// ExpiredPending lists PENDING bookings whose payment window has closed.
func (r *BookingRepository) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Booking, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE status = 'PENDING' AND expires_at <= $1
		 ORDER BY expires_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired bookings: %w", err)
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// AuditTrail returns a booking's transitions oldest first.
func (r *BookingRepository) AuditTrail(ctx context.Context, bookingID string) ([]model.BookingAudit, error) {
	rows, err := r.db.Query(ctx,
		`SELECT booking_id, from_status, to_status, reason, created_at
		 FROM booking_audit WHERE booking_id = $1 ORDER BY id`,
		bookingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []model.BookingAudit
	for rows.Next() {
		var a model.BookingAudit
		if err := rows.Scan(&a.BookingID, &a.From, &a.To, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
