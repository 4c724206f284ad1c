package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

// IdempotencyRepository persists (user, key) → booking mappings.
type IdempotencyRepository struct {
	db *pgxpool.Pool
}

// NewIdempotencyRepository constructs an IdempotencyRepository.
func NewIdempotencyRepository(db *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

func scanRecord(row pgx.Row) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	var bookingID *string
	if err := row.Scan(&rec.UserID, &rec.Key, &bookingID, &rec.ExpiresAt, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if bookingID != nil {
		rec.BookingID = *bookingID
	}
	return &rec, nil
}

// Claim relies on the primary key for first-writer-wins: the conditional
// upsert only overwrites a row that has expired or is a stale provisional
// claim, and returns nothing when a live row already exists.
func (r *IdempotencyRepository) Claim(ctx context.Context, userID, key string, now, expiresAt, staleBefore time.Time) (*model.IdempotencyRecord, bool, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx,
		`INSERT INTO idempotency_records (user_id, idem_key, booking_id, expires_at, created_at)
		 VALUES ($1, $2, NULL, $3, $4)
		 ON CONFLICT (user_id, idem_key) DO UPDATE
		   SET booking_id = NULL, expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at
		   WHERE idempotency_records.expires_at <= $4
		      OR (idempotency_records.booking_id IS NULL AND idempotency_records.created_at < $5)
		 RETURNING user_id, idem_key, booking_id, expires_at, created_at`,
		userID, key, expiresAt, now, staleBefore,
	))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}

	rec, err = scanRecord(r.db.QueryRow(ctx,
		`SELECT user_id, idem_key, booking_id, expires_at, created_at
		 FROM idempotency_records WHERE user_id = $1 AND idem_key = $2`,
		userID, key,
	))
	if err != nil {
		return nil, false, classify(err)
	}
	return rec, false, nil
}

// Bind attaches the booking to a provisional record. A record already bound
// keeps its first booking.
func (r *IdempotencyRepository) Bind(ctx context.Context, userID, key, bookingID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE idempotency_records SET booking_id = COALESCE(booking_id, $3)
		 WHERE user_id = $1 AND idem_key = $2`,
		userID, key, bookingID,
	)
	if err != nil {
		return fmt.Errorf("bind idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Abandon deletes a provisional record so the key can be retried.
func (r *IdempotencyRepository) Abandon(ctx context.Context, userID, key string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM idempotency_records
		 WHERE user_id = $1 AND idem_key = $2 AND booking_id IS NULL`,
		userID, key,
	)
	if err != nil {
		return fmt.Errorf("abandon idempotency key: %w", err)
	}
	return nil
}

// PurgeExpired deletes records past their window.
func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
