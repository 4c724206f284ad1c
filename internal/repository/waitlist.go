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

// WaitlistRepository persists waitlist entries. The BIGSERIAL seq column is
// the ordering key, so FIFO order is fixed by the database at insert time.
type WaitlistRepository struct {
	db *pgxpool.Pool
}

// NewWaitlistRepository constructs a WaitlistRepository.
func NewWaitlistRepository(db *pgxpool.Pool) *WaitlistRepository {
	return &WaitlistRepository{db: db}
}

const entryColumns = `id, event_id, user_id, quantity, seq, enrolled_at, expires_at`

func scanEntry(row pgx.Row) (*model.WaitlistEntry, error) {
	var e model.WaitlistEntry
	if err := row.Scan(&e.ID, &e.EventID, &e.UserID, &e.Quantity, &e.Seq, &e.EnrolledAt, &e.ExpiresAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]model.WaitlistEntry, error) {
	defer rows.Close()
	var out []model.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waitlist entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Enroll appends an entry. An expired entry for the same user is replaced;
// a live one fails with store.ErrAlreadyEnrolled.
func (r *WaitlistRepository) Enroll(ctx context.Context, e *model.WaitlistEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM waitlist_entries WHERE event_id = $1 AND user_id = $2 AND expires_at <= $3`,
			e.EventID, e.UserID, e.EnrolledAt,
		); err != nil {
			return fmt.Errorf("clear expired entry: %w", err)
		}
		if e.Seq != 0 {
			// Restoring a removed entry keeps its original place.
			_, err := tx.Exec(ctx,
				`INSERT INTO waitlist_entries (id, seq, event_id, user_id, quantity, enrolled_at, expires_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				e.ID, e.Seq, e.EventID, e.UserID, e.Quantity, e.EnrolledAt, e.ExpiresAt,
			)
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO waitlist_entries (id, event_id, user_id, quantity, enrolled_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING seq`,
			e.ID, e.EventID, e.UserID, e.Quantity, e.EnrolledAt, e.ExpiresAt,
		).Scan(&e.Seq)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyEnrolled
		}
		return fmt.Errorf("enroll waitlist: %w", classify(err))
	}
	return nil
}

// NextEligible scans from the head and returns the first live entry that fits.
// Larger requests ahead of it are skipped, not removed.
func (r *WaitlistRepository) NextEligible(ctx context.Context, eventID string, available int, now time.Time) (*model.WaitlistEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM waitlist_entries
		 WHERE event_id = $1 AND quantity <= $2 AND expires_at > $3
		 ORDER BY seq
		 LIMIT 1`,
		eventID, available, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next eligible: %w", err)
	}
	return e, nil
}

// Remove deletes the user's entry for the event.
func (r *WaitlistRepository) Remove(ctx context.Context, eventID, userID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM waitlist_entries WHERE event_id = $1 AND user_id = $2`,
		eventID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("remove waitlist entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Position returns the 1-based rank of the user's live entry.
func (r *WaitlistRepository) Position(ctx context.Context, eventID, userID string, now time.Time) (int, error) {
	var pos int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM waitlist_entries w
		 WHERE w.event_id = $1 AND w.expires_at > $3
		   AND w.seq <= (SELECT seq FROM waitlist_entries
		                  WHERE event_id = $1 AND user_id = $2 AND expires_at > $3)`,
		eventID, userID, now,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("waitlist position: %w", err)
	}
	if pos == 0 {
		return 0, store.ErrNotFound
	}
	return pos, nil
}

// Entries lists live entries in FIFO order.
func (r *WaitlistRepository) Entries(ctx context.Context, eventID string, now time.Time) ([]model.WaitlistEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+entryColumns+` FROM waitlist_entries
		 WHERE event_id = $1 AND expires_at > $2
		 ORDER BY seq`,
		eventID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list waitlist: %w", err)
	}
	return collectEntries(rows)
}

// RemoveExpired deletes and returns entries past their expiry.
func (r *WaitlistRepository) RemoveExpired(ctx context.Context, now time.Time) ([]model.WaitlistEntry, error) {
	rows, err := r.db.Query(ctx,
		`DELETE FROM waitlist_entries WHERE expires_at <= $1 RETURNING `+entryColumns,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("remove expired waitlist entries: %w", err)
	}
	return collectEntries(rows)
}
