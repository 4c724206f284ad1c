package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
)

// PaymentRepository persists payment intents.
type PaymentRepository struct {
	db *pgxpool.Pool
}

// NewPaymentRepository constructs a PaymentRepository.
func NewPaymentRepository(db *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const intentColumns = `id, booking_id, amount_cents, status, provider_ref, created_at, updated_at, refund_requested_at`

func scanIntent(row pgx.Row) (*model.PaymentIntent, error) {
	var p model.PaymentIntent
	if err := row.Scan(&p.ID, &p.BookingID, &p.AmountCents, &p.Status, &p.ProviderRef, &p.CreatedAt, &p.UpdatedAt, &p.RefundRequestedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateIntent inserts the booking's intent; a second call for the same
// booking is a no-op.
func (r *PaymentRepository) CreateIntent(ctx context.Context, p *model.PaymentIntent) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO payment_intents (id, booking_id, amount_cents, status, provider_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (booking_id) DO NOTHING`,
		p.ID, p.BookingID, p.AmountCents, p.Status, p.ProviderRef, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment intent: %w", err)
	}
	return nil
}

// IntentByBooking returns the booking's intent or store.ErrNotFound.
func (r *PaymentRepository) IntentByBooking(ctx context.Context, bookingID string) (*model.PaymentIntent, error) {
	p, err := scanIntent(r.db.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE booking_id = $1`, bookingID))
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

// UpdateIntentStatus records the latest gateway status.
func (r *PaymentRepository) UpdateIntentStatus(ctx context.Context, bookingID string, status model.PaymentStatus, providerRef string, now time.Time) (*model.PaymentIntent, error) {
	p, err := scanIntent(r.db.QueryRow(ctx,
		`UPDATE payment_intents
		 SET status = $2, provider_ref = COALESCE(NULLIF($3, ''), provider_ref), updated_at = $4
		 WHERE booking_id = $1
		 RETURNING `+intentColumns,
		bookingID, status, providerRef, now,
	))
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

// MarkRefundRequested sets refund_requested_at if it is still NULL. Only the
// caller whose UPDATE matched gets true.
func (r *PaymentRepository) MarkRefundRequested(ctx context.Context, bookingID string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE payment_intents
		 SET refund_requested_at = $2, updated_at = $2
		 WHERE booking_id = $1 AND refund_requested_at IS NULL`,
		bookingID, now,
	)
	if err != nil {
		return false, fmt.Errorf("mark refund requested: %w", classify(err))
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.IntentByBooking(ctx, bookingID); err != nil {
		return false, err
	}
	return false, nil
}
