package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

// IdempotencyConfig bounds how long keys deduplicate.
type IdempotencyConfig struct {
	// TTL is the replay window. After it a repeated key is Fresh again.
	TTL time.Duration
	// ClaimLease is how long a provisional claim blocks other attempts before
	// it is treated as abandoned by a crashed worker.
	ClaimLease time.Duration
}

// Claim is the result of IdempotencyGuard.Claim. Fresh means the caller owns
// the key and must Bind or Abandon it. Otherwise BookingID names the booking
// the first request produced, or is empty while that request is in flight.
type Claim struct {
	Fresh     bool
	BookingID string
	Record    *model.IdempotencyRecord
}

// IdempotencyGuard deduplicates booking requests by (user, key).
type IdempotencyGuard struct {
	store  store.IdempotencyStore
	cache  IdempotencyCache
	logger *slog.Logger
	cfg    IdempotencyConfig
	now    Clock
}

// NewIdempotencyGuard constructs an IdempotencyGuard. cache may be nil.
func NewIdempotencyGuard(s store.IdempotencyStore, cache IdempotencyCache, logger *slog.Logger, cfg IdempotencyConfig, now Clock) *IdempotencyGuard {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = time.Minute
	}
	return &IdempotencyGuard{
		store:  s,
		cache:  cache,
		logger: orDefault(logger).With("component", "idempotency"),
		cfg:    cfg,
		now:    orClock(now),
	}
}

// Claim atomically takes ownership of (user, key). An empty key is always
// Fresh and is never recorded.
func (g *IdempotencyGuard) Claim(ctx context.Context, userID, key string) (*Claim, error) {
	if key == "" {
		return &Claim{Fresh: true}, nil
	}
	if g.cache != nil {
		id, ok, err := g.cache.Get(ctx, userID, key)
		if err != nil {
			g.logger.Warn("idempotency cache read failed", "user_id", userID, "error", err)
		} else if ok {
			return &Claim{BookingID: id}, nil
		}
	}

	now := g.now()
	rec, fresh, err := g.store.Claim(ctx, userID, key, now, now.Add(g.cfg.TTL), now.Add(-g.cfg.ClaimLease))
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	return &Claim{Fresh: fresh, BookingID: rec.BookingID, Record: rec}, nil
}

// Bind associates the claimed key with the booking it produced. The first
// binding wins.
func (g *IdempotencyGuard) Bind(ctx context.Context, userID, key, bookingID string) error {
	if key == "" {
		return nil
	}
	if err := g.store.Bind(ctx, userID, key, bookingID); err != nil {
		return fmt.Errorf("bind idempotency key: %w", err)
	}
	if g.cache != nil {
		if err := g.cache.Set(ctx, userID, key, bookingID, g.cfg.TTL); err != nil {
			g.logger.Warn("idempotency cache write failed", "user_id", userID, "error", err)
		}
	}
	return nil
}

// Abandon drops a provisional claim so the key can be used again.
func (g *IdempotencyGuard) Abandon(ctx context.Context, userID, key string) {
	if key == "" {
		return
	}
	if err := g.store.Abandon(ctx, userID, key); err != nil {
		g.logger.Warn("abandon idempotency claim failed", "user_id", userID, "error", err)
	}
}

// Purge deletes expired records.
func (g *IdempotencyGuard) Purge(ctx context.Context) (int64, error) {
	return g.store.PurgeExpired(ctx, g.now())
}
