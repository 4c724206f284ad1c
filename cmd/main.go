// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/cache"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/config"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/database"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/handler"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/memstore"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/messaging"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/scheduler"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/service"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("cannot load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// ── 1. Storage backend ────────────────────────────────────────────────
	var (
		stores store.Stores
		locker service.Locker
	)
	switch cfg.StoreBackend {
	case config.BackendMemory:
		stores = memstore.New().Stores()
		logger.Warn("using in-memory store; state is lost on restart")
	default:
		pool, err := database.NewPool(ctx, database.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DatabaseMaxConns}, logger)
		if err != nil {
			logger.Error("database connect failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Error("database migrate failed", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to PostgreSQL")
		stores = repository.New(pool)
		locker = repository.NewAdvisoryLocker(pool)
	}

	// ── 2. Redis (optional) ───────────────────────────────────────────────
	var idemCache service.IdempotencyCache
	if client := connectRedis(logger, cfg.RedisURL); client != nil {
		defer client.Close()
		idemCache = cache.NewIdempotencyCache(client, cfg.RedisKeyPrefix)
		locker = cache.NewLocker(client, cfg.RedisKeyPrefix, cfg.PromotionLockTTL, cfg.PromotionLockTTL)
	}

	// ── 3. RabbitMQ (optional) ────────────────────────────────────────────
	var publisher messaging.Publisher = messaging.FallbackPublisher{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("RABBITMQ_URL not set; events and payment requests are only logged")
	} else if producer, err := messaging.NewProducer(cfg.RabbitMQURL, cfg.PaymentExchange, logger); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		defer producer.Close()
		publisher = producer
	}

	// ── 4. Wire up the core ───────────────────────────────────────────────
	core := service.NewCore(stores, service.Options{
		Logger:    logger,
		Cache:     idemCache,
		Locker:    locker,
		Gateway:   messaging.NewGateway(publisher),
		Publisher: publisher,
		Ledger: service.LedgerConfig{
			HoldTTL:     cfg.HoldTTL,
			MaxAttempts: cfg.ReserveMaxAttempts,
			BaseBackoff: cfg.ReserveBackoff,
		},
		Idempotency: service.IdempotencyConfig{TTL: cfg.IdempotencyTTL, ClaimLease: cfg.ClaimLease},
		PendingTTL:  cfg.PendingTTL,
		WaitlistTTL: cfg.WaitlistTTL,
		MaxQuantity: cfg.MaxTicketsPerOrder,
	})

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		consumer, err := messaging.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("payment outcome consumer unavailable; HTTP callback only", "error", err)
		} else {
			defer consumer.Close()
			outcomes := messaging.NewOutcomeHandler(core.Payments, logger)
			if err := consumer.ConsumeWithBindings(cfg.PaymentExchange, cfg.PaymentOutcomeQueue, map[string]func([]byte) bool{
				messaging.RoutingPaymentOutcome: outcomes.HandleMessage,
			}); err != nil {
				logger.Warn("payment outcome consumer failed to start", "error", err)
			}
		}
	}

	// ── 5. Background sweeps ──────────────────────────────────────────────
	sched := scheduler.New(core.Sweeper, logger, scheduler.Schedules{
		ExpirePending:    cfg.ExpirePendingJob,
		OrphanHolds:      cfg.OrphanHoldsJob,
		WaitlistExpiry:   cfg.WaitlistExpiryJob,
		IdempotencyPurge: cfg.IdempotencyPurgeJob,
		Reconcile:        cfg.ReconcileJob,
		Promotion:        cfg.PromotionJob,
	}, time.Minute)
	sched.Start()

	// ── 6. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:      handler.NewRouter(core, logger, cfg.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Run in background goroutine so we can listen for shutdown signal.
	go func() {
		logger.Info("server listening", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	<-sched.Stop().Done()
	logger.Info("server stopped")
}

// connectRedis returns a live client, or nil when Redis is not configured or
// unreachable. The service runs without the cache in that case.
func connectRedis(logger *slog.Logger, url string) *redis.Client {
	if strings.TrimSpace(url) == "" {
		logger.Info("REDIS_URL not set; idempotency cache disabled")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("redis url parse failed; idempotency cache disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; idempotency cache disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
