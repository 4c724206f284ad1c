// Package config loads service settings from the environment and an optional
// .env file via viper.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all configuration for the admission service.
type Config struct {
	ServerPort          string        `mapstructure:"SERVER_PORT"`
	StoreBackend        string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns    int32         `mapstructure:"DATABASE_MAX_CONNS"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	RedisKeyPrefix      string        `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL         string        `mapstructure:"RABBITMQ_URL"`
	PaymentExchange     string        `mapstructure:"PAYMENT_EXCHANGE"`
	PaymentOutcomeQueue string        `mapstructure:"PAYMENT_OUTCOME_QUEUE"`
	AllowedOrigins      []string      `mapstructure:"ALLOWED_ORIGINS"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	PendingTTL          time.Duration `mapstructure:"PENDING_TTL"`
	HoldTTL             time.Duration `mapstructure:"HOLD_TTL"`
	IdempotencyTTL      time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	ClaimLease          time.Duration `mapstructure:"CLAIM_LEASE"`
	WaitlistTTL         time.Duration `mapstructure:"WAITLIST_TTL"`
	ReserveMaxAttempts  int           `mapstructure:"RESERVE_MAX_ATTEMPTS"`
	ReserveBackoff      time.Duration `mapstructure:"RESERVE_BACKOFF"`
	PromotionLockTTL    time.Duration `mapstructure:"PROMOTION_LOCK_TTL"`
	MaxTicketsPerOrder  int           `mapstructure:"MAX_TICKETS_PER_BOOKING"`
	ExpirePendingJob    string        `mapstructure:"EXPIRE_PENDING_SCHEDULE"`
	OrphanHoldsJob      string        `mapstructure:"ORPHAN_HOLDS_SCHEDULE"`
	WaitlistExpiryJob   string        `mapstructure:"WAITLIST_EXPIRY_SCHEDULE"`
	IdempotencyPurgeJob string        `mapstructure:"IDEMPOTENCY_PURGE_SCHEDULE"`
	ReconcileJob        string        `mapstructure:"RECONCILE_SCHEDULE"`
	PromotionJob        string        `mapstructure:"PROMOTION_SCHEDULE"`
}

var defaults = map[string]any{
	"SERVER_PORT":                "8080",
	"STORE_BACKEND":              BackendPostgres,
	"DATABASE_MAX_CONNS":         20,
	"REDIS_KEY_PREFIX":           "admission",
	"PAYMENT_EXCHANGE":           "payment_events",
	"PAYMENT_OUTCOME_QUEUE":      "admission.payment_outcomes",
	"ALLOWED_ORIGINS":            "*",
	"LOG_LEVEL":                  "info",
	"PENDING_TTL":                "15m",
	"HOLD_TTL":                   "2m",
	"IDEMPOTENCY_TTL":            "24h",
	"CLAIM_LEASE":                "1m",
	"WAITLIST_TTL":               "72h",
	"RESERVE_MAX_ATTEMPTS":       5,
	"RESERVE_BACKOFF":            "20ms",
	"PROMOTION_LOCK_TTL":         "10s",
	"MAX_TICKETS_PER_BOOKING":    10,
	"EXPIRE_PENDING_SCHEDULE":    "@every 30s",
	"ORPHAN_HOLDS_SCHEDULE":      "@every 1m",
	"WAITLIST_EXPIRY_SCHEDULE":   "@every 5m",
	"IDEMPOTENCY_PURGE_SCHEDULE": "@hourly",
	"RECONCILE_SCHEDULE":         "@every 5m",
	"PROMOTION_SCHEDULE":         "@every 1m",
}

// LoadConfig reads configuration from the environment, falling back to a
// .env file in path and then to defaults.
func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
	// Bind explicitly so keys without defaults appear in Unmarshal.
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "RABBITMQ_URL"} {
		_ = viper.BindEnv(key)
	}
	for key := range defaults {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.ServerPort = strings.TrimPrefix(strings.TrimSpace(c.ServerPort), ":")
	if c.ServerPort == "" {
		c.ServerPort = "8080"
	}
	if c.DatabaseMaxConns <= 0 {
		c.DatabaseMaxConns = 20
	}
	c.PendingTTL = positive(c.PendingTTL, 15*time.Minute)
	c.HoldTTL = positive(c.HoldTTL, 2*time.Minute)
	c.IdempotencyTTL = positive(c.IdempotencyTTL, 24*time.Hour)
	c.ClaimLease = positive(c.ClaimLease, time.Minute)
	c.WaitlistTTL = positive(c.WaitlistTTL, 72*time.Hour)
	c.ReserveBackoff = positive(c.ReserveBackoff, 20*time.Millisecond)
	c.PromotionLockTTL = positive(c.PromotionLockTTL, 10*time.Second)
	if c.ReserveMaxAttempts <= 0 {
		c.ReserveMaxAttempts = 5
	}
	if c.MaxTicketsPerOrder <= 0 {
		c.MaxTicketsPerOrder = 10
	}

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c.AllowedOrigins = origins
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", BackendPostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StoreBackend)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
