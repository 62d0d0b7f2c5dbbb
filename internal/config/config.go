package config

import (
	"fmt"
	"net/url"
	"time"

	pkgconfig "github.com/utafrali/checkoutflow/pkg/config"
	"github.com/utafrali/checkoutflow/pkg/database"
)

// Hosted provider backends.
const (
	ProviderHTTP = "http"
	ProviderMock = "mock"
)

// Config holds all configuration for the checkout service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	HTTPPort int `env:"CHECKOUT_HTTP_PORT" envDefault:"8004"`

	// PostgreSQL (order ledger)
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"ecommerce"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"ecommerce_secret"`
	PostgresDB   string `env:"CHECKOUT_DB_NAME" envDefault:"checkout_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Redis (cart, confirmation handshake, submit lock, consumer idempotency)
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Payment downstreams
	WalletServiceURL             string `env:"WALLET_SERVICE_URL" envDefault:"http://localhost:8010"`
	HostedProvider               string `env:"HOSTED_PROVIDER" envDefault:"mock"`
	HostedProviderURL            string `env:"HOSTED_PROVIDER_URL" envDefault:"http://localhost:12111"`
	HostedProviderSecretKey      string `env:"HOSTED_PROVIDER_SECRET_KEY"`
	HostedProviderPublishableKey string `env:"HOSTED_PROVIDER_PUBLISHABLE_KEY" envDefault:"pk_test_local"`
	HostedProviderCurrency       string `env:"HOSTED_PROVIDER_CURRENCY" envDefault:"usd"`

	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Per-step timeouts (seconds). Each ledger write and each payment call
	// gets its own deadline so one slow dependency cannot hold the submit lock.
	StepLedgerTimeout  int `env:"STEP_LEDGER_TIMEOUT" envDefault:"5"`
	StepPaymentTimeout int `env:"STEP_PAYMENT_TIMEOUT" envDefault:"15"`

	CartTTLHours                  int `env:"CART_TTL_HOURS" envDefault:"168"`
	PendingConfirmationTTLMinutes int `env:"PENDING_CONFIRMATION_TTL_MINUTES" envDefault:"30"`
	CheckoutLockTTLSeconds        int `env:"CHECKOUT_LOCK_TTL_SECONDS" envDefault:"60"`

	// Reconciliation of unpaid orders. An interval of 0 disables the loop.
	StaleOrderTTLHours       int `env:"STALE_ORDER_TTL_HOURS" envDefault:"24"`
	ReconcileIntervalMinutes int `env:"RECONCILE_INTERVAL_MINUTES" envDefault:"15"`

	NotifyWorkers        int    `env:"NOTIFY_WORKERS" envDefault:"4"`
	NotifyQueueSize      int    `env:"NOTIFY_QUEUE_SIZE" envDefault:"256"`
	NotifyTimeoutSeconds int    `env:"NOTIFY_TIMEOUT_SECONDS" envDefault:"5"`
	NotifyTransport      string `env:"NOTIFY_TRANSPORT" envDefault:"kafka"`

	SubmitRateLimitRPS   float64 `env:"SUBMIT_RATE_LIMIT_RPS" envDefault:"1"`
	SubmitRateLimitBurst int     `env:"SUBMIT_RATE_LIMIT_BURST" envDefault:"5"`

	FulfillmentConsumerEnabled bool   `env:"FULFILLMENT_CONSUMER_ENABLED" envDefault:"true"`
	FulfillmentGroupID         string `env:"FULFILLMENT_GROUP_ID" envDefault:"checkout-service"`

	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load checkout config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}

	switch c.HostedProvider {
	case ProviderMock:
	case ProviderHTTP:
		if c.HostedProviderSecretKey == "" {
			return fmt.Errorf("HOSTED_PROVIDER_SECRET_KEY is required when HOSTED_PROVIDER=http")
		}
		if _, err := url.ParseRequestURI(c.HostedProviderURL); err != nil {
			return fmt.Errorf("invalid HOSTED_PROVIDER_URL %q: %w", c.HostedProviderURL, err)
		}
	default:
		return fmt.Errorf("HOSTED_PROVIDER must be %q or %q, got %q", ProviderHTTP, ProviderMock, c.HostedProvider)
	}

	if _, err := url.ParseRequestURI(c.WalletServiceURL); err != nil {
		return fmt.Errorf("invalid WALLET_SERVICE_URL %q: %w", c.WalletServiceURL, err)
	}
	if c.NotifyTransport != "kafka" && c.NotifyTransport != "log" {
		return fmt.Errorf("NOTIFY_TRANSPORT must be kafka or log, got %q", c.NotifyTransport)
	}
	if c.LockTTL() <= c.SubmitBudget() {
		return fmt.Errorf("CHECKOUT_LOCK_TTL_SECONDS must exceed the worst-case submit time of %s, got %s",
			c.SubmitBudget(), c.LockTTL())
	}
	if c.NotifyWorkers < 1 {
		return fmt.Errorf("NOTIFY_WORKERS must be at least 1")
	}
	if c.StaleOrderTTLHours < 1 {
		return fmt.Errorf("STALE_ORDER_TTL_HOURS must be at least 1")
	}
	if c.ReconcileIntervalMinutes < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL_MINUTES must not be negative")
	}
	if c.SubmitRateLimitRPS <= 0 || c.SubmitRateLimitBurst < 1 {
		return fmt.Errorf("SUBMIT_RATE_LIMIT_RPS and SUBMIT_RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// Postgres returns the ledger pool settings.
func (c *Config) Postgres() *database.PostgresConfig {
	return &database.PostgresConfig{
		Host:            c.PostgresHost,
		Port:            c.PostgresPort,
		User:            c.PostgresUser,
		Password:        c.PostgresPass,
		DBName:          c.PostgresDB,
		SSLMode:         c.PostgresSSL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: time.Duration(c.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(c.DBMaxConnIdleTimeMins) * time.Minute,
	}
}

// Redis returns the redis client settings.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{Host: c.RedisHost, Port: c.RedisPort, Password: c.RedisPassword, DB: c.RedisDB}
}

func (c *Config) LedgerTimeout() time.Duration  { return seconds(c.StepLedgerTimeout) }
func (c *Config) PaymentTimeout() time.Duration { return seconds(c.StepPaymentTimeout) }
func (c *Config) NotifyTimeout() time.Duration  { return seconds(c.NotifyTimeoutSeconds) }
func (c *Config) LockTTL() time.Duration        { return seconds(c.CheckoutLockTTLSeconds) }
func (c *Config) CartTTL() time.Duration        { return time.Duration(c.CartTTLHours) * time.Hour }
func (c *Config) StaleOrderTTL() time.Duration  { return time.Duration(c.StaleOrderTTLHours) * time.Hour }

// SubmitBudget bounds how long a submit holds the checkout lock. The balance
// read and the payment call run under the payment timeout and the two ledger
// steps under the ledger timeout; one more ledger timeout covers the cart and
// handshake calls.
func (c *Config) SubmitBudget() time.Duration {
	return 3*c.LedgerTimeout() + 2*c.PaymentTimeout()
}

func (c *Config) PendingConfirmationTTL() time.Duration {
	return time.Duration(c.PendingConfirmationTTLMinutes) * time.Minute
}

// ReconcileInterval is zero when the reconciler is disabled.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMinutes) * time.Minute
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
