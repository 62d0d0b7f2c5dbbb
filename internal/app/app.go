package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/utafrali/checkoutflow/internal/cart"
	cartredis "github.com/utafrali/checkoutflow/internal/cart/redis"
	"github.com/utafrali/checkoutflow/internal/config"
	"github.com/utafrali/checkoutflow/internal/fulfillment"
	"github.com/utafrali/checkoutflow/internal/guard"
	handler "github.com/utafrali/checkoutflow/internal/handler/http"
	handshakeredis "github.com/utafrali/checkoutflow/internal/handshake/redis"
	ledgerpg "github.com/utafrali/checkoutflow/internal/ledger/postgres"
	"github.com/utafrali/checkoutflow/internal/notify"
	"github.com/utafrali/checkoutflow/internal/payment"
	"github.com/utafrali/checkoutflow/internal/provider"
	providermock "github.com/utafrali/checkoutflow/internal/provider/mock"
	"github.com/utafrali/checkoutflow/internal/service"
	"github.com/utafrali/checkoutflow/internal/wallet"
	"github.com/utafrali/checkoutflow/migrations"
	"github.com/utafrali/checkoutflow/pkg/database"
	"github.com/utafrali/checkoutflow/pkg/health"
	"github.com/utafrali/checkoutflow/pkg/httpclient"
	pkgkafka "github.com/utafrali/checkoutflow/pkg/kafka"
	"github.com/utafrali/checkoutflow/pkg/middleware"
	"github.com/utafrali/checkoutflow/pkg/tracing"
)

const (
	serviceName    = "checkout"
	serviceVersion = "0.1.0"

	// consumedEventTTL bounds how long a handled fulfillment event id is remembered.
	consumedEventTTL = 24 * time.Hour
)

// App wires together all dependencies and runs the checkout service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	dlq            *pkgkafka.DLQProducer
	consumer       *pkgkafka.Consumer
	emitter        *notify.Emitter
	reconciler     *service.Reconciler
	httpServer     *http.Server
	tracerShutdown func(context.Context) error

	stopBackground context.CancelFunc
	background     sync.WaitGroup
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Order ledger.
	pool, err := database.NewPostgresPool(ctx, cfg.Postgres(), logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	if err := prometheus.Register(database.NewPoolStatsCollector(pool)); err != nil {
		logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
	}

	applied, err := database.RunMigrations(ctx, pool, migrations.FS, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed", slog.Int("applied", applied))

	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}

	// Carts, pending confirmations, submit locks and consumed event ids.
	redisClient, err := database.NewRedisClient(ctx, cfg.Redis())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis", slog.String("addr", cfg.Redis().Addr()))

	// Kafka producer for notifications and dead letters.
	producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	var transport notify.Transport = notify.NewKafkaTransport(producer, serviceName)
	if cfg.NotifyTransport == "log" {
		transport = notify.NewLogTransport(logger)
	}
	emitter := notify.NewEmitter(transport, notify.Config{
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
		Timeout:   cfg.NotifyTimeout(),
	}, logger)

	// Payment downstreams, each behind its own breaker so an open provider
	// does not block platform credit checkouts.
	baseClient := httpclient.New(httpclient.DefaultConfig())
	walletClient := wallet.NewClient(cfg.WalletServiceURL, breaker(baseClient, "wallet", cfg, logger))

	var hosted provider.Provider
	switch cfg.HostedProvider {
	case config.ProviderHTTP:
		hosted = provider.NewHTTPProvider(
			cfg.HostedProviderURL,
			cfg.HostedProviderSecretKey,
			cfg.HostedProviderCurrency,
			breaker(baseClient, "hosted-provider", cfg, logger),
		)
	default:
		logger.Warn("using in-process hosted provider, payments are simulated")
		hosted = providermock.New()
	}

	processor := payment.NewProcessor(logger,
		payment.NewPlatformCredit(walletClient),
		payment.GenericCard{},
		payment.NewHostedProvider(hosted),
	)

	// Build the dependency graph.
	carts := cart.NewService(cartredis.NewStore(redisClient, cfg.CartTTL()), logger)
	orders := ledgerpg.NewLedger(pool)
	confirmations := handshakeredis.NewStore(redisClient, cfg.PendingConfirmationTTL())

	locker := guard.NewRedisLocker(redisClient, cfg.LockTTL(), logger)

	checkoutService := service.NewCheckoutService(
		carts,
		orders,
		walletClient,
		processor,
		hosted,
		confirmations,
		locker,
		emitter,
		service.StepTimeouts{
			Ledger:  cfg.LedgerTimeout(),
			Payment: cfg.PaymentTimeout(),
		},
		logger,
	)
	reconciler := service.NewReconciler(orders, carts,
		payment.NewSettlements(walletClient, hosted),
		confirmations, locker, emitter,
		cfg.StaleOrderTTL(), cfg.ReconcileInterval(), logger)

	var (
		consumer *pkgkafka.Consumer
		dlq      *pkgkafka.DLQProducer
	)
	if cfg.FulfillmentConsumerEnabled {
		dlq = pkgkafka.NewDLQProducer(cfg.KafkaBrokers, logger)
		seen := pkgkafka.NewRedisIdempotencyStore(redisClient, "checkout:consumed:", consumedEventTTL)
		handle := pkgkafka.IdempotentHandler(seen, cfg.FulfillmentGroupID,
			fulfillment.NewHandler(orders, emitter, logger).Handle, logger)
		consumer = pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
			Brokers:  cfg.KafkaBrokers,
			GroupID:  cfg.FulfillmentGroupID,
			Topic:    fulfillment.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}, handle, dlq, logger)
	}

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterCritical("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	// HTTP router.
	router := handler.NewRouter(
		handler.NewCheckoutHandler(checkoutService, cfg.HostedProviderPublishableKey, logger),
		handler.NewCartHandler(carts, logger),
		healthHandler,
		middleware.NewUserRateLimiter(cfg.SubmitRateLimitRPS, cfg.SubmitRateLimitBurst, logger),
		logger,
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redis:          redisClient,
		producer:       producer,
		dlq:            dlq,
		consumer:       consumer,
		emitter:        emitter,
		reconciler:     reconciler,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

func breaker(base httpclient.Doer, name string, cfg *config.Config, logger *slog.Logger) *httpclient.CircuitBreakerClient {
	cbCfg := httpclient.CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  cfg.CBMaxRequests,
		Interval:     time.Duration(cfg.CBInterval) * time.Second,
		Timeout:      time.Duration(cfg.CBTimeout) * time.Second,
		FailureRatio: cfg.CBFailureRatio,
		MinRequests:  cfg.CBMinRequests,
	}
	logger.Info("circuit breaker initialized",
		slog.String("name", cbCfg.Name),
		slog.Uint64("max_requests", uint64(cbCfg.MaxRequests)),
		slog.Int("timeout_seconds", cfg.CBTimeout),
		slog.Uint64("min_requests", uint64(cbCfg.MinRequests)),
	)
	return httpclient.NewCircuitBreakerClient(base, cbCfg, logger).
		WithFallback(service.CircuitOpenFallback)
}

// Run starts the HTTP server and background workers and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	bgCtx, stop := context.WithCancel(ctx)
	a.stopBackground = stop

	a.background.Add(1)
	go func() {
		defer a.background.Done()
		a.reconciler.Run(bgCtx)
	}()

	if a.consumer != nil {
		a.background.Add(1)
		go func() {
			defer a.background.Done()
			if err := a.consumer.Start(bgCtx); err != nil {
				a.logger.Error("fulfillment consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return errors.Join(err, a.Shutdown())
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Reconciler and fulfillment consumer
// 3. Notification emitter (deliver queued notifications)
// 4. Tracer (flush pending spans)
// 5. Kafka producers
// 6. Redis client and PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. The consumer closes its reader when its context ends.
	if a.stopBackground != nil {
		a.stopBackground()
	}
	a.background.Wait()

	// 3. Notifications raised by drained requests still go out (3s budget).
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer notifyCancel()
	if err := a.emitter.Close(notifyCtx); err != nil {
		a.logger.Error("notification emitter close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 4. Flush pending spans.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 5. Close Kafka producers.
	if a.dlq != nil {
		if err := a.dlq.Close(); err != nil {
			a.logger.Error("dlq producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 6. Close stores.
	if err := a.redis.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
