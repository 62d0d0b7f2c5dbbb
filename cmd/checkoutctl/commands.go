package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/utafrali/checkoutflow/internal/cart"
	cartredis "github.com/utafrali/checkoutflow/internal/cart/redis"
	"github.com/utafrali/checkoutflow/internal/config"
	"github.com/utafrali/checkoutflow/internal/guard"
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
	"github.com/utafrali/checkoutflow/pkg/httpclient"
	"github.com/utafrali/checkoutflow/pkg/logger"
)

// cli holds what the subcommands share. The open functions and the payment
// lookups default to the configured downstreams and are swapped out in tests.
type cli struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer

	openDB    func(ctx context.Context) (database.DBTX, func(), error)
	openRedis func(ctx context.Context) (redis.Cmdable, func(), error)
	payments  service.SettlementChecker
}

func newRootCmd(c *cli) *cobra.Command {
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "checkoutctl",
		Short:         "Operator tasks for the checkout service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg == nil {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				c.cfg = cfg
			}
			if c.logger == nil {
				c.logger = logger.NewWithWriter("checkoutctl", c.cfg.LogLevel, cmd.ErrOrStderr())
			}
			if c.openDB == nil {
				c.openDB = c.dialPostgres
			}
			if c.openRedis == nil {
				c.openRedis = c.dialRedis
			}
			if c.payments == nil {
				c.payments = c.settlements()
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			cobra.OnFinalize(cancel)
			cmd.SetContext(ctx)
			return nil
		},
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "deadline for the whole command")

	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.reconcileCmd())
	root.AddCommand(c.orderCmd())
	return root
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending ledger migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, closeDB, err := c.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			applied, err := database.RunMigrations(cmd.Context(), db, migrations.FS, c.logger)
			if err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			fmt.Fprintf(c.out, "applied %d migrations\n", applied)
			return nil
		},
	}
}

func (c *cli) reconcileCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Close open orders older than the stale order TTL",
		Long: `Runs one reconciliation pass over every pending or processing order that
has not changed within the TTL. The wallet and the hosted provider are asked
whether the order was paid: paid orders are marked paid and their cart is
cleared, unpaid ones are cancelled. Either way the pending confirmation is
dropped and the user is notified. An order whose payment state cannot be
read is left open. Generic card orders are never touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ttl <= 0 {
				ttl = c.cfg.StaleOrderTTL()
			}
			db, closeDB, err := c.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()
			rdb, closeRedis, err := c.openRedis(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRedis()

			emitter := notify.NewEmitter(notify.NewLogTransport(c.logger), notify.Config{Workers: 1}, c.logger)
			defer func() {
				if err := emitter.Close(context.WithoutCancel(cmd.Context())); err != nil {
					c.logger.Warn("notifications not delivered", slog.String("error", err.Error()))
				}
			}()

			r := service.NewReconciler(
				ledgerpg.NewLedger(db),
				cart.NewService(cartredis.NewStore(rdb, c.cfg.CartTTL()), c.logger),
				c.payments,
				handshakeredis.NewStore(rdb, c.cfg.PendingConfirmationTTL()),
				guard.NewRedisLocker(rdb, c.cfg.LockTTL(), c.logger),
				emitter, ttl, 0, c.logger,
			)
			res, err := r.RunOnce(cmd.Context())
			fmt.Fprintf(c.out, "cancelled %d stale orders, settled %d paid orders\n", res.Cancelled, res.Settled)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "override STALE_ORDER_TTL_HOURS")
	return cmd
}

func (c *cli) orderCmd() *cobra.Command {
	order := &cobra.Command{
		Use:   "order",
		Short: "Inspect orders",
	}
	order.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Print an order with its items as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := c.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			o, err := ledgerpg.NewLedger(db).GetOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.out)
			enc.SetIndent("", "  ")
			return enc.Encode(o)
		},
	})
	return order
}

func (c *cli) dialPostgres(ctx context.Context) (database.DBTX, func(), error) {
	pool, err := database.NewPostgresPool(ctx, c.cfg.Postgres(), c.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return pool, pool.Close, nil
}

func (c *cli) dialRedis(ctx context.Context) (redis.Cmdable, func(), error) {
	client, err := database.NewRedisClient(ctx, c.cfg.Redis())
	if err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// settlements reads payments straight from the wallet and the configured
// provider. The in-process mock provider holds no intents here, so with it
// only wallet debits are found.
func (c *cli) settlements() *payment.Settlements {
	client := httpclient.New(httpclient.DefaultConfig())
	var hosted payment.IntentLookup = providermock.New()
	if c.cfg.HostedProvider == config.ProviderHTTP {
		hosted = provider.NewHTTPProvider(c.cfg.HostedProviderURL, c.cfg.HostedProviderSecretKey,
			c.cfg.HostedProviderCurrency, client)
	}
	return payment.NewSettlements(wallet.NewClient(c.cfg.WalletServiceURL, client), hosted)
}
