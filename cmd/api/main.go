package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aveline-shop/aveline-backend/api/controllers"
	"github.com/aveline-shop/aveline-backend/api/controllers/webhooks"
	"github.com/aveline-shop/aveline-backend/api/routes"
	"github.com/aveline-shop/aveline-backend/internal/cart"
	"github.com/aveline-shop/aveline-backend/internal/discounts"
	"github.com/aveline-shop/aveline-backend/internal/disputes"
	"github.com/aveline-shop/aveline-backend/internal/fulfillment"
	"github.com/aveline-shop/aveline-backend/internal/inventory"
	"github.com/aveline-shop/aveline-backend/internal/orders"
	"github.com/aveline-shop/aveline-backend/internal/refunds"
	"github.com/aveline-shop/aveline-backend/internal/tasks"
	stripewebhook "github.com/aveline-shop/aveline-backend/internal/webhooks/stripe"
	"github.com/aveline-shop/aveline-backend/pkg/config"
	"github.com/aveline-shop/aveline-backend/pkg/db"
	"github.com/aveline-shop/aveline-backend/pkg/logger"
	"github.com/aveline-shop/aveline-backend/pkg/metrics"
	"github.com/aveline-shop/aveline-backend/pkg/migrate"
	"github.com/aveline-shop/aveline-backend/pkg/redis"
	pkgstripe "github.com/aveline-shop/aveline-backend/pkg/stripe"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logg := logger.New(logger.Options{
		ServiceName: "aveline-api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer dbClient.Close()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("auto-migrating: %w", err)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	stripeClient, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		return fmt.Errorf("initializing stripe: %w", err)
	}
	gateway, err := pkgstripe.NewGateway(stripeClient)
	if err != nil {
		return fmt.Errorf("building stripe gateway: %w", err)
	}

	webhookMetrics := metrics.NewWebhookMetrics(prometheus.DefaultRegisterer)

	gormDB := dbClient.DB()
	ordersRepo := orders.NewRepository(gormDB)
	refundsRepo := refunds.NewRepository(gormDB)
	disputesRepo := disputes.NewRepository(gormDB)
	cartRepo := cart.NewRepository(gormDB)
	discountsRepo := discounts.NewRepository(gormDB)
	inventorySvc := inventory.NewService()

	fulfillmentSvc, err := fulfillment.NewService(fulfillment.ServiceParams{
		TransactionRunner: dbClient,
		OrdersRepo:        ordersRepo,
		Inventory:         inventorySvc,
		CartRepo:          cartRepo,
		DiscountsRepo:     discountsRepo,
		Gateway:           gateway,
		Logger:            logg,
		Shop:              cfg.Shop,
	})
	if err != nil {
		return fmt.Errorf("building fulfillment service: %w", err)
	}

	refundsSvc, err := refunds.NewService(refunds.ServiceParams{
		TransactionRunner: dbClient,
		OrdersRepo:        ordersRepo,
		RefundsRepo:       refundsRepo,
		Logger:            logg,
		Shop:              cfg.Shop,
	})
	if err != nil {
		return fmt.Errorf("building refunds service: %w", err)
	}

	disputesSvc, err := disputes.NewService(disputes.ServiceParams{
		OrdersRepo:   ordersRepo,
		DisputesRepo: disputesRepo,
		Logger:       logg,
	})
	if err != nil {
		return fmt.Errorf("building disputes service: %w", err)
	}

	dispatcher, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Fulfillment: fulfillmentSvc,
		Refunds:     refundsSvc,
		Disputes:    disputesSvc,
		Logger:      logg,
		Metrics:     webhookMetrics,
	})
	if err != nil {
		return fmt.Errorf("building webhook dispatcher: %w", err)
	}

	guard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Webhook.EventGuardTTL, "stripe")
	if err != nil {
		return fmt.Errorf("building replay guard: %w", err)
	}

	var mailer tasks.Mailer
	if cfg.Notify.URL != "" {
		mailer, err = tasks.NewHTTPMailer(&http.Client{Timeout: cfg.Notify.Timeout}, cfg.Notify.URL)
		if err != nil {
			return fmt.Errorf("building mailer: %w", err)
		}
	} else {
		logg.Warn(ctx, "no notification service configured; emails will only be logged")
		mailer = tasks.NewLogMailer(logg)
	}

	executor, err := tasks.NewExecutor(tasks.ExecutorParams{
		Mailer:  mailer,
		Cache:   tasks.NewRedisInvalidator(redisClient),
		Logger:  logg,
		Metrics: webhookMetrics,
	})
	if err != nil {
		return fmt.Errorf("building task executor: %w", err)
	}

	stripeController, err := webhooks.NewStripeController(webhooks.StripeControllerParams{
		Dispatcher:    dispatcher,
		Guard:         guard,
		Executor:      executor,
		SigningSecret: stripeClient.SigningSecret(),
		Logger:        logg,
	})
	if err != nil {
		return fmt.Errorf("building webhook controller: %w", err)
	}

	router := routes.New(routes.RouterParams{
		Logger: logg,
		Stripe: stripeController,
		Health: controllers.NewHealthController(dbClient, redisClient, logg),
	})

	server := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(ctx, "port", cfg.App.Port), "api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	logg.Info(context.Background(), "api stopped")
	return nil
}
