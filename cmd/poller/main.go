package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keylojahq/keyloja-backend/internal/coupons"
	"github.com/keylojahq/keyloja-backend/internal/customers"
	"github.com/keylojahq/keyloja-backend/internal/gateway"
	"github.com/keylojahq/keyloja-backend/internal/gateway/mercadopago"
	"github.com/keylojahq/keyloja-backend/internal/gateway/pushinpay"
	"github.com/keylojahq/keyloja-backend/internal/jobs"
	"github.com/keylojahq/keyloja-backend/internal/notifications"
	"github.com/keylojahq/keyloja-backend/internal/orders"
	"github.com/keylojahq/keyloja-backend/internal/pricing"
	"github.com/keylojahq/keyloja-backend/internal/products"
	"github.com/keylojahq/keyloja-backend/internal/reconcile"
	"github.com/keylojahq/keyloja-backend/internal/stores"
	"github.com/keylojahq/keyloja-backend/internal/wallet"
	"github.com/keylojahq/keyloja-backend/pkg/config"
	"github.com/keylojahq/keyloja-backend/pkg/db"
	"github.com/keylojahq/keyloja-backend/pkg/logger"
	"github.com/keylojahq/keyloja-backend/pkg/metrics"
	"github.com/keylojahq/keyloja-backend/pkg/migrate"
	"github.com/keylojahq/keyloja-backend/pkg/outbox"
	"github.com/keylojahq/keyloja-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "poller"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "poller",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gateways, err := buildGatewayRegistry(cfg.Gateway)
	if err != nil {
		logg.Error(context.Background(), "failed to build gateway registry", err)
		os.Exit(1)
	}

	gormDB := dbClient.DB()
	ordersRepo := orders.NewRepository(gormDB)
	customersRepo := customers.NewRepository(gormDB)
	couponsRepo := coupons.NewRepository(gormDB)
	productsRepo := products.NewRepository(gormDB)
	storesRepo := stores.NewRepository(gormDB)
	walletRepo := wallet.NewRepository(gormDB)
	notificationsRepo := notifications.NewRepository(gormDB)
	outboxSvc := outbox.NewService(outbox.NewRepository(gormDB), logg)

	storesSvc, err := stores.NewService(storesRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create stores service", err)
		os.Exit(1)
	}
	pricingSvc, err := pricing.NewService(productsRepo, couponsRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create pricing service", err)
		os.Exit(1)
	}
	ordersSvc, err := orders.NewService(
		cfg.Split,
		ordersRepo,
		customersRepo,
		couponsRepo,
		productsRepo,
		storesRepo,
		storesSvc,
		pricingSvc,
		gateways,
		dbClient,
		outboxSvc,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}
	walletSvc, err := wallet.NewService(cfg.Withdrawal, walletRepo, storesRepo, dbClient, outboxSvc)
	if err != nil {
		logg.Error(context.Background(), "failed to create wallet service", err)
		os.Exit(1)
	}
	reconcileSvc, err := reconcile.NewService(ordersRepo, ordersSvc, walletSvc, dbClient, outboxSvc, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile service", err)
		os.Exit(1)
	}

	paymentPollJob, err := jobs.NewPaymentPollJob(jobs.PaymentPollJobParams{
		Logger:    logg,
		Payments:  ordersRepo,
		Gateways:  gateways,
		Reconcile: reconcileSvc,
		Config:    cfg.Poller,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment poll job", err)
		os.Exit(1)
	}
	couponExpiryJob, err := jobs.NewCouponExpiryJob(logg, couponsRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create coupon expiry job", err)
		os.Exit(1)
	}
	notificationCleanupJob, err := jobs.NewNotificationCleanupJob(logg, notificationsRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification cleanup job", err)
		os.Exit(1)
	}

	lockKey := redisClient.LockKey(fmt.Sprintf("poller:%s", cfg.App.Env))
	lock, err := jobs.NewRedisLock(redisClient, lockKey, cfg.Poller.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create poller lock", err)
		os.Exit(1)
	}

	runner, err := jobs.NewRunner(jobs.RunnerParams{
		Logger:   logg,
		Registry: jobs.NewRegistry(paymentPollJob, couponExpiryJob, notificationCleanupJob),
		Lock:     lock,
		Metrics:  metrics.NewJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Poller.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create job runner", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env})
	logg.Info(ctx, "starting poller")

	metricsServer := &http.Server{
		Addr:    cfg.Poller.MetricsListenAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "metrics server stopped unexpectedly", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "metrics server shutdown error", err)
		}
	}()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "poller stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "poller shutting down gracefully")
}

func buildGatewayRegistry(cfg config.GatewayConfig) (*gateway.Registry, error) {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	var clients []gateway.Gateway
	if cfg.MercadoPagoToken != "" {
		mp, err := mercadopago.NewClient(
			cfg.MercadoPagoToken,
			mercadopago.WithBaseURL(cfg.MercadoPagoBaseURL),
			mercadopago.WithHTTPClient(httpClient),
		)
		if err != nil {
			return nil, err
		}
		clients = append(clients, mp)
	}
	if cfg.PushinPayToken != "" {
		pp, err := pushinpay.NewClient(
			cfg.PushinPayToken,
			pushinpay.WithBaseURL(cfg.PushinPayBaseURL),
			pushinpay.WithHTTPClient(httpClient),
		)
		if err != nil {
			return nil, err
		}
		clients = append(clients, pp)
	}
	return gateway.NewRegistry(clients...), nil
}
