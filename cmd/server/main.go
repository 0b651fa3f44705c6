// Command server runs the wallet and order-settlement service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/api"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/brokerage"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/config"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/database"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/forex"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/ledger"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/notifications"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/orders"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/payments"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	log.Info("starting",
		zap.String("env", cfg.Env),
		zap.String("payments_mode", cfg.Payments.Mode))

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// The rate cache is an optimization; a dead redis only costs provider
	// round trips.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, rate caching degraded", zap.Error(err))
	}
	cancelPing()

	var notifier notifications.Notifier = notifications.NopNotifier{}
	if cfg.Kafka.Enabled {
		kn := notifications.NewKafkaNotifier(log, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kn.Close()
		notifier = kn
	}

	var gateway payments.Gateway
	switch cfg.Payments.Mode {
	case config.PaymentModeDaraja:
		gateway = payments.NewDarajaGateway(cfg.Payments)
	case config.PaymentModeSandbox:
		gateway = payments.NewSandboxGateway()
	}

	ledgerSvc, err := ledger.NewService(log, db)
	if err != nil {
		return err
	}
	rateProvider := forex.NewHTTPRateProvider(cfg.Forex.ProviderURL, cfg.Forex.Timeout)
	forexSvc, err := forex.NewService(log, ledgerSvc, rateProvider, redisClient, cfg.Forex)
	if err != nil {
		return err
	}
	broker := brokerage.NewHTTPClient(cfg.Brokerage)
	orderSvc := orders.NewService(log, db, ledgerSvc, forexSvc, broker, notifier)
	paymentSvc, err := payments.NewService(log, ledgerSvc, forexSvc, gateway, notifier, cfg.Payments)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller := orders.NewPoller(log, orderSvc, cfg.Brokerage.PollInterval)
	go poller.Run(ctx)

	server := api.NewServer(log, cfg.Server, ledgerSvc, orderSvc, paymentSvc, forexSvc)
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		errCh <- server.Start(addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
