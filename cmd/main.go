/**
 * @description
 * Entry point for the settlement service. It loads configuration, connects to
 * PostgreSQL, Redis and RabbitMQ, wires the settlement, ledger and payout
 * services, starts the transaction consumer and the cron scheduler, and serves
 * the operator API until SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Constant change broadcast and job locks.
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/*, pkg/rabbitmq: Service packages.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/api"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/app"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/config"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/logging"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/observability"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/rates"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/store"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = cfg.DatabaseMaxConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established", "component", "bootstrap")

	repository := store.NewPostgresRepository(dbpool)
	if cfg.AutoMigrate {
		if err := repository.Migrate(ctx); err != nil {
			logger.Error("schema migration failed", "component", "bootstrap", "error", err)
			os.Exit(1)
		}
		logger.Info("schema migrated", "component", "bootstrap")
	}

	defaults := rates.DefaultSnapshot()
	if cfg.PGFeeRate != nil {
		defaults.PGFeeRate = *cfg.PGFeeRate
	}
	registry := rates.NewRegistry(repository, defaults, logger)
	if err := registry.Load(ctx); err != nil {
		logger.Warn("stored constants unavailable; serving defaults", "component", "bootstrap", "error", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; constant broadcast and job locks disabled", "component", "bootstrap")
	} else if opts, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
		logger.Warn("redis url parse failed; constant broadcast and job locks disabled", "component", "bootstrap", "error", parseErr)
	} else {
		redisClient = redis.NewClient(opts)
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			logger.Warn("redis ping failed; constant broadcast and job locks disabled", "component", "bootstrap", "error", pingErr)
			redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
			logger.Info("redis connected", "component", "bootstrap")
		}
	}

	var jobLocker app.JobLocker
	if redisClient != nil {
		broadcaster := rates.NewRedisBroadcaster(redisClient, cfg.RedisKeyPrefix, logger)
		registry.SetNotifier(broadcaster)
		go broadcaster.Watch(ctx, registry)
		jobLocker = app.NewRedisJobLock(redisClient, cfg.RedisKeyPrefix, logger)
	}

	var publisher app.EventPublisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger); err == nil {
			publisher = producer
			defer producer.Close()
		} else {
			logger.Warn("rabbitmq producer unavailable; using fallback", "component", "bootstrap", "error", err)
		}
	}

	metrics := observability.Settlement()

	ledger := app.NewLedger(repository, logger, cfg.Location, metrics)
	payouts := app.NewPayoutProcessor(repository, registry, publisher, cfg.SettlementExchange, logger, cfg.Location, metrics)
	settlements := app.NewSettlementService(repository, registry, ledger, payouts, publisher, cfg.SettlementExchange, cfg.EventIDPrefix, logger, metrics)

	if cfg.RabbitMQURL == "" {
		logger.Warn("rabbitmq url missing; transaction consumer disabled", "component", "bootstrap")
	} else {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.ConsumerPrefetch, logger)
		if err != nil {
			logger.Error("rabbitmq consumer init failed", "component", "bootstrap", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		eventConsumer := app.NewEventConsumer(settlements, publisher, cfg.SettlementExchange, logger)
		if err := consumer.ConsumeWithBindings(cfg.SettlementExchange, cfg.SettlementQueue, eventConsumer.Bindings()); err != nil {
			logger.Error("transaction consumer start failed", "component", "bootstrap", "error", err)
			os.Exit(1)
		}
	}

	jobs := app.NewJobs(ledger, payouts, registry, jobLocker, cfg.JobLockTTL(), logger, metrics)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()

	handler := api.NewHandler(settlements, ledger, payouts, registry, logger)
	router := api.NewRouter(handler, api.AuthConfig{
		InternalKey: cfg.InternalAPIKey,
		JWKSURL:     cfg.ClerkJWKSURL,
		Roles:       cfg.OperatorRoles,
	}, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("settlement service listening", "component", "http", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "component", "http", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received", "component", "http")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "component", "http", "error", err)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduled jobs still running at shutdown", "component", "scheduler")
	}
	cancel()

	logger.Info("shutdown complete", "component", "http")
}
