/**
 * @description
 * This is the main entry point for the transfer saga service. It loads configuration,
 * connects PostgreSQL, Redis and RabbitMQ, builds the orchestrator, fraud engine and
 * resilient risk client, starts the stage consumers, the recovery scheduler and the
 * HTTP server, and shuts everything down on SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9, github.com/bsm/redislock: Idempotency keys and sweep locks.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - pkg/rabbitmq: Stage consumers and event publishing.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/api"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/app"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/config"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/fraud"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/idempotency"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/logging"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/metrics"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/risk"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/scheduler"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/store"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/accountclient"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/errorcatalog"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/rabbitmq"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/riskclient"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.WithField("component", "bootstrap").Debug("no .env file found; using environment")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logrus.WithField("component", "bootstrap").WithError(err).Fatal("config load failed")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logger.WithField("component", "bootstrap")
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatal("internal api key must be configured (INTERNAL_API_KEY)")
	}
	if strings.TrimSpace(cfg.JWTSigningKey) == "" {
		log.Fatal("jwt signing key must be configured (JWT_SIGNING_KEY)")
	}
	log.WithField("port", cfg.ServerPort).Info("starting transfer saga service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database url parse failed")
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer dbpool.Close()
	repository := store.NewPostgresRepository(dbpool)
	if err := repository.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("schema migration failed")
	}
	log.Info("database connected")

	// Redis backs idempotency keys and sweep locks; without it both degrade to process-local.
	var idempotencyStore idempotency.Store = idempotency.NewMemoryStore()
	var locker *redislock.Client
	if cfg.RedisURL == "" {
		log.Warn("redis url missing; idempotency keys are process-local and sweeps run unlocked")
	} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
		log.WithError(parseErr).Warn("redis url parse failed; idempotency keys are process-local")
	} else {
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			log.WithError(pingErr).Warn("redis ping failed; idempotency keys are process-local")
			redisClient.Close()
		} else {
			defer redisClient.Close()
			idempotencyStore = idempotency.NewRedisStore(redisClient)
			locker = redislock.New(redisClient)
			log.Info("redis connected")
		}
	}

	// RabbitMQ producer
	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
	if err != nil {
		log.WithError(err).Warn("rabbitmq producer unavailable; using fallback")
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		publisher = producer
		log.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	collector := metrics.NewCollector()

	accounts := accountclient.NewClient(cfg.AccountServiceURL, cfg.AccountServiceInternalAPIKey)
	breaker := risk.NewBreaker(risk.BreakerConfig{
		WindowSize:         cfg.BreakerWindowSize,
		MinimumCalls:       cfg.BreakerMinimumCalls,
		FailureRatePercent: cfg.BreakerFailureRatePercent,
		OpenDuration:       cfg.BreakerOpenDuration(),
		HalfOpenCalls:      cfg.BreakerHalfOpenCalls,
	})
	scorer := risk.NewResilientScorer(riskclient.NewClient(cfg.RiskServiceURL, cfg.RiskClientTimeout()), breaker, collector, logger)

	engine := fraud.NewEngine(repository, scorer, accounts, collector, logger, fraud.Config{
		LowThreshold:      cfg.RiskLowThreshold,
		HighThreshold:     cfg.RiskHighThreshold,
		HoldTimeout:       cfg.HoldTimeout(),
		StrongAuthTimeout: cfg.StrongAuthTimeout(),
	})

	var catalog app.MessageCatalog
	if cfg.ErrorCatalogURL != "" {
		catalog = errorcatalog.NewClient(cfg.ErrorCatalogURL)
	} else {
		log.Warn("error catalog url missing; using built-in messages")
	}
	reporter := app.NewErrorReporter(publisher, catalog, logger)
	orchestrator := app.NewOrchestrator(repository, accounts, engine, publisher, reporter, collector, logger, app.OrchestratorConfig{
		DuplicateWindow: cfg.DuplicateWindow(),
	})
	guard := idempotency.NewGuard(idempotencyStore, cfg.IdempotencyTTL())
	holdService := app.NewHoldService(repository, engine, orchestrator, guard, collector, logger)

	// Stage consumers
	sagaConsumer := app.NewSagaConsumer(orchestrator, logger)
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
	if err != nil {
		log.WithError(err).Fatal("rabbitmq consumer init failed")
	}
	defer rabbitConsumer.Close()

	bindings := map[string]rabbitmq.Handler{
		domain.TopicStartTransfer:    sagaConsumer.HandleStartTransfer,
		domain.TopicUpdateTransfer:   sagaConsumer.HandleUpdateTransfer,
		domain.TopicFinalizeTransfer: sagaConsumer.HandleFinalizeTransfer,
		domain.TopicDeposit:          sagaConsumer.HandleDeposit,
		domain.TopicWithdraw:         sagaConsumer.HandleWithdraw,
	}
	for topic, handler := range bindings {
		queue := fmt.Sprintf("transaction-service.%s", topic)
		if err := rabbitConsumer.Consume(ctx, queue, topic, cfg.ConsumerWorkers, handler); err != nil {
			log.WithError(err).WithField("topic", topic).Fatal("consumer start failed")
		}
	}

	// Recovery scheduler
	jobs := scheduler.NewJobs(repository, engine, orchestrator, publisher, collector, logger, scheduler.Config{
		BatchSize:       cfg.SweepBatchSize,
		StuckThreshold:  cfg.StuckThreshold(),
		StuckMaxRetries: cfg.StuckMaxRetries,
		ArchiveAfter:    cfg.ArchiveAfter(),
	})
	sched := scheduler.NewScheduler(jobs, locker, logger, scheduler.Schedules{
		ExpiredHolds:      cfg.ExpiredHoldSchedule,
		ExpiredStrongAuth: cfg.ExpiredAuthSchedule,
		StuckSagas:        cfg.StuckSweepSchedule,
		Compensation:      cfg.CompensationSweepSchedule,
		Archive:           cfg.ArchiveSchedule,
	})
	sched.Start()

	// HTTP server
	handlers := api.NewHoldHandlers(holdService, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           api.Routes(handlers, collector.Handler(), cfg.JWTSigningKey, cfg.InternalAPIKey, cfg.AllowedOrigins()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithFields(logrus.Fields{"component": "http", "addr": server.Addr}).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithField("component", "http").WithError(err).Fatal("server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown failed")
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("scheduler jobs still running at shutdown")
	}

	log.Info("shutdown complete")
}
