/**
 * @description
 * Entry point for the settlement service. Wires configuration, PostgreSQL,
 * Redis, RabbitMQ, the Stripe Connect client, the settlement application
 * services, the background scheduler and the HTTP server.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: rate limiting and webhook dedupe.
 * - github.com/joho/godotenv: local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: service packages.
 * - pkg/rabbitmq, pkg/stripeclient: outbound integrations.
 */
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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/leasehold/settlement-service/internal/api"
	"github.com/leasehold/settlement-service/internal/app"
	"github.com/leasehold/settlement-service/internal/config"
	"github.com/leasehold/settlement-service/internal/store"
	"github.com/leasehold/settlement-service/pkg/rabbitmq"
	"github.com/leasehold/settlement-service/pkg/stripeclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(".env.local"); err != nil {
		logger.Debug("no .env.local file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = 100
	pgConfig.MinConns = 20
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), pgConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repository := store.NewPostgresRepository(dbpool)
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	err = repository.EnsureSchema(schemaCtx)
	cancelSchema()
	if err != nil {
		logger.Error("failed to ensure settlement schema", "error", err)
		os.Exit(1)
	}

	redisClient := connectRedis(cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher app.EventPublisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange, logger); err == nil {
			publisher = producer
			defer producer.Close()
			logger.Info("rabbitmq producer connected", "exchange", cfg.EventsExchange)
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}

	platform := stripeclient.NewClient(cfg.StripeSecretKey, stripeclient.Options{
		BaseURL:           cfg.StripeAPIBaseURL,
		MaxNetworkRetries: 2,
		Logger:            logger,
	})
	verifier := stripeclient.NewWebhookVerifier(cfg.StripeWebhookSecret)

	fees := app.NewFeeResolver(repository, repository, app.FeeSettings{
		DefaultPercent:  cfg.Fees.DefaultPercent,
		DefaultFixed:    cfg.Fees.DefaultFixed,
		ExternalPercent: cfg.Fees.ExternalPercent,
		ExternalFixed:   cfg.Fees.ExternalFixed,
		Currency:        cfg.SettlementCurrency,
	}, logger)
	accounts := app.NewAccountRegistry(repository, platform, publisher, app.AccountSettings{
		Country:    cfg.AccountCountry,
		Currency:   cfg.SettlementCurrency,
		RefreshURL: cfg.OnboardingRefreshURL,
		ReturnURL:  cfg.OnboardingReturnURL,
	}, logger)
	ledger := app.NewTransferLedger(repository, repository, publisher, logger)
	settlements := app.NewOrchestrator(repository, accounts, fees, ledger, platform, publisher, cfg.SettlementCurrency, logger)

	var deduper app.EventDeduper
	if redisClient != nil {
		settlements.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix), cfg.InitiateRateLimit)
		deduper = app.NewRedisEventDeduper(redisClient, cfg.RedisKeyPrefix, cfg.WebhookDedupeTTL())
	}

	jobs := app.NewJobs(settlements, accounts, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()

	handler := api.NewHandler(settlements, accounts, fees, jobs, logger)
	webhooks := api.NewWebhookHandler(verifier, settlements, accounts, deduper, logger)
	router := api.NewRouter(handler, webhooks, api.JWTOptions{
		JWKSURL:  cfg.JWKSURL,
		Audience: cfg.JWTAudience,
		Issuer:   cfg.JWTIssuer,
	}, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduled jobs still running at shutdown")
	}

	logger.Info("server stopped")
}

// connectRedis returns nil when Redis is not configured or unreachable.
// Rate limiting and webhook dedupe are disabled in that case.
func connectRedis(redisURL string, logger *slog.Logger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("redis url missing; rate limiting and webhook dedupe disabled", "env", "REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; rate limiting and webhook dedupe disabled", "error", err)
		return nil
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; rate limiting and webhook dedupe disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
