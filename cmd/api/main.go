// Package main is the entry point for the payamak API server.
//
// The server exposes the REST API that tenants call to send SMS, query
// delivery state and manage credit. It also runs the beat scheduler, which
// drives the periodic jobs that keep Redis and PostgreSQL converged: ingest
// batching, status write-back, credit settlement, scheduled sends, the failed
// retry sweep and partition maintenance.
//
// The server initializes:
// 1. Database connections (Redis + PostgreSQL)
// 2. The AMQP broker connection and queue topology
// 3. The credit ledger with Lua scripts
// 4. The admission path, authentication and rate limiting
// 5. The chi router and the beat scheduler
//
// Configuration is via environment variables (12-factor app pattern).
//
// Lifecycle:
// 1. Load configuration from env
// 2. Initialize dependencies
// 3. Start HTTP server and beat scheduler
// 4. Wait for shutdown signal
// 5. Gracefully drain connections
// 6. Clean up resources
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/auth"
	"github.com/parsgate/payamak/internal/beat"
	"github.com/parsgate/payamak/internal/config"
	"github.com/parsgate/payamak/internal/dispatch"
	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/hotstore"
	"github.com/parsgate/payamak/internal/ingest"
	"github.com/parsgate/payamak/internal/ledger"
	"github.com/parsgate/payamak/internal/rest"
	"github.com/parsgate/payamak/internal/sms"
	"github.com/parsgate/payamak/internal/writeback"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting payamak api server")

	// Connect Redis and PostgreSQL.
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	rdb, err := hotstore.NewClient(connectCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	db, err := durable.Open(connectCtx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer db.Close()
	connectCancel()

	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	logger.Info().Msg("connected to postgres")

	// Connect the broker and declare the queue topology up front so workers
	// and the API never race on missing queues.
	conn, err := dispatch.Connect(cfg.AMQPURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to amqp broker")
	}
	defer conn.Close()

	publisher, err := dispatch.NewPublisher(conn, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open amqp publisher")
	}
	defer publisher.Close()

	logger.Info().Msg("connected to amqp broker")

	// Stores and repositories.
	accounts := durable.NewAccounts(db)
	messages := durable.NewMessages(db)
	transactions := durable.NewTransactions(db)
	partitions := durable.NewPartitions(db)
	locks := hotstore.NewLocks(rdb, logger)
	buffers := hotstore.NewBuffers(rdb, logger)
	idem := hotstore.NewIdempotency(rdb, cfg.IdempotencyTTL)

	led := ledger.New(rdb, db, locks, logger)
	defer led.Close()

	// Admission and query paths.
	acceptor := sms.NewAcceptor(led, idem, buffers, cfg.CostPerMessage, cfg.ExpressMultiplier, logger)
	service := sms.NewService(messages, led, logger)
	authn := auth.NewAuthenticator(rdb, accounts, logger)
	limiter := auth.NewRateLimiter(rdb, cfg.DefaultRateLimitPerMinute)

	// Beat scheduler with its periodic jobs.
	batcher := ingest.NewBatcher(buffers, messages, publisher, cfg.IngestBatchSize, logger)
	flusher := writeback.NewFlusher(buffers, messages, cfg.StatusBatchSize, logger)
	scheduler := beat.New(beat.Intervals{
		Ingest:        cfg.IngestInterval,
		StatusFlush:   cfg.StatusFlushInterval,
		Settlement:    cfg.SettlementInterval,
		ScheduledSend: cfg.ScheduledSendInterval,
		RetrySweep:    cfg.RetrySweepInterval,
	}, cfg.MaxRetries, locks, buffers, batcher, flusher, led, messages, partitions, publisher, logger)

	beatCtx, stopBeat := context.WithCancel(context.Background())
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		scheduler.Run(beatCtx)
	}()

	// REST surface.
	handler := rest.NewHandler(acceptor, service, led, accounts, transactions, logger)
	health := rest.NewHealth(db, rdb, buffers, conn, logger)
	router := rest.NewRouter(handler, health, authn, limiter, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.HTTPPort).
			Msg("http server listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Wait for shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer shutdownCancel()

	// Stop admission first so the beat jobs can drain what the acceptor
	// staged, then stop the jobs. The deferred ledger Close flushes the
	// audit queue last.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	stopBeat()
	<-beatDone
	logger.Info().Msg("beat scheduler stopped")

	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// In development, use pretty console output
	// In production, use JSON for structured logging
	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Str("service", "payamak-api").
			Str("environment", environment).
			Logger()
	}

	return logger
}
