// Package main is the entry point for the payamak dispatch worker.
//
// The worker consumes SMS tasks from the express and normal queues, calls the
// carrier through the circuit breaker, and reports outcomes back through the
// status buffer. Express and normal get separate consumer pools so a deep
// normal backlog never starves express traffic.
//
// Lifecycle:
// 1. Load configuration from env
// 2. Connect Redis, PostgreSQL and the AMQP broker
// 3. Probe the carrier adapter
// 4. Start one consumer pool per queue
// 5. Wait for shutdown signal, cancel, drain in-flight tasks
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/breaker"
	"github.com/parsgate/payamak/internal/config"
	"github.com/parsgate/payamak/internal/dispatch"
	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/hotstore"
)

// stubSuccessRate is the acceptance probability of the stand-in carrier.
const stubSuccessRate = 0.95

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("pool_size", cfg.WorkerPoolSize).
		Int("prefetch", cfg.WorkerPrefetch).
		Msg("starting payamak dispatch worker")

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

	conn, err := dispatch.Connect(cfg.AMQPURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to amqp broker")
	}
	defer conn.Close()

	// Retries are re-published through the delay queue, so workers carry a
	// publisher of their own.
	publisher, err := dispatch.NewPublisher(conn, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open amqp publisher")
	}
	defer publisher.Close()

	logger.Info().Msg("connected to redis, postgres and amqp broker")

	provider := dispatch.NewStubProvider(stubSuccessRate, time.Now().UnixNano())

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := provider.Healthcheck(probeCtx); err != nil {
		logger.Warn().Err(err).Msg("carrier healthcheck failed, sends will trip the breaker")
	}
	probeCancel()

	messages := durable.NewMessages(db)
	buffers := hotstore.NewBuffers(rdb, logger)
	brk := breaker.New(rdb, "sms_provider", cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout, logger)

	worker := dispatch.NewWorker(messages, buffers, brk, publisher, provider,
		cfg.MaxRetries, cfg.WorkerPrefetch, logger)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for _, queue := range []string{dispatch.QueueExpress, dispatch.QueueNormal} {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			logger.Info().Str("queue", queue).Msg("consumer pool started")
			if err := worker.Run(ctx, conn, queue, cfg.WorkerPoolSize); err != nil {
				logger.Error().Err(err).Str("queue", queue).Msg("consumer pool stopped with error")
			}
		}(queue)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, draining in-flight tasks")

	cancel()
	wg.Wait()

	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "payamak-worker").
		Str("environment", environment).
		Logger()
}
