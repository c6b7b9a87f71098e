// Package breaker implements a Redis-backed circuit breaker shared by every
// worker process. Failure counts and the open flag live in the hot store, so
// when the provider degrades, all workers back off together instead of each
// discovering the outage alone.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/hotstore"
	"github.com/parsgate/payamak/internal/metrics"
)

// Breaker tracks consecutive-window failures for one named downstream
// service.
//
// State machine: closed until threshold failures accumulate inside the
// counting window (twice the recovery timeout), then open for the recovery
// timeout, then closed again when the flag expires. A success while closed
// clears the counter.
type Breaker struct {
	rdb       *redis.Client
	log       zerolog.Logger
	service   string
	threshold int64
	recovery  time.Duration

	failuresKey string
	openKey     string
}

// New builds a breaker for the named service. threshold <= 0 or recovery <= 0
// fall back to the defaults of 10 failures and 60 seconds.
func New(rdb *redis.Client, service string, threshold int, recovery time.Duration, logger zerolog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 10
	}
	if recovery <= 0 {
		recovery = 60 * time.Second
	}
	return &Breaker{
		rdb:         rdb,
		log:         logger.With().Str("component", "breaker").Str("service", service).Logger(),
		service:     service,
		threshold:   int64(threshold),
		recovery:    recovery,
		failuresKey: fmt.Sprintf(hotstore.BreakerFailFmt, service),
		openKey:     fmt.Sprintf(hotstore.BreakerOpenFmt, service),
	}
}

// IsOpen reports whether the breaker currently rejects calls. A hot-store
// error fails open: a broken Redis must not stop dispatch on its own.
func (b *Breaker) IsOpen(ctx context.Context) bool {
	n, err := b.rdb.Exists(ctx, b.openKey).Result()
	if err != nil {
		b.log.Warn().Err(err).Msg("breaker state check failed, failing open")
		return false
	}
	return n > 0
}

// RecordFailure bumps the failure counter and trips the breaker once the
// threshold is reached. The counter's window is twice the recovery timeout,
// started at the first failure.
func (b *Breaker) RecordFailure(ctx context.Context) {
	count, err := b.rdb.Incr(ctx, b.failuresKey).Result()
	if err != nil {
		b.log.Warn().Err(err).Msg("failure count increment failed")
		return
	}
	if count == 1 {
		b.rdb.Expire(ctx, b.failuresKey, 2*b.recovery)
	}
	if count >= b.threshold {
		if err := b.rdb.SetEX(ctx, b.openKey, "1", b.recovery).Err(); err != nil {
			b.log.Warn().Err(err).Msg("breaker open flag write failed")
			return
		}
		metrics.BreakerOpened.Inc()
		b.log.Warn().
			Int64("failures", count).
			Dur("recovery", b.recovery).
			Msg("circuit breaker opened")
	}
}

// RecordSuccess clears the failure counter. The open flag is left to expire
// on its own, which is what paces the half-open probe rate.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	if err := b.rdb.Del(ctx, b.failuresKey).Err(); err != nil {
		b.log.Warn().Err(err).Msg("failure count clear failed")
	}
}
