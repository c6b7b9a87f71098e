// Package hotstore wraps the Redis side of the gateway: connection setup, the
// ingest and status staging buffers, idempotency tokens, and distributed locks.
//
// The hot store is the single source of truth for admission concurrency. The
// acceptor path performs at most three round trips against it (idempotency set,
// reserve script, buffer push), so the client is tuned for a large pool and
// short timeouts rather than long-lived blocking commands.
package hotstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Key layout. These names are shared contract with operational tooling and
// must not change without a migration plan.
const (
	BalanceKeyFmt     = "user_balance_%d"
	PendingKeyFmt     = "pending_deduct_%d"
	BalanceLockFmt    = "lock_balance_%d"
	IdempotencyKeyFmt = "idempotency:%d:%s"
	IngestBufferKey   = "sms_ingest_buffer"
	StatusBufferKey   = "sms_status_buffer"
	APIKeyCacheFmt    = "apikey:%s"
	RateLimitKeyFmt   = "ratelimit:%d:%s"
	JobLeaseFmt       = "lock_job_%s"
	BreakerFailFmt    = "circuit_breaker:%s:failures"
	BreakerOpenFmt    = "circuit_breaker:%s:open"
)

// BalanceKey returns the cached working-balance key for an account.
func BalanceKey(accountID int64) string { return fmt.Sprintf(BalanceKeyFmt, accountID) }

// PendingKey returns the reserved-but-unsettled accumulator key for an account.
func PendingKey(accountID int64) string { return fmt.Sprintf(PendingKeyFmt, accountID) }

// NewClient connects to Redis and verifies connectivity.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  250 * time.Millisecond,
		WriteTimeout: 250 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 25,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
