package hotstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Idempotency implements the per-(account, request id) duplicate gate. The
// token holds the literal string "processing" for the configured TTL; its
// presence blocks a second submission with the same request id.
type Idempotency struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewIdempotency builds the gate with the given token TTL (24h in production).
func NewIdempotency(rdb *redis.Client, ttl time.Duration) *Idempotency {
	return &Idempotency{rdb: rdb, ttl: ttl}
}

func idempotencyKey(accountID int64, requestID string) string {
	return fmt.Sprintf(IdempotencyKeyFmt, accountID, requestID)
}

// Begin atomically claims the token. It returns false when another submission
// already holds it.
func (i *Idempotency) Begin(ctx context.Context, accountID int64, requestID string) (bool, error) {
	ok, err := i.rdb.SetNX(ctx, idempotencyKey(accountID, requestID), "processing", i.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim: %w", err)
	}
	return ok, nil
}

// Clear releases the token so the caller may retry the request id. Used when
// admission fails after the claim (insufficient balance, internal error).
func (i *Idempotency) Clear(ctx context.Context, accountID int64, requestID string) {
	// Best effort; an orphaned token expires with its TTL.
	i.rdb.Del(ctx, idempotencyKey(accountID, requestID))
}
