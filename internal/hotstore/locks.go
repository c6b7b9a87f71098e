package hotstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/rs/zerolog"
)

// ErrLeaseHeld is returned when a job lease is already owned by another
// process for the current tick.
var ErrLeaseHeld = errors.New("lease held by another process")

// Locks hands out the two lock families the gateway uses: per-account balance
// repopulation mutexes and named leases for periodic jobs.
type Locks struct {
	rs  *redsync.Redsync
	log zerolog.Logger
}

// NewLocks builds the lock manager over an existing Redis client.
func NewLocks(rdb *redis.Client, log zerolog.Logger) *Locks {
	return &Locks{
		rs:  redsync.New(goredis.NewPool(rdb)),
		log: log.With().Str("component", "locks").Logger(),
	}
}

// AcquireBalanceLock takes the repopulation mutex for an account: 5 s expiry,
// up to 3 s of waiting. The mutex serializes cold-cache loads so a herd of
// requests against an evicted balance produces one durable read.
func (l *Locks) AcquireBalanceLock(ctx context.Context, accountID int64) (*redsync.Mutex, error) {
	m := l.rs.NewMutex(
		fmt.Sprintf(BalanceLockFmt, accountID),
		redsync.WithExpiry(5*time.Second),
		redsync.WithTries(7),
		redsync.WithRetryDelay(500*time.Millisecond),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("balance lock %d: %w", accountID, err)
	}
	return m, nil
}

// AcquireJobLease claims the named advisory lease for one periodic-job tick.
// A single attempt is made; ErrLeaseHeld means another instance owns the tick.
func (l *Locks) AcquireJobLease(ctx context.Context, name string, ttl time.Duration) (*redsync.Mutex, error) {
	m := l.rs.NewMutex(
		fmt.Sprintf(JobLeaseFmt, name),
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := m.LockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) {
			return nil, ErrLeaseHeld
		}
		return nil, fmt.Errorf("job lease %s: %w", name, err)
	}
	return m, nil
}

// Release unlocks a held mutex. Expired leases are logged and ignored; the
// work they guarded has already completed.
func (l *Locks) Release(ctx context.Context, m *redsync.Mutex) {
	if ok, err := m.UnlockContext(ctx); err != nil || !ok {
		l.log.Debug().Str("mutex", m.Name()).Err(err).Msg("lock release was not clean")
	}
}
