package hotstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestBuffersDrainIsHeadFirst(t *testing.T) {
	rdb, mr := newTestClient(t)
	b := NewBuffers(rdb, zerolog.Nop())
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.PushIngest(ctx, []byte(p)))
	}

	items, err := b.DrainIngest(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)

	// The tail survives the trim.
	rest, err := mr.List(IngestBufferKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, rest)

	depth, err := b.IngestDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestBuffersDrainEmptyAndZeroLimit(t *testing.T) {
	rdb, _ := newTestClient(t)
	b := NewBuffers(rdb, zerolog.Nop())
	ctx := context.Background()

	items, err := b.DrainIngest(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, b.PushStatus(ctx, []byte("x")))
	items, err = b.DrainStatus(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	depth, err := b.StatusDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestBuffersRequeuePutsItemsBackOnHead(t *testing.T) {
	rdb, _ := newTestClient(t)
	b := NewBuffers(rdb, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, b.PushIngest(ctx, []byte("later")))
	require.NoError(t, b.RequeueIngest(ctx, []string{"failed-1", "failed-2"}))

	items, err := b.DrainIngest(ctx, 10)
	require.NoError(t, err)
	// Requeued items come out before anything staged after the failure.
	assert.Len(t, items, 3)
	assert.Equal(t, "later", items[2])

	require.NoError(t, b.RequeueIngest(ctx, nil))
}

func TestIdempotencyClaimBlocksDuplicates(t *testing.T) {
	rdb, mr := newTestClient(t)
	idem := NewIdempotency(rdb, time.Hour)
	ctx := context.Background()

	ok, err := idem.Begin(ctx, 7, "req-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Key name is shared contract with operational tooling.
	assert.True(t, mr.Exists("idempotency:7:req-1"))

	ok, err = idem.Begin(ctx, 7, "req-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Same request id under another account is independent.
	ok, err = idem.Begin(ctx, 8, "req-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyClearReopensTheRequestID(t *testing.T) {
	rdb, _ := newTestClient(t)
	idem := NewIdempotency(rdb, time.Hour)
	ctx := context.Background()

	ok, err := idem.Begin(ctx, 7, "req-1")
	require.NoError(t, err)
	require.True(t, ok)

	idem.Clear(ctx, 7, "req-1")

	ok, err = idem.Begin(ctx, 7, "req-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyTokenExpires(t *testing.T) {
	rdb, mr := newTestClient(t)
	idem := NewIdempotency(rdb, time.Minute)
	ctx := context.Background()

	ok, err := idem.Begin(ctx, 7, "req-1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = idem.Begin(ctx, 7, "req-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobLeaseSingleHolder(t *testing.T) {
	rdb, mr := newTestClient(t)
	locks := NewLocks(rdb, zerolog.Nop())
	ctx := context.Background()

	m, err := locks.AcquireJobLease(ctx, "ingest", time.Minute)
	require.NoError(t, err)

	_, err = locks.AcquireJobLease(ctx, "ingest", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// A different job name is a different lease.
	other, err := locks.AcquireJobLease(ctx, "settlement", time.Minute)
	require.NoError(t, err)
	locks.Release(ctx, other)

	locks.Release(ctx, m)
	m, err = locks.AcquireJobLease(ctx, "ingest", time.Minute)
	require.NoError(t, err)
	locks.Release(ctx, m)

	assert.False(t, mr.Exists("lock_job_ingest"))
}

func TestJobLeaseExpiresWithTTL(t *testing.T) {
	rdb, mr := newTestClient(t)
	locks := NewLocks(rdb, zerolog.Nop())
	ctx := context.Background()

	_, err := locks.AcquireJobLease(ctx, "retry_sweep", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	m, err := locks.AcquireJobLease(ctx, "retry_sweep", time.Minute)
	require.NoError(t, err)
	locks.Release(ctx, m)
}

func TestBalanceLockRoundTrip(t *testing.T) {
	rdb, mr := newTestClient(t)
	locks := NewLocks(rdb, zerolog.Nop())
	ctx := context.Background()

	m, err := locks.AcquireBalanceLock(ctx, 42)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock_balance_42"))

	locks.Release(ctx, m)
	assert.False(t, mr.Exists("lock_balance_42"))

	m, err = locks.AcquireBalanceLock(ctx, 42)
	require.NoError(t, err)
	locks.Release(ctx, m)
}
