package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsgate/payamak/internal/faults"
	"github.com/parsgate/payamak/internal/hotstore"
	"github.com/parsgate/payamak/internal/ledger"
)

const testAccountID int64 = 42

func newTestAcceptor(t *testing.T) (*Acceptor, *miniredis.Miniredis, sqlmock.Sqlmock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zerolog.Nop()
	l := ledger.New(rdb, db, hotstore.NewLocks(rdb, logger), logger)
	a := NewAcceptor(l,
		hotstore.NewIdempotency(rdb, 24*time.Hour),
		hotstore.NewBuffers(rdb, logger),
		decimal.NewFromInt(10), decimal.NewFromInt(2), logger)
	return a, mr, mock
}

func TestSubmitAcceptsAndStages(t *testing.T) {
	a, mr, mock := newTestAcceptor(t)
	mr.Set(hotstore.BalanceKey(testAccountID), "100.00")

	receipt, err := a.Submit(context.Background(), testAccountID, SubmitRequest{
		Recipient: "0912 345-6789",
		Message:   "hello",
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, receipt.Status)
	assert.True(t, receipt.Cost.Equal(decimal.NewFromInt(10)))

	// Reservation moved cost from balance to pending.
	balance, _ := mr.Get(hotstore.BalanceKey(testAccountID))
	assert.Equal(t, "90", balance)
	pending, _ := mr.Get(hotstore.PendingKey(testAccountID))
	assert.Equal(t, "10", pending)

	// The staged item carries the normalized recipient and string cost.
	raw, err := mr.Lpop(hotstore.IngestBufferKey)
	require.NoError(t, err)
	var item IngestItem
	require.NoError(t, json.Unmarshal([]byte(raw), &item))
	assert.Equal(t, receipt.ID.String(), item.ID)
	assert.Equal(t, testAccountID, item.UserID)
	assert.Equal(t, "09123456789", item.Recipient)
	assert.Equal(t, PriorityNormal, item.Priority)
	assert.Equal(t, "10.00", item.Cost)
	assert.Nil(t, item.ScheduledAt)

	// The idempotency token survives a successful admission.
	assert.True(t, mr.Exists(fmt.Sprintf(hotstore.IdempotencyKeyFmt, testAccountID, "req-1")))

	// Admission never touched the durable store.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitExpressCost(t *testing.T) {
	a, mr, _ := newTestAcceptor(t)
	mr.Set(hotstore.BalanceKey(testAccountID), "100.00")

	receipt, err := a.Submit(context.Background(), testAccountID, SubmitRequest{
		Recipient: "09123456789",
		Message:   "hello",
		Priority:  PriorityExpress,
	})
	require.NoError(t, err)
	assert.True(t, receipt.Cost.Equal(decimal.NewFromInt(20)))
}

func TestSubmitDuplicateRequestID(t *testing.T) {
	a, mr, _ := newTestAcceptor(t)
	mr.Set(hotstore.BalanceKey(testAccountID), "100.00")

	req := SubmitRequest{Recipient: "09123456789", Message: "hello", RequestID: "req-dup"}
	_, err := a.Submit(context.Background(), testAccountID, req)
	require.NoError(t, err)

	_, err = a.Submit(context.Background(), testAccountID, req)
	require.Error(t, err)
	assert.Equal(t, faults.KindDuplicateRequest, faults.KindOf(err))

	// No second reservation, no second staged item.
	balance, _ := mr.Get(hotstore.BalanceKey(testAccountID))
	assert.Equal(t, "90", balance)
	depth, _ := mr.List(hotstore.IngestBufferKey)
	assert.Len(t, depth, 1)
}

func TestSubmitInsufficientBalanceReleasesToken(t *testing.T) {
	a, mr, _ := newTestAcceptor(t)
	mr.Set(hotstore.BalanceKey(testAccountID), "5.00")

	_, err := a.Submit(context.Background(), testAccountID, SubmitRequest{
		Recipient: "09123456789",
		Message:   "hello",
		RequestID: "req-poor",
	})
	require.Error(t, err)
	assert.Equal(t, faults.KindInsufficientBalance, faults.KindOf(err))

	// Balance untouched, nothing staged, token released for a later retry.
	balance, _ := mr.Get(hotstore.BalanceKey(testAccountID))
	assert.Equal(t, "5.00", balance)
	assert.False(t, mr.Exists(hotstore.IngestBufferKey))
	assert.False(t, mr.Exists(fmt.Sprintf(hotstore.IdempotencyKeyFmt, testAccountID, "req-poor")))
}

func TestSubmitInvalidInputReleasesToken(t *testing.T) {
	a, mr, _ := newTestAcceptor(t)
	mr.Set(hotstore.BalanceKey(testAccountID), "100.00")

	_, err := a.Submit(context.Background(), testAccountID, SubmitRequest{
		Recipient: "12345",
		Message:   "hello",
		RequestID: "req-bad",
	})
	require.Error(t, err)
	assert.Equal(t, faults.KindInvalidInput, faults.KindOf(err))
	assert.False(t, mr.Exists(fmt.Sprintf(hotstore.IdempotencyKeyFmt, testAccountID, "req-bad")))

	// The same request id is accepted once the input is fixed.
	_, err = a.Submit(context.Background(), testAccountID, SubmitRequest{
		Recipient: "09123456789",
		Message:   "hello",
		RequestID: "req-bad",
	})
	require.NoError(t, err)
}

func TestSubmitScheduledPassesThrough(t *testing.T) {
	a, mr, _ := newTestAcceptor(t)
	mr.Set(hotstore.BalanceKey(testAccountID), "100.00")

	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	_, err := a.Submit(context.Background(), testAccountID, SubmitRequest{
		Recipient:   "09123456789",
		Message:     "later",
		ScheduledAt: &at,
	})
	require.NoError(t, err)

	raw, err := mr.Lpop(hotstore.IngestBufferKey)
	require.NoError(t, err)
	var item IngestItem
	require.NoError(t, json.Unmarshal([]byte(raw), &item))
	require.NotNil(t, item.ScheduledAt)
	assert.True(t, at.Equal(*item.ScheduledAt))
}

// Submission ids are time-ordered so the durable insert can derive the
// partition-routing timestamp from them.
func TestSubmitGeneratesTimeOrderedIDs(t *testing.T) {
	a, mr, _ := newTestAcceptor(t)
	mr.Set(hotstore.BalanceKey(testAccountID), "1000.00")

	r1, err := a.Submit(context.Background(), testAccountID, SubmitRequest{
		Recipient: "09123456789", Message: "first",
	})
	require.NoError(t, err)
	r2, err := a.Submit(context.Background(), testAccountID, SubmitRequest{
		Recipient: "09123456789", Message: "second",
	})
	require.NoError(t, err)

	assert.Equal(t, uuid.Version(7), r1.ID.Version())
	assert.True(t, r1.ID.String() < r2.ID.String(), "ids must sort by creation order")
}
