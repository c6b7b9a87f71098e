package sms

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/faults"
	"github.com/parsgate/payamak/internal/hotstore"
	"github.com/parsgate/payamak/internal/ledger"
)

func newTestService(t *testing.T) (*Service, *ledger.Ledger, *miniredis.Miniredis, sqlmock.Sqlmock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zerolog.Nop()
	l := ledger.New(rdb, db, hotstore.NewLocks(rdb, logger), logger)
	return NewService(durable.NewMessages(db), l, logger), l, mr, mock
}

func messageRow(id uuid.UUID, status, cost string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "account_id", "recipient", "message", "priority", "cost",
		"scheduled_at", "sent_at", "status", "failed_reason", "retry_count",
		"created_at", "updated_at",
	}).AddRow(id.String(), testAccountID, "09123456789", "hello", PriorityNormal,
		cost, nil, nil, status, "", 0, now, now)
}

func TestCancelRefundsAndFlips(t *testing.T) {
	svc, l, mr, mock := newTestService(t)
	id := uuid.New()
	mr.Set(hotstore.BalanceKey(testAccountID), "90")
	mr.Set(hotstore.PendingKey(testAccountID), "10")

	mock.ExpectQuery("UPDATE sms_messages").
		WillReturnRows(messageRow(id, StatusCancelled, "10.00"))
	// Refund audit row lands through the ledger's async writer.
	mock.ExpectExec("INSERT INTO credit_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	m, err := svc.Cancel(context.Background(), testAccountID, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, m.Status)

	balance, _ := mr.Get(hotstore.BalanceKey(testAccountID))
	assert.Equal(t, "100", balance)
	pending, _ := mr.Get(hotstore.PendingKey(testAccountID))
	assert.Equal(t, "0", pending)

	require.NoError(t, l.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelTerminalState(t *testing.T) {
	svc, _, _, mock := newTestService(t)
	id := uuid.New()

	// The gate matches no row, then the existence check finds the message in
	// a terminal state.
	mock.ExpectQuery("UPDATE sms_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM sms_messages").
		WillReturnRows(messageRow(id, StatusSent, "10.00"))

	_, err := svc.Cancel(context.Background(), testAccountID, id)
	require.Error(t, err)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelNotFound(t *testing.T) {
	svc, _, _, mock := newTestService(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE sms_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM sms_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := svc.Cancel(context.Background(), testAccountID, id)
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestStatsSuccessRate(t *testing.T) {
	svc, _, _, mock := newTestService(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"total", "sent", "failed", "pending", "cancelled"}).
			AddRow(3, 2, 1, 0, 0))

	stats, err := svc.Stats(context.Background(), testAccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.InDelta(t, 66.67, stats.SuccessRate, 0.001)
}

func TestStatsEmptyAccount(t *testing.T) {
	svc, _, _, mock := newTestService(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"total", "sent", "failed", "pending", "cancelled"}).
			AddRow(0, 0, 0, 0, 0))

	stats, err := svc.Stats(context.Background(), testAccountID)
	require.NoError(t, err)
	assert.Zero(t, stats.SuccessRate)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.List(context.Background(), testAccountID, "delivered", 10, uuid.Nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindInvalidInput, faults.KindOf(err))
}

func TestListClampsLimit(t *testing.T) {
	svc, _, _, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM sms_messages").
		WillReturnRows(messageRow(uuid.New(), StatusQueued, "10.00"))

	out, err := svc.List(context.Background(), testAccountID, "", 0, uuid.Nil)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
