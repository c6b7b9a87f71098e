package writeback

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/hotstore"
	"github.com/parsgate/payamak/internal/sms"
)

func newTestFlusher(t *testing.T) (*Flusher, *hotstore.Buffers, *miniredis.Miniredis, sqlmock.Sqlmock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zerolog.Nop()
	buffers := hotstore.NewBuffers(rdb, logger)
	return NewFlusher(buffers, durable.NewMessages(db), 1000, logger), buffers, mr, mock
}

func pushStatus(t *testing.T, buffers *hotstore.Buffers, item sms.StatusItem) {
	t.Helper()
	payload, err := item.Encode()
	require.NoError(t, err)
	require.NoError(t, buffers.PushStatus(context.Background(), payload))
}

// sending followed by sent within one batch collapses to a single update
// carrying the final state.
func TestRunLastWriteWinsPerID(t *testing.T) {
	f, buffers, _, mock := newTestFlusher(t)
	id := uuid.New()

	pushStatus(t, buffers, sms.StatusItem{ID: id.String(), Status: sms.StatusSending})
	pushStatus(t, buffers, sms.StatusItem{ID: id.String(), Status: sms.StatusSent})

	mock.ExpectExec("UPDATE sms_messages AS m").
		WithArgs(id, sms.StatusSent, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunFlushesFailureReason(t *testing.T) {
	f, buffers, _, mock := newTestFlusher(t)
	id := uuid.New()

	pushStatus(t, buffers, sms.StatusItem{ID: id.String(), Status: sms.StatusFailed, Reason: "provider rejected"})

	mock.ExpectExec("UPDATE sms_messages AS m").
		WithArgs(id, sms.StatusFailed, "provider rejected").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)
}

func TestRunSkipsGarbageItems(t *testing.T) {
	f, buffers, _, mock := newTestFlusher(t)
	id := uuid.New()

	require.NoError(t, buffers.PushStatus(context.Background(), []byte("not json")))
	pushStatus(t, buffers, sms.StatusItem{ID: "not-a-uuid", Status: sms.StatusSent})
	pushStatus(t, buffers, sms.StatusItem{ID: id.String(), Status: "exploded"})
	pushStatus(t, buffers, sms.StatusItem{ID: id.String(), Status: sms.StatusSent})

	mock.ExpectExec("UPDATE sms_messages AS m").
		WithArgs(id, sms.StatusSent, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)
}

func TestRunEmptyBuffer(t *testing.T) {
	f, _, _, mock := newTestFlusher(t)

	updated, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

// The buffer is drained even when the durable update fails; a poisoned batch
// must not wedge the ones behind it.
func TestRunDrainsBufferOnUpdateFailure(t *testing.T) {
	f, buffers, mr, mock := newTestFlusher(t)

	pushStatus(t, buffers, sms.StatusItem{ID: uuid.NewString(), Status: sms.StatusSent})
	mock.ExpectExec("UPDATE sms_messages AS m").WillReturnError(assert.AnError)

	_, err := f.Run(context.Background())
	require.Error(t, err)
	assert.False(t, mr.Exists(hotstore.StatusBufferKey))
}
