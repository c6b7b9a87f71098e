package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsgate/payamak/internal/breaker"
	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/hotstore"
	"github.com/parsgate/payamak/internal/sms"
)

type fakeAck struct {
	mu       sync.Mutex
	acked    bool
	requeued bool
	deadSent bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if requeue {
		f.requeued = true
	} else {
		f.deadSent = true
	}
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error { return f.Nack(tag, false, requeue) }

type publishedTask struct {
	priority string
	task     Task
	delay    time.Duration
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishedTask
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, priority string, task Task) error {
	return f.record(priority, task, 0)
}

func (f *fakePublisher) PublishDelayed(ctx context.Context, priority string, task Task, delay time.Duration) error {
	return f.record(priority, task, delay)
}

func (f *fakePublisher) record(priority string, task Task, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, publishedTask{priority, task, delay})
	return nil
}

type staticProvider struct{ err error }

func (p staticProvider) Send(ctx context.Context, recipient, body string) error { return p.err }

func (p staticProvider) Healthcheck(ctx context.Context) error { return nil }

type workerFixture struct {
	worker *Worker
	pub    *fakePublisher
	mr     *miniredis.Miniredis
	mock   sqlmock.Sqlmock
}

func newWorkerFixture(t *testing.T, provider Provider) *workerFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zerolog.Nop()
	pub := &fakePublisher{}
	w := NewWorker(
		durable.NewMessages(db),
		hotstore.NewBuffers(rdb, logger),
		breaker.New(rdb, "sms_provider_primary", 10, time.Minute, logger),
		pub, provider, 3, 10, logger)
	return &workerFixture{worker: w, pub: pub, mr: mr, mock: mock}
}

func taskDelivery(t *testing.T, task Task) (amqp.Delivery, *fakeAck) {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	ack := &fakeAck{}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body, RoutingKey: sms.PriorityNormal}, ack
}

func (fx *workerFixture) expectMessageRow(id uuid.UUID, status string) {
	now := time.Now()
	fx.mock.ExpectQuery("SELECT (.+) FROM sms_messages").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account_id", "recipient", "message", "priority", "cost",
			"scheduled_at", "sent_at", "status", "failed_reason", "retry_count",
			"created_at", "updated_at",
		}).AddRow(id.String(), 42, "09123456789", "hello", sms.PriorityNormal,
			"10.00", nil, nil, status, "", 0, now, now))
}

func (fx *workerFixture) statusItems(t *testing.T) []sms.StatusItem {
	t.Helper()
	raw, err := fx.mr.List(hotstore.StatusBufferKey)
	if err != nil {
		return nil
	}
	items := make([]sms.StatusItem, 0, len(raw))
	for _, r := range raw {
		var item sms.StatusItem
		require.NoError(t, json.Unmarshal([]byte(r), &item))
		items = append(items, item)
	}
	return items
}

func TestHandleSuccessPushesSendingThenSent(t *testing.T) {
	fx := newWorkerFixture(t, staticProvider{})
	id := uuid.New()
	fx.expectMessageRow(id, sms.StatusQueued)

	d, ack := taskDelivery(t, Task{SMSID: id.String()})
	fx.worker.handle(context.Background(), d, sms.PriorityNormal)

	assert.True(t, ack.acked)
	items := fx.statusItems(t)
	require.Len(t, items, 2)
	assert.Equal(t, sms.StatusSending, items[0].Status)
	assert.Equal(t, sms.StatusSent, items[1].Status)
	assert.Empty(t, fx.pub.calls)
}

func TestHandleRejectionPushesFailedWithReason(t *testing.T) {
	fx := newWorkerFixture(t, staticProvider{err: &Rejection{Reason: "recipient opted out"}})
	id := uuid.New()
	fx.expectMessageRow(id, sms.StatusQueued)

	d, ack := taskDelivery(t, Task{SMSID: id.String()})
	fx.worker.handle(context.Background(), d, sms.PriorityNormal)

	assert.True(t, ack.acked)
	items := fx.statusItems(t)
	require.Len(t, items, 2)
	assert.Equal(t, sms.StatusFailed, items[1].Status)
	assert.Equal(t, "recipient opted out", items[1].Reason)

	// Rejections are final: no retry, and no breaker failure recorded.
	assert.Empty(t, fx.pub.calls)
	assert.False(t, fx.mr.Exists(fmt.Sprintf(hotstore.BreakerFailFmt, "sms_provider_primary")))
}

func TestHandleTransportErrorSchedulesRetry(t *testing.T) {
	fx := newWorkerFixture(t, staticProvider{err: errors.New("dial tcp: i/o timeout")})
	id := uuid.New()
	fx.expectMessageRow(id, sms.StatusQueued)

	d, ack := taskDelivery(t, Task{SMSID: id.String(), Attempt: 0})
	fx.worker.handle(context.Background(), d, sms.PriorityNormal)

	assert.True(t, ack.acked)
	require.Len(t, fx.pub.calls, 1)
	assert.Equal(t, 1, fx.pub.calls[0].task.Attempt)
	assert.Equal(t, 60*time.Second, fx.pub.calls[0].delay)

	// Only the transitional state was pushed; the outcome is still open.
	items := fx.statusItems(t)
	require.Len(t, items, 1)
	assert.Equal(t, sms.StatusSending, items[0].Status)

	// The transport error fed the breaker.
	count, err := fx.mr.Get(fmt.Sprintf(hotstore.BreakerFailFmt, "sms_provider_primary"))
	require.NoError(t, err)
	assert.Equal(t, "1", count)
}

func TestHandleBackoffDoubles(t *testing.T) {
	fx := newWorkerFixture(t, staticProvider{err: errors.New("connection reset")})
	id := uuid.New()
	fx.expectMessageRow(id, sms.StatusQueued)

	d, _ := taskDelivery(t, Task{SMSID: id.String(), Attempt: 2})
	fx.worker.handle(context.Background(), d, sms.PriorityNormal)

	require.Len(t, fx.pub.calls, 1)
	assert.Equal(t, 240*time.Second, fx.pub.calls[0].delay)
	assert.Equal(t, 3, fx.pub.calls[0].task.Attempt)
}

func TestHandleMaxRetriesExhausted(t *testing.T) {
	fx := newWorkerFixture(t, staticProvider{err: errors.New("connection reset")})
	id := uuid.New()
	fx.expectMessageRow(id, sms.StatusQueued)

	d, ack := taskDelivery(t, Task{SMSID: id.String(), Attempt: 3})
	fx.worker.handle(context.Background(), d, sms.PriorityNormal)

	assert.True(t, ack.acked)
	assert.Empty(t, fx.pub.calls)
	items := fx.statusItems(t)
	require.Len(t, items, 2)
	assert.Equal(t, sms.StatusFailed, items[1].Status)
	assert.Contains(t, items[1].Reason, "max retries exceeded")
}

func TestHandleBreakerOpenDefers(t *testing.T) {
	fx := newWorkerFixture(t, staticProvider{})
	fx.mr.Set(fmt.Sprintf(hotstore.BreakerOpenFmt, "sms_provider_primary"), "1")
	id := uuid.New()

	d, ack := taskDelivery(t, Task{SMSID: id.String(), Attempt: 1})
	fx.worker.handle(context.Background(), d, sms.PriorityNormal)

	assert.True(t, ack.acked)
	require.Len(t, fx.pub.calls, 1)
	assert.Equal(t, 60*time.Second, fx.pub.calls[0].delay)
	// Deferral preserves the attempt count; it is not a retry.
	assert.Equal(t, 1, fx.pub.calls[0].task.Attempt)

	// The durable store was never consulted.
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestHandleMissingRowDrops(t *testing.T) {
	fx := newWorkerFixture(t, staticProvider{})
	fx.mock.ExpectQuery("SELECT (.+) FROM sms_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	d, ack := taskDelivery(t, Task{SMSID: uuid.NewString()})
	fx.worker.handle(context.Background(), d, sms.PriorityNormal)

	assert.True(t, ack.acked)
	assert.Empty(t, fx.statusItems(t))
	assert.Empty(t, fx.pub.calls)
}

func TestHandleCancelledRowDrops(t *testing.T) {
	fx := newWorkerFixture(t, staticProvider{})
	id := uuid.New()
	fx.expectMessageRow(id, sms.StatusCancelled)

	d, ack := taskDelivery(t, Task{SMSID: id.String()})
	fx.worker.handle(context.Background(), d, sms.PriorityNormal)

	assert.True(t, ack.acked)
	assert.Empty(t, fx.statusItems(t))
}

func TestHandleMalformedTaskDeadLetters(t *testing.T) {
	fx := newWorkerFixture(t, staticProvider{})
	ack := &fakeAck{}
	d := amqp.Delivery{Acknowledger: ack, Body: []byte("not json")}

	fx.worker.handle(context.Background(), d, sms.PriorityNormal)

	assert.False(t, ack.acked)
	assert.True(t, ack.deadSent)
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, 60*time.Second, retryBackoff(0))
	assert.Equal(t, 120*time.Second, retryBackoff(1))
	assert.Equal(t, 240*time.Second, retryBackoff(2))
}

func TestQueueFor(t *testing.T) {
	assert.Equal(t, QueueExpress, QueueFor(sms.PriorityExpress))
	assert.Equal(t, QueueNormal, QueueFor(sms.PriorityNormal))
	assert.Equal(t, QueueNormal, QueueFor(""))
}

func TestStubProviderRates(t *testing.T) {
	p := NewStubProvider(1.0, 1)
	require.NoError(t, p.Send(context.Background(), "09123456789", "hi"))

	p = NewStubProvider(0.0, 1)
	err := p.Send(context.Background(), "09123456789", "hi")
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.NotEmpty(t, rej.Reason)
}
