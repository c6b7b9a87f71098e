package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/breaker"
	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/hotstore"
	"github.com/parsgate/payamak/internal/metrics"
	"github.com/parsgate/payamak/internal/sms"
)

// breakerDeferDelay is how long a task parks when the circuit is open or the
// durable store cannot serve the row.
const breakerDeferDelay = 60 * time.Second

// Worker consumes one priority queue and drives tasks through the provider.
//
// Workers never write submission rows; every outcome, including the
// transitional sending state, goes through the status buffer and the
// write-back flusher. Acknowledgment is late: a task is acked only after its
// outcome is decided, so a crash returns in-flight tasks to the queue.
type Worker struct {
	messages   *durable.Messages
	buffers    *hotstore.Buffers
	breaker    *breaker.Breaker
	publisher  TaskPublisher
	provider   Provider
	maxRetries int
	prefetch   int
	log        zerolog.Logger
}

// NewWorker wires a worker pool's shared state.
func NewWorker(messages *durable.Messages, buffers *hotstore.Buffers, brk *breaker.Breaker,
	publisher TaskPublisher, provider Provider, maxRetries, prefetch int, logger zerolog.Logger) *Worker {
	return &Worker{
		messages:   messages,
		buffers:    buffers,
		breaker:    brk,
		publisher:  publisher,
		provider:   provider,
		maxRetries: maxRetries,
		prefetch:   prefetch,
		log:        logger.With().Str("component", "worker").Logger(),
	}
}

// Run consumes the queue with the given pool size until ctx is cancelled.
// In-flight tasks drain before Run returns.
func (w *Worker) Run(ctx context.Context, conn *amqp.Connection, queue string, concurrency int) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("worker channel: %w", err)
	}
	if err := DeclareTopology(ch); err != nil {
		return err
	}
	if err := ch.Qos(w.prefetch, 0, false); err != nil {
		return fmt.Errorf("worker qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	priority := sms.PriorityNormal
	if queue == QueueExpress {
		priority = sms.PriorityExpress
	}

	w.log.Info().Str("queue", queue).Int("concurrency", concurrency).Msg("worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				w.handle(ctx, d, priority)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	wg.Wait()
	if ctx.Err() != nil {
		w.log.Info().Str("queue", queue).Msg("worker pool drained")
		return nil
	}
	return fmt.Errorf("consume stream for %s closed", queue)
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery, priority string) {
	var task Task
	if err := json.Unmarshal(d.Body, &task); err != nil {
		w.log.Error().Err(err).Msg("unparseable task, dead-lettering")
		d.Nack(false, false)
		return
	}
	logger := w.log.With().Str("sms_id", task.SMSID).Int("attempt", task.Attempt).Logger()

	if w.breaker.IsOpen(ctx) {
		if err := w.publisher.PublishDelayed(ctx, priority, task, breakerDeferDelay); err != nil {
			logger.Error().Err(err).Msg("defer publish failed, requeueing")
			d.Nack(false, true)
			return
		}
		logger.Debug().Msg("circuit open, task deferred")
		d.Ack(false)
		return
	}

	id, err := uuid.Parse(task.SMSID)
	if err != nil {
		logger.Error().Err(err).Msg("invalid sms id, dead-lettering")
		d.Nack(false, false)
		return
	}

	m, err := w.messages.GetAny(ctx, id)
	if errors.Is(err, durable.ErrNotFound) {
		// Not yet ingested, or purged. The retry sweep re-covers the first
		// case; dropping is safe either way because credit is settled from
		// pending, not from this task.
		logger.Warn().Msg("message row missing, dropping task")
		d.Ack(false)
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("message load failed, deferring")
		if pubErr := w.publisher.PublishDelayed(ctx, priority, task, breakerDeferDelay); pubErr != nil {
			d.Nack(false, true)
			return
		}
		d.Ack(false)
		return
	}

	if m.Status == sms.StatusCancelled || m.Status == sms.StatusSent {
		logger.Debug().Str("status", m.Status).Msg("message already terminal, dropping task")
		d.Ack(false)
		return
	}

	w.pushStatus(ctx, sms.StatusItem{ID: task.SMSID, Status: sms.StatusSending})

	err = w.provider.Send(ctx, m.Recipient, m.Body)
	var rejection *Rejection
	switch {
	case err == nil:
		w.breaker.RecordSuccess(ctx)
		metrics.ProviderSends.WithLabelValues("sent").Inc()
		w.pushStatus(ctx, sms.StatusItem{ID: task.SMSID, Status: sms.StatusSent})
		logger.Info().Msg("message sent")

	case errors.As(err, &rejection):
		metrics.ProviderSends.WithLabelValues("rejected").Inc()
		w.pushStatus(ctx, sms.StatusItem{ID: task.SMSID, Status: sms.StatusFailed, Reason: rejection.Reason})
		logger.Info().Str("reason", rejection.Reason).Msg("message rejected by provider")

	default:
		w.breaker.RecordFailure(ctx)
		metrics.ProviderSends.WithLabelValues("error").Inc()
		if task.Attempt < w.maxRetries {
			delay := retryBackoff(task.Attempt)
			next := Task{SMSID: task.SMSID, Attempt: task.Attempt + 1}
			if pubErr := w.publisher.PublishDelayed(ctx, priority, next, delay); pubErr == nil {
				metrics.DispatchRetries.Inc()
				logger.Warn().Err(err).Dur("delay", delay).Msg("provider error, retry scheduled")
				d.Ack(false)
				return
			}
			logger.Error().Err(err).Msg("retry publish failed, marking failed")
		}
		reason := err.Error()
		if task.Attempt >= w.maxRetries {
			reason = "max retries exceeded: " + reason
		}
		w.pushStatus(ctx, sms.StatusItem{ID: task.SMSID, Status: sms.StatusFailed, Reason: reason})
		logger.Error().Err(err).Msg("message failed")
	}
	d.Ack(false)
}

// retryBackoff doubles from 60 s: 60, 120, 240, ...
func retryBackoff(attempt int) time.Duration {
	return time.Duration(60<<uint(attempt)) * time.Second
}

func (w *Worker) pushStatus(ctx context.Context, item sms.StatusItem) {
	payload, err := item.Encode()
	if err != nil {
		w.log.Error().Err(err).Str("sms_id", item.ID).Msg("status encode failed")
		return
	}
	if err := w.buffers.PushStatus(ctx, payload); err != nil {
		w.log.Error().Err(err).Str("sms_id", item.ID).Str("status", item.Status).Msg("status push failed")
	}
}
