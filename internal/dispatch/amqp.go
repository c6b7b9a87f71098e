// Package dispatch moves accepted submissions through the broker to the
// provider. The ingest batcher and the periodic sweeps publish tasks; worker
// pools consume them, call the provider, and report outcomes through the
// status buffer.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/metrics"
	"github.com/parsgate/payamak/internal/sms"
)

// Broker topology. Two priority queues fed by a direct exchange, a TTL-based
// delay loop that dead-letters back into the main exchange with the original
// routing key, and a dead-letter queue for poisoned payloads.
const (
	Exchange      = "sms"
	DelayExchange = "sms.delay"
	DeadExchange  = "dlx"

	QueueNormal  = "normal_sms"
	QueueExpress = "express_sms"
	QueueDelay   = "sms_delay"
	QueueDead    = "dead_sms"

	deadRoutingKey = "dead"
)

// Task is the wire form of one dispatch unit. Attempt counts provider
// retries already consumed.
type Task struct {
	SMSID   string `json:"sms_id"`
	Attempt int    `json:"attempt"`
}

// QueueFor maps a priority onto its queue name.
func QueueFor(priority string) string {
	if priority == sms.PriorityExpress {
		return QueueExpress
	}
	return QueueNormal
}

// Connect dials the broker.
func Connect(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	return conn, nil
}

// DeclareTopology declares every exchange, queue, and binding the gateway
// uses. Safe to call from every process; declarations are idempotent.
func DeclareTopology(ch *amqp.Channel) error {
	for _, ex := range []string{Exchange, DelayExchange, DeadExchange} {
		if err := ch.ExchangeDeclare(ex, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}

	workQueueArgs := amqp.Table{
		"x-dead-letter-exchange":    DeadExchange,
		"x-dead-letter-routing-key": deadRoutingKey,
	}
	for queue, key := range map[string]string{
		QueueNormal:  sms.PriorityNormal,
		QueueExpress: sms.PriorityExpress,
	} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, workQueueArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, key, Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	// Expired messages dead-letter back into the main exchange. No
	// x-dead-letter-routing-key here: the original key must survive the loop
	// so the message lands back on its own priority queue.
	delayArgs := amqp.Table{"x-dead-letter-exchange": Exchange}
	if _, err := ch.QueueDeclare(QueueDelay, true, false, false, false, delayArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueDelay, err)
	}
	for _, key := range []string{sms.PriorityNormal, sms.PriorityExpress} {
		if err := ch.QueueBind(QueueDelay, key, DelayExchange, false, nil); err != nil {
			return fmt.Errorf("bind delay queue: %w", err)
		}
	}

	if _, err := ch.QueueDeclare(QueueDead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueDead, err)
	}
	if err := ch.QueueBind(QueueDead, deadRoutingKey, DeadExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead queue: %w", err)
	}
	return nil
}

// TaskPublisher is what producers need from the broker side. Satisfied by
// *Publisher; test doubles implement it in memory.
type TaskPublisher interface {
	Publish(ctx context.Context, priority string, task Task) error
	PublishDelayed(ctx context.Context, priority string, task Task, delay time.Duration) error
}

// Publisher writes tasks to the broker. A channel is not safe for concurrent
// publishes, so a mutex serializes them.
type Publisher struct {
	ch  *amqp.Channel
	mu  sync.Mutex
	log zerolog.Logger
}

// NewPublisher opens a publishing channel and ensures the topology exists.
func NewPublisher(conn *amqp.Connection, logger zerolog.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := DeclareTopology(ch); err != nil {
		ch.Close()
		return nil, err
	}
	return &Publisher{
		ch:  ch,
		log: logger.With().Str("component", "publisher").Logger(),
	}, nil
}

// Publish routes a task to its priority queue.
func (p *Publisher) Publish(ctx context.Context, priority string, task Task) error {
	if err := p.publish(ctx, Exchange, priority, task, 0); err != nil {
		return err
	}
	metrics.DispatchesPublished.WithLabelValues(QueueFor(priority)).Inc()
	return nil
}

// PublishDelayed parks a task on the delay queue; after delay it re-enters
// the priority queue it was bound for.
func (p *Publisher) PublishDelayed(ctx context.Context, priority string, task Task, delay time.Duration) error {
	return p.publish(ctx, DelayExchange, priority, task, delay)
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, task Task, ttl time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if ttl > 0 {
		msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, key, err)
	}
	return nil
}

// Backlog returns the ready-message count of a queue. Used by the health
// endpoint to detect a stalled consumer fleet.
func (p *Publisher) Backlog(queue string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, err := p.ch.QueueDeclarePassive(queue, true, false, false, false, queueArgsFor(queue))
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

func queueArgsFor(queue string) amqp.Table {
	switch queue {
	case QueueNormal, QueueExpress:
		return amqp.Table{
			"x-dead-letter-exchange":    DeadExchange,
			"x-dead-letter-routing-key": deadRoutingKey,
		}
	case QueueDelay:
		return amqp.Table{"x-dead-letter-exchange": Exchange}
	}
	return nil
}

// Close releases the publishing channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}
