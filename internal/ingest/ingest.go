// Package ingest drains the hot-store staging buffer into the durable store
// in bulk and fans accepted submissions out to the dispatch queues.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/parsgate/payamak/internal/dispatch"
	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/hotstore"
	"github.com/parsgate/payamak/internal/metrics"
	"github.com/parsgate/payamak/internal/sms"
)

// Batcher converts staged ingest items into durable rows. It runs on the
// leader only; the periodic scheduler acquires the advisory lease before each
// tick.
type Batcher struct {
	buffers   *hotstore.Buffers
	messages  *durable.Messages
	publisher dispatch.TaskPublisher
	batchSize int
	log       zerolog.Logger
}

// NewBatcher wires the batcher.
func NewBatcher(buffers *hotstore.Buffers, messages *durable.Messages,
	publisher dispatch.TaskPublisher, batchSize int, logger zerolog.Logger) *Batcher {
	return &Batcher{
		buffers:   buffers,
		messages:  messages,
		publisher: publisher,
		batchSize: batchSize,
		log:       logger.With().Str("component", "ingest").Logger(),
	}
}

// Run processes one tick: it keeps draining full batches until the buffer
// falls below the batch size, so a backlog clears without waiting for the
// next tick. Returns the number of items taken off the buffer.
func (b *Batcher) Run(ctx context.Context) (int, error) {
	total := 0
	for {
		drained, err := b.runBatch(ctx)
		total += drained
		if err != nil {
			return total, err
		}
		if drained < b.batchSize {
			return total, nil
		}
	}
}

func (b *Batcher) runBatch(ctx context.Context) (int, error) {
	items, err := b.buffers.DrainIngest(ctx, b.batchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	start := time.Now()

	msgs := make([]durable.Message, 0, len(items))
	raws := make([]string, 0, len(items))
	for _, raw := range items {
		m, ok := b.parse(raw)
		if !ok {
			continue
		}
		msgs = append(msgs, m)
		raws = append(raws, raw)
	}
	if len(msgs) == 0 {
		return len(items), nil
	}

	if _, err := b.messages.BulkInsert(ctx, msgs); err != nil {
		// The multi-row insert is one statement: on failure nothing landed,
		// so every parseable item goes back for the next tick.
		b.log.Error().Err(err).Int("count", len(raws)).Msg("bulk insert failed, requeueing batch")
		if reqErr := b.buffers.RequeueIngest(ctx, raws); reqErr != nil {
			b.log.Error().Err(reqErr).Int("count", len(raws)).Msg("requeue failed, items lost")
		}
		return len(items), err
	}
	metrics.MessagesIngested.Add(float64(len(msgs)))

	published := 0
	for _, m := range msgs {
		if m.ScheduledAt != nil {
			// The scheduled-send gate picks these up when their time comes.
			continue
		}
		task := dispatch.Task{SMSID: m.ID.String()}
		if err := b.publisher.Publish(ctx, m.Priority, task); err != nil {
			b.log.Error().Err(err).Str("sms_id", m.ID.String()).Msg("dispatch publish failed")
			continue
		}
		published++
	}

	b.log.Info().
		Int("drained", len(items)).
		Int("inserted", len(msgs)).
		Int("published", published).
		Dur("duration", time.Since(start)).
		Msg("ingest batch processed")
	return len(items), nil
}

// parse decodes one staged item. Undecodable items are logged and dropped;
// they can never become rows and requeueing them would wedge the buffer.
func (b *Batcher) parse(raw string) (durable.Message, bool) {
	var item sms.IngestItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		b.log.Error().Err(err).Str("raw", raw).Msg("undecodable ingest item dropped")
		return durable.Message{}, false
	}
	id, err := uuid.Parse(item.ID)
	if err != nil {
		b.log.Error().Err(err).Str("id", item.ID).Msg("ingest item with invalid id dropped")
		return durable.Message{}, false
	}
	cost, err := decimal.NewFromString(item.Cost)
	if err != nil {
		b.log.Error().Err(err).Str("cost", item.Cost).Msg("ingest item with invalid cost dropped")
		return durable.Message{}, false
	}

	return durable.Message{
		ID:          id,
		AccountID:   item.UserID,
		Recipient:   item.Recipient,
		Body:        item.Message,
		Priority:    item.Priority,
		Cost:        cost,
		ScheduledAt: item.ScheduledAt,
		Status:      sms.StatusQueued,
		CreatedAt:   createdAtFromID(id),
	}, true
}

// createdAtFromID recovers the submission timestamp embedded in the
// time-ordered id. Deriving created_at from the id keeps the insert
// deterministic: a replayed batch produces byte-identical rows, so the
// conflict-ignore truly deduplicates instead of inserting under a fresh
// partition-routing timestamp.
func createdAtFromID(id uuid.UUID) time.Time {
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}
