// Package writeback flushes buffered status updates into the durable store.
// It is the only component that mutates submission status rows; workers and
// the cancel path converge here.
package writeback

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/hotstore"
	"github.com/parsgate/payamak/internal/metrics"
	"github.com/parsgate/payamak/internal/sms"
)

// Flusher drains the status buffer and applies one bulk update per tick.
type Flusher struct {
	buffers   *hotstore.Buffers
	messages  *durable.Messages
	batchSize int
	log       zerolog.Logger
}

// NewFlusher wires the write-back flusher.
func NewFlusher(buffers *hotstore.Buffers, messages *durable.Messages, batchSize int, logger zerolog.Logger) *Flusher {
	return &Flusher{
		buffers:   buffers,
		messages:  messages,
		batchSize: batchSize,
		log:       logger.With().Str("component", "writeback").Logger(),
	}
}

// Run processes one tick: pop up to the batch size, collapse to one change
// per id with last-write-wins, apply in a single statement. Returns the
// number of rows updated.
//
// A failed bulk update loses the popped batch. Accepted: statuses are
// re-derivable (the retry sweep re-runs failed sends, and a lost sent update
// resurfaces when the worker's next pass drops the duplicate task), and
// holding the batch would stall every later update behind a poisoned one.
func (f *Flusher) Run(ctx context.Context) (int64, error) {
	items, err := f.buffers.DrainStatus(ctx, f.batchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	start := time.Now()

	latest := make(map[uuid.UUID]durable.StatusChange, len(items))
	order := make([]uuid.UUID, 0, len(items))
	for _, raw := range items {
		var item sms.StatusItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			f.log.Error().Err(err).Str("raw", raw).Msg("undecodable status item dropped")
			continue
		}
		id, err := uuid.Parse(item.ID)
		if err != nil {
			f.log.Error().Err(err).Str("id", item.ID).Msg("status item with invalid id dropped")
			continue
		}
		if !sms.ValidStatus(item.Status) {
			f.log.Error().Str("status", item.Status).Str("id", item.ID).Msg("status item with unknown status dropped")
			continue
		}
		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		latest[id] = durable.StatusChange{ID: id, Status: item.Status, Reason: item.Reason}
	}
	if len(latest) == 0 {
		return 0, nil
	}

	changes := make([]durable.StatusChange, 0, len(latest))
	for _, id := range order {
		changes = append(changes, latest[id])
	}

	updated, err := f.messages.ApplyStatusChanges(ctx, changes)
	if err != nil {
		f.log.Error().Err(err).Int("count", len(changes)).Msg("status flush failed, batch lost")
		return 0, err
	}
	metrics.StatusUpdatesFlushed.Add(float64(updated))

	f.log.Debug().
		Int("drained", len(items)).
		Int("distinct", len(changes)).
		Int64("updated", updated).
		Dur("duration", time.Since(start)).
		Msg("status batch flushed")
	return updated, nil
}
