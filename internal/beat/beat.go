// Package beat runs the gateway's periodic jobs: ingest batching, status
// write-back, settlement, the scheduled-send gate, the retry sweep, and
// partition maintenance.
//
// Every job tick starts by claiming a named advisory lease in the hot store,
// so any number of processes can run a beat and exactly one executes each
// tick. Losing the claim is the normal case on every non-leader and is logged
// at debug only.
package beat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/dispatch"
	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/hotstore"
	"github.com/parsgate/payamak/internal/ingest"
	"github.com/parsgate/payamak/internal/ledger"
	"github.com/parsgate/payamak/internal/metrics"
	"github.com/parsgate/payamak/internal/writeback"
)

// tickTimeout bounds one job execution; a stuck tick must not outlive its
// lease by much.
const tickTimeout = 2 * time.Minute

// Intervals configures the job cadence.
type Intervals struct {
	Ingest        time.Duration
	StatusFlush   time.Duration
	Settlement    time.Duration
	ScheduledSend time.Duration
	RetrySweep    time.Duration
}

// Beat owns the periodic jobs of one process.
type Beat struct {
	intervals  Intervals
	maxRetries int

	locks      *hotstore.Locks
	buffers    *hotstore.Buffers
	batcher    *ingest.Batcher
	flusher    *writeback.Flusher
	ledger     *ledger.Ledger
	messages   *durable.Messages
	partitions *durable.Partitions
	publisher  dispatch.TaskPublisher
	log        zerolog.Logger
}

// New wires the scheduler.
func New(intervals Intervals, maxRetries int, locks *hotstore.Locks, buffers *hotstore.Buffers,
	batcher *ingest.Batcher, flusher *writeback.Flusher, l *ledger.Ledger,
	messages *durable.Messages, partitions *durable.Partitions,
	publisher dispatch.TaskPublisher, logger zerolog.Logger) *Beat {
	return &Beat{
		intervals:  intervals,
		maxRetries: maxRetries,
		locks:      locks,
		buffers:    buffers,
		batcher:    batcher,
		flusher:    flusher,
		ledger:     l,
		messages:   messages,
		partitions: partitions,
		publisher:  publisher,
		log:        logger.With().Str("component", "beat").Logger(),
	}
}

type job struct {
	name     string
	interval time.Duration
	leaseTTL time.Duration
	fn       func(context.Context) error
}

// Run blocks until ctx is cancelled. Each job runs on its own ticker; ticks
// overlap freely across jobs but never within one job name, the lease sees
// to that.
func (b *Beat) Run(ctx context.Context) {
	jobs := []job{
		{"ingest", b.intervals.Ingest, 5 * time.Minute, b.ingestTick},
		{"writeback", b.intervals.StatusFlush, time.Minute, b.writebackTick},
		{"settlement", b.intervals.Settlement, 5 * time.Minute, b.settlementTick},
		{"scheduled_send", b.intervals.ScheduledSend, time.Minute, b.scheduledTick},
		{"retry_sweep", b.intervals.RetrySweep, time.Minute, b.retryTick},
	}

	// Partitions for the current and next year must exist before the first
	// submission of a new year can land.
	b.tick(ctx, job{"partitions", 0, time.Hour, b.partitionTick})

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			b.runJob(ctx, j)
		}(j)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.runPartitionJob(ctx)
	}()

	b.log.Info().Int("jobs", len(jobs)+1).Msg("beat started")
	wg.Wait()
	b.log.Info().Msg("beat stopped")
}

func (b *Beat) runJob(ctx context.Context, j job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx, j)
		}
	}
}

// runPartitionJob fires at each month boundary rather than on a fixed ticker.
func (b *Beat) runPartitionJob(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			b.tick(ctx, job{"partitions", 0, time.Hour, b.partitionTick})
		}
	}
}

func (b *Beat) tick(ctx context.Context, j job) {
	lease, err := b.locks.AcquireJobLease(ctx, j.name, j.leaseTTL)
	if err != nil {
		if errors.Is(err, hotstore.ErrLeaseHeld) {
			b.log.Debug().Str("job", j.name).Msg("lease held elsewhere, skipping tick")
		} else {
			b.log.Warn().Err(err).Str("job", j.name).Msg("lease acquisition failed")
		}
		return
	}

	tctx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()
	defer b.locks.Release(ctx, lease)

	if err := j.fn(tctx); err != nil {
		b.log.Error().Err(err).Str("job", j.name).Msg("job tick failed")
	}
}

func (b *Beat) ingestTick(ctx context.Context) error {
	_, err := b.batcher.Run(ctx)
	if depth, derr := b.buffers.IngestDepth(ctx); derr == nil {
		metrics.BufferDepth.WithLabelValues("ingest").Set(float64(depth))
	}
	return err
}

func (b *Beat) writebackTick(ctx context.Context) error {
	_, err := b.flusher.Run(ctx)
	if depth, derr := b.buffers.StatusDepth(ctx); derr == nil {
		metrics.BufferDepth.WithLabelValues("status").Set(float64(depth))
	}
	return err
}

func (b *Beat) settlementTick(ctx context.Context) error {
	settled, err := b.ledger.SettleAll(ctx)
	if settled > 0 {
		b.log.Info().Int("accounts", settled).Msg("settlement sweep complete")
	}
	return err
}

// scheduledTick releases queued submissions whose send time has arrived.
// A row stays queued until the worker's sending update flushes, so a tick
// racing that window can re-publish; the worker's terminal-state check and
// the write-back's idempotent updates absorb the duplicate.
func (b *Beat) scheduledTick(ctx context.Context) error {
	refs, err := b.messages.DueScheduled(ctx, time.Now().UTC(), 1000)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		task := dispatch.Task{SMSID: ref.ID.String()}
		if err := b.publisher.Publish(ctx, ref.Priority, task); err != nil {
			b.log.Error().Err(err).Str("sms_id", ref.ID.String()).Msg("scheduled publish failed")
		}
	}
	if len(refs) > 0 {
		b.log.Info().Int("count", len(refs)).Msg("scheduled messages released")
	}
	return nil
}

func (b *Beat) retryTick(ctx context.Context) error {
	refs, err := b.messages.ClaimFailedForRetry(ctx, b.maxRetries, 500)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		task := dispatch.Task{SMSID: ref.ID.String()}
		if err := b.publisher.Publish(ctx, ref.Priority, task); err != nil {
			b.log.Error().Err(err).Str("sms_id", ref.ID.String()).Msg("retry publish failed")
		}
	}
	if len(refs) > 0 {
		b.log.Info().Int("count", len(refs)).Msg("failed messages requeued for retry")
	}
	return nil
}

func (b *Beat) partitionTick(ctx context.Context) error {
	created, err := b.partitions.EnsureCurrentAndNext(ctx, time.Now().UTC())
	if len(created) > 0 {
		b.log.Info().Strs("partitions", created).Msg("partitions created")
	}
	return err
}
