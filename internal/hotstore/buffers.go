package hotstore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Buffers exposes the two hot-store staging lists: the ingest buffer filled by
// the acceptor and drained by the batcher, and the status buffer filled by
// workers and drained by the write-back flusher.
//
// Drains are head-first (LRANGE then LTRIM). The two commands are not atomic;
// every drainer runs under a job lease so only one consumer trims at a time.
type Buffers struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewBuffers wires the staging buffers over an existing client.
func NewBuffers(rdb *redis.Client, log zerolog.Logger) *Buffers {
	return &Buffers{
		rdb: rdb,
		log: log.With().Str("component", "buffers").Logger(),
	}
}

// PushIngest appends one serialized submission to the ingest buffer.
func (b *Buffers) PushIngest(ctx context.Context, payload []byte) error {
	if err := b.rdb.RPush(ctx, IngestBufferKey, payload).Err(); err != nil {
		return fmt.Errorf("push ingest buffer: %w", err)
	}
	return nil
}

// DrainIngest pops up to limit items from the head of the ingest buffer.
func (b *Buffers) DrainIngest(ctx context.Context, limit int) ([]string, error) {
	return b.drain(ctx, IngestBufferKey, limit)
}

// RequeueIngest pushes raw items back to the head of the ingest buffer after a
// failed bulk insert. Order within the batch is not preserved; ordering inside
// a batch is not contractual.
func (b *Buffers) RequeueIngest(ctx context.Context, items []string) error {
	if len(items) == 0 {
		return nil
	}
	args := make([]interface{}, len(items))
	for i, it := range items {
		args[i] = it
	}
	if err := b.rdb.LPush(ctx, IngestBufferKey, args...).Err(); err != nil {
		return fmt.Errorf("requeue ingest buffer: %w", err)
	}
	return nil
}

// PushStatus appends one serialized status update to the status buffer.
func (b *Buffers) PushStatus(ctx context.Context, payload []byte) error {
	if err := b.rdb.RPush(ctx, StatusBufferKey, payload).Err(); err != nil {
		return fmt.Errorf("push status buffer: %w", err)
	}
	return nil
}

// DrainStatus pops up to limit items from the head of the status buffer.
func (b *Buffers) DrainStatus(ctx context.Context, limit int) ([]string, error) {
	return b.drain(ctx, StatusBufferKey, limit)
}

// IngestDepth returns the current length of the ingest buffer.
func (b *Buffers) IngestDepth(ctx context.Context) (int64, error) {
	n, err := b.rdb.LLen(ctx, IngestBufferKey).Result()
	if err != nil {
		return 0, fmt.Errorf("ingest buffer depth: %w", err)
	}
	return n, nil
}

// StatusDepth returns the current length of the status buffer.
func (b *Buffers) StatusDepth(ctx context.Context) (int64, error) {
	n, err := b.rdb.LLen(ctx, StatusBufferKey).Result()
	if err != nil {
		return 0, fmt.Errorf("status buffer depth: %w", err)
	}
	return n, nil
}

func (b *Buffers) drain(ctx context.Context, key string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	items, err := b.rdb.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("drain %s: range: %w", key, err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	if err := b.rdb.LTrim(ctx, key, int64(len(items)), -1).Err(); err != nil {
		return nil, fmt.Errorf("drain %s: trim: %w", key, err)
	}
	return items, nil
}
