package rest

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/hotstore"
)

// backlogDegradeDepth is the ingest-buffer depth past which the gateway
// reports itself degraded: submissions are still accepted but the batcher is
// not keeping up.
const backlogDegradeDepth = 10000

// healthCheckTimeout bounds the whole probe; a hung dependency must not hang
// the health endpoint with it.
const healthCheckTimeout = 2 * time.Second

// BrokerProbe reports whether the AMQP connection is gone. *amqp.Connection
// satisfies it.
type BrokerProbe interface {
	IsClosed() bool
}

// Health answers GET /health with per-component status. Healthy and degraded
// return 200, unhealthy returns 503.
type Health struct {
	db      *sql.DB
	rdb     *redis.Client
	buffers *hotstore.Buffers
	broker  BrokerProbe
	log     zerolog.Logger
}

// NewHealth wires the health endpoint. broker may be nil in processes that
// hold no AMQP connection.
func NewHealth(db *sql.DB, rdb *redis.Client, buffers *hotstore.Buffers, broker BrokerProbe, logger zerolog.Logger) *Health {
	return &Health{db: db, rdb: rdb, buffers: buffers, broker: broker, log: logger}
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Handle runs the component probes and reports the aggregate.
func (h *Health) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy", Components: map[string]string{}}
	degraded, unhealthy := false, false

	if err := h.db.PingContext(ctx); err != nil {
		resp.Components["database"] = "error: " + err.Error()
		unhealthy = true
	} else {
		resp.Components["database"] = "ok"
	}

	if err := h.rdb.Ping(ctx).Err(); err != nil {
		resp.Components["redis"] = "error: " + err.Error()
		unhealthy = true
	} else {
		resp.Components["redis"] = "ok"

		// Backlog depth only means something when the hot store answered.
		depth, err := h.buffers.IngestDepth(ctx)
		switch {
		case err != nil:
			resp.Components["queue_backlog"] = "error: " + err.Error()
			degraded = true
		case depth > backlogDegradeDepth:
			resp.Components["queue_backlog"] = fmt.Sprintf("degraded: depth %d", depth)
			degraded = true
		default:
			resp.Components["queue_backlog"] = "ok"
		}
	}

	if h.broker != nil {
		if h.broker.IsClosed() {
			resp.Components["broker"] = "error: connection closed"
			unhealthy = true
		} else {
			resp.Components["broker"] = "ok"
		}
	}

	status := http.StatusOK
	switch {
	case unhealthy:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case degraded:
		resp.Status = "degraded"
	}

	writeJSON(h.log, w, status, resp)
}
