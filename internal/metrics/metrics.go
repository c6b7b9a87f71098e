// Package metrics holds the Prometheus collectors shared across the gateway.
// The /metrics endpoint itself is mounted by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admission path.
	SubmissionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sms_submissions_accepted_total",
		Help: "Submissions that passed admission and entered the ingest buffer.",
	})
	SubmissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_submissions_rejected_total",
		Help: "Submissions rejected at admission, by reason.",
	}, []string{"reason"})
	AcceptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sms_accept_duration_seconds",
		Help:    "Wall time of the synchronous acceptance path.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
	})

	// Pipeline.
	MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sms_messages_ingested_total",
		Help: "Messages bulk-inserted into the durable store.",
	})
	DispatchesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_dispatches_published_total",
		Help: "Dispatch tasks published, by queue.",
	}, []string{"queue"})
	StatusUpdatesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sms_status_updates_flushed_total",
		Help: "Status updates applied by the write-back flusher.",
	})
	BufferDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sms_buffer_depth",
		Help: "Current depth of the hot-store staging buffers.",
	}, []string{"buffer"})

	// Provider side.
	ProviderSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_provider_sends_total",
		Help: "Provider call outcomes, by result (sent, rejected, error).",
	}, []string{"result"})
	BreakerOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sms_breaker_opened_total",
		Help: "Times the provider circuit breaker transitioned to open.",
	})
	DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sms_dispatch_retries_total",
		Help: "Dispatch attempts deferred for retry.",
	})

	// Ledger.
	SettlementsRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_settlements_total",
		Help: "Per-account settlement transactions committed.",
	})
	SettledAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_settled_amount_total",
		Help: "Total amount moved from pending to spent.",
	})

	// REST surface.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests served, by method, route pattern and status.",
	}, []string{"method", "route", "status"})
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency, by route pattern.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"route"})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the per-account rate limiter.",
	})
)
