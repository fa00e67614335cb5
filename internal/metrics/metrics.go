// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inferwire_request_duration_seconds",
			Help:    "Total time taken per inference request in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"backend"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inferwire_request_count_total",
			Help: "Total number of inference requests processed",
		},
		[]string{"backend", "status"},
	)

	ChunksSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inferwire_chunks_sent_total",
			Help: "Total number of response chunks forwarded to clients",
		},
	)

	BytesStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inferwire_bytes_streamed_total",
			Help: "Total response chunk bytes forwarded to clients",
		},
	)

	CreditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inferwire_credit_dropped_chunks_total",
			Help: "Chunks dropped because the per-request credit budget was exhausted",
		},
	)

	MalformedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inferwire_malformed_requests_total",
			Help: "Inbound REQ_INFER frames dropped as malformed",
		},
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inferwire_completion_tokens_total",
			Help: "Total number of completion tokens generated",
		},
		[]string{"backend"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inferwire_queue_depth",
			Help: "Requests waiting in the dispatcher work queue",
		},
	)
)
