package coalesce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonWindow = "window"
	reasonCap    = "cap"
)

// Request outcomes.
const (
	outcomeResolved  = "resolved"
	outcomeNotFound  = "not_found"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
	outcomeInvalid   = "invalid"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quote_coalescer_batches_total",
		Help: "Total batches dispatched by close reason",
	}, []string{"reason"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quote_coalescer_batch_size",
		Help:    "Unique keys per dispatched batch",
		Buckets: []float64{1, 2, 3, 5, 10, 20, 50},
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quote_coalescer_requests_total",
		Help: "Total single-key requests by outcome",
	}, []string{"outcome"})
)
