/*
metrics.go - prometheus instrumentation

Counters for the money-moving paths and a histogram for posting
latency. Business refusals count separately from infrastructure
failures; an arrears cutoff firing is the system working, not an
error rate.
*/

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	paymentsPosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cobranza_payments_posted_total",
		Help: "Payments successfully posted, replays excluded",
	})

	paymentsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cobranza_payments_replayed_total",
		Help: "Idempotent replays answered with the prior payment",
	})

	postingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cobranza_posting_duration_seconds",
		Help:    "End-to-end latency of the payment posting pipeline",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	cashMovements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cobranza_cash_movements_total",
		Help: "Ledger pairs posted by cash movement kind",
	}, []string{"kind"})

	businessRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cobranza_business_refusals_total",
		Help: "Requests refused by a business or concurrency rule",
	}, []string{"code"})
)
