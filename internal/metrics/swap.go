package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

var (
	quotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swap",
			Subsystem: "quote",
			Name:      "requests_total",
			Help:      "Quotes requested, by outcome and error kind",
		},
		[]string{"outcome", "kind"},
	)

	approvalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swap",
			Subsystem: "allowance",
			Name:      "approvals_total",
			Help:      "Approval transactions submitted, by outcome",
		},
		[]string{"outcome"},
	)

	swapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swap",
			Subsystem: "executor",
			Name:      "swaps_total",
			Help:      "Swap executions, by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	balanceRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swap",
			Subsystem: "balance",
			Name:      "refreshes_total",
			Help:      "Balance refreshes that reached the provider, by outcome",
		},
		[]string{"outcome"},
	)

	aggregatorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swap",
			Subsystem: "aggregator",
			Name:      "request_duration_seconds",
			Help:      "Aggregator request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "outcome"},
	)
)

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// RecordQuote counts one quote attempt. kind is the error kind or empty.
func RecordQuote(kind string, err error) {
	quotesTotal.WithLabelValues(outcome(err), kind).Inc()
}

func RecordApproval(err error) {
	approvalsTotal.WithLabelValues(outcome(err)).Inc()
}

func RecordSwap(mode string, err error) {
	swapsTotal.WithLabelValues(mode, outcome(err)).Inc()
}

func RecordBalanceRefresh(err error) {
	balanceRefreshesTotal.WithLabelValues(outcome(err)).Inc()
}

func ObserveAggregator(endpoint string, started time.Time, err error) {
	aggregatorRequestDuration.WithLabelValues(endpoint, outcome(err)).Observe(time.Since(started).Seconds())
}
