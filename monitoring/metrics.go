package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stkInitiations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stk_initiations_total",
			Help: "STK push initiations by result",
		},
		[]string{"status"},
	)

	stkCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stk_callbacks_total",
			Help: "Processed STK callbacks by outcome",
		},
		[]string{"outcome"},
	)

	reconciliationQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_queries_total",
			Help: "Gateway status queries triggered by incomplete callbacks",
		},
		[]string{"result"},
	)

	degradedReconciliations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "degraded_reconciliations_total",
			Help: "Outcomes recorded with incomplete metadata or failed downstream processing",
		},
	)

	notifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_failures_total",
			Help: "Outcome notifications that failed to publish",
		},
	)

	callbackDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "callback_processing_duration_seconds",
			Help:    "Wall time spent handling one callback",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
)

// TrackInitiation counts one initiation attempt: accepted, invalid,
// storage_error or gateway_error.
func TrackInitiation(status string) {
	stkInitiations.WithLabelValues(status).Inc()
}

// TrackCallback counts one handled callback by its outcome.
func TrackCallback(outcome string) {
	stkCallbacks.WithLabelValues(outcome).Inc()
}

// TrackReconciliationQuery counts one status-query fallback: backfilled,
// ambiguous or failed.
func TrackReconciliationQuery(result string) {
	reconciliationQueries.WithLabelValues(result).Inc()
}

func TrackDegradedReconciliation() {
	degradedReconciliations.Inc()
}

func TrackNotifyFailure() {
	notifyFailures.Inc()
}

func ObserveCallbackDuration(d time.Duration) {
	callbackDuration.Observe(d.Seconds())
}
