// Package metrics exposes Prometheus collectors for the directory crawler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlTargetsTotal    *prometheus.CounterVec
	crawlRecordsTotal    *prometheus.CounterVec
	crawlDurationSeconds *prometheus.HistogramVec
	retryBackoffSeconds  prometheus.Histogram
	schedulerRunning     prometheus.Gauge
	batchesTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlTargetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafedir_crawl_targets_total",
				Help: "Total crawled targets, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		crawlRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafedir_crawl_records_total",
				Help: "Total reconciled records, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cafedir_crawl_duration_seconds",
				Help:    "Histogram of per-target crawl duration, labeled by source.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"source"},
		)

		retryBackoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cafedir_retry_backoff_seconds",
				Help:    "Histogram of computed reschedule delays for failed targets.",
				Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
			},
		)

		schedulerRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cafedir_scheduler_running",
				Help: "Whether the background crawl loop is currently running.",
			},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafedir_batches_total",
				Help: "Total batch runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTarget records one finished target crawl.
func ObserveTarget(source, status string, duration time.Duration) {
	crawlTargetsTotal.WithLabelValues(source, status).Inc()
	crawlDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRecords adds n to the record counter for the given result.
func ObserveRecords(source, result string, n int) {
	if n > 0 {
		crawlRecordsTotal.WithLabelValues(source, result).Add(float64(n))
	}
}

// ObserveBackoff records a computed reschedule delay.
func ObserveBackoff(delay time.Duration) {
	retryBackoffSeconds.Observe(delay.Seconds())
}

// SetRunning flips the scheduler running gauge.
func SetRunning(running bool) {
	if running {
		schedulerRunning.Set(1)
		return
	}
	schedulerRunning.Set(0)
}

// ObserveBatch records one finished batch run.
func ObserveBatch(outcome string) {
	batchesTotal.WithLabelValues(outcome).Inc()
}
