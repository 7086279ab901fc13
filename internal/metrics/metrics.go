// Package metrics exposes Prometheus collectors for the grabber service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fileStateTotal     *prometheus.CounterVec
	bytesTotal         prometheus.Counter
	pagesScrapedTotal  prometheus.Counter
	keysFoundTotal     prometheus.Counter
	activeDownloads    prometheus.Gauge
	enumeratorPosition prometheus.Gauge
	runsCompletedTotal prometheus.Counter
	runErrorsTotal     prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		fileStateTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "efgrabber_file_state_transitions_total",
				Help: "Total file state transitions, labeled by resulting state.",
			},
			[]string{"state"},
		)

		bytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "efgrabber_bytes_downloaded_total",
				Help: "Total bytes downloaded this process.",
			},
		)

		pagesScrapedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "efgrabber_pages_scraped_total",
				Help: "Total index pages scraped.",
			},
		)

		keysFoundTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "efgrabber_keys_found_total",
				Help: "Total keys discovered on index pages.",
			},
		)

		activeDownloads = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "efgrabber_active_downloads",
				Help: "Downloads currently in flight.",
			},
		)

		enumeratorPosition = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "efgrabber_enumerator_position",
				Help: "Current integer id of the enumerator walk.",
			},
		)

		runsCompletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "efgrabber_runs_completed_total",
				Help: "Runs that drained all work and completed naturally.",
			},
		)

		runErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "efgrabber_run_errors_total",
				Help: "Errors surfaced through the error observer.",
			},
		)
	})
}

// ObserveFileState records a state transition.
func ObserveFileState(state string) {
	if fileStateTotal != nil {
		fileStateTotal.WithLabelValues(state).Inc()
	}
}

// AddBytes accumulates downloaded bytes.
func AddBytes(n int64) {
	if bytesTotal != nil && n > 0 {
		bytesTotal.Add(float64(n))
	}
}

// ObservePageScraped records one scraped page and its key count.
func ObservePageScraped(keys int) {
	if pagesScrapedTotal != nil {
		pagesScrapedTotal.Inc()
	}
	if keysFoundTotal != nil && keys > 0 {
		keysFoundTotal.Add(float64(keys))
	}
}

// SetActiveDownloads tracks the in-flight download gauge.
func SetActiveDownloads(n int64) {
	if activeDownloads != nil {
		activeDownloads.Set(float64(n))
	}
}

// SetEnumeratorPosition tracks the enumerator cursor.
func SetEnumeratorPosition(id uint64) {
	if enumeratorPosition != nil {
		enumeratorPosition.Set(float64(id))
	}
}

// ObserveRunComplete counts a naturally completed run.
func ObserveRunComplete() {
	if runsCompletedTotal != nil {
		runsCompletedTotal.Inc()
	}
}

// ObserveRunError counts an error observer event.
func ObserveRunError() {
	if runErrorsTotal != nil {
		runErrorsTotal.Inc()
	}
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
