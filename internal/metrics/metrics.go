// Package metrics exposes the poller's Prometheus counters, gauges and
// histograms and the HTTP router that serves them.
package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry so several pollers
// (and tests) can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	FilesSeen      prometheus.Counter
	FilesRestarted prometheus.Counter
	FilesSucceeded prometheus.Counter
	FilesFailed    prometheus.Counter
	Retries        *prometheus.CounterVec
	Alerts         prometheus.Counter
	LockFailures   *prometheus.CounterVec

	ScanDuration       prometheus.Histogram
	TriggerDuration    prometheus.Histogram
	ProcessingDuration prometheus.Histogram
	FileSize           prometheus.Histogram

	InProcess   prometheus.Gauge
	Tracked     prometheus.Gauge
	RetryQueue  prometheus.Gauge
	PoolWorkers prometheus.Gauge
	PoolQueued  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		FilesSeen:      prometheus.NewCounter(prometheus.CounterOpts{Name: "dirpoller_files_seen_total", Help: "New files found in watched folders"}),
		FilesRestarted: prometheus.NewCounter(prometheus.CounterOpts{Name: "dirpoller_files_restarted_total", Help: "Processing folders resumed at startup"}),
		FilesSucceeded: prometheus.NewCounter(prometheus.CounterOpts{Name: "dirpoller_files_succeeded_total", Help: "Files whose job was triggered successfully"}),
		FilesFailed:    prometheus.NewCounter(prometheus.CounterOpts{Name: "dirpoller_files_failed_total", Help: "Files moved to the error folder"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirpoller_file_retries_total",
			Help: "Failed attempts scheduled for retry, by failure kind",
		}, []string{"kind"}),
		Alerts: prometheus.NewCounter(prometheus.CounterOpts{Name: "dirpoller_file_processing_alerts_total", Help: "Alerts raised for failed files"}),
		LockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirpoller_folder_lock_failures_total",
			Help: "Scan passes skipped because the folder lock was held elsewhere",
		}, []string{"folder"}),

		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dirpoller_scan_duration_seconds",
			Help:    "Duration of one poll cycle",
			Buckets: prometheus.DefBuckets,
		}),
		TriggerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dirpoller_trigger_duration_seconds",
			Help:    "Duration of a job submission",
			Buckets: prometheus.DefBuckets,
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dirpoller_processing_duration_seconds",
			Help:    "Time from pickup to completion of a file",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		FileSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dirpoller_file_size_bytes",
			Help:    "Size of processed files",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),

		InProcess:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "dirpoller_files_in_process", Help: "Files counted against the in-process cap"}),
		Tracked:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "dirpoller_files_tracked", Help: "Files waiting to become stable"}),
		RetryQueue:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "dirpoller_retry_queue_length", Help: "Files waiting for a retry"}),
		PoolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{Name: "dirpoller_pool_workers", Help: "Live worker goroutines"}),
		PoolQueued:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "dirpoller_pool_queued_tasks", Help: "Tasks waiting for a worker"}),
	}

	m.Registry.MustRegister(
		m.FilesSeen, m.FilesRestarted, m.FilesSucceeded, m.FilesFailed,
		m.Retries, m.Alerts, m.LockFailures,
		m.ScanDuration, m.TriggerDuration, m.ProcessingDuration, m.FileSize,
		m.InProcess, m.Tracked, m.RetryQueue, m.PoolWorkers, m.PoolQueued,
	)
	return m
}

// RegisterEventDrops exposes the event bus drop count.
func (m *Metrics) RegisterEventDrops(dropped func() uint64) {
	m.Registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "dirpoller_events_dropped_total",
		Help: "Lifecycle events not delivered because a subscriber queue was full",
	}, func() float64 { return float64(dropped()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Router serves /healthz, /metrics and, when status is non-nil, /status as JSON.
func Router(m *Metrics, status func() any) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", m.Handler())

	if status != nil {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(status()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})
	}
	return r
}
