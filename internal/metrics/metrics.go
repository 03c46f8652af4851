// Package metrics holds the prometheus collectors for scheduler runs and
// notification delivery.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts completed runs by source, terminal status, and error class
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "runs_total",
			Help:      "Completed scrape runs by source, status, and error class",
		},
		[]string{"source", "status", "error_class"},
	)

	// RunDuration tracks worker wall-clock time
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cadence",
			Name:      "run_duration_seconds",
			Help:      "Worker wall-clock time per run",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"source"},
	)

	// DueJobs reports how many schedules the last iteration found due
	DueJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cadence",
			Name:      "due_jobs",
			Help:      "Schedules found due by the most recent poll",
		},
	)

	// IterationErrors counts scheduler iterations aborted by infrastructure errors
	IterationErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "iteration_errors_total",
			Help:      "Scheduler iterations aborted by store or infrastructure errors",
		},
	)

	// ChannelSends counts per-channel delivery attempts
	ChannelSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "notification_sends_total",
			Help:      "Notification delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	// DeferredNotifications counts events held for business hours
	DeferredNotifications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "notifications_deferred_total",
			Help:      "Notifications deferred to the next business-hours window",
		},
	)

	// Redelivered counts deferred events delivered by the redelivery sweep
	Redelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "notifications_redelivered_total",
			Help:      "Deferred notifications delivered by the redelivery sweep",
		},
	)

	// Registry holds every cadence collector plus the Go runtime collectors
	Registry = prometheus.NewRegistry()
)

func init() {
	Registry.MustRegister(
		RunsTotal,
		RunDuration,
		DueJobs,
		IterationErrors,
		ChannelSends,
		DeferredNotifications,
		Redelivered,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveRun records one completed run
func ObserveRun(source, status, errorClass string, d time.Duration) {
	if errorClass == "" {
		errorClass = "none"
	}
	RunsTotal.WithLabelValues(source, status, errorClass).Inc()
	RunDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveSend records one channel attempt
func ObserveSend(channel string, sent bool) {
	result := "failed"
	if sent {
		result = "sent"
	}
	ChannelSends.WithLabelValues(channel, result).Inc()
}

// NewServer returns an HTTP server exposing /metrics
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
