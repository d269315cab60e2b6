// Package metrics exposes Bay's Prometheus metrics: fleet size, scheduler
// admission latency and outcomes, reaper activity, and API request
// volume/latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	ShipsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bay_ships_total",
			Help: "Total number of ships by status",
		},
		[]string{"status"},
	)

	SessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bay_sessions_total",
			Help: "Total number of bound sessions across all ships",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bay_scheduling_latency_seconds",
			Help:    "Time taken to admit and start a ship, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerWaitDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bay_scheduler_wait_depth",
			Help: "Current number of callers parked in the wait-policy queue",
		},
	)

	ShipsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bay_ships_created_total",
			Help: "Total number of ships successfully created",
		},
	)

	ShipsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bay_ships_failed_total",
			Help: "Total number of ship creations that failed after obtaining a capacity slot",
		},
	)

	ShipsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bay_ships_rejected_total",
			Help: "Total number of ship creations that never obtained a capacity slot (rejected, or wait cancelled)",
		},
	)

	// Reaper metrics
	ReaperExpirations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bay_reaper_expirations_total",
			Help: "Total number of ships destroyed by the TTL reaper",
		},
	)

	ReaperStopFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bay_reaper_stop_failures_total",
			Help: "Total number of reaper stop attempts that exhausted retries",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bay_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		ShipsTotal,
		SessionsTotal,
		SchedulingLatency,
		SchedulerWaitDepth,
		ShipsCreated,
		ShipsFailed,
		ShipsRejected,
		ReaperExpirations,
		ReaperStopFailures,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the HTTP handler serving metrics in Prometheus exposition
// format, for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on the given histogram vec
// for the given label values.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labelValues ...string) {
	h.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}
