package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netresearch/fleetcron/core"
)

// Recorder implements core.MetricsRecorder on a Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsInFlight  prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	dispatches    prometheus.Counter
	notifications *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetcron",
			Name:      "runs_started_total",
			Help:      "Job runs handed to the execution engine.",
		}, []string{"job"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetcron",
			Name:      "runs_completed_total",
			Help:      "Job runs reaching a terminal status.",
		}, []string{"job", "status"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetcron",
			Name:      "runs_in_flight",
			Help:      "Job runs currently executing.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetcron",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of completed job runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"job"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetcron",
			Name:      "run_retries_total",
			Help:      "Retry attempts scheduled after failed runs.",
		}, []string{"job"}),
		dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetcron",
			Name:      "schedule_dispatches_total",
			Help:      "Job runs dispatched by the cron scheduler.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetcron",
			Name:      "notifications_total",
			Help:      "Notification delivery attempts by channel type and outcome.",
		}, []string{"type", "outcome"}),
	}

	r.registry.MustRegister(
		r.runsStarted, r.runsCompleted, r.runsInFlight, r.runDuration,
		r.retries, r.dispatches, r.notifications,
	)
	return r
}

var _ core.MetricsRecorder = (*Recorder)(nil)

func (r *Recorder) RecordRunStarted(jobName string) {
	r.runsStarted.WithLabelValues(jobName).Inc()
	r.runsInFlight.Inc()
}

func (r *Recorder) RecordRunCompleted(jobName, status string, duration time.Duration) {
	r.runsCompleted.WithLabelValues(jobName, status).Inc()
	r.runsInFlight.Dec()
	r.runDuration.WithLabelValues(jobName).Observe(duration.Seconds())
}

func (r *Recorder) RecordRetry(jobName string, _ int) {
	r.retries.WithLabelValues(jobName).Inc()
}

func (r *Recorder) RecordScheduleDispatch() {
	r.dispatches.Inc()
}

func (r *Recorder) RecordNotification(channelType string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.notifications.WithLabelValues(channelType, outcome).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
