// Package telemetry provides Prometheus metrics for workgate.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the coordinator and the health loop.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Coordinator metrics
	Claims              *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	FencingRejections   *prometheus.CounterVec
	LeasesSwept         *prometheus.CounterVec
	BackpressureBlocked *prometheus.CounterVec

	// Queue metrics
	LaneDepth        *prometheus.GaugeVec
	LaneOldestAge    *prometheus.GaugeVec
	SamplesCollected *prometheus.CounterVec

	// Health metrics
	HealthIssues       *prometheus.GaugeVec
	EvaluationDuration prometheus.Histogram
	IncidentsOpened    prometheus.Counter
	IncidentsResolved  prometheus.Counter
	Notifications      *prometheus.CounterVec

	// Runtime metrics
	TaskRuns     *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the metrics on reg. A nil reg uses a fresh registry,
// which keeps tests from colliding on the global one.
func NewMetrics(reg *prometheus.Registry, namespace string) *Metrics {
	if namespace == "" {
		namespace = "workgate"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Claims: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_total",
				Help:      "Claim attempts by outcome (claimed, empty, refused)",
			},
			[]string{"result"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_transitions_total",
				Help:      "Work unit state transitions by audit action",
			},
			[]string{"action"},
		),
		FencingRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fencing_rejections_total",
				Help:      "Worker reports rejected because the claim token no longer matched",
			},
			[]string{"operation", "reason"},
		),
		LeasesSwept: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_swept_total",
				Help:      "Expired leases swept by outcome (released, failed)",
			},
			[]string{"outcome"},
		),
		BackpressureBlocked: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backpressure_blocked_total",
				Help:      "Heavy submissions refused by the backpressure gate",
			},
			[]string{"lane"},
		),
		LaneDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lane_depth",
				Help:      "Items waiting in a lane at the last sample",
			},
			[]string{"driver", "lane"},
		),
		LaneOldestAge: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lane_oldest_age_seconds",
				Help:      "Age of the oldest waiting item at the last sample",
			},
			[]string{"driver", "lane"},
		),
		SamplesCollected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_samples_total",
				Help:      "Queue metric samples persisted",
			},
			[]string{"driver"},
		),
		HealthIssues: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_issues",
				Help:      "Issues in the latest health report by severity",
			},
			[]string{"severity"},
		),
		EvaluationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_evaluation_duration_seconds",
				Help:      "Time to evaluate queue health",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			},
		),
		IncidentsOpened: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incidents_opened_total",
				Help:      "Health incidents opened",
			},
		),
		IncidentsResolved: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incidents_resolved_total",
				Help:      "Health incidents resolved",
			},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Alert deliveries by channel, event and result",
			},
			[]string{"channel", "event", "result"},
		),
		TaskRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_task_runs_total",
				Help:      "Periodic task runs by task and result",
			},
			[]string{"task", "result"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"route"},
		),
		gatherer: reg,
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// IncClaim counts a claim attempt.
func (m *Metrics) IncClaim(result string) {
	if m == nil {
		return
	}
	m.Claims.WithLabelValues(result).Inc()
}

// IncTransition counts a unit state transition.
func (m *Metrics) IncTransition(action string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(action).Inc()
}

// IncFencingRejection counts a rejected worker report.
func (m *Metrics) IncFencingRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.FencingRejections.WithLabelValues(operation, reason).Inc()
}

// AddLeasesSwept counts swept leases.
func (m *Metrics) AddLeasesSwept(released, failed int64) {
	if m == nil {
		return
	}
	m.LeasesSwept.WithLabelValues("released").Add(float64(released))
	m.LeasesSwept.WithLabelValues("failed").Add(float64(failed))
}

// IncBackpressureBlocked counts a refused heavy submission.
func (m *Metrics) IncBackpressureBlocked(lane string) {
	if m == nil {
		return
	}
	m.BackpressureBlocked.WithLabelValues(lane).Inc()
}

// SetLane publishes the latest sample of a lane. A nil age clears the gauge to zero.
func (m *Metrics) SetLane(driver, lane string, depth int64, oldestAgeSeconds *int64) {
	if m == nil {
		return
	}
	m.LaneDepth.WithLabelValues(driver, lane).Set(float64(depth))
	age := 0.0
	if oldestAgeSeconds != nil {
		age = float64(*oldestAgeSeconds)
	}
	m.LaneOldestAge.WithLabelValues(driver, lane).Set(age)
	m.SamplesCollected.WithLabelValues(driver).Inc()
}

// ObserveEvaluation records one health evaluation.
func (m *Metrics) ObserveEvaluation(d time.Duration, critical, warning int) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(d.Seconds())
	m.HealthIssues.WithLabelValues("critical").Set(float64(critical))
	m.HealthIssues.WithLabelValues("warning").Set(float64(warning))
}

// AddIncidents counts incident lifecycle changes.
func (m *Metrics) AddIncidents(opened, resolved int) {
	if m == nil {
		return
	}
	m.IncidentsOpened.Add(float64(opened))
	m.IncidentsResolved.Add(float64(resolved))
}

// IncNotification counts one delivery attempt.
func (m *Metrics) IncNotification(channel, event string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.Notifications.WithLabelValues(channel, event, result).Inc()
}

// IncTaskRun counts one periodic task run.
func (m *Metrics) IncTaskRun(task string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TaskRuns.WithLabelValues(task, result).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}
