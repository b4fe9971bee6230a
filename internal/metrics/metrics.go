// Package metrics holds the Prometheus collectors for the idea pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry.
//
// Collectors:
//   - ideafactory_transitions_total{to_stage,to_status}
//   - ideafactory_stage_runs_total{stage,outcome}
//   - ideafactory_stage_duration_seconds{stage}
//   - ideafactory_gates_raised_total{gate}
//   - ideafactory_reviews_total{decision}
//   - ideafactory_notifications_total{channel,result}
//   - ideafactory_state_conflicts_total
type Metrics struct {
	Registry *prometheus.Registry

	Transitions    *prometheus.CounterVec
	StageRuns      *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	GatesRaised    *prometheus.CounterVec
	Reviews        *prometheus.CounterVec
	Notifications  *prometheus.CounterVec
	StateConflicts prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ideafactory_transitions_total",
			Help: "Persisted idea state transitions by target state",
		}, []string{"to_stage", "to_status"}),
		StageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ideafactory_stage_runs_total",
			Help: "Stage executor runs by outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ideafactory_stage_duration_seconds",
			Help:    "Stage executor wall time",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		GatesRaised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ideafactory_gates_raised_total",
			Help: "Human review gates raised",
		}, []string{"gate"}),
		Reviews: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ideafactory_reviews_total",
			Help: "Human review decisions recorded",
		}, []string{"decision"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ideafactory_notifications_total",
			Help: "Gate notification deliveries by channel and result",
		}, []string{"channel", "result"}),
		StateConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "ideafactory_state_conflicts_total",
			Help: "State updates rejected because the idea changed concurrently",
		}),
	}
}

// ObserveStage records one executor run.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageRuns.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveTransition(toStage, toStatus string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(toStage, toStatus).Inc()
}

func (m *Metrics) ObserveGate(gate string) {
	if m == nil {
		return
	}
	m.GatesRaised.WithLabelValues(gate).Inc()
}

func (m *Metrics) ObserveReview(decision string) {
	if m == nil {
		return
	}
	m.Reviews.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveNotification(channel string, ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.Notifications.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.StateConflicts.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
