package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"ideafactory/internal/metrics"
)

func TestCollectorsCount(t *testing.T) {
	m := metrics.New()
	m.ObserveStage("enrichment", "completed", 2*time.Second)
	m.ObserveStage("enrichment", "failed", time.Second)
	m.ObserveGate("1")
	m.ObserveConflict()
	m.ObserveNotification("nats", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageRuns.WithLabelValues("enrichment", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatesRaised.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("nats", "failed")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveStage("x", "y", time.Second)
	m.ObserveTransition("a", "b")
	m.ObserveReview("approve")
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must not panic on duplicate registration.
	a, b := metrics.New(), metrics.New()
	assert.NotSame(t, a.Registry, b.Registry)
}
