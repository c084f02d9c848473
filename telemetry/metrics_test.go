package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // idempotent

	if TokenRefreshes == nil || Authorizations == nil || SessionPhaseGauge == nil {
		t.Fatal("vector metrics not initialized")
	}
	if ChatReconnects == nil || ChannelLookupFailures == nil || MessagesReceived == nil || RepliesSent == nil || MalformedFrames == nil {
		t.Fatal("counters not initialized")
	}
	if TokenExchangeDuration == nil {
		t.Fatal("TokenExchangeDuration histogram not initialized")
	}
}

func TestSetSessionPhase(t *testing.T) {
	Init()

	SetSessionPhase("active")
	if v := gaugeValue(t, SessionPhaseGauge.WithLabelValues("active")); v != 1 {
		t.Errorf("active = %v, want 1", v)
	}
	for _, p := range []string{"disconnected", "connecting", "authenticating"} {
		if v := gaugeValue(t, SessionPhaseGauge.WithLabelValues(p)); v != 0 {
			t.Errorf("%s = %v, want 0", p, v)
		}
	}

	SetSessionPhase("connecting")
	if v := gaugeValue(t, SessionPhaseGauge.WithLabelValues("active")); v != 0 {
		t.Errorf("active after transition = %v, want 0", v)
	}
}

func TestIncRefresh(t *testing.T) {
	Init()

	c := TokenRefreshes.WithLabelValues("ok")
	before := counterValue(t, c)
	IncRefresh("ok")
	IncRefresh("ok")
	if got := counterValue(t, c) - before; got != 2 {
		t.Errorf("refresh ok delta = %v, want 2", got)
	}
}

func TestIncNilCounter(t *testing.T) {
	// Must not panic on unregistered counters.
	Inc(nil)
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.GetHistogram().GetSampleCount() != 1 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty) = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation() = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
