// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TokenRefreshes        *prometheus.CounterVec // result=ok|failed|discarded
	Authorizations        *prometheus.CounterVec // result=ok|state_mismatch|no_attempt|exchange_failed
	ChatReconnects        prometheus.Counter
	ChannelLookupFailures prometheus.Counter
	MessagesReceived      prometheus.Counter
	RepliesSent           prometheus.Counter
	MalformedFrames       prometheus.Counter

	// Histograms (seconds)
	TokenExchangeDuration prometheus.Observer

	// Gauges
	SessionPhaseGauge *prometheus.GaugeVec // 1 for the current phase, 0 otherwise
)

// Phases exported on the session phase gauge.
var sessionPhases = []string{"disconnected", "connecting", "authenticating", "active"}

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kickbot_token_refreshes_total", Help: "Token refresh attempts by result"}, []string{"result"})
		Authorizations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kickbot_authorizations_total", Help: "Completed authorization callbacks by result"}, []string{"result"})
		ChatReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "kickbot_chat_reconnects_total", Help: "Chat session reconnect attempts"})
		ChannelLookupFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "kickbot_channel_lookup_failures_total", Help: "Failed chatroom lookups"})
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "kickbot_chat_messages_received_total", Help: "Inbound chat messages dispatched to the responder"})
		RepliesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "kickbot_chat_replies_sent_total", Help: "Messages written to the chatroom"})
		MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{Name: "kickbot_chat_malformed_frames_total", Help: "Inbound frames dropped as malformed"})
		TokenExchangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "kickbot_token_exchange_duration_seconds", Help: "OAuth token endpoint round trip seconds", Buckets: prometheus.DefBuckets})
		SessionPhaseGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "kickbot_session_phase", Help: "Chat session phase (1 = current)"}, []string{"phase"})
		for _, p := range sessionPhases {
			SessionPhaseGauge.WithLabelValues(p).Set(0)
		}
		SessionPhaseGauge.WithLabelValues("disconnected").Set(1)
	})
}

// SetSessionPhase marks phase as current on the session phase gauge.
func SetSessionPhase(phase string) {
	if SessionPhaseGauge == nil {
		return
	}
	for _, p := range sessionPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		SessionPhaseGauge.WithLabelValues(p).Set(v)
	}
}

// IncRefresh counts a refresh outcome.
func IncRefresh(result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(result).Inc()
	}
}

// IncAuthorization counts an authorization callback outcome.
func IncAuthorization(result string) {
	if Authorizations != nil {
		Authorizations.WithLabelValues(result).Inc()
	}
}

// Inc increments c if it has been registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
