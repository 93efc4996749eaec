package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	RelayFrames         *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	SendRejections      *prometheus.CounterVec
	ProvisioningLatency prometheus.Histogram
	CompletionLatency   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of provisioned avatar streaming sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		RelayFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Relay frames by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "External provider errors by provider and code.",
		}, []string{"provider", "code"}),
		SendRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_rejections_total",
			Help:      "Outbound messages rejected before reaching the relay, by reason.",
		}, []string{"reason"}),
		ProvisioningLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provisioning_latency_ms",
			Help:      "Latency of session provisioning requests in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000},
		}),
		CompletionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_latency_ms",
			Help:      "Latency of chat-completion rewrites in milliseconds.",
			Buckets:   []float64{200, 500, 1000, 2000, 4000, 8000, 16000},
		}),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) RelayFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.RelayFrames.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) SendRejected(reason string) {
	if m == nil {
		return
	}
	m.SendRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveProvisioningLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ProvisioningLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveCompletionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
