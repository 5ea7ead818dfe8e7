package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. A nil *Metrics is valid
// and records nothing, so components can be built without a registry.
type Metrics struct {
	registry *prometheus.Registry

	QuotaDecisions    *prometheus.CounterVec
	QuotaWarnings     prometheus.Counter
	TokensLogged      *prometheus.CounterVec
	UsageLogFailures  prometheus.Counter
	SessionDenials    *prometheus.CounterVec
	SessionsCleared   *prometheus.CounterVec
	LLMRequests       *prometheus.CounterVec
	UsageQueueDropped prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		QuotaDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: ServiceName + "_quota_decisions_total",
			Help: "Quota admission decisions by result",
		}, []string{"result"}),
		QuotaWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: ServiceName + "_quota_warnings_total",
			Help: "One-shot quota threshold warnings emitted",
		}),
		TokensLogged: f.NewCounterVec(prometheus.CounterOpts{
			Name: ServiceName + "_tokens_logged_total",
			Help: "Tokens recorded by the usage logger",
		}, []string{"token_type"}),
		UsageLogFailures: f.NewCounter(prometheus.CounterOpts{
			Name: ServiceName + "_usage_log_failures_total",
			Help: "Usage log appends or accumulations that failed",
		}),
		SessionDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name: ServiceName + "_session_access_denied_total",
			Help: "Session operations rejected for tenant ownership mismatch",
		}, []string{"operation"}),
		SessionsCleared: f.NewCounterVec(prometheus.CounterOpts{
			Name: ServiceName + "_sessions_cleared_total",
			Help: "Sessions removed by clear operations",
		}, []string{"operation"}),
		LLMRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: ServiceName + "_llm_requests_total",
			Help: "Calls to LLM providers by provider and status",
		}, []string{"provider", "status"}),
		UsageQueueDropped: f.NewCounter(prometheus.CounterOpts{
			Name: ServiceName + "_usage_queue_dropped_total",
			Help: "Usage records rejected because the async queue was full",
		}),
	}
}

// RegisterGaugeFunc exposes a value computed at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: ServiceName + "_" + name,
		Help: help,
	}, fn))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) QuotaDecision(result string) {
	if m == nil {
		return
	}
	m.QuotaDecisions.WithLabelValues(result).Inc()
}

func (m *Metrics) QuotaWarning() {
	if m == nil {
		return
	}
	m.QuotaWarnings.Inc()
}

func (m *Metrics) TokensRecorded(tokenType string, n int64) {
	if m == nil {
		return
	}
	m.TokensLogged.WithLabelValues(tokenType).Add(float64(n))
}

func (m *Metrics) UsageLogFailed() {
	if m == nil {
		return
	}
	m.UsageLogFailures.Inc()
}

func (m *Metrics) SessionDenied(operation string) {
	if m == nil {
		return
	}
	m.SessionDenials.WithLabelValues(operation).Inc()
}

func (m *Metrics) SessionCleared(operation string, n int) {
	if m == nil {
		return
	}
	m.SessionsCleared.WithLabelValues(operation).Add(float64(n))
}

func (m *Metrics) LLMRequest(provider, status string) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) UsageDropped() {
	if m == nil {
		return
	}
	m.UsageQueueDropped.Inc()
}
