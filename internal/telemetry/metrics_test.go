package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.QuotaDecision("allowed")
	m.QuotaWarning()
	m.TokensRecorded("llm", 10)
	m.UsageLogFailed()
	m.SessionDenied("update")
	m.SessionCleared("tenant_clear", 2)
	m.LLMRequest("openai", "ok")
	m.UsageDropped()
	m.RegisterGaugeFunc("x", "x", func() float64 { return 1 })
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.QuotaDecision("denied")
	m.QuotaDecision("denied")
	m.TokensRecorded("embedding", 250)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QuotaDecisions.WithLabelValues("denied")))
	assert.Equal(t, 250.0, testutil.ToFloat64(m.TokensLogged.WithLabelValues("embedding")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RegisterGaugeFunc("sessions_active", "Live sessions", func() float64 { return 3 })
	m.QuotaWarning()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "reportdesk_sessions_active 3"))
	assert.True(t, strings.Contains(body, "reportdesk_quota_warnings_total 1"))
}
