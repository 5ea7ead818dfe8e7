package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/reportdesk/internal/admission"
	"github.com/vnmchuo/reportdesk/internal/assistant"
	"github.com/vnmchuo/reportdesk/internal/auth"
	"github.com/vnmchuo/reportdesk/internal/provider"
	"github.com/vnmchuo/reportdesk/internal/quota"
	"github.com/vnmchuo/reportdesk/internal/session"
	"github.com/vnmchuo/reportdesk/internal/telemetry"
	"github.com/vnmchuo/reportdesk/internal/tenant"
	"github.com/vnmchuo/reportdesk/internal/usage"
)

type mockLLM struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockLLM) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &provider.Response{Content: "What did the team try first?", Model: "gpt-4o-mini", InputTokens: 120, OutputTokens: 30}, nil
}

func (m *mockLLM) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type testEnv struct {
	server   *httptest.Server
	llm      *mockLLM
	tenants  *tenant.MemoryStore
	ledger   *quota.Ledger
	sessions *session.Store
	usage    *usage.Logger
}

// fakeAuth trusts X-Tenant-ID and X-User-Email; an empty tenant is a
// super-admin key.
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := auth.WithRequestID(r.Context(), "req-test")
		ctx = auth.WithIdentity(ctx, &auth.Identity{
			Username: r.Header.Get("X-User-Email"),
			TenantID: r.Header.Get("X-Tenant-ID"),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{llm: &mockLLM{}, tenants: tenant.NewMemoryStore()}
	env.ledger = quota.NewLedger(quota.NewMemoryStore(), env.tenants, quota.Options{})
	env.usage = usage.NewLogger(usage.NewMemoryStore(), env.ledger, nil, nil)
	env.sessions = session.NewStore(session.NewMemoryBackend(0, 0), nil, nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	h := NewHandler(Deps{
		Assistant: assistant.New(env.llm, env.sessions, assistant.NewApproxEstimator(), assistant.Options{MaxOutputTokens: 256, Tracer: tracer}),
		Sessions:  env.sessions,
		Ledger:    env.ledger,
		Usage:     env.usage,
		Gate:      admission.NewGate(env.ledger, env.usage, nil, tracer, nil),
		Tracer:    tracer,
	})
	env.server = httptest.NewServer(NewRouter(h, fakeAuth, telemetry.NewMetrics().Handler(), nil))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, tenantID, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test")
	req.Header.Set("X-Tenant-ID", tenantID)
	req.Header.Set("X-User-Email", "a@x.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHandleMessage_Success(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	resp, body := env.do(t, http.MethodPost, "/v1/assistant/messages", "T1", `{"message":"We needed to learn X.","report_id":"R1","report_type":"kg"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "What did the team try first?", body["answer"])
	assert.Equal(t, "kg_R1", body["session_id"])

	sess, err := env.sessions.GetOrCreate(ctx, session.Lookup{ReportID: "R1", ReportType: session.ReportTypeKG, TenantID: "T1", UserEmail: "a@x.com"})
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "We needed to learn X.", sess.Messages[0].Content)
	assert.Equal(t, session.RoleAssistant, sess.Messages[1].Role)

	entries, err := env.usage.Entries(ctx, "T1", sess.CreatedAt.AddDate(0, 0, -1), sess.CreatedAt.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OpProcessMessage, entries[0].APIEndpoint)
	assert.Equal(t, int64(150), entries[0].TokensUsed)
	assert.Equal(t, "req-test", entries[0].RequestID)
}

func TestHandleMessage_Validation(t *testing.T) {
	env := setupTest(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"message":`},
		{"missing message", `{"report_id":"R1"}`},
		{"unknown report type", `{"message":"hi","report_type":"xx"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/v1/assistant/messages", "T1", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Zero(t, env.llm.callCount())
}

func TestHandleMessage_Unauthorized(t *testing.T) {
	env := setupTest(t)

	resp, err := http.Post(env.server.URL+"/v1/assistant/messages", "application/json", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleMessage_QuotaExceeded(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	one := int64(1)
	require.NoError(t, env.tenants.Upsert(ctx, &tenant.Tenant{ID: "T1", TokenLimitMillions: &one}))
	_, err := env.ledger.Accumulate(ctx, "T1", quota.TokenTypeLLM, 999_990)
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodPost, "/v1/assistant/messages", "T1", `{"message":"hi"}`)

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "quota exceeded", body["error"])
	assert.Equal(t, float64(999_990), body["current_usage"])
	assert.Equal(t, float64(1_000_000), body["limit"])
	assert.Zero(t, env.llm.callCount())
}

func TestHandleMessage_LLMFailure(t *testing.T) {
	env := setupTest(t)
	env.llm.fail(errors.New("all providers unavailable"))

	resp, body := env.do(t, http.MethodPost, "/v1/assistant/messages", "T1", `{"message":"hi","report_id":"R1"}`)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "all providers unavailable", body["details"])

	sess, err := env.sessions.GetOrCreate(context.Background(), session.Lookup{ReportID: "R1", TenantID: "T1", UserEmail: "a@x.com"})
	require.NoError(t, err)
	assert.Empty(t, sess.Messages)

	summary, err := env.usage.TenantUsageSummary(context.Background(), "T1", "")
	require.NoError(t, err)
	assert.Zero(t, summary.TotalTokensUsed)
}

func TestHandleMessage_SuperAdminNotMetered(t *testing.T) {
	env := setupTest(t)

	resp, _ := env.do(t, http.MethodPost, "/v1/assistant/messages", "", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st, err := env.sessions.Statistics(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, st.GlobalSessions)
}

func TestHandleEvaluate(t *testing.T) {
	env := setupTest(t)

	resp, body := env.do(t, http.MethodPost, "/v1/assistant/evaluations", "T1", `{"report_type":"kd","report":{"question":"Which queue?"}}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["evaluation"])

	summary, err := env.usage.TenantUsageSummary(context.Background(), "T1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(150), summary.LLMTokensUsed)
}

func TestHandleClearSession(t *testing.T) {
	env := setupTest(t)
	resp, _ := env.do(t, http.MethodPost, "/v1/assistant/messages", "T1", `{"message":"hi","report_id":"R1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/v1/assistant/sessions?report_id=R1", "T2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := env.do(t, http.MethodDelete, "/v1/assistant/sessions?report_id=R1", "T1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cleared"])

	resp, _ = env.do(t, http.MethodDelete, "/v1/assistant/sessions?report_id=R1", "T1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/v1/assistant/sessions", "T1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleQuota(t *testing.T) {
	env := setupTest(t)

	resp, body := env.do(t, http.MethodGet, "/v1/quota?tokens=1000", "T1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, float64(19_999_000), body["remaining"])

	resp, _ = env.do(t, http.MethodGet, "/v1/quota?tenant_id=T2", "T1", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/quota", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/v1/quota?tenant_id=T2", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(20_000_000), body["limit"])

	resp, _ = env.do(t, http.MethodGet, "/v1/quota?tokens=-5", "T1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleQuota_LeavesWarningForNextRequest(t *testing.T) {
	env := setupTest(t)
	_, err := env.ledger.Accumulate(context.Background(), "T1", quota.TokenTypeLLM, 15_000_001)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, body := env.do(t, http.MethodGet, "/v1/quota?tokens=10", "T1", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["warning_due"])
		assert.Equal(t, false, body["warning"])
	}

	resp, body := env.do(t, http.MethodPost, "/v1/assistant/messages", "T1", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["warning"], "Warning")

	_, body = env.do(t, http.MethodGet, "/v1/quota?tokens=10", "T1", "")
	assert.Nil(t, body["warning_due"])
}

func TestHandleUsage(t *testing.T) {
	env := setupTest(t)
	resp, _ := env.do(t, http.MethodPost, "/v1/assistant/messages", "T1", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/v1/usage", "T1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(150), body["total_tokens_used"])
	assert.Equal(t, float64(150), body["llm_tokens_used"])

	resp, body = env.do(t, http.MethodGet, "/v1/usage/logs", "T1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total_requests"])
	assert.Equal(t, float64(150), body["total_tokens"])

	resp, _ = env.do(t, http.MethodGet, "/v1/usage?month=2026-13", "T1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/usage/logs?from=yesterday", "T1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleEmbeddings(t *testing.T) {
	env := setupTest(t)

	resp, body := env.do(t, http.MethodPost, "/v1/usage/embeddings", "T1", `{"tokens_used":4096,"model":"text-embedding-3-small","api_endpoint":"ingest.documents"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["recorded"])

	summary, err := env.usage.TenantUsageSummary(context.Background(), "T1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), summary.EmbeddingTokensUsed)
	assert.Zero(t, summary.LLMTokensUsed)

	resp, _ = env.do(t, http.MethodPost, "/v1/usage/embeddings", "T1", `{"tokens_used":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/usage/embeddings", "", `{"tokens_used":10}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminSessions(t *testing.T) {
	env := setupTest(t)
	for _, tenantID := range []string{"T1", "T1", "T2", ""} {
		resp, _ := env.do(t, http.MethodPost, "/v1/assistant/messages", tenantID, `{"message":"hi","report_id":"R-`+tenantID+`"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, _ := env.do(t, http.MethodGet, "/v1/admin/sessions/stats?tenant_id=T2", "T1", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/v1/admin/sessions/stats", "T1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total_sessions"])
	assert.Nil(t, body["by_tenant"])

	resp, body = env.do(t, http.MethodGet, "/v1/admin/sessions/stats", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["total_sessions"])
	assert.Equal(t, float64(1), body["global_sessions"])

	resp, _ = env.do(t, http.MethodDelete, "/v1/admin/sessions?tenant_id=T2", "T1", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = env.do(t, http.MethodDelete, "/v1/admin/sessions?tenant_id=T1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["cleared_count"])
	assert.Equal(t, session.OperationTenantClear, body["operation_type"])

	n, err := env.sessions.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTest(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
