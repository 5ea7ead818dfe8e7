// Package api exposes the report assistant, quota and session
// administration over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/internal/admission"
	"github.com/vnmchuo/reportdesk/internal/assistant"
	"github.com/vnmchuo/reportdesk/internal/auth"
	"github.com/vnmchuo/reportdesk/internal/logging"
	"github.com/vnmchuo/reportdesk/internal/quota"
	"github.com/vnmchuo/reportdesk/internal/session"
	"github.com/vnmchuo/reportdesk/internal/usage"
)

const (
	OpProcessMessage = "assistant.process_message"
	OpEvaluateReport = "assistant.evaluate_report"
	OpEmbeddings     = "embeddings"

	defaultLogWindow = 30 * 24 * time.Hour
)

type Handler struct {
	assistant *assistant.Assistant
	sessions  *session.Store
	ledger    *quota.Ledger
	usage     *usage.Logger
	gate      *admission.Gate
	tracer    trace.Tracer
	logger    *zap.Logger
}

type Deps struct {
	Assistant *assistant.Assistant
	Sessions  *session.Store
	Ledger    *quota.Ledger
	Usage     *usage.Logger
	Gate      *admission.Gate
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		assistant: d.Assistant,
		sessions:  d.Sessions,
		ledger:    d.Ledger,
		usage:     d.Usage,
		gate:      d.Gate,
		tracer:    d.Tracer,
		logger:    logging.OrNop(d.Logger),
	}
	if h.tracer == nil {
		h.tracer = noop.NewTracerProvider().Tracer("api")
	}
	return h
}

type messageResponse struct {
	*assistant.Reply
	Warning string `json:"warning,omitempty"`
}

// HandleMessage runs one assistant turn behind the admission gate and, when
// the assistant answered, appends the exchange to the session.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := auth.IdentityFrom(ctx)
	if id == nil {
		writeFailure(w, errUnauthorized)
		return
	}

	var turn assistant.Turn
	if err := json.NewDecoder(r.Body).Decode(&turn); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if turn.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required", "")
		return
	}
	rt, err := session.ParseReportType(string(turn.ReportType))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report_type", err.Error())
		return
	}
	turn.ReportType = rt
	turn.TenantID = id.TenantID
	turn.UserEmail = id.Username
	turn.RequestID = auth.GetRequestID(ctx)

	ctx, span := h.tracer.Start(ctx, "api.assistant_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", id.TenantID),
		attribute.String("request_id", turn.RequestID),
		attribute.String("report_type", string(rt)),
	)

	op := admission.Op{
		Name:            OpProcessMessage,
		TokenType:       quota.TokenTypeLLM,
		EstimatedTokens: h.assistant.EstimateTurn(turn),
		Model:           turn.Model,
	}
	out, err := admission.Do(ctx, h.gate, id, op, func(ctx context.Context) (*assistant.Reply, error) {
		return h.assistant.ProcessMessage(ctx, turn), nil
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	reply := out.Value
	if !reply.Success {
		writeJSON(w, http.StatusBadGateway, messageResponse{Reply: reply, Warning: out.Warning})
		return
	}

	if ok, err := h.sessions.AppendExchange(ctx, turn.Lookup(), turn.Message, reply.Answer); err != nil || !ok {
		h.logger.Error("failed to persist assistant exchange",
			zap.String("tenant_id", id.TenantID),
			zap.String("session_id", reply.SessionID),
			zap.Bool("found", ok),
			zap.Error(err),
		)
	}

	writeJSON(w, http.StatusOK, messageResponse{Reply: reply, Warning: out.Warning})
}

type evaluationResponse struct {
	*assistant.EvaluationReply
	Warning string `json:"warning,omitempty"`
}

func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := auth.IdentityFrom(ctx)
	if id == nil {
		writeFailure(w, errUnauthorized)
		return
	}

	var req assistant.EvaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	rt, err := session.ParseReportType(string(req.ReportType))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report_type", err.Error())
		return
	}
	req.ReportType = rt
	req.TenantID = id.TenantID
	req.RequestID = auth.GetRequestID(ctx)

	op := admission.Op{
		Name:            OpEvaluateReport,
		TokenType:       quota.TokenTypeLLM,
		EstimatedTokens: h.assistant.EstimateEvaluation(req),
		Model:           req.Model,
	}
	out, err := admission.Do(ctx, h.gate, id, op, func(ctx context.Context) (*assistant.EvaluationReply, error) {
		return h.assistant.EvaluateReport(ctx, req), nil
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	status := http.StatusOK
	if !out.Value.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, evaluationResponse{EvaluationReply: out.Value, Warning: out.Warning})
}

// HandleClearSession deletes the caller's session named by session_id or by
// report_id and report_type.
func (h *Handler) HandleClearSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := auth.IdentityFrom(ctx)
	if id == nil {
		writeFailure(w, errUnauthorized)
		return
	}

	q := r.URL.Query()
	rt, err := session.ParseReportType(q.Get("report_type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report_type", err.Error())
		return
	}
	l := session.Lookup{
		SessionID:  q.Get("session_id"),
		ReportID:   q.Get("report_id"),
		ReportType: rt,
		TenantID:   id.TenantID,
		UserEmail:  id.Username,
	}
	if l.SessionID == "" && l.ReportID == "" {
		writeError(w, http.StatusBadRequest, "session_id or report_id is required", "")
		return
	}

	cleared, err := h.sessions.Clear(ctx, l)
	if err != nil {
		h.logger.Error("failed to clear session", zap.Error(err))
		writeFailure(w, err)
		return
	}
	if !cleared {
		writeError(w, http.StatusNotFound, "session not found", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// HandleQuota answers whether the tenant has room for ?tokens=N more. It is
// read-only: warning_due reports a pending warning without claiming it.
func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenantFor(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	var requested int64
	if raw := r.URL.Query().Get("tokens"); raw != "" {
		requested, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || requested < 0 {
			writeError(w, http.StatusBadRequest, "tokens must be a non-negative integer", "")
			return
		}
	}

	writeJSON(w, http.StatusOK, h.ledger.EvaluateQuota(ctx, tenantID, requested))
}

func (h *Handler) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenantFor(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	summary, err := h.usage.TenantUsageSummary(ctx, tenantID, r.URL.Query().Get("month"))
	if err != nil {
		h.logger.Error("failed to read usage summary", zap.String("tenant_id", tenantID), zap.Error(err))
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleUsageLogs lists usage entries between from and to (RFC3339), the last
// 30 days by default.
func (h *Handler) HandleUsageLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenantFor(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	now := time.Now().UTC()
	from, to := now.Add(-defaultLogWindow), now
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)", "")
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)", "")
			return
		}
	}

	entries, err := h.usage.Entries(ctx, tenantID, from, to)
	if err != nil {
		writeFailure(w, err)
		return
	}

	var total int64
	for _, e := range entries {
		total += e.TokensUsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      tenantID,
		"total_requests": len(entries),
		"total_tokens":   total,
		"logs":           entries,
		"from":           from,
		"to":             to,
	})
}

type embeddingRequest struct {
	Model       string `json:"model"`
	APIEndpoint string `json:"api_endpoint"`
	TokensUsed  int64  `json:"tokens_used"`
}

type embeddingResult struct {
	tokens int64
}

func (e embeddingResult) TokensUsed() int64 { return e.tokens }

// HandleEmbeddings records embedding tokens consumed by an ingestion service.
// The call passes the admission gate like any other token spend.
func (h *Handler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := auth.IdentityFrom(ctx)
	if id == nil {
		writeFailure(w, errUnauthorized)
		return
	}
	if !id.Scoped() {
		writeFailure(w, errTenantMissing)
		return
	}

	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.TokensUsed <= 0 {
		writeError(w, http.StatusBadRequest, "tokens_used must be positive", "")
		return
	}
	name := req.APIEndpoint
	if name == "" {
		name = OpEmbeddings
	}

	op := admission.Op{
		Name:            name,
		TokenType:       quota.TokenTypeEmbedding,
		EstimatedTokens: req.TokensUsed,
		Model:           req.Model,
	}
	out, err := admission.Do(ctx, h.gate, id, op, func(context.Context) (embeddingResult, error) {
		return embeddingResult{tokens: req.TokensUsed}, nil
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"recorded":    true,
		"tokens_used": req.TokensUsed,
		"warning":     out.Warning,
	})
}

// HandleClearTenantSessions bulk-clears sessions. A tenant key clears its own
// tenant; an unscoped key clears ?tenant_id= or, without it, the global tier.
func (h *Handler) HandleClearTenantSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := auth.IdentityFrom(ctx)
	if id == nil {
		writeFailure(w, errUnauthorized)
		return
	}

	target := r.URL.Query().Get("tenant_id")
	if d := h.sessions.ValidateAccess("", id.TenantID, target); !d.Allowed {
		writeError(w, http.StatusForbidden, "forbidden", d.Reason)
		return
	}
	if id.Scoped() {
		target = id.TenantID
	}

	res, err := h.sessions.ClearAllForTenant(ctx, target)
	if err != nil {
		h.logger.Error("bulk session clear failed", zap.String("tenant_id", target), zap.Error(err))
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleSessionStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := auth.IdentityFrom(ctx)
	if id == nil {
		writeFailure(w, errUnauthorized)
		return
	}

	target := r.URL.Query().Get("tenant_id")
	if d := h.sessions.ValidateAccess("", id.TenantID, target); !d.Allowed {
		writeError(w, http.StatusForbidden, "forbidden", d.Reason)
		return
	}
	if id.Scoped() {
		target = id.TenantID
	}

	st, err := h.sessions.Statistics(ctx, target)
	if err != nil {
		h.logger.Error("failed to compute session statistics", zap.Error(err))
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// tenantFor resolves the tenant a read targets: the caller's own tenant, or
// ?tenant_id= for unscoped keys.
func tenantFor(r *http.Request) (string, error) {
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		return "", errUnauthorized
	}
	target := r.URL.Query().Get("tenant_id")
	if id.Scoped() {
		if target != "" && target != id.TenantID {
			return "", errForbidden
		}
		return id.TenantID, nil
	}
	if target == "" {
		return "", errTenantMissing
	}
	return target, nil
}
