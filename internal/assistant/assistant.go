// Package assistant runs report-writing conversation turns and report
// evaluations against an LLM.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/internal/logging"
	"github.com/vnmchuo/reportdesk/internal/provider"
	"github.com/vnmchuo/reportdesk/internal/session"
)

const (
	DefaultHistoryWindow = 6

	errProcessFailed  = "Sorry, the assistant could not process your message. Please try again."
	errEvaluateFailed = "Sorry, the report could not be evaluated. Please try again."
)

type Completer interface {
	Complete(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// SessionReader is the read side of session.Store. The assistant never
// writes sessions.
type SessionReader interface {
	GetOrCreate(ctx context.Context, l session.Lookup) (*session.ReportSession, error)
}

type Options struct {
	HistoryWindow   int
	MaxOutputTokens int
	Logger          *zap.Logger
	Tracer          trace.Tracer
}

type Assistant struct {
	llm       Completer
	sessions  SessionReader
	window    int
	maxOutput int
	logger    *zap.Logger
	tracer    trace.Tracer
	estimator *Estimator
}

func New(llm Completer, sessions SessionReader, estimator *Estimator, opts Options) *Assistant {
	a := &Assistant{
		llm:       llm,
		sessions:  sessions,
		window:    opts.HistoryWindow,
		maxOutput: opts.MaxOutputTokens,
		logger:    logging.OrNop(opts.Logger),
		tracer:    opts.Tracer,
		estimator: estimator,
	}
	if a.window <= 0 {
		a.window = DefaultHistoryWindow
	}
	if a.tracer == nil {
		a.tracer = noop.NewTracerProvider().Tracer("assistant")
	}
	if a.estimator == nil {
		a.estimator = NewEstimator()
	}
	return a
}

// Turn is one user message in a report conversation.
type Turn struct {
	Message       string             `json:"message"`
	ReportID      string             `json:"report_id,omitempty"`
	ReportType    session.ReportType `json:"report_type,omitempty"`
	ReportContext map[string]any     `json:"report_context,omitempty"`
	Model         string             `json:"model,omitempty"`
	SessionID     string             `json:"session_id,omitempty"`

	TenantID  string `json:"-"`
	UserEmail string `json:"-"`
	RequestID string `json:"-"`
}

func (t Turn) Lookup() session.Lookup {
	return session.Lookup{
		SessionID:  t.SessionID,
		ReportID:   t.ReportID,
		ReportType: t.ReportType,
		TenantID:   t.TenantID,
		UserEmail:  t.UserEmail,
	}
}

// Reply is always returned, successful or not.
type Reply struct {
	Success   bool   `json:"success"`
	Answer    string `json:"answer,omitempty"`
	Error     string `json:"error,omitempty"`
	Details   string `json:"details,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TokensUsed reports the provider's actual count; zero on failure.
func (r *Reply) TokensUsed() int64 {
	if r == nil || r.Usage == nil {
		return 0
	}
	return int64(r.Usage.InputTokens + r.Usage.OutputTokens)
}

// ProcessMessage answers one turn. Appending the exchange to the session is
// the caller's job.
func (a *Assistant) ProcessMessage(ctx context.Context, t Turn) *Reply {
	ctx, span := a.tracer.Start(ctx, "assistant.process_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", t.TenantID),
		attribute.String("report_type", string(t.ReportType)),
		attribute.String("model", t.Model),
	)

	sess, err := a.sessions.GetOrCreate(ctx, t.Lookup())
	if err != nil {
		return a.fail(span, errProcessFailed, "failed to load session", err)
	}

	rt := t.ReportType
	if rt == "" {
		rt = sess.ReportType
	}
	messages, err := buildMessages(rt, sess.RecentHistory(a.window), t.ReportContext, t.Message)
	if err != nil {
		return a.fail(span, errProcessFailed, "failed to format report context", err)
	}

	resp, err := a.llm.Complete(ctx, &provider.Request{
		Model:     t.Model,
		Messages:  messages,
		MaxTokens: a.maxOutput,
		TenantID:  t.TenantID,
		RequestID: t.RequestID,
	})
	if err != nil {
		return a.fail(span, errProcessFailed, "llm call failed", err)
	}

	return &Reply{
		Success:   true,
		Answer:    resp.Content,
		SessionID: sess.SessionID,
		Model:     resp.Model,
		Usage:     &Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
	}
}

// EstimateTurn sizes the prompt for a turn without touching the session, so
// stored history is not counted.
func (a *Assistant) EstimateTurn(t Turn) int64 {
	messages, err := buildMessages(t.ReportType, nil, t.ReportContext, t.Message)
	if err != nil {
		messages = []provider.Message{{Role: provider.RoleUser, Content: t.Message}}
	}
	return a.estimator.Estimate(t.Model, messages, a.maxOutput)
}

func buildMessages(rt session.ReportType, history []session.Message, reportContext map[string]any, userMessage string) ([]provider.Message, error) {
	messages := make([]provider.Message, 0, len(history)+3)
	messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: systemPrompt(rt)})
	for _, m := range history {
		messages = append(messages, provider.Message{Role: string(m.Role), Content: m.Content})
	}
	if len(reportContext) > 0 {
		data, err := json.MarshalIndent(reportContext, "", "  ")
		if err != nil {
			return nil, err
		}
		messages = append(messages, provider.Message{
			Role:    provider.RoleSystem,
			Content: "Current report content:\n" + string(data),
		})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: userMessage})
	return messages, nil
}

// EvaluationRequest carries a finished report. Report is keyed by section:
// question, purpose, what_was_done, what_was_learned, recommendations.
type EvaluationRequest struct {
	ReportType session.ReportType `json:"report_type,omitempty"`
	Report     map[string]string  `json:"report"`
	Model      string             `json:"model,omitempty"`

	TenantID  string `json:"-"`
	RequestID string `json:"-"`
}

type EvaluationReply struct {
	Success    bool   `json:"success"`
	Evaluation string `json:"evaluation,omitempty"`
	Error      string `json:"error,omitempty"`
	Details    string `json:"details,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

func (r *EvaluationReply) TokensUsed() int64 {
	if r == nil || r.Usage == nil {
		return 0
	}
	return int64(r.Usage.InputTokens + r.Usage.OutputTokens)
}

// EvaluateReport is stateless.
func (a *Assistant) EvaluateReport(ctx context.Context, req EvaluationRequest) *EvaluationReply {
	ctx, span := a.tracer.Start(ctx, "assistant.evaluate_report")
	defer span.End()
	span.SetAttributes(attribute.String("report_type", string(req.ReportType)))

	rt := req.ReportType
	if rt == "" {
		rt = session.ReportTypeKG
	}

	resp, err := a.llm.Complete(ctx, &provider.Request{
		Model:     req.Model,
		Messages:  evaluationMessages(rt, req.Report),
		MaxTokens: a.maxOutput,
		TenantID:  req.TenantID,
		RequestID: req.RequestID,
	})
	if err != nil {
		r := a.fail(span, errEvaluateFailed, "report evaluation failed", err)
		return &EvaluationReply{Error: r.Error, Details: r.Details}
	}

	return &EvaluationReply{
		Success:    true,
		Evaluation: resp.Content,
		Usage:      &Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
	}
}

// EstimateEvaluation sizes an evaluation prompt.
func (a *Assistant) EstimateEvaluation(req EvaluationRequest) int64 {
	rt := req.ReportType
	if rt == "" {
		rt = session.ReportTypeKG
	}
	return a.estimator.Estimate(req.Model, evaluationMessages(rt, req.Report), a.maxOutput)
}

func evaluationMessages(rt session.ReportType, report map[string]string) []provider.Message {
	return []provider.Message{
		{Role: provider.RoleSystem, Content: fmt.Sprintf(evaluationPrompt, reportName(rt), systemPrompt(rt))},
		{Role: provider.RoleUser, Content: FormatReport(rt, report)},
	}
}

// FormatReport renders the five sections as labelled plain text. Missing
// sections are shown as "(not provided)".
func FormatReport(rt session.ReportType, report map[string]string) string {
	fields, ok := reportFields[rt]
	if !ok {
		fields = reportFields[session.ReportTypeKG]
	}
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteString("\n\n")
		}
		v := strings.TrimSpace(report[f.key])
		if v == "" {
			v = "(not provided)"
		}
		fmt.Fprintf(&b, "%s:\n%s", f.label, v)
	}
	return b.String()
}

func (a *Assistant) fail(span trace.Span, msg, logMsg string, err error) *Reply {
	span.RecordError(err)
	span.SetStatus(codes.Error, logMsg)
	a.logger.Error(logMsg, zap.Error(err))
	return &Reply{Success: false, Error: msg, Details: err.Error()}
}
