package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/internal/auth"
	"github.com/vnmchuo/reportdesk/internal/logging"
)

// NewRouter mounts the public and authenticated routes. metrics may be nil.
func NewRouter(h *Handler, authMiddleware auth.Middleware, metrics http.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(logging.OrNop(logger)))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "reportdesk"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		r.Post("/v1/assistant/messages", h.HandleMessage)
		r.Post("/v1/assistant/evaluations", h.HandleEvaluate)
		r.Delete("/v1/assistant/sessions", h.HandleClearSession)

		r.Get("/v1/quota", h.HandleQuota)
		r.Get("/v1/usage", h.HandleUsageSummary)
		r.Get("/v1/usage/logs", h.HandleUsageLogs)
		r.Post("/v1/usage/embeddings", h.HandleEmbeddings)

		r.Delete("/v1/admin/sessions", h.HandleClearTenantSessions)
		r.Get("/v1/admin/sessions/stats", h.HandleSessionStats)
	})

	return r
}

// RequestLogger writes one structured line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("client_ip", r.RemoteAddr),
				zap.String("request_id", ww.Header().Get("X-Request-ID")),
			)
		})
	}
}
