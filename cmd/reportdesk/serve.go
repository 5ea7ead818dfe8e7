package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/config"
	"github.com/vnmchuo/reportdesk/internal/admission"
	"github.com/vnmchuo/reportdesk/internal/api"
	"github.com/vnmchuo/reportdesk/internal/assistant"
	"github.com/vnmchuo/reportdesk/internal/auth"
	"github.com/vnmchuo/reportdesk/internal/provider"
	"github.com/vnmchuo/reportdesk/internal/provider/claude"
	"github.com/vnmchuo/reportdesk/internal/provider/gemini"
	"github.com/vnmchuo/reportdesk/internal/provider/openai"
	"github.com/vnmchuo/reportdesk/internal/quota"
	"github.com/vnmchuo/reportdesk/internal/seeder"
	"github.com/vnmchuo/reportdesk/internal/session"
	"github.com/vnmchuo/reportdesk/internal/telemetry"
	"github.com/vnmchuo/reportdesk/internal/usage"
	"github.com/vnmchuo/reportdesk/internal/worker"
	"github.com/vnmchuo/reportdesk/pkg/ratelimit"
)

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracer, err := telemetry.InitTracer(cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(telemetry.ServiceName)
	metrics := telemetry.NewMetrics()

	s, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	if cfg.RunSeed {
		if err := seeder.Seed(ctx, s.tenants, s.keys, logger); err != nil {
			logger.Error("seeding failed", zap.Error(err))
		}
	}

	ledger, err := newLedger(cfg, s, logger, quota.Options{Metrics: metrics})
	if err != nil {
		return err
	}
	usageLogger := usage.NewLogger(s.usage, ledger, logger, metrics)

	var recorder admission.Recorder = usageLogger
	var queue *worker.Queue
	if cfg.UsageAsync {
		queue = worker.NewQueue(usageLogger, cfg.UsageQueueSize, cfg.UsageWorkers, logger, metrics)
		recorder = queue
		logger.Info("asynchronous usage recording enabled",
			zap.Int("queue_size", cfg.UsageQueueSize),
			zap.Int("workers", cfg.UsageWorkers),
		)
	}

	sessions := session.NewStore(newSessionBackend(cfg, s), logger, metrics)
	metrics.RegisterGaugeFunc("sessions_active", "Number of live report sessions.", func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := sessions.Count(ctx)
		if err != nil {
			return 0
		}
		return float64(n)
	})

	providers := []provider.Provider{
		gemini.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		claude.New(cfg.AnthropicAPIKey),
	}
	router := provider.NewRouter(providers, cfg.DefaultModel, logger, metrics)

	estimator := assistant.NewEstimator()
	if cfg.TokenEstimator == config.TokenEstimatorApprox {
		estimator = assistant.NewApproxEstimator()
	}
	asst := assistant.New(router, sessions, estimator, assistant.Options{
		HistoryWindow:   cfg.HistoryWindow,
		MaxOutputTokens: cfg.MaxOutputTokens,
		Logger:          logger,
		Tracer:          tracer,
	})

	limiter := ratelimit.NewLimiter(s.rdb, cfg.DefaultRateLimitTPM)
	gate := admission.NewGate(ledger, recorder, limiter, tracer, logger)

	handler := api.NewHandler(api.Deps{
		Assistant: asst,
		Sessions:  sessions,
		Ledger:    ledger,
		Usage:     usageLogger,
		Gate:      gate,
		Tracer:    tracer,
		Logger:    logger,
	})
	authMiddleware := auth.NewMiddleware(s.keys, s.rdb, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, authMiddleware, metrics.Handler(), logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("reportdesk starting",
			zap.String("port", cfg.Port),
			zap.String("storage_backend", cfg.StorageBackend),
			zap.String("session_backend", cfg.SessionBackend),
			zap.String("admission_policy", ledger.Policy().String()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-quit:
		logger.Info("shutting down gracefully")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	if queue != nil {
		if err := queue.Close(shutdownCtx); err != nil {
			logger.Warn("usage queue not fully drained", zap.Int("pending", queue.Len()), zap.Error(err))
		}
	}
	logger.Info("server stopped")
	return nil
}

func newSessionBackend(cfg *config.Config, s *stores) session.Backend {
	if cfg.SessionBackend == config.SessionBackendRedis {
		return session.NewRedisBackend(s.rdb, cfg.SessionTTL)
	}
	return session.NewMemoryBackend(cfg.SessionMaxEntries, cfg.SessionTTL)
}
