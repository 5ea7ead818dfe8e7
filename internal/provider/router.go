package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/internal/logging"
	"github.com/vnmchuo/reportdesk/internal/telemetry"
)

var ErrNoProvider = errors.New("all providers unavailable")

// Router picks a provider per request and runs the call through that
// provider's circuit breaker.
type Router struct {
	providers    []Provider
	breakers     map[string]*gobreaker.CircuitBreaker
	defaultModel string
	logger       *zap.Logger
	metrics      *telemetry.Metrics
}

func NewRouter(providers []Provider, defaultModel string, logger *zap.Logger, metrics *telemetry.Metrics) *Router {
	logger = logging.OrNop(logger)
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("provider circuit state changed",
					zap.String("provider", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers:    providers,
		breakers:     breakers,
		defaultModel: defaultModel,
		logger:       logger,
		metrics:      metrics,
	}
}

// Route returns the first healthy provider serving the model, or the
// cheapest healthy provider when no model is named.
func (r *Router) Route(ctx context.Context, req *Request) (Provider, error) {
	var candidates []Provider
	for _, p := range r.providers {
		if r.breakers[p.Name()].State() == gobreaker.StateOpen {
			continue
		}

		if req.Model != "" {
			if supports(p, req.Model) {
				candidates = append(candidates, p)
			}
		} else {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		if req.Model != "" {
			return nil, fmt.Errorf("%w for model %q", ErrNoProvider, req.Model)
		}
		return nil, ErrNoProvider
	}

	if req.Model != "" {
		return candidates[0], nil
	}

	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.CostPerInputToken() < best.CostPerInputToken() {
			best = p
		}
	}
	return best, nil
}

func (r *Router) Execute(ctx context.Context, req *Request, p Provider) (*Response, error) {
	cb := r.breakers[p.Name()]
	start := time.Now()
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		r.metrics.LLMRequest(p.Name(), "error")
		return nil, err
	}
	r.metrics.LLMRequest(p.Name(), "ok")

	resp := result.(*Response)
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

// Complete fills in the default model, routes and executes.
func (r *Router) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req.Model == "" && r.defaultModel != "" {
		cp := *req
		cp.Model = r.defaultModel
		req = &cp
	}
	p, err := r.Route(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := r.Execute(ctx, req, p)
	if err != nil {
		r.logger.Error("llm call failed",
			zap.String("provider", p.Name()),
			zap.String("model", req.Model),
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}

func supports(p Provider, model string) bool {
	for _, m := range p.SupportedModels() {
		if m == model {
			return true
		}
	}
	return false
}
