package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProvider is returned when no provider can serve a request.
var ErrNoProvider = errors.New("no provider available")

// Router picks a provider for each request by model name.
type Router struct {
	providers map[string]Provider
	models    map[string]string // model -> providerID
	fallbacks []string          // provider IDs tried after the primary fails
	defaults  string            // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		models:    make(map[string]string),
		logger:    logger,
	}
}

// Register adds a provider and binds the models it serves.
func (r *Router) Register(p Provider, models ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	for _, m := range models {
		r.models[m] = p.ID()
	}
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider",
		zap.String("id", p.ID()),
		zap.String("name", p.Name()),
		zap.Strings("models", models))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// SetFallbacks configures the provider chain tried after a primary failure.
func (r *Router) SetFallbacks(providerIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = providerIDs
}

// Len returns the number of registered providers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Chat sends the request to the provider bound to req.Model, falling back
// to the default provider and then the fallback chain.
func (r *Router) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	primary := r.lookup(req.Model)
	var chain []Provider
	for _, id := range r.fallbacks {
		if p, ok := r.providers[id]; ok && (primary == nil || p.ID() != primary.ID()) {
			chain = append(chain, p)
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("%w for model %q", ErrNoProvider, req.Model)
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("provider", primary.ID()),
		zap.String("model", req.Model),
		zap.Error(err))

	for _, fb := range chain {
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed for model %q: %w", req.Model, err)
}

func (r *Router) lookup(model string) Provider {
	if pid, ok := r.models[model]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// HealthCheck checks every registered provider and returns the failures by ID.
func (r *Router) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	ps := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		ps = append(ps, p)
	}
	r.mu.RUnlock()

	failed := make(map[string]error)
	for _, p := range ps {
		if err := p.HealthCheck(ctx); err != nil {
			failed[p.ID()] = err
		}
	}
	return failed
}
