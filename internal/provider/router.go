package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProvider is returned when no provider can serve an agent.
var ErrNoProvider = errors.New("no provider available")

// Router manages multiple LLM providers and routes requests by agent name.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // agent -> provider ID
	fallbacks map[string][]string // agent -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger.With(zap.String("component", "provider_router")),
	}
}

// New builds a provider from its config.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if cfg.ID == "" {
		return nil, errors.New("provider id is required")
	}
	switch cfg.Type {
	case "", "openai":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", cfg.ID, cfg.Type)
	}
}

// Register adds a provider to the router. The first registered provider
// becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("model", p.Model()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// Bind associates an agent with a specific provider.
func (r *Router) Bind(agent, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agent] = providerID
}

// SetFallbacks configures fallback providers for an agent.
func (r *Router) SetFallbacks(agent string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agent] = providerIDs
}

// Len reports how many providers are registered.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Route sends a chat request through the agent's provider, then through its
// fallbacks in order until one succeeds.
func (r *Router) Route(ctx context.Context, agent string, req *ChatRequest) (*ChatResponse, error) {
	chain := r.chain(agent)
	if len(chain) == 0 {
		return nil, fmt.Errorf("agent %s: %w", agent, ErrNoProvider)
	}

	var err error
	for i, p := range chain {
		var resp *ChatResponse
		resp, err = p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if i < len(chain)-1 {
			r.logger.Warn("provider failed, trying fallback",
				zap.String("agent", agent), zap.String("provider", p.ID()), zap.Error(err))
		}
	}
	return nil, fmt.Errorf("all providers failed for agent %s: %w", agent, err)
}

// chain resolves the primary provider and fallbacks for agent.
func (r *Router) chain(agent string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	seen := make(map[string]bool)
	add := func(id string) {
		if p, ok := r.providers[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, p)
		}
	}
	if pid, ok := r.bindings[agent]; ok {
		add(pid)
	}
	if len(out) == 0 {
		add(r.defaults)
	}
	for _, id := range r.fallbacks[agent] {
		add(id)
	}
	return out
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}
