package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/upstream"
)

// Purposes the service binds providers to.
const (
	PurposeClassifier = "classifier"
	PurposeGraph      = "graph"
)

// ErrNoProvider is returned when nothing is registered for a purpose.
var ErrNoProvider = errors.New("no provider available")

type guarded struct {
	Provider
	guard *upstream.Guard
}

// Router manages LLM providers and routes requests by purpose.
type Router struct {
	providers map[string]*guarded
	bindings  map[string]string   // purpose -> providerID
	fallbacks map[string][]string // purpose -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]*guarded),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// New builds a provider from its config.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// Register adds a provider behind its own rate limiter and breaker. The
// first registered provider becomes the default.
func (r *Router) Register(p Provider, guard upstream.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = &guarded{
		Provider: p,
		guard:    upstream.NewGuard("llm:"+p.ID(), guard, r.logger),
	}
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// Bind routes a purpose to a specific provider.
func (r *Router) Bind(purpose, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[purpose] = providerID
}

// SetFallbacks configures fallback providers for a purpose.
func (r *Router) SetFallbacks(purpose string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[purpose] = providerIDs
}

// Len returns the number of registered providers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// chain resolves the primary provider for a purpose followed by its fallbacks.
func (r *Router) chain(purpose string) []*guarded {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*guarded
	if pid, ok := r.bindings[purpose]; ok {
		if p, ok := r.providers[pid]; ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		if p, ok := r.providers[r.defaults]; ok {
			out = append(out, p)
		}
	}
	for _, id := range r.fallbacks[purpose] {
		if p, ok := r.providers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Route sends a chat request through the provider bound to purpose, trying
// fallbacks in order. Failures are returned as retryable upstream errors.
func (r *Router) Route(ctx context.Context, purpose string, req *ChatRequest) (*ChatResponse, error) {
	chain := r.chain(purpose)
	if len(chain) == 0 {
		return nil, upstream.Wrap("llm", fmt.Errorf("%w for %s", ErrNoProvider, purpose))
	}

	var err error
	for i, p := range chain {
		var resp *ChatResponse
		err = p.guard.Do(ctx, func(ctx context.Context) error {
			var cerr error
			resp, cerr = p.Chat(ctx, req)
			return cerr
		})
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		r.logger.Warn("provider failed",
			zap.String("purpose", purpose),
			zap.String("provider", p.ID()),
			zap.Bool("fallback", i > 0),
			zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed for %s: %w", purpose, err)
}

// Complete sends a system + user prompt and returns the text answer.
func (r *Router) Complete(ctx context.Context, purpose, system, user string) (string, error) {
	resp, err := r.Route(ctx, purpose, &ChatRequest{
		Messages:    []Message{System(system), User(user)},
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Completer narrows the router to one purpose.
func (r *Router) Completer(purpose string) Completer {
	return purposeCompleter{router: r, purpose: purpose}
}

// Completer answers a system + user prompt with text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type purposeCompleter struct {
	router  *Router
	purpose string
}

func (c purposeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	return c.router.Complete(ctx, c.purpose, system, user)
}
