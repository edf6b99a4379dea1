package embedding

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/upstream"
)

// ErrEmptyEmbedding is returned when the provider answers without a vector.
var ErrEmptyEmbedding = errors.New("empty embedding")

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string          `json:"provider"` // "api" or "local"
	Endpoint  string          `json:"endpoint"`
	Model     string          `json:"model"`
	APIKey    string          `json:"api_key"`
	Dimension int             `json:"dimension"`
	Guard     upstream.Config `json:"guard"`
}

// New builds the configured provider wrapped in a Guard.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case "", "api":
		p = NewAPIProvider(cfg)
	case "local":
		p = NewLocalProvider(cfg)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
	return NewGuarded(p, upstream.NewGuard("embedding", cfg.Guard, logger)), nil
}

// EmbedOne embeds a single text. An absent or zero-length vector is reported
// as ErrEmptyEmbedding so callers can abort before touching the index.
func EmbedOne(ctx context.Context, p Provider, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, upstream.Wrap("embedding", ErrEmptyEmbedding)
	}
	return vecs[0], nil
}

// Guarded rate-limits and circuit-breaks an underlying provider.
type Guarded struct {
	inner Provider
	guard *upstream.Guard
}

func NewGuarded(p Provider, g *upstream.Guard) *Guarded {
	return &Guarded{inner: p, guard: g}
}

func (g *Guarded) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Embed(ctx, texts)
		return err
	})
	return out, err
}

func (g *Guarded) Dimension() int { return g.inner.Dimension() }
