package embedding

import (
	"context"
	"strings"
)

// LocalProvider implements Provider using an Ollama-compatible embeddings API.
type LocalProvider struct {
	endpoint string
	model    string
	dim      dimension
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		dim:      dimension{configured: cfg.Dimension},
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed calls the endpoint once per text; Ollama has no batch form.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var result localResponse
		if err := postJSON(ctx, p.endpoint+"/api/embeddings", "", localRequest{Model: p.model, Prompt: text}, &result); err != nil {
			return nil, err
		}
		embeddings = append(embeddings, result.Embedding)
	}
	p.dim.observe(embeddings)
	return embeddings, nil
}

func (p *LocalProvider) Dimension() int {
	return p.dim.get()
}
