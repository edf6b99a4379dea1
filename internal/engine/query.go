package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/decay"
	"github.com/nidhogg/mnemo/internal/embedding"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/scorer"
)

const (
	defaultK = 10
	maxK     = 100
)

// QueryRequest is the input of Query. OwnerID, when set, restricts results
// to that owner's memories.
type QueryRequest struct {
	Text    string `json:"text"`
	K       int    `json:"k"`
	OwnerID string `json:"owner_id,omitempty"`
}

// Hit is one ranked query result.
type Hit struct {
	MemoryID   string  `json:"memory_id"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	Strength   float64 `json:"strength"`
	Content    string  `json:"content"`
	SectorID   string  `json:"sector_id,omitempty"`
}

// Query ranks stored memories against text by similarity, decayed strength
// and recency. With TouchOnQuery set, every returned memory records a query
// access.
func (e *Engine) Query(ctx context.Context, req QueryRequest) ([]Hit, error) {
	results, err := e.rank(ctx, req)
	if err != nil {
		return nil, err
	}
	if e.cfg.TouchOnQuery {
		e.touch(ctx, results, req.Text)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			MemoryID:   r.MemoryID,
			Score:      r.Score,
			Similarity: r.Similarity,
			Strength:   r.Strength,
			Content:    r.Memory.Content,
			SectorID:   r.Memory.SectorID,
		})
	}
	return hits, nil
}

// Recall runs a query and packs the results into prompt-ready blocks.
func (e *Engine) Recall(ctx context.Context, req QueryRequest, budget scorer.ContextBudget) ([]scorer.ContextBlock, string, error) {
	results, err := e.rank(ctx, req)
	if err != nil {
		return nil, "", err
	}
	blocks := scorer.Pack(results, budget)
	if e.cfg.TouchOnQuery {
		used := make(map[string]bool, len(blocks))
		for _, b := range blocks {
			used[b.MemoryID] = true
		}
		var touched []scorer.Result
		for _, r := range results {
			if used[r.MemoryID] {
				touched = append(touched, r)
			}
		}
		e.touch(ctx, touched, req.Text)
	}
	return blocks, scorer.FormatContextPrompt(blocks), nil
}

func (e *Engine) rank(ctx context.Context, req QueryRequest) ([]scorer.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &memory.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	k := req.K
	if k <= 0 {
		k = defaultK
	}
	if k > maxK {
		return nil, &memory.ValidationError{Field: "k", Reason: fmt.Sprintf("must be at most %d", maxK)}
	}

	vec, err := embedding.EmbedOne(ctx, e.embedder, req.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	neighbors, err := e.index.Search(ctx, vec, k*e.cfg.SearchFanout)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	if len(neighbors) == 0 {
		return nil, nil
	}

	labels := make([]int64, len(neighbors))
	for i, n := range neighbors {
		labels[i] = n.Label
	}
	byLabel, err := e.repo.GetMemoriesByLabels(ctx, labels)
	if err != nil {
		return nil, fmt.Errorf("resolve labels: %w", err)
	}

	mu, err := e.sectorMultipliers(ctx)
	if err != nil {
		return nil, err
	}
	opts := scorer.Options{Limit: k, Multipliers: mu}
	if e.cfg.ContextBoost {
		ids := make([]string, 0, len(byLabel))
		for _, m := range byLabel {
			ids = append(ids, m.ID)
		}
		related, err := e.repo.RelatedAccessCounts(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("related access counts: %w", err)
		}
		opts.Boost = e.cfg.Decay.ContextBeta
		opts.RelatedAccess = related
	}

	resolve := func(label int64) (memory.Memory, bool) {
		m, ok := byLabel[label]
		if !ok || (req.OwnerID != "" && m.OwnerID != req.OwnerID) {
			return memory.Memory{}, false
		}
		return m, true
	}
	return scorer.Rank(neighbors, resolve, e.now(), opts), nil
}

// touch records a query access on each result. Failures are logged.
func (e *Engine) touch(ctx context.Context, results []scorer.Result, queryText string) {
	now := e.now()
	for _, r := range results {
		_, err := e.repo.ApplyAccess(ctx, r.MemoryID, memory.AccessQuery, queryText, func(m memory.Memory) memory.Memory {
			m.AccessCount++
			m.LastAccessed = now
			m.Strength = decay.CurrentStrength(m, now)
			return m
		})
		e.cache.drop(r.MemoryID)
		if err != nil {
			e.logger.Warn("record query access", zap.String("id", r.MemoryID), zap.Error(err))
		}
	}
}
