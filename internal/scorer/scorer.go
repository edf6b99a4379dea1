// Package scorer ranks vector search candidates by fusing semantic
// similarity with decayed strength and recency.
package scorer

import (
	"slices"
	"strings"
	"time"

	"github.com/nidhogg/mnemo/internal/decay"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/vectorindex"
)

// Result is one ranked memory.
type Result struct {
	MemoryID   string        `json:"memory_id"`
	Label      int64         `json:"label"`
	Score      float64       `json:"score"`
	Similarity float64       `json:"similarity"`
	Strength   float64       `json:"strength"`
	Memory     memory.Memory `json:"-"`
}

// Options tunes Rank. Boost is applied only when RelatedAccess has an entry
// for the memory. Multipliers scales strength by sector; nil scales by 1.
type Options struct {
	Limit         int
	Boost         float64
	RelatedAccess map[string]int
	MinScore      float64
	Multipliers   decay.Multipliers
}

// Resolver maps an index label to its memory. ok is false for labels whose
// row is gone; those candidates are skipped.
type Resolver func(label int64) (memory.Memory, bool)

// Rank scores candidates and orders them by score descending, then by most
// recent LastAccessed, then by id.
func Rank(candidates []vectorindex.Neighbor, resolve Resolver, now time.Time, opts Options) []Result {
	out := make([]Result, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		m, ok := resolve(c.Label)
		if !ok || seen[m.ID] {
			continue
		}
		seen[m.ID] = true

		sim := Similarity(c.Distance)
		strength := opts.Multipliers.Strength(m, now)
		if n, ok := opts.RelatedAccess[m.ID]; ok && opts.Boost > 0 {
			strength = min(1, decay.ContextualBoost(strength, n, opts.Boost))
		}
		score := decay.QueryScore(sim, strength, m.LastAccessed, now)
		if score < opts.MinScore {
			continue
		}
		out = append(out, Result{
			MemoryID:   m.ID,
			Label:      c.Label,
			Score:      score,
			Similarity: sim,
			Strength:   strength,
			Memory:     m,
		})
	}

	slices.SortFunc(out, compare)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func compare(a, b Result) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	if c := b.Memory.LastAccessed.Compare(a.Memory.LastAccessed); c != 0 {
		return c
	}
	return strings.Compare(a.MemoryID, b.MemoryID)
}

// Similarity converts a cosine distance into a similarity in [0,1].
func Similarity(distance float64) float64 {
	s := 1 - distance
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
