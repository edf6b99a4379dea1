package graph

import (
	"context"
	"slices"
	"strings"

	"github.com/nidhogg/mnemo/internal/memory"
)

// ActivationOpts controls spreading activation behavior.
type ActivationOpts struct {
	MaxDepth    int     // max hops, default 3
	DecayFactor float64 // per-hop decay, default 0.7
	Threshold   float64 // min activation to recall, default 0.3
	MaxNodes    int     // max recalled nodes, default 50
}

// DefaultActivationOpts returns the stock traversal settings.
func DefaultActivationOpts() ActivationOpts {
	return ActivationOpts{
		MaxDepth:    3,
		DecayFactor: 0.7,
		Threshold:   0.3,
		MaxNodes:    50,
	}
}

func (o ActivationOpts) withDefaults() ActivationOpts {
	d := DefaultActivationOpts()
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.DecayFactor <= 0 {
		o.DecayFactor = d.DecayFactor
	}
	if o.Threshold < 0 {
		o.Threshold = d.Threshold
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = d.MaxNodes
	}
	return o
}

// Activated is a memory reached from the seeds, with the strongest path
// activation found.
type Activated struct {
	MemoryID   string  `json:"memory_id"`
	Activation float64 `json:"activation"`
	Depth      int     `json:"depth"`
}

// NeighborFunc returns every waypoint touching any of ids, in either
// direction.
type NeighborFunc func(ctx context.Context, ids []string) ([]memory.Waypoint, error)

// Spread runs spreading activation from seeds over the edges returned by
// neighbors. Each hop multiplies activation by DecayFactor times the edge
// strength; a node keeps the best activation over all paths. Seeds are not
// part of the result.
func Spread(ctx context.Context, seeds []string, opts ActivationOpts, neighbors NeighborFunc) ([]Activated, error) {
	opts = opts.withDefaults()

	best := make(map[string]Activated)
	isSeed := make(map[string]bool, len(seeds))
	frontier := make(map[string]float64, len(seeds))
	for _, s := range seeds {
		isSeed[s] = true
		frontier[s] = 1.0
	}

	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		ids := make([]string, 0, len(frontier))
		for id := range frontier {
			ids = append(ids, id)
		}
		slices.Sort(ids)

		edges, err := neighbors(ctx, ids)
		if err != nil {
			return nil, err
		}

		next := make(map[string]float64)
		for _, e := range edges {
			for _, hop := range [2][2]string{
				{e.SourceMemoryID, e.TargetMemoryID},
				{e.TargetMemoryID, e.SourceMemoryID},
			} {
				from, to := hop[0], hop[1]
				a, ok := frontier[from]
				if !ok || isSeed[to] {
					continue
				}
				act := a * opts.DecayFactor * e.Strength
				if prev, seen := best[to]; seen && prev.Activation >= act {
					continue
				}
				best[to] = Activated{MemoryID: to, Activation: act, Depth: depth}
				if act > next[to] {
					next[to] = act
				}
			}
		}
		frontier = next
	}

	out := make([]Activated, 0, len(best))
	for _, a := range best {
		if a.Activation > opts.Threshold {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(x, y Activated) int {
		switch {
		case x.Activation > y.Activation:
			return -1
		case x.Activation < y.Activation:
			return 1
		}
		return strings.Compare(x.MemoryID, y.MemoryID)
	})
	if len(out) > opts.MaxNodes {
		out = out[:opts.MaxNodes]
	}
	return out, nil
}
