package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/memory"
)

// WaypointRequest is the input of CreateWaypoint. A zero strength takes the
// default.
type WaypointRequest struct {
	SourceMemoryID   string                  `json:"source_memory_id"`
	TargetMemoryID   string                  `json:"target_memory_id"`
	RelationshipType memory.RelationshipType `json:"relationship_type"`
	Strength         float64                 `json:"strength"`
	Metadata         map[string]any          `json:"metadata,omitempty"`
}

// CreateWaypoint links two existing memories. Validation failures yield
// memory.ErrInvalid and a missing endpoint memory.ErrNotFound.
func (e *Engine) CreateWaypoint(ctx context.Context, req WaypointRequest) (memory.Waypoint, error) {
	w, err := graph.NewWaypoint(req.SourceMemoryID, req.TargetMemoryID, req.RelationshipType, req.Strength, req.Metadata, e.now())
	if err != nil {
		return memory.Waypoint{}, err
	}
	if err := e.repo.CreateWaypoint(ctx, w); err != nil {
		return memory.Waypoint{}, err
	}
	e.mirrorWaypoint(ctx, w)
	return w, nil
}

// ReinforceWaypoint strengthens an edge by the reinforcement alpha.
func (e *Engine) ReinforceWaypoint(ctx context.Context, id string) (memory.Waypoint, error) {
	w, err := e.repo.ReinforceWaypoint(ctx, id, e.cfg.Decay.ReinforceAlpha)
	if err != nil {
		return memory.Waypoint{}, err
	}
	if e.graph != nil {
		ok, err := e.graph.Reinforce(ctx, id, w.Strength)
		switch {
		case err != nil:
			e.logger.Warn("graph mirror reinforce failed", zap.String("waypoint", id), zap.Error(err))
		case !ok:
			e.mirrorWaypoint(ctx, w)
		}
	}
	return w, nil
}

func (e *Engine) mirrorWaypoint(ctx context.Context, w memory.Waypoint) {
	if e.graph == nil {
		return
	}
	if err := e.graph.Upsert(ctx, w); err != nil {
		e.logger.Warn("graph mirror upsert failed", zap.String("waypoint", w.ID), zap.Error(err))
	}
}

// RelatedMemory is a memory reached by spreading activation.
type RelatedMemory struct {
	MemoryID   string  `json:"memory_id"`
	Activation float64 `json:"activation"`
	Depth      int     `json:"depth"`
	Content    string  `json:"content"`
	SectorID   string  `json:"sector_id,omitempty"`
}

// Related spreads activation from a memory over the waypoint graph. The
// graph mirror is used when configured; otherwise the traversal walks the
// waypoints table level by level.
func (e *Engine) Related(ctx context.Context, id string, opts graph.ActivationOpts) ([]RelatedMemory, error) {
	seed, err := e.repo.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if seed == nil {
		return nil, fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
	}

	var activated []graph.Activated
	if e.graph != nil {
		activated, err = e.graph.Activate(ctx, []string{id}, opts)
		if err != nil {
			e.logger.Warn("graph mirror activation failed, walking waypoints table", zap.Error(err))
		}
	}
	if e.graph == nil || err != nil {
		activated, err = graph.Spread(ctx, []string{id}, opts, e.repo.WaypointsFor)
		if err != nil {
			return nil, fmt.Errorf("spread activation: %w", err)
		}
	}
	if len(activated) == 0 {
		return []RelatedMemory{}, nil
	}

	ids := make([]string, len(activated))
	for i, a := range activated {
		ids[i] = a.MemoryID
	}
	mems, err := e.repo.GetMemories(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]memory.Memory, len(mems))
	for _, m := range mems {
		byID[m.ID] = m
	}

	out := make([]RelatedMemory, 0, len(activated))
	for _, a := range activated {
		m, ok := byID[a.MemoryID]
		if !ok {
			continue
		}
		out = append(out, RelatedMemory{
			MemoryID:   a.MemoryID,
			Activation: a.Activation,
			Depth:      a.Depth,
			Content:    m.Content,
			SectorID:   m.SectorID,
		})
	}
	return out, nil
}
