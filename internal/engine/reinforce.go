package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/decay"
	"github.com/nidhogg/mnemo/internal/memory"
)

// MemoryView is a stored memory together with its decay state as of now.
type MemoryView struct {
	memory.Memory
	CurrentStrength    float64               `json:"current_strength"`
	Tier               memory.DecayTier      `json:"tier"`
	HalfLifeHours      float64               `json:"half_life_hours"`
	AgeDays            float64               `json:"age_days"`
	NeedsReinforcement bool                  `json:"needs_reinforcement"`
	Schedule           *memory.DecaySchedule `json:"schedule,omitempty"`
}

// GetMemory returns nil, nil for an unknown id.
func (e *Engine) GetMemory(ctx context.Context, id string) (*MemoryView, error) {
	m, ok := e.cache.get(id)
	if !ok {
		found, err := e.repo.GetMemory(ctx, id)
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, nil
		}
		m = *found
		e.cache.put(m)
	}

	sched, err := e.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	mu, err := e.sectorMultipliers(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	mult := mu.Of(m.SectorID)
	return &MemoryView{
		Memory:             m,
		CurrentStrength:    decay.EffectiveStrength(m, mult, now),
		Tier:               decay.Tier(m),
		HalfLifeHours:      decay.HalfLife(decay.RateFor(m)),
		AgeDays:            decay.MemoryAgeDays(m, now),
		NeedsReinforcement: decay.NeedsReinforcement(m, mult, e.cfg.Decay.ReinforceThreshold, now),
		Schedule:           sched,
	}, nil
}

// Reinforce applies one reinforcement to the memory and returns its current
// strength afterwards, the same value GetMemory and Query report. Unknown ids
// yield memory.ErrNotFound.
func (e *Engine) Reinforce(ctx context.Context, id string) (float64, error) {
	mu, err := e.sectorMultipliers(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now()
	updated, err := e.repo.ApplyAccess(ctx, id, memory.AccessReinforce, "", func(m memory.Memory) memory.Memory {
		return decay.ApplyReinforcement(m, e.cfg.Decay.ReinforceAlpha, now)
	})
	e.cache.drop(id)
	if err != nil {
		return 0, err
	}

	// The mirror carries the cached column, as the sweep writes it.
	if e.graph != nil {
		if _, err := e.graph.SyncStrengths(ctx, map[string]float64{id: updated.Strength}); err != nil {
			e.logger.Warn("graph mirror strength sync failed", zap.String("id", id), zap.Error(err))
		}
	}
	return mu.Strength(updated, now), nil
}

const (
	defaultAccessLimit = 50
	maxAccessLimit     = 500
)

// AccessLog returns the most recent accesses of a memory, newest first. A
// limit of 0 means the default of 50.
func (e *Engine) AccessLog(ctx context.Context, id string, limit int) ([]memory.AccessLog, error) {
	if limit < 0 || limit > maxAccessLimit {
		return nil, &memory.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 0 and %d", maxAccessLimit)}
	}
	if limit == 0 {
		limit = defaultAccessLimit
	}
	m, err := e.repo.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
	}
	return e.repo.AccessLog(ctx, id, limit)
}

// ReviewResult is the outcome of ScheduleReview.
type ReviewResult struct {
	Review   decay.Review         `json:"review"`
	Schedule memory.DecaySchedule `json:"schedule"`
}

// ScheduleReview records a spaced-repetition review with a performance
// score between 0 and 5 and adjusts the memory's decay rate.
func (e *Engine) ScheduleReview(ctx context.Context, id string, performance int) (*ReviewResult, error) {
	if performance < 0 || performance > 5 {
		return nil, &memory.ValidationError{Field: "performance", Reason: "must be between 0 and 5"}
	}
	m, err := e.repo.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
	}
	sched, err := e.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, fmt.Errorf("schedule %s: %w", id, memory.ErrNotFound)
	}

	review := decay.ScheduleReview(decay.RateFor(*m), performance)
	next := review.Apply(*sched, e.now())
	if err := e.repo.SaveReview(ctx, next, review.DecayRate); err != nil {
		return nil, err
	}
	e.cache.drop(id)
	return &ReviewResult{Review: review, Schedule: next}, nil
}

// GetDecayStats summarizes the given memories, or every memory when ids is
// empty. Unknown ids are ignored.
func (e *Engine) GetDecayStats(ctx context.Context, ids []string) (decay.Stats, error) {
	var all []memory.Memory
	if len(ids) > 0 {
		found, err := e.repo.GetMemories(ctx, ids)
		if err != nil {
			return decay.Stats{}, err
		}
		all = found
	} else {
		after := ""
		for {
			page, err := e.repo.ScanMemories(ctx, after, e.cfg.SweepBatch)
			if err != nil {
				return decay.Stats{}, err
			}
			all = append(all, page...)
			if len(page) < e.cfg.SweepBatch {
				break
			}
			after = page[len(page)-1].ID
		}
	}
	mu, err := e.sectorMultipliers(ctx)
	if err != nil {
		return decay.Stats{}, err
	}
	return decay.ComputeStats(all, mu, e.now()), nil
}

// CurvePoint is one day of a projected decay curve.
type CurvePoint struct {
	Day      int     `json:"day"`
	Strength float64 `json:"strength"`
}

const maxCurveDays = 365

// DecayCurve projects initial × rate^day for day = 0..days.
func DecayCurve(initial, rate float64, days int) ([]CurvePoint, error) {
	if initial < 0 || initial > 1 {
		return nil, &memory.ValidationError{Field: "initial_strength", Reason: "must be within [0,1]"}
	}
	if rate <= 0 || rate > 1 {
		return nil, &memory.ValidationError{Field: "decay_rate", Reason: "must be within (0,1]"}
	}
	if days < 0 || days > maxCurveDays {
		return nil, &memory.ValidationError{Field: "days", Reason: fmt.Sprintf("must be within [0,%d]", maxCurveDays)}
	}
	out := make([]CurvePoint, 0, days+1)
	for day, s := range decay.Curve(initial, rate, days) {
		out = append(out, CurvePoint{Day: day, Strength: s})
	}
	return out, nil
}

// MemoryCurve projects the decay curve of a stored memory from its initial
// strength and rate.
func (e *Engine) MemoryCurve(ctx context.Context, id string, days int) ([]CurvePoint, error) {
	view, err := e.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
	}
	return DecayCurve(view.InitialStrength, decay.RateFor(view.Memory), days)
}
