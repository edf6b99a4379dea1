package decay

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/mnemo/internal/memory"
)

// Refreshed pairs a snapshot with whether BatchUpdate recomputed it.
type Refreshed struct {
	Memory  memory.Memory
	Updated bool
}

// Refresh recomputes the cached strength of m when at least interval has
// passed since its last access. lastAccessed is left alone: a refresh is not
// an access, and moving it would restart the decay clock.
func Refresh(m memory.Memory, interval time.Duration, now time.Time) Refreshed {
	if HoursSince(m.LastAccessed, now) < interval.Hours() {
		return Refreshed{Memory: m}
	}
	m.Strength = CurrentStrength(m, now)
	return Refreshed{Memory: m, Updated: true}
}

// BatchUpdate refreshes every memory in parallel. Output order matches input.
func BatchUpdate(ctx context.Context, memories []memory.Memory, interval time.Duration, now time.Time) ([]Refreshed, error) {
	if interval <= 0 {
		interval = DefaultConfig().UpdateInterval
	}
	out := make([]Refreshed, len(memories))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range memories {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = Refresh(memories[i], interval, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats summarizes the decay state of a collection.
type Stats struct {
	TotalMemories    int                      `json:"total_memories"`
	AverageStrength  float64                  `json:"average_strength"`
	WeakMemories     int                      `json:"weak_memories"`
	CriticalMemories int                      `json:"critical_memories"`
	Distribution     map[memory.DecayTier]int `json:"decay_distribution"`
}

// ComputeStats aggregates effective strength and tier counts. An empty input
// yields a zero average.
func ComputeStats(memories []memory.Memory, mu Multipliers, now time.Time) Stats {
	st := Stats{
		TotalMemories: len(memories),
		Distribution:  make(map[memory.DecayTier]int, len(memory.Tiers)),
	}
	for _, t := range memory.Tiers {
		st.Distribution[t] = 0
	}

	var total float64
	for _, m := range memories {
		s := mu.Strength(m, now)
		tier := Tier(m)
		total += s
		st.Distribution[tier]++
		if s < weakThreshold {
			st.WeakMemories++
		}
		if tier == memory.TierCritical {
			st.CriticalMemories++
		}
	}
	if len(memories) > 0 {
		st.AverageStrength = total / float64(len(memories))
	}
	return st
}
