// Package decay implements the forgetting and reinforcement model applied to
// stored memories. Every function is pure: it reads a memory snapshot and an
// explicit instant and returns a value or a new snapshot, so callers may
// evaluate many memories in parallel without locking.
package decay

import (
	"iter"
	"math"
	"time"

	"github.com/nidhogg/mnemo/internal/memory"
)

// Config controls the tunable constants of the decay model.
type Config struct {
	ReinforceAlpha     float64       // strength gain per reinforcement, default 0.15
	ContextBeta        float64       // contextual boost weight, default 0.2
	EbbinghausK        float64       // stability constant of the alternate model, default 1.84
	ArchiveThreshold   float64       // below this a memory is archivable, default 0.1
	ReinforceThreshold float64       // below this a memory needs reinforcement, default 0.3
	UpdateInterval     time.Duration // minimum age before a batch refresh, default 1h
}

// DefaultConfig returns the stock model constants.
func DefaultConfig() Config {
	return Config{
		ReinforceAlpha:     0.15,
		ContextBeta:        0.2,
		EbbinghausK:        1.84,
		ArchiveThreshold:   0.1,
		ReinforceThreshold: 0.3,
		UpdateInterval:     time.Hour,
	}
}

const (
	accessWeight        = 0.3
	reinforcementWeight = 0.2
	recentWindowHours   = 24.0
	weakThreshold       = 0.1

	similarityWeight = 0.6
	strengthWeight   = 0.3
	recencyWeight    = 0.1
)

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// HoursSince returns the non-negative number of hours between from and now.
func HoursSince(from, now time.Time) float64 {
	if from.IsZero() {
		return 0
	}
	h := now.Sub(from).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// CurrentStrength recomputes a memory's relevance from its stored parameters:
//
//	initial × rate^hours × (1 + 0.3·ln(1+accesses)) × (1 + 0.2·reinforcements)
//
// clamped to [0,1].
func CurrentStrength(m memory.Memory, now time.Time) float64 {
	hours := HoursSince(m.LastAccessed, now)
	base := math.Pow(RateFor(m), hours)
	accessMultiplier := 1 + accessWeight*math.Log1p(float64(m.AccessCount))
	reinforcementBoost := 1 + reinforcementWeight*float64(m.ReinforcementCount)
	return clamp01(m.InitialStrength * base * accessMultiplier * reinforcementBoost)
}

// Reinforce moves strength toward 1 by alpha of the remaining gap.
func Reinforce(strength, alpha float64) float64 {
	return math.Min(1, strength+alpha*(1-strength))
}

// ApplyReinforcement returns a new snapshot after a qualifying access: the
// decayed strength as of now is reinforced, the counter is bumped and
// lastAccessed moves to now.
func ApplyReinforcement(m memory.Memory, alpha float64, now time.Time) memory.Memory {
	m.Strength = Reinforce(CurrentStrength(m, now), alpha)
	m.ReinforcementCount++
	m.LastAccessed = now
	return m
}

// Curve yields (day, strength) for day = 0..days. The sequence is computed
// lazily and can be ranged over any number of times.
func Curve(initial, rate float64, days int) iter.Seq2[int, float64] {
	return func(yield func(int, float64) bool) {
		for day := 0; day <= days; day++ {
			if !yield(day, math.Max(0, initial*math.Pow(rate, float64(day)))) {
				return
			}
		}
	}
}

// HalfLife returns the number of hours for strength to halve at rate.
func HalfLife(rate float64) float64 {
	return math.Log(0.5) / math.Log(rate)
}

// ContextualBoost scales strength by how often related memories are accessed.
func ContextualBoost(strength float64, relatedAccessCount int, beta float64) float64 {
	return strength * (1 + beta*math.Log1p(float64(relatedAccessCount)))
}

// Ebbinghaus is the alternate forgetting curve: S = k/ln(t+1),
// result = initial × e^(−t/S).
func Ebbinghaus(elapsed, initial, k float64) float64 {
	if elapsed <= 0 {
		return initial
	}
	stability := k / math.Log(elapsed+1)
	return initial * math.Exp(-elapsed/stability)
}

// Recency is 1.0 for memories touched within the last day and 0.8 otherwise.
func Recency(lastAccessed, now time.Time) float64 {
	if HoursSince(lastAccessed, now) < recentWindowHours {
		return 1.0
	}
	return 0.8
}

// QueryScore fuses similarity, strength and recency with fixed weights.
func QueryScore(similarity, strength float64, lastAccessed, now time.Time) float64 {
	return similarityWeight*similarity + strengthWeight*strength + recencyWeight*Recency(lastAccessed, now)
}

// ShouldArchive reports whether the memory, scaled by its sector multiplier,
// has decayed below threshold.
func ShouldArchive(m memory.Memory, multiplier, threshold float64, now time.Time) bool {
	return EffectiveStrength(m, multiplier, now) < threshold
}

// NeedsReinforcement reports whether the memory should be resurfaced.
func NeedsReinforcement(m memory.Memory, multiplier, threshold float64, now time.Time) bool {
	return EffectiveStrength(m, multiplier, now) < threshold
}

// ApplySectorMultiplier scales a strength by its sector's multiplier.
func ApplySectorMultiplier(strength, multiplier float64) float64 {
	return clamp01(strength * multiplier)
}

// EffectiveStrength is CurrentStrength scaled by the sector multiplier.
func EffectiveStrength(m memory.Memory, multiplier float64, now time.Time) float64 {
	return ApplySectorMultiplier(CurrentStrength(m, now), multiplier)
}

// Multipliers maps sector ids to their decay multipliers. Sectors missing
// from the map, and memories without a sector, scale by 1. A nil map is
// usable.
type Multipliers map[string]float64

// Of returns the multiplier for sectorID.
func (mu Multipliers) Of(sectorID string) float64 {
	if v, ok := mu[sectorID]; ok {
		return v
	}
	return 1
}

// Strength returns the effective strength of m as of now.
func (mu Multipliers) Strength(m memory.Memory, now time.Time) float64 {
	return EffectiveStrength(m, mu.Of(m.SectorID), now)
}

// SectorMultipliers indexes the multipliers of sectors.
func SectorMultipliers(sectors []memory.Sector) Multipliers {
	mu := make(Multipliers, len(sectors))
	for _, s := range sectors {
		mu[s.ID] = s.DecayMultiplier
	}
	return mu
}

// MemoryAgeDays returns the age of a memory in days.
func MemoryAgeDays(m memory.Memory, now time.Time) float64 {
	return HoursSince(m.CreatedAt, now) / 24
}
