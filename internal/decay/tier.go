package decay

import (
	"github.com/nidhogg/mnemo/internal/memory"
)

var tierRates = map[memory.DecayTier]float64{
	memory.TierCritical:  0.99,
	memory.TierImportant: 0.97,
	memory.TierRegular:   0.95,
	memory.TierEphemeral: 0.90,
}

// Tier classifies a memory. An explicit override wins; otherwise the tier is
// derived from the access count.
func Tier(m memory.Memory) memory.DecayTier {
	if m.TierOverride.Valid() {
		return m.TierOverride
	}
	switch {
	case m.AccessCount > 50:
		return memory.TierCritical
	case m.AccessCount > 20:
		return memory.TierImportant
	case m.AccessCount > 5:
		return memory.TierRegular
	default:
		return memory.TierEphemeral
	}
}

// TierRate returns the canonical per-hour retention of a tier.
func TierRate(t memory.DecayTier) float64 {
	if r, ok := tierRates[t]; ok {
		return r
	}
	return tierRates[memory.TierRegular]
}

// RateFor returns the rate used for decay math. A stored decay rate always
// wins; the tier only supplies a default for rows that carry none.
func RateFor(m memory.Memory) float64 {
	if m.DecayRate > 0 {
		return m.DecayRate
	}
	return TierRate(Tier(m))
}

// Kind is the cognitive category of a memory.
type Kind string

const (
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
	KindEmotional  Kind = "emotional"
	KindReflective Kind = "reflective"
)

var kindTiers = map[Kind]memory.DecayTier{
	KindEpisodic:   memory.TierRegular,
	KindSemantic:   memory.TierCritical,
	KindProcedural: memory.TierCritical,
	KindEmotional:  memory.TierImportant,
	KindReflective: memory.TierEphemeral,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindTiers[k]
	return ok
}

// RateForKind picks a starting decay rate for a memory kind.
func RateForKind(k Kind) float64 {
	if t, ok := kindTiers[k]; ok {
		return TierRate(t)
	}
	return TierRate(memory.TierRegular)
}
