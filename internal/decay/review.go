package decay

import (
	"math"
	"time"

	"github.com/nidhogg/mnemo/internal/memory"
)

// Review is the outcome of a spaced-repetition review.
type Review struct {
	NextReviewDays int     `json:"next_review_days"`
	DecayRate      float64 `json:"decay_rate"`
}

// ScheduleReview maps a recall performance signal onto the next review
// interval and an adjusted decay rate:
//
//	performance >= 3: 6 days, rate + 0.01 (max 0.99)
//	performance == 2: 3 days, rate unchanged
//	performance <  2: 1 day,  rate - 0.02 (min 0.90)
func ScheduleReview(rate float64, performance int) Review {
	switch {
	case performance >= 3:
		return Review{NextReviewDays: 6, DecayRate: math.Min(0.99, roundRate(rate+0.01))}
	case performance == 2:
		return Review{NextReviewDays: 3, DecayRate: rate}
	default:
		return Review{NextReviewDays: 1, DecayRate: math.Max(0.90, roundRate(rate-0.02))}
	}
}

// roundRate trims float noise so repeated reviews land on clean values.
func roundRate(r float64) float64 {
	return math.Round(r*1e6) / 1e6
}

// Apply returns the schedule after the review, anchored at now.
func (r Review) Apply(s memory.DecaySchedule, now time.Time) memory.DecaySchedule {
	s.LastDecayAt = now
	s.DecayIntervalHours = r.NextReviewDays * 24
	s.NextDecayAt = now.Add(time.Duration(r.NextReviewDays) * 24 * time.Hour)
	s.IsActive = true
	return s
}
