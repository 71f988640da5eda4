// Package scoring turns category ratings into the scores that drive
// allocation. Everything here is pure.
package scoring

import "kosbudget/internal/core"

// Decision criteria weights. They sum to exactly 1.
const (
	UrgencyWeight   = 0.5
	FrequencyWeight = 0.3
	ImpactWeight    = 0.2
)

// Priority and decision score are blended with equal weight.
const (
	PriorityWeight = 0.5
	DecisionWeight = 0.5
)

// Scores holds the derived scores of a single category.
type Scores struct {
	Decision float64
	Combined float64
}

// Normalize maps a raw 1-5 rating onto [0,1].
func Normalize(raw float64) float64 {
	return raw / core.MaxRating
}

// DecisionScore combines pre-normalized criteria. Inputs are not clamped;
// callers normalize first.
func DecisionScore(urgency, frequency, impact float64) float64 {
	return urgency*UrgencyWeight + frequency*FrequencyWeight + impact*ImpactWeight
}

// CombinedScore blends a normalized priority with a decision score.
func CombinedScore(priority, decision float64) float64 {
	return priority*PriorityWeight + decision*DecisionWeight
}

// CategoryScores normalizes the ratings of c and returns its scores.
func CategoryScores(c core.Category) Scores {
	decision := DecisionScore(Normalize(c.Urgency), Normalize(c.Frequency), Normalize(c.Impact))
	return Scores{
		Decision: decision,
		Combined: CombinedScore(Normalize(c.Priority), decision),
	}
}

// DecisionScorePercent takes raw 1-5 ratings and returns the decision
// score as a percentage, for display.
func DecisionScorePercent(urgency, frequency, impact float64) float64 {
	return DecisionScore(Normalize(urgency), Normalize(frequency), Normalize(impact)) * 100
}
