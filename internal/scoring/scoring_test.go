package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kosbudget/internal/core"
)

func TestDecisionScoreBounds(t *testing.T) {
	assert.InDelta(t, 1.0, DecisionScore(1, 1, 1), 1e-12)
	assert.Equal(t, 0.0, DecisionScore(0, 0, 0))
	assert.InDelta(t, 1.0, UrgencyWeight+FrequencyWeight+ImpactWeight, 1e-12)
}

func TestDecisionScoreWeights(t *testing.T) {
	assert.InDelta(t, UrgencyWeight, DecisionScore(1, 0, 0), 1e-12)
	assert.InDelta(t, FrequencyWeight, DecisionScore(0, 1, 0), 1e-12)
	assert.InDelta(t, ImpactWeight, DecisionScore(0, 0, 1), 1e-12)
}

func TestDecisionScoreDoesNotClamp(t *testing.T) {
	// Normalization is the caller's job; out-of-range input flows through.
	assert.InDelta(t, 2.0, DecisionScore(2, 2, 2), 1e-12)
}

func TestCombinedScore(t *testing.T) {
	assert.InDelta(t, 1.0, CombinedScore(1, 1), 1e-12)
	assert.InDelta(t, 0.5, CombinedScore(1, 0), 1e-12)
	assert.InDelta(t, 0.5, CombinedScore(0, 1), 1e-12)
	assert.Equal(t, 0.0, CombinedScore(0, 0))
}

func TestCategoryScores(t *testing.T) {
	tests := []struct {
		name     string
		category core.Category
		decision float64
		combined float64
	}{
		{
			name:     "all max",
			category: core.Category{Priority: 5, Urgency: 5, Frequency: 5, Impact: 5},
			decision: 1.0,
			combined: 1.0,
		},
		{
			name:     "all min",
			category: core.Category{Priority: 1, Urgency: 1, Frequency: 1, Impact: 1},
			decision: 0.2,
			combined: 0.2,
		},
		{
			name:     "mixed",
			category: core.Category{Priority: 3, Urgency: 5, Frequency: 1, Impact: 2},
			// 0.5*1.0 + 0.3*0.2 + 0.2*0.4 = 0.64
			decision: 0.64,
			// 0.5*0.6 + 0.5*0.64 = 0.62
			combined: 0.62,
		},
		{
			name:     "coerced zeros",
			category: core.Category{},
			decision: 0,
			combined: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CategoryScores(tt.category)
			assert.InDelta(t, tt.decision, got.Decision, 1e-9)
			assert.InDelta(t, tt.combined, got.Combined, 1e-9)
		})
	}
}

func TestDecisionScorePercent(t *testing.T) {
	assert.InDelta(t, 100.0, DecisionScorePercent(5, 5, 5), 1e-9)
	assert.InDelta(t, 20.0, DecisionScorePercent(1, 1, 1), 1e-9)
	assert.InDelta(t, 60.0, DecisionScorePercent(3, 3, 3), 1e-9)
}

func TestScoresAreDeterministic(t *testing.T) {
	c := core.Category{Priority: 4, Urgency: 2, Frequency: 5, Impact: 3}
	assert.Equal(t, CategoryScores(c), CategoryScores(c))
}
