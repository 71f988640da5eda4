package allocation

import (
	"kosbudget/internal/core"
	"kosbudget/internal/scoring"
)

// Line is the per-category row of a financial summary.
type Line struct {
	CategoryID      string
	Name            string
	DecisionPercent float64
	Allocation      core.Money
	Spent           core.Money
	Left            core.Money
	// UsedPercent is Spent relative to Allocation; 0 when nothing is allocated.
	UsedPercent float64
	OverBudget  bool
}

// Summary aggregates a user's month.
type Summary struct {
	Budget         core.Money
	TotalAllocated core.Money
	TotalSpent     core.Money
	// Remaining is the budget minus what was actually spent.
	Remaining core.Money
	Lines     []Line
}

// Insights are the headline figures shown next to a summary.
type Insights struct {
	CategoryCount   int
	OverBudgetCount int
	// TopDecision is the line with the highest decision score, nil when empty.
	TopDecision *Line
}

// Summarize builds a summary from the stored allocation and the spent
// total of each category. It does not recompute allocations.
func Summarize(budget core.Money, categories []core.Category) Summary {
	s := Summary{Budget: budget, Lines: make([]Line, 0, len(categories))}
	for _, c := range categories {
		left := c.Allocation.Sub(c.Spent)
		used := 0.0
		if c.Allocation.Cents > 0 {
			used = float64(c.Spent.Cents) / float64(c.Allocation.Cents) * 100
		}
		s.Lines = append(s.Lines, Line{
			CategoryID:      c.ID,
			Name:            c.Name,
			DecisionPercent: scoring.DecisionScorePercent(c.Urgency, c.Frequency, c.Impact),
			Allocation:      c.Allocation,
			Spent:           c.Spent,
			Left:            left,
			UsedPercent:     used,
			OverBudget:      left.Cents < 0,
		})
		s.TotalAllocated = s.TotalAllocated.Add(c.Allocation)
		s.TotalSpent = s.TotalSpent.Add(c.Spent)
	}
	s.Remaining = budget.Sub(s.TotalSpent)
	return s
}

// Analyze derives insights from a summary. Ties for the top decision score
// go to the first line.
func Analyze(s Summary) Insights {
	in := Insights{CategoryCount: len(s.Lines)}
	for i := range s.Lines {
		line := &s.Lines[i]
		if line.OverBudget {
			in.OverBudgetCount++
		}
		if in.TopDecision == nil || line.DecisionPercent > in.TopDecision.DecisionPercent {
			in.TopDecision = line
		}
	}
	return in
}

// ZeroAllocationCount counts categories whose stored allocation is zero,
// which usually means a recalculation is pending.
func ZeroAllocationCount(categories []core.Category) int {
	n := 0
	for _, c := range categories {
		if c.Allocation.IsZero() {
			n++
		}
	}
	return n
}
