// Package allocation converts a budget and a set of scored categories into
// per-category monetary allocations, and folds expenses into spent totals.
//
// Allocations are proportional to each category's combined score and are
// rounded half-up to the cent independently. The rounded parts are not
// reconciled with the budget, so their sum may drift from it by up to half
// a cent per category.
package allocation

import (
	"github.com/shopspring/decimal"

	"kosbudget/internal/core"
	"kosbudget/internal/scoring"
)

// Allocate returns the allocation for every category, keyed by category ID.
// A zero total score yields zero for every category; an empty input yields
// an empty map.
func Allocate(budget core.Money, categories []core.Category) map[string]core.Money {
	out := make(map[string]core.Money, len(categories))
	if len(categories) == 0 {
		return out
	}

	combined := make([]float64, len(categories))
	total := 0.0
	for i, c := range categories {
		combined[i] = scoring.CategoryScores(c).Combined
		total += combined[i]
	}

	if total <= 0 {
		for _, c := range categories {
			out[c.ID] = core.Money{}
		}
		return out
	}

	amount := decimal.NewFromInt(budget.Cents)
	totalScore := decimal.NewFromFloat(total)
	for i, c := range categories {
		share := amount.Mul(decimal.NewFromFloat(combined[i])).Div(totalScore)
		out[c.ID] = core.Money{Cents: share.Round(0).IntPart()}
	}
	return out
}

// Spent sums the expenses booked against the category's name.
func Spent(category core.Category, expenses []core.Expense) core.Money {
	var spent core.Money
	for _, e := range expenses {
		if e.CategoryName == category.Name {
			spent = spent.Add(e.Amount)
		}
	}
	return spent
}

// SpentByCategory computes Spent for each category, keyed by category ID.
// Expenses whose name matches no given category are ignored.
func SpentByCategory(categories []core.Category, expenses []core.Expense) map[string]core.Money {
	byName := make(map[string]core.Money, len(categories))
	for _, e := range expenses {
		byName[e.CategoryName] = byName[e.CategoryName].Add(e.Amount)
	}
	out := make(map[string]core.Money, len(categories))
	for _, c := range categories {
		out[c.ID] = byName[c.Name]
	}
	return out
}

// Apply returns a copy of categories with Allocation and Spent filled in.
func Apply(budget core.Money, categories []core.Category, expenses []core.Expense) []core.Category {
	allocations := Allocate(budget, categories)
	spent := SpentByCategory(categories, expenses)
	out := make([]core.Category, len(categories))
	for i, c := range categories {
		c.Allocation = allocations[c.ID]
		c.Spent = spent[c.ID]
		out[i] = c
	}
	return out
}

// Total sums a set of allocations.
func Total(allocations map[string]core.Money) core.Money {
	var sum core.Money
	for _, m := range allocations {
		sum = sum.Add(m)
	}
	return sum
}
