package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kosbudget/internal/core"
	"kosbudget/internal/storage/memory"
)

func newPlanner(t *testing.T) (*Planner, *memory.Store) {
	t.Helper()
	now := func() time.Time { return fixedNow }
	s := memory.New().WithClock(now)
	r := NewRecalculator(s, s, nil, DefaultRecalculatorConfig()).WithClock(now)
	return NewPlanner(s, r).WithClock(now), s
}

func TestPlanner_FoodAndFunScenario(t *testing.T) {
	ctx := context.Background()
	p, s := newPlanner(t)

	res, err := p.SetBudget(ctx, "u1", core.Money{Cents: 100_000_000})
	require.NoError(t, err)
	assert.Equal(t, "Budget for 2026-10 set to 1000000.00", res.Message)
	assert.Contains(t, res.Recalc.Warning, "no active categories")

	_, err = p.CreateCategory(ctx, "u1", input("Food", 5, 5, 5, 5))
	require.NoError(t, err)
	res, err = p.CreateCategory(ctx, "u1", input("Fun", 1, 1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, "Category 'Fun' created", res.Message)
	assert.Equal(t, Result{Updated: 2, Attempted: 2}, res.Recalc)

	assert.Equal(t, map[string]int64{"Food": 83_333_333, "Fun": 16_666_667}, allocationsByName(t, s, "u1"))
}

func TestPlanner_CreateCategoryRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlanner(t)

	_, err := p.CreateCategory(ctx, "u1", input("Rent", 5, 5, 3, 5))
	require.NoError(t, err)

	_, err = p.CreateCategory(ctx, "u1", input("  rent ", 1, 1, 1, 1))
	assert.ErrorIs(t, err, core.ErrDuplicateCategory)
	assert.True(t, core.IsValidation(err))

	// Another user may use the same name.
	_, err = p.CreateCategory(ctx, "u2", input("Rent", 1, 1, 1, 1))
	assert.NoError(t, err)
}

func TestPlanner_CreateCategoryRevivesDeleted(t *testing.T) {
	ctx := context.Background()
	p, s := newPlanner(t)

	_, err := p.CreateCategory(ctx, "u1", input("Gym", 2, 2, 2, 2))
	require.NoError(t, err)
	_, err = p.DeleteCategory(ctx, "u1", "gym")
	require.NoError(t, err)

	_, err = p.CreateCategory(ctx, "u1", input("Gym", 4, 4, 4, 4))
	require.NoError(t, err)

	cats, err := s.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, 4.0, cats[0].Priority)
}

func TestPlanner_SaveCategoryValidation(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlanner(t)

	tests := []struct {
		name   string
		userID string
		in     core.CategoryInput
		want   error
	}{
		{"empty user", "", input("Food", 1, 1, 1, 1), core.ErrEmptyUser},
		{"empty name", "u1", input("   ", 1, 1, 1, 1), core.ErrEmptyName},
		{"rating above range", "u1", input("Food", 6, 1, 1, 1), core.ErrInvalidRating},
		{"rating below range", "u1", input("Food", 1, 0, 1, 1), core.ErrInvalidRating},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.SaveCategory(ctx, tt.userID, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPlanner_SaveCategoryUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	p, s := newPlanner(t)
	_, err := p.SetBudget(ctx, "u1", core.Money{Cents: 1000})
	require.NoError(t, err)

	_, err = p.SaveCategory(ctx, "u1", input("Food", 1, 1, 1, 1))
	require.NoError(t, err)
	res, err := p.SaveCategory(ctx, "u1", input("FOOD", 5, 5, 5, 5))
	require.NoError(t, err)

	assert.Equal(t, "Category 'Food' saved", res.Message)
	assert.Equal(t, map[string]int64{"Food": 1000}, allocationsByName(t, s, "u1"))
}

func TestPlanner_SaveCategoryKeepsSpendingUnderStoredName(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlanner(t)

	_, err := p.SetBudget(ctx, "u1", core.Money{Cents: 100_000})
	require.NoError(t, err)
	_, err = p.CreateCategory(ctx, "u1", input("Food", 3, 3, 3, 3))
	require.NoError(t, err)
	_, err = p.AddExpense(ctx, "u1", ExpenseInput{CategoryName: "Food", Amount: core.Money{Cents: 5000}})
	require.NoError(t, err)

	_, err = p.SaveCategory(ctx, "u1", input("FOOD", 4, 4, 4, 4))
	require.NoError(t, err)

	d, err := p.Dashboard(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, d.Categories, 1)
	assert.Equal(t, "Food", d.Categories[0].Name)
	assert.Equal(t, 4.0, d.Categories[0].Priority)
	assert.Equal(t, int64(5000), d.Categories[0].Spent.Cents)
	assert.Equal(t, int64(5000), d.Summary.TotalSpent.Cents)
}

func TestPlanner_AllCategoriesIncludesDeleted(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlanner(t)

	_, err := p.SetBudget(ctx, "u1", core.Money{Cents: 10_000})
	require.NoError(t, err)
	_, err = p.CreateCategory(ctx, "u1", input("Rent", 5, 5, 5, 5))
	require.NoError(t, err)
	_, err = p.CreateCategory(ctx, "u1", input("Gym", 1, 1, 1, 1))
	require.NoError(t, err)
	_, err = p.AddExpense(ctx, "u1", ExpenseInput{CategoryName: "gym", Amount: core.Money{Cents: 300}})
	require.NoError(t, err)
	_, err = p.DeleteCategory(ctx, "u1", "Gym")
	require.NoError(t, err)

	all, err := p.AllCategories(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Gym", all[0].Name)
	assert.False(t, all[0].Active)
	assert.Equal(t, int64(300), all[0].Spent.Cents)
	assert.True(t, all[1].Active)

	d, err := p.Dashboard(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, d.Categories, 1)

	_, err = p.AllCategories(ctx, " ")
	assert.ErrorIs(t, err, core.ErrEmptyUser)
}

func TestPlanner_DeleteCategoryRedistributes(t *testing.T) {
	ctx := context.Background()
	p, s := newPlanner(t)
	_, err := p.SetBudget(ctx, "u1", core.Money{Cents: 60_000})
	require.NoError(t, err)
	_, err = p.CreateCategory(ctx, "u1", input("Food", 5, 5, 5, 5))
	require.NoError(t, err)
	_, err = p.CreateCategory(ctx, "u1", input("Fun", 1, 1, 1, 1))
	require.NoError(t, err)

	res, err := p.DeleteCategory(ctx, "u1", "Fun")
	require.NoError(t, err)
	assert.Equal(t, "Category 'Fun' deleted", res.Message)
	assert.Equal(t, map[string]int64{"Food": 60_000}, allocationsByName(t, s, "u1"))

	_, err = p.DeleteCategory(ctx, "u1", "Fun")
	assert.ErrorIs(t, err, core.ErrCategoryNotFound)
	assert.True(t, core.IsNotFound(err))
}

func TestPlanner_AddExpense(t *testing.T) {
	ctx := context.Background()
	p, s := newPlanner(t)
	_, err := p.CreateCategory(ctx, "u1", input("Food", 5, 5, 5, 5))
	require.NoError(t, err)

	res, err := p.AddExpense(ctx, "u1", ExpenseInput{CategoryName: " food ", Amount: core.Money{Cents: 1250}, Note: " lunch "})
	require.NoError(t, err)
	assert.Equal(t, "Expense of 12.50 added to Food", res.Message)

	expenses, err := s.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, expenses, 1)
	assert.Equal(t, "Food", expenses[0].CategoryName, "stored under the canonical name")
	assert.Equal(t, "lunch", expenses[0].Note)

	_, err = p.AddExpense(ctx, "u1", ExpenseInput{CategoryName: "Travel", Amount: core.Money{Cents: 100}})
	assert.ErrorIs(t, err, core.ErrCategoryNotFound)

	_, err = p.AddExpense(ctx, "u1", ExpenseInput{CategoryName: "Food", Amount: core.Money{Cents: -1}})
	assert.ErrorIs(t, err, core.ErrInvalidAmount)
}

func TestPlanner_Dashboard(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlanner(t)

	d, err := p.Dashboard(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.HasBudget)
	assert.Empty(t, d.Categories)

	_, err = p.SetBudget(ctx, "u1", core.Money{Cents: 60_000})
	require.NoError(t, err)
	_, err = p.CreateCategory(ctx, "u1", input("Food", 5, 5, 5, 5))
	require.NoError(t, err)
	_, err = p.CreateCategory(ctx, "u1", input("Fun", 1, 1, 1, 1))
	require.NoError(t, err)
	_, err = p.AddExpense(ctx, "u1", ExpenseInput{CategoryName: "Fun", Amount: core.Money{Cents: 15_000}})
	require.NoError(t, err)

	d, err = p.Dashboard(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.HasBudget)
	assert.Equal(t, october, d.Month)
	assert.Equal(t, core.Money{Cents: 60_000}, d.Budget)
	require.Len(t, d.Categories, 2)
	assert.Equal(t, core.Money{Cents: 15_000}, d.Summary.TotalSpent)
	assert.Equal(t, 1, d.Insights.OverBudgetCount, "Fun gets 10000 and spent 15000")
	assert.Zero(t, d.ZeroAllocations)

	_, err = p.Dashboard(ctx, "")
	assert.ErrorIs(t, err, core.ErrEmptyUser)
}

func TestPlanner_Snapshot(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlanner(t)

	_, err := p.Snapshot(ctx, "u1")
	assert.ErrorIs(t, err, core.ErrBudgetNotFound)

	_, err = p.SetBudget(ctx, "u1", core.Money{Cents: 500})
	require.NoError(t, err)
	_, err = p.CreateCategory(ctx, "u1", input("Food", 3, 3, 3, 3))
	require.NoError(t, err)

	snap, err := p.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, october, snap.Month)
	assert.Equal(t, fixedNow, snap.TakenAt)
	require.Len(t, snap.Categories, 1)
	assert.Equal(t, core.Money{Cents: 500}, snap.Categories[0].Allocation)
}

func TestPlanner_Preview(t *testing.T) {
	p, s := newPlanner(t)

	got, err := p.Preview(core.Money{Cents: 100_000_000}, []core.CategoryInput{
		input("Food", 5, 5, 5, 5),
		input("Fun", 1, 1, 1, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]core.Money{
		"Food": {Cents: 83_333_333},
		"Fun":  {Cents: 16_666_667},
	}, got)

	_, err = p.Preview(core.Money{Cents: 100}, []core.CategoryInput{input("A", 1, 1, 1, 1), input("a", 2, 2, 2, 2)})
	assert.ErrorIs(t, err, core.ErrDuplicateCategory)

	_, err = p.Preview(core.Money{Cents: 100}, []core.CategoryInput{input("A", 9, 1, 1, 1)})
	assert.ErrorIs(t, err, core.ErrInvalidRating)

	empty, err := p.Preview(core.Money{Cents: 100}, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	users, err := s.ListUsers(context.Background(), october)
	require.NoError(t, err)
	assert.Empty(t, users, "preview never writes")
}
