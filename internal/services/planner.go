package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"kosbudget/internal/allocation"
	"kosbudget/internal/core"
	applog "kosbudget/internal/log"
	"kosbudget/internal/store"
)

// MutationResult is returned by every state change: what happened, and the
// recalculation it triggered.
type MutationResult struct {
	Message string `json:"message"`
	Recalc  Result `json:"recalc"`
}

type ExpenseInput struct {
	CategoryName string
	Amount       core.Money
	Note         string
}

// Dashboard is the read model of a user's current month.
type Dashboard struct {
	UserID     string
	Month      core.Month
	HasBudget  bool
	Budget     core.Money
	Categories []core.Category
	Summary    allocation.Summary
	Insights   allocation.Insights
	// ZeroAllocations counts categories still waiting for a recalculation.
	ZeroAllocations int
}

// Planner applies user changes to the stores and fires the matching
// recalculation trigger after each successful write.
type Planner struct {
	store  store.Store
	recalc *Recalculator
	now    func() time.Time
}

func NewPlanner(s store.Store, recalc *Recalculator) *Planner {
	return &Planner{store: s, recalc: recalc, now: time.Now}
}

// WithClock replaces the clock used to pick the current month.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

func (p *Planner) month() core.Month {
	return core.MonthOf(p.now())
}

func (p *Planner) trigger(ctx context.Context, userID string, t Trigger, msg string) MutationResult {
	res, _ := p.recalc.Trigger(ctx, userID, t)
	return MutationResult{Message: msg, Recalc: res}
}

// SetBudget stores the budget for the current month.
func (p *Planner) SetBudget(ctx context.Context, userID string, amount core.Money) (MutationResult, error) {
	month := p.month()
	b := core.Budget{UserID: userID, Month: month, Amount: amount}
	if err := b.Validate(); err != nil {
		return MutationResult{}, err
	}
	if _, err := p.store.UpsertBudget(ctx, userID, month, amount); err != nil {
		return MutationResult{}, fmt.Errorf("save budget: %w", err)
	}

	slog.InfoContext(ctx, "Budget updated",
		applog.FieldComponent, applog.ComponentPlanner,
		applog.FieldUserID, userID,
		applog.FieldMonth, month.String(),
		applog.FieldBudgetCents, amount.Cents)

	return p.trigger(ctx, userID, TriggerBudgetChanged,
		fmt.Sprintf("Budget for %s set to %s", month, amount)), nil
}

// CreateCategory adds a new category; an active category with the same
// name (case-insensitive) is ErrDuplicateCategory. A previously deleted
// category with that name is brought back with the new ratings.
func (p *Planner) CreateCategory(ctx context.Context, userID string, in core.CategoryInput) (MutationResult, error) {
	in, err := p.validateCategory(userID, in)
	if err != nil {
		return MutationResult{}, err
	}
	if _, found, err := p.findActive(ctx, userID, in.Name); err != nil {
		return MutationResult{}, err
	} else if found {
		return MutationResult{}, fmt.Errorf("category %q: %w", in.Name, core.ErrDuplicateCategory)
	}

	c, err := p.store.UpsertCategory(ctx, userID, in)
	if err != nil {
		return MutationResult{}, fmt.Errorf("create category: %w", err)
	}
	slog.InfoContext(ctx, "Category created",
		applog.FieldComponent, applog.ComponentPlanner,
		applog.FieldUserID, userID,
		applog.FieldCategory, c.Name)

	return p.trigger(ctx, userID, TriggerCategorySaved,
		fmt.Sprintf("Category '%s' created", c.Name)), nil
}

// SaveCategory creates the category or updates the one with the same name.
func (p *Planner) SaveCategory(ctx context.Context, userID string, in core.CategoryInput) (MutationResult, error) {
	in, err := p.validateCategory(userID, in)
	if err != nil {
		return MutationResult{}, err
	}
	c, err := p.store.UpsertCategory(ctx, userID, in)
	if err != nil {
		return MutationResult{}, fmt.Errorf("save category: %w", err)
	}
	slog.InfoContext(ctx, "Category saved",
		applog.FieldComponent, applog.ComponentPlanner,
		applog.FieldUserID, userID,
		applog.FieldCategory, c.Name)

	return p.trigger(ctx, userID, TriggerCategorySaved,
		fmt.Sprintf("Category '%s' saved", c.Name)), nil
}

// DeleteCategory soft-deletes the active category with the given name.
// Its expenses are kept.
func (p *Planner) DeleteCategory(ctx context.Context, userID, name string) (MutationResult, error) {
	if strings.TrimSpace(userID) == "" {
		return MutationResult{}, core.ErrEmptyUser
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return MutationResult{}, core.ErrEmptyName
	}
	if err := p.store.SoftDelete(ctx, userID, name); err != nil {
		if errors.Is(err, core.ErrCategoryNotFound) {
			return MutationResult{}, fmt.Errorf("category %q: %w", name, err)
		}
		return MutationResult{}, fmt.Errorf("delete category: %w", err)
	}
	slog.InfoContext(ctx, "Category deleted",
		applog.FieldComponent, applog.ComponentPlanner,
		applog.FieldUserID, userID,
		applog.FieldCategory, name)

	return p.trigger(ctx, userID, TriggerCategoryDeleted,
		fmt.Sprintf("Category '%s' deleted", name)), nil
}

// AddExpense books an expense against an active category. The stored
// category name is used so spent totals match exactly.
func (p *Planner) AddExpense(ctx context.Context, userID string, in ExpenseInput) (MutationResult, error) {
	e := core.Expense{
		UserID:       userID,
		CategoryName: strings.TrimSpace(in.CategoryName),
		Amount:       in.Amount,
		Note:         strings.TrimSpace(in.Note),
	}
	if err := e.Validate(); err != nil {
		return MutationResult{}, err
	}

	c, found, err := p.findActive(ctx, userID, e.CategoryName)
	if err != nil {
		return MutationResult{}, err
	}
	if !found {
		return MutationResult{}, fmt.Errorf("category %q: %w", e.CategoryName, core.ErrCategoryNotFound)
	}

	saved, err := p.store.Append(ctx, userID, c.Name, e.Amount, e.Note)
	if err != nil {
		return MutationResult{}, fmt.Errorf("add expense: %w", err)
	}
	slog.InfoContext(ctx, "Expense added",
		applog.FieldComponent, applog.ComponentPlanner,
		applog.FieldUserID, userID,
		applog.FieldCategory, c.Name,
		applog.FieldAmountCents, saved.Amount.Cents)

	return p.trigger(ctx, userID, TriggerExpenseAdded,
		fmt.Sprintf("Expense of %s added to %s", saved.Amount, c.Name)), nil
}

// Dashboard reads the stored allocations, folds in spending and derives
// the summary. It does not recalculate.
func (p *Planner) Dashboard(ctx context.Context, userID string) (Dashboard, error) {
	if strings.TrimSpace(userID) == "" {
		return Dashboard{}, core.ErrEmptyUser
	}
	month := p.month()
	d := Dashboard{UserID: userID, Month: month}

	b, err := p.store.GetCurrent(ctx, userID, month)
	switch {
	case err == nil:
		d.HasBudget = true
		d.Budget = b.Amount
	case errors.Is(err, core.ErrBudgetNotFound):
	default:
		return Dashboard{}, fmt.Errorf("read budget: %w", err)
	}

	cats, err := p.store.ListActive(ctx, userID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list categories: %w", err)
	}
	expenses, err := p.store.ListForUser(ctx, userID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list expenses: %w", err)
	}

	spent := allocation.SpentByCategory(cats, expenses)
	for i := range cats {
		cats[i].Spent = spent[cats[i].ID]
	}

	d.Categories = cats
	d.Summary = allocation.Summarize(d.Budget, cats)
	d.Insights = allocation.Analyze(d.Summary)
	d.ZeroAllocations = allocation.ZeroAllocationCount(cats)
	return d, nil
}

// AllCategories lists the user's categories including soft-deleted ones,
// with spending folded in. Allocations of deleted categories are whatever
// was last stored.
func (p *Planner) AllCategories(ctx context.Context, userID string) ([]core.Category, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, core.ErrEmptyUser
	}
	cats, err := p.store.ListAll(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list all categories: %w", err)
	}
	expenses, err := p.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	spent := allocation.SpentByCategory(cats, expenses)
	for i := range cats {
		cats[i].Spent = spent[cats[i].ID]
	}
	return cats, nil
}

// Snapshot returns the exportable state of the user's current month.
func (p *Planner) Snapshot(ctx context.Context, userID string) (core.Snapshot, error) {
	d, err := p.Dashboard(ctx, userID)
	if err != nil {
		return core.Snapshot{}, err
	}
	if !d.HasBudget {
		return core.Snapshot{}, core.ErrBudgetNotFound
	}
	return core.Snapshot{
		UserID:     userID,
		Month:      d.Month,
		Budget:     d.Budget,
		Categories: d.Categories,
		TakenAt:    p.now(),
	}, nil
}

// Preview computes allocations for hypothetical inputs without touching
// any store. Results are keyed by category name.
func (p *Planner) Preview(budget core.Money, inputs []core.CategoryInput) (map[string]core.Money, error) {
	cats := make([]core.Category, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for _, in := range inputs {
		in = in.Normalized()
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("category %q: %w", in.Name, err)
		}
		key := core.NameKey(in.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("category %q: %w", in.Name, core.ErrDuplicateCategory)
		}
		seen[key] = struct{}{}
		cats = append(cats, core.Category{
			ID:        in.Name,
			Name:      in.Name,
			Priority:  float64(in.Priority),
			Urgency:   float64(in.Urgency),
			Frequency: float64(in.Frequency),
			Impact:    float64(in.Impact),
			Active:    true,
		})
	}
	return allocation.Allocate(budget, cats), nil
}

func (p *Planner) validateCategory(userID string, in core.CategoryInput) (core.CategoryInput, error) {
	if strings.TrimSpace(userID) == "" {
		return in, core.ErrEmptyUser
	}
	in = in.Normalized()
	if err := in.Validate(); err != nil {
		return in, err
	}
	return in, nil
}

func (p *Planner) findActive(ctx context.Context, userID, name string) (core.Category, bool, error) {
	cats, err := p.store.ListActive(ctx, userID)
	if err != nil {
		return core.Category{}, false, fmt.Errorf("list categories: %w", err)
	}
	key := core.NameKey(name)
	for _, c := range cats {
		if core.NameKey(c.Name) == key {
			return c, true, nil
		}
	}
	return core.Category{}, false, nil
}
