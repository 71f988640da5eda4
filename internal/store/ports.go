// Package store declares the persistence ports the budgeting core reads and
// writes through. Implementations live in internal/storage.
package store

import (
	"context"

	"kosbudget/internal/core"
)

type (
	// BudgetStore keeps one budget per user per calendar month.
	BudgetStore interface {
		// GetCurrent returns core.ErrBudgetNotFound when no budget is set.
		GetCurrent(ctx context.Context, userID string, month core.Month) (core.Budget, error)
		// UpsertBudget creates or overwrites the budget for (userID, month).
		UpsertBudget(ctx context.Context, userID string, month core.Month, amount core.Money) (core.Budget, error)
		// ListUsers returns users with a budget for the month.
		ListUsers(ctx context.Context, month core.Month) ([]string, error)
	}

	// CategoryStore keeps categories per user, soft-deleted through an active flag.
	CategoryStore interface {
		// ListActive returns the user's active categories ordered by name.
		ListActive(ctx context.Context, userID string) ([]core.Category, error)
		// ListAll returns active and soft-deleted categories ordered by name.
		ListAll(ctx context.Context, userID string) ([]core.Category, error)
		// UpsertCategory creates the category or updates the one sharing its
		// name key, reactivating it if it was soft-deleted.
		UpsertCategory(ctx context.Context, userID string, in core.CategoryInput) (core.Category, error)
		// SetAllocation stores a recomputed allocation.
		SetAllocation(ctx context.Context, categoryID string, amount core.Money) error
		// SoftDelete returns core.ErrCategoryNotFound if no active category matches.
		SoftDelete(ctx context.Context, userID, name string) error
	}

	// ExpenseStore is append-only.
	ExpenseStore interface {
		Append(ctx context.Context, userID, categoryName string, amount core.Money, note string) (core.Expense, error)
		// ListForUser returns expenses in creation order.
		ListForUser(ctx context.Context, userID string) ([]core.Expense, error)
	}

	// AllocationState is what one recalculation pass reads. Revision changes
	// whenever the user's budget or categories change.
	AllocationState struct {
		Budget     core.Budget
		Categories []core.Category
		Revision   int64
	}

	// AllocationStore is implemented by stores shared between processes. It
	// reads the allocation inputs under one consistent view and writes the
	// results back only if those inputs are unchanged.
	AllocationStore interface {
		// ReadSnapshot returns core.ErrBudgetNotFound when no budget is set.
		ReadSnapshot(ctx context.Context, userID string, month core.Month) (AllocationState, error)
		// CommitAllocations stores allocations keyed by category ID when the
		// user's revision still equals revision, and otherwise returns
		// core.ErrStaleAllocation without writing. Categories that could not
		// be written are reported in failed.
		CommitAllocations(ctx context.Context, userID string, revision int64, allocations map[string]core.Money) (failed map[string]error, err error)
	}

	// Store bundles the three ports.
	Store interface {
		BudgetStore
		CategoryStore
		ExpenseStore
		Close() error
	}
)
