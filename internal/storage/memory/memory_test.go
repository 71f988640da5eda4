package memory

import (
	"context"
	"errors"
	"testing"

	"kosbudget/internal/core"
)

var oct = core.Month{Year: 2026, Month: 10}

func TestBudgetUpsertOverwrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetCurrent(ctx, "u1", oct); !errors.Is(err, core.ErrBudgetNotFound) {
		t.Fatalf("expected ErrBudgetNotFound, got %v", err)
	}
	if _, err := s.UpsertBudget(ctx, "u1", oct, core.Money{Cents: 100}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertBudget(ctx, "u1", oct, core.Money{Cents: 250}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	b, err := s.GetCurrent(ctx, "u1", oct)
	if err != nil || b.Amount.Cents != 250 {
		t.Fatalf("unexpected budget: %+v err=%v", b, err)
	}
	users, _ := s.ListUsers(ctx, oct)
	if len(users) != 1 || users[0] != "u1" {
		t.Fatalf("unexpected users: %v", users)
	}
	if _, err := s.UpsertBudget(ctx, "u1", oct, core.Money{Cents: -1}); err == nil {
		t.Fatalf("expected negative budget to be rejected")
	}
}

func TestCategoryUpsertByNameKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.UpsertCategory(ctx, "u1", core.CategoryInput{Name: "Food", Priority: 3, Urgency: 3, Frequency: 3, Impact: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.UpsertCategory(ctx, "u1", core.CategoryInput{Name: " food ", Priority: 5, Urgency: 4, Frequency: 3, Impact: 2})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same id on update, got %s and %s", first.ID, second.ID)
	}
	if second.Priority != 5 || second.Name != "Food" {
		t.Fatalf("expected updated ratings under the stored name, got %+v", second)
	}

	other, _ := s.UpsertCategory(ctx, "u2", core.CategoryInput{Name: "Food", Priority: 1, Urgency: 1, Frequency: 1, Impact: 1})
	if other.ID == first.ID {
		t.Fatalf("categories must be partitioned per user")
	}
	list, _ := s.ListActive(ctx, "u1")
	if len(list) != 1 {
		t.Fatalf("expected one active category for u1, got %d", len(list))
	}
}

func TestSoftDeleteAndReactivate(t *testing.T) {
	s := New()
	ctx := context.Background()

	c, _ := s.UpsertCategory(ctx, "u1", core.CategoryInput{Name: "Fun", Priority: 1, Urgency: 1, Frequency: 1, Impact: 1})
	if err := s.SoftDelete(ctx, "u1", "FUN"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := s.SoftDelete(ctx, "u1", "Fun"); !errors.Is(err, core.ErrCategoryNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if list, _ := s.ListActive(ctx, "u1"); len(list) != 0 {
		t.Fatalf("expected no active categories, got %v", list)
	}

	back, _ := s.UpsertCategory(ctx, "u1", core.CategoryInput{Name: "Fun", Priority: 2, Urgency: 2, Frequency: 2, Impact: 2})
	if back.ID != c.ID || !back.Active {
		t.Fatalf("expected reactivation of %s, got %+v", c.ID, back)
	}
}

func TestSetAllocation(t *testing.T) {
	s := New()
	ctx := context.Background()

	c, _ := s.UpsertCategory(ctx, "u1", core.CategoryInput{Name: "Rent", Priority: 5, Urgency: 5, Frequency: 5, Impact: 5})
	if err := s.SetAllocation(ctx, c.ID, core.Money{Cents: 4200}); err != nil {
		t.Fatalf("set allocation: %v", err)
	}
	list, _ := s.ListActive(ctx, "u1")
	if list[0].Allocation.Cents != 4200 {
		t.Fatalf("unexpected allocation %v", list[0].Allocation)
	}
	if err := s.SetAllocation(ctx, "missing", core.Money{}); !errors.Is(err, core.ErrCategoryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExpensesAppendOnly(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, amount := range []int64{500, 700} {
		e, err := s.Append(ctx, "u1", "Food", core.Money{Cents: amount}, "")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if e.ID != int64(i+1) {
			t.Fatalf("expected sequential ids, got %d", e.ID)
		}
	}
	if _, err := s.Append(ctx, "u1", "Food", core.Money{Cents: -1}, ""); err == nil {
		t.Fatalf("expected negative expense to be rejected")
	}
	_, _ = s.Append(ctx, "u2", "Food", core.Money{Cents: 1}, "")

	list, _ := s.ListForUser(ctx, "u1")
	if len(list) != 2 || list[0].Amount.Cents != 500 || list[1].Amount.Cents != 700 {
		t.Fatalf("unexpected expenses: %+v", list)
	}
}

func TestReadSnapshot(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.ReadSnapshot(ctx, "u1", oct); !errors.Is(err, core.ErrBudgetNotFound) {
		t.Fatalf("expected ErrBudgetNotFound, got %v", err)
	}
	_, _ = s.UpsertBudget(ctx, "u1", oct, core.Money{Cents: 1000})
	_, _ = s.UpsertCategory(ctx, "u1", core.CategoryInput{Name: "b", Priority: 1, Urgency: 1, Frequency: 1, Impact: 1})
	_, _ = s.UpsertCategory(ctx, "u1", core.CategoryInput{Name: "a", Priority: 1, Urgency: 1, Frequency: 1, Impact: 1})

	st, err := s.ReadSnapshot(ctx, "u1", oct)
	if err != nil || st.Budget.Amount.Cents != 1000 || len(st.Categories) != 2 || st.Categories[0].Name != "a" {
		t.Fatalf("unexpected snapshot: %+v err=%v", st, err)
	}
	if st.Revision != 3 {
		t.Fatalf("expected revision 3, got %d", st.Revision)
	}
}

func TestCommitAllocationsRejectsStaleRevision(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, _ = s.UpsertBudget(ctx, "u1", oct, core.Money{Cents: 1000})
	c, _ := s.UpsertCategory(ctx, "u1", core.CategoryInput{Name: "Food", Priority: 1, Urgency: 1, Frequency: 1, Impact: 1})
	stale, _ := s.ReadSnapshot(ctx, "u1", oct)

	if err := s.SoftDelete(ctx, "u1", "food"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := s.CommitAllocations(ctx, "u1", stale.Revision, map[string]core.Money{c.ID: {Cents: 1000}}); !errors.Is(err, core.ErrStaleAllocation) {
		t.Fatalf("expected ErrStaleAllocation, got %v", err)
	}

	_, _ = s.UpsertCategory(ctx, "u1", core.CategoryInput{Name: "Food", Priority: 1, Urgency: 1, Frequency: 1, Impact: 1})
	fresh, _ := s.ReadSnapshot(ctx, "u1", oct)
	failed, err := s.CommitAllocations(ctx, "u1", fresh.Revision, map[string]core.Money{c.ID: {Cents: 1000}, "missing": {Cents: 1}})
	if err != nil || len(failed) != 1 || !errors.Is(failed["missing"], core.ErrCategoryNotFound) {
		t.Fatalf("unexpected commit result failed=%v err=%v", failed, err)
	}
	list, _ := s.ListActive(ctx, "u1")
	if list[0].Allocation.Cents != 1000 {
		t.Fatalf("expected allocation to be stored, got %v", list[0].Allocation)
	}
}

func TestListAllIncludesDeleted(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, _ = s.UpsertCategory(ctx, "u1", core.CategoryInput{Name: "Rent", Priority: 5, Urgency: 5, Frequency: 5, Impact: 5})
	_, _ = s.UpsertCategory(ctx, "u1", core.CategoryInput{Name: "Gym", Priority: 1, Urgency: 1, Frequency: 1, Impact: 1})
	_ = s.SoftDelete(ctx, "u1", "Gym")

	all, _ := s.ListAll(ctx, "u1")
	if len(all) != 2 || all[0].Name != "Gym" || all[0].Active {
		t.Fatalf("expected deleted Gym to be listed, got %+v", all)
	}
	if active, _ := s.ListActive(ctx, "u1"); len(active) != 1 {
		t.Fatalf("expected one active category, got %+v", active)
	}
}
