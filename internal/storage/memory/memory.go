// Package memory is an in-process implementation of the store ports. It
// backs DATA_BACKEND=memory and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kosbudget/internal/core"
	"kosbudget/internal/store"
)

var (
	_ store.Store           = (*Store)(nil)
	_ store.AllocationStore = (*Store)(nil)
)

type budgetKey struct {
	userID string
	month  core.Month
}

type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	budgets    map[budgetKey]core.Budget
	categories map[string]*core.Category // by ID
	expenses   []core.Expense
	nextExpID  int64
	revisions  map[string]int64
}

func New() *Store {
	return &Store{
		now:        time.Now,
		budgets:    make(map[budgetKey]core.Budget),
		categories: make(map[string]*core.Category),
		revisions:  make(map[string]int64),
	}
}

// WithClock replaces the clock used for timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Close() error { return nil }

func (s *Store) GetCurrent(_ context.Context, userID string, month core.Month) (core.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[budgetKey{userID, month}]
	if !ok {
		return core.Budget{}, core.ErrBudgetNotFound
	}
	return b, nil
}

func (s *Store) UpsertBudget(_ context.Context, userID string, month core.Month, amount core.Money) (core.Budget, error) {
	b := core.Budget{UserID: userID, Month: month, Amount: amount}
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b.UpdatedAt = s.now()
	s.budgets[budgetKey{userID, month}] = b
	s.revisions[userID]++
	return b, nil
}

func (s *Store) ListUsers(_ context.Context, month core.Month) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []string
	for k := range s.budgets {
		if k.month == month {
			users = append(users, k.userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *Store) ListActive(_ context.Context, userID string) ([]core.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listActiveLocked(userID), nil
}

// ListAll includes soft-deleted categories.
func (s *Store) ListAll(_ context.Context, userID string) ([]core.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(userID, false), nil
}

func (s *Store) listActiveLocked(userID string) []core.Category {
	return s.listLocked(userID, true)
}

func (s *Store) listLocked(userID string, activeOnly bool) []core.Category {
	var out []core.Category
	for _, c := range s.categories {
		if c.UserID == userID && (c.Active || !activeOnly) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) UpsertCategory(_ context.Context, userID string, in core.CategoryInput) (core.Category, error) {
	if strings.TrimSpace(userID) == "" {
		return core.Category{}, core.ErrEmptyUser
	}
	in = in.Normalized()
	if err := in.Validate(); err != nil {
		return core.Category{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := core.NameKey(in.Name)
	for _, c := range s.categories {
		if c.UserID == userID && core.NameKey(c.Name) == key {
			// The stored name is kept; expenses reference it verbatim.
			c.Priority = float64(in.Priority)
			c.Urgency = float64(in.Urgency)
			c.Frequency = float64(in.Frequency)
			c.Impact = float64(in.Impact)
			c.Active = true
			c.UpdatedAt = now
			s.revisions[userID]++
			return *c, nil
		}
	}

	c := &core.Category{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      in.Name,
		Priority:  float64(in.Priority),
		Urgency:   float64(in.Urgency),
		Frequency: float64(in.Frequency),
		Impact:    float64(in.Impact),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.categories[c.ID] = c
	s.revisions[userID]++
	return *c, nil
}

func (s *Store) SetAllocation(_ context.Context, categoryID string, amount core.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[categoryID]
	if !ok {
		return fmt.Errorf("set allocation %s: %w", categoryID, core.ErrCategoryNotFound)
	}
	c.Allocation = amount
	c.UpdatedAt = s.now()
	return nil
}

func (s *Store) SoftDelete(_ context.Context, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := core.NameKey(name)
	for _, c := range s.categories {
		if c.UserID == userID && c.Active && core.NameKey(c.Name) == key {
			c.Active = false
			c.UpdatedAt = s.now()
			s.revisions[userID]++
			return nil
		}
	}
	return core.ErrCategoryNotFound
}

func (s *Store) Append(_ context.Context, userID, categoryName string, amount core.Money, note string) (core.Expense, error) {
	e := core.Expense{
		UserID:       userID,
		CategoryName: strings.TrimSpace(categoryName),
		Amount:       amount,
		Note:         strings.TrimSpace(note),
	}
	if err := e.Validate(); err != nil {
		return core.Expense{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExpID++
	e.ID = s.nextExpID
	e.CreatedAt = s.now()
	s.expenses = append(s.expenses, e)
	return e, nil
}

func (s *Store) ListForUser(_ context.Context, userID string) ([]core.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Expense
	for _, e := range s.expenses {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ReadSnapshot(_ context.Context, userID string, month core.Month) (store.AllocationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[budgetKey{userID, month}]
	if !ok {
		return store.AllocationState{}, core.ErrBudgetNotFound
	}
	return store.AllocationState{
		Budget:     b,
		Categories: s.listActiveLocked(userID),
		Revision:   s.revisions[userID],
	}, nil
}

func (s *Store) CommitAllocations(_ context.Context, userID string, revision int64, allocations map[string]core.Money) (map[string]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.revisions[userID]; current != revision {
		return nil, fmt.Errorf("commit allocations for %s: read at revision %d, now %d: %w",
			userID, revision, current, core.ErrStaleAllocation)
	}
	now := s.now()
	failed := make(map[string]error)
	for id, amount := range allocations {
		c, ok := s.categories[id]
		if !ok || c.UserID != userID || !c.Active {
			failed[id] = fmt.Errorf("set allocation %s: %w", id, core.ErrCategoryNotFound)
			continue
		}
		c.Allocation = amount
		c.UpdatedAt = now
	}
	return failed, nil
}
