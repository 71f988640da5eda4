package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"kosbudget/internal/core"
	"kosbudget/internal/storage/memory"
	"kosbudget/internal/store"
)

var (
	october  = core.Month{Year: 2026, Month: 10}
	fixedNow = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishAllocationRecalculated(ctx context.Context, userID, month string, updated, attempted int) error {
	return m.Called(ctx, userID, month, updated, attempted).Error(0)
}

type mockCategoryStore struct{ mock.Mock }

func (m *mockCategoryStore) ListActive(ctx context.Context, userID string) ([]core.Category, error) {
	args := m.Called(ctx, userID)
	cats, _ := args.Get(0).([]core.Category)
	return cats, args.Error(1)
}

func (m *mockCategoryStore) ListAll(ctx context.Context, userID string) ([]core.Category, error) {
	args := m.Called(ctx, userID)
	cats, _ := args.Get(0).([]core.Category)
	return cats, args.Error(1)
}

func (m *mockCategoryStore) UpsertCategory(ctx context.Context, userID string, in core.CategoryInput) (core.Category, error) {
	args := m.Called(ctx, userID, in)
	return args.Get(0).(core.Category), args.Error(1)
}

func (m *mockCategoryStore) SetAllocation(ctx context.Context, categoryID string, amount core.Money) error {
	return m.Called(ctx, categoryID, amount).Error(0)
}

func (m *mockCategoryStore) SoftDelete(ctx context.Context, userID, name string) error {
	return m.Called(ctx, userID, name).Error(0)
}

// budgetsOnly hides the allocation store so categories are read from and
// written to the category store under test.
type budgetsOnly struct{ store.BudgetStore }

func seeded(t *testing.T, userID string, budgetCents int64, inputs ...core.CategoryInput) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New().WithClock(func() time.Time { return fixedNow })
	if budgetCents >= 0 {
		_, err := s.UpsertBudget(ctx, userID, october, core.Money{Cents: budgetCents})
		require.NoError(t, err)
	}
	for _, in := range inputs {
		_, err := s.UpsertCategory(ctx, userID, in)
		require.NoError(t, err)
	}
	return s
}

func input(name string, p, u, f, i int) core.CategoryInput {
	return core.CategoryInput{Name: name, Priority: p, Urgency: u, Frequency: f, Impact: i}
}

func allocationsByName(t *testing.T, s *memory.Store, userID string) map[string]int64 {
	t.Helper()
	cats, err := s.ListActive(context.Background(), userID)
	require.NoError(t, err)
	out := make(map[string]int64, len(cats))
	for _, c := range cats {
		out[c.Name] = c.Allocation.Cents
	}
	return out
}

func TestRecalculate_FoodAndFun(t *testing.T) {
	s := seeded(t, "u1", 100_000_000, input("Food", 5, 5, 5, 5), input("Fun", 1, 1, 1, 1))
	pub := &mockPublisher{}
	pub.On("PublishAllocationRecalculated", mock.Anything, "u1", "2026-10", 2, 2).Return(nil).Once()

	r := NewRecalculator(s, s, pub, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })
	res := r.Recalculate(context.Background(), "u1")

	assert.Equal(t, Result{Updated: 2, Attempted: 2}, res)
	assert.Equal(t, "Updated 2 of 2 categories", res.Message())
	assert.Equal(t, map[string]int64{"Food": 83_333_333, "Fun": 16_666_667}, allocationsByName(t, s, "u1"))
	pub.AssertExpectations(t)
}

func TestRecalculate_NoBudgetLeavesAllocationsUntouched(t *testing.T) {
	s := seeded(t, "u1", -1, input("Food", 5, 5, 5, 5))
	cats, _ := s.ListActive(context.Background(), "u1")
	require.NoError(t, s.SetAllocation(context.Background(), cats[0].ID, core.Money{Cents: 1234}))

	pub := &mockPublisher{}
	r := NewRecalculator(s, s, pub, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })
	res := r.Recalculate(context.Background(), "u1")

	assert.Zero(t, res.Attempted)
	assert.Contains(t, res.Warning, "no budget set for 2026-10")
	assert.Equal(t, int64(1234), allocationsByName(t, s, "u1")["Food"])
	pub.AssertNotCalled(t, "PublishAllocationRecalculated", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRecalculate_NoCategoriesIsInformational(t *testing.T) {
	s := seeded(t, "u1", 5000)
	r := NewRecalculator(s, s, nil, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })

	res := r.Recalculate(context.Background(), "u1")
	assert.Equal(t, 0, res.Attempted)
	assert.Equal(t, "no active categories to allocate", res.Warning)
}

func TestRecalculate_ZeroBudget(t *testing.T) {
	s := seeded(t, "u1", 0, input("Food", 5, 5, 5, 5))
	r := NewRecalculator(s, s, nil, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })

	res := r.Recalculate(context.Background(), "u1")
	assert.Equal(t, 1, res.Updated)
	assert.Contains(t, res.Warning, "budget is zero")
	assert.Equal(t, int64(0), allocationsByName(t, s, "u1")["Food"])
}

func TestRecalculate_PartialWriteFailure(t *testing.T) {
	budgets := seeded(t, "u1", 30_000)
	cats := []core.Category{
		{ID: "a", UserID: "u1", Name: "A", Priority: 5, Urgency: 5, Frequency: 5, Impact: 5, Active: true},
		{ID: "b", UserID: "u1", Name: "B", Priority: 5, Urgency: 5, Frequency: 5, Impact: 5, Active: true},
		{ID: "c", UserID: "u1", Name: "C", Priority: 5, Urgency: 5, Frequency: 5, Impact: 5, Active: true},
	}

	cs := &mockCategoryStore{}
	cs.On("ListActive", mock.Anything, "u1").Return(cats, nil)
	cs.On("SetAllocation", mock.Anything, "a", core.Money{Cents: 10_000}).Return(nil)
	cs.On("SetAllocation", mock.Anything, "b", core.Money{Cents: 10_000}).Return(errors.New("disk full"))
	cs.On("SetAllocation", mock.Anything, "c", core.Money{Cents: 10_000}).Return(nil)

	pub := &mockPublisher{}
	pub.On("PublishAllocationRecalculated", mock.Anything, "u1", "2026-10", 2, 3).Return(nil)

	r := NewRecalculator(budgetsOnly{budgets}, cs, pub, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })
	res := r.Recalculate(context.Background(), "u1")

	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, "1 allocation writes failed", res.Warning)
	cs.AssertNumberOfCalls(t, "SetAllocation", 3)
	pub.AssertExpectations(t)
}

func TestRecalculate_AllWritesFailIsWarning(t *testing.T) {
	budgets := seeded(t, "u1", 100)
	cs := &mockCategoryStore{}
	cs.On("ListActive", mock.Anything, "u1").Return([]core.Category{
		{ID: "a", Priority: 1, Urgency: 1, Frequency: 1, Impact: 1},
		{ID: "b", Priority: 1, Urgency: 1, Frequency: 1, Impact: 1},
	}, nil)
	cs.On("SetAllocation", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("locked"))

	pub := &mockPublisher{}
	r := NewRecalculator(budgetsOnly{budgets}, cs, pub, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })
	res := r.Recalculate(context.Background(), "u1")

	assert.Equal(t, Result{Updated: 0, Attempted: 2, Warning: "no allocations could be stored"}, res)
	pub.AssertNotCalled(t, "PublishAllocationRecalculated", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRecalculate_ReadFailureSkipsWrites(t *testing.T) {
	budgets := seeded(t, "u1", 100)
	cs := &mockCategoryStore{}
	cs.On("ListActive", mock.Anything, "u1").Return(nil, errors.New("connection reset"))

	r := NewRecalculator(budgetsOnly{budgets}, cs, nil, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })
	res := r.Recalculate(context.Background(), "u1")

	assert.Zero(t, res.Attempted)
	assert.Contains(t, res.Warning, "connection reset")
	cs.AssertNotCalled(t, "SetAllocation", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecalculate_PublishFailureIsNotFatal(t *testing.T) {
	s := seeded(t, "u1", 100, input("Food", 3, 3, 3, 3))
	pub := &mockPublisher{}
	pub.On("PublishAllocationRecalculated", mock.Anything, "u1", "2026-10", 1, 1).Return(errors.New("circuit breaker is open"))

	r := NewRecalculator(s, s, pub, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })
	res := r.Recalculate(context.Background(), "u1")

	assert.Equal(t, Result{Updated: 1, Attempted: 1}, res)
	pub.AssertExpectations(t)
}

func TestRecalculate_EmptyUser(t *testing.T) {
	s := memory.New()
	r := NewRecalculator(s, s, nil, DefaultRecalculatorConfig())
	res := r.Recalculate(context.Background(), "")
	assert.Equal(t, core.ErrEmptyUser.Error(), res.Warning)
}

func TestRecalculate_SoftDeleteRedistributes(t *testing.T) {
	ctx := context.Background()
	s := seeded(t, "u1", 90_000, input("Food", 5, 5, 5, 5), input("Fun", 1, 1, 1, 1))
	r := NewRecalculator(s, s, nil, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })

	r.Recalculate(ctx, "u1")
	require.NoError(t, s.SoftDelete(ctx, "u1", "Fun"))
	res := r.Recalculate(ctx, "u1")

	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, map[string]int64{"Food": 90_000}, allocationsByName(t, s, "u1"))
}

// pausingStore blocks after its first snapshot read until released, so
// another writer can change the inputs in between.
type pausingStore struct {
	*memory.Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (p *pausingStore) ReadSnapshot(ctx context.Context, userID string, month core.Month) (store.AllocationState, error) {
	st, err := p.Store.ReadSnapshot(ctx, userID, month)
	p.once.Do(func() {
		close(p.read)
		<-p.release
	})
	return st, err
}

func TestRecalculate_StalePassFromOtherProcessIsReread(t *testing.T) {
	ctx := context.Background()
	now := func() time.Time { return fixedNow }
	s := seeded(t, "u1", 10_000, input("Food", 5, 5, 5, 5))

	// Two recalculators over one store stand in for the server and the worker.
	ps := &pausingStore{Store: s, read: make(chan struct{}), release: make(chan struct{})}
	worker := NewRecalculator(ps, ps, nil, DefaultRecalculatorConfig()).WithClock(now)
	server := NewPlanner(s, NewRecalculator(s, s, nil, DefaultRecalculatorConfig()).WithClock(now)).WithClock(now)

	done := make(chan Result, 1)
	go func() { done <- worker.Recalculate(ctx, "u1") }()
	<-ps.read

	res, err := server.SetBudget(ctx, "u1", core.Money{Cents: 20_000})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recalc.Updated)
	close(ps.release)

	workerRes := <-done
	assert.Equal(t, Result{Updated: 1, Attempted: 1}, workerRes)
	assert.Equal(t, map[string]int64{"Food": 20_000}, allocationsByName(t, s, "u1"))
}

// churningStore changes the budget after every snapshot read.
type churningStore struct {
	*memory.Store
	reads int
}

func (c *churningStore) ReadSnapshot(ctx context.Context, userID string, month core.Month) (store.AllocationState, error) {
	st, err := c.Store.ReadSnapshot(ctx, userID, month)
	c.reads++
	if _, uerr := c.Store.UpsertBudget(ctx, userID, month, core.Money{Cents: int64(c.reads)}); uerr != nil {
		return store.AllocationState{}, uerr
	}
	return st, err
}

func TestRecalculate_GivesUpWhenInputsKeepChanging(t *testing.T) {
	s := seeded(t, "u1", 10_000, input("Food", 5, 5, 5, 5))
	cs := &churningStore{Store: s}
	pub := &mockPublisher{}
	r := NewRecalculator(cs, cs, pub, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })

	res := r.Recalculate(context.Background(), "u1")

	assert.Equal(t, maxPassAttempts, cs.reads)
	assert.Zero(t, res.Updated)
	assert.Contains(t, res.Warning, "kept changing")
	assert.Equal(t, int64(0), allocationsByName(t, s, "u1")["Food"])
	pub.AssertNotCalled(t, "PublishAllocationRecalculated", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRecalculateIfStale(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: fixedNow}
	s := seeded(t, "u1", 100, input("Food", 3, 3, 3, 3))
	r := NewRecalculator(s, s, nil, RecalculatorConfig{Interval: time.Minute}).WithClock(c.Now)

	_, ran := r.RecalculateIfStale(ctx, "u1")
	assert.True(t, ran, "unknown user is stale")

	_, ran = r.RecalculateIfStale(ctx, "u1")
	assert.False(t, ran, "fresh run should be skipped")

	c.Advance(59 * time.Second)
	_, ran = r.RecalculateIfStale(ctx, "u1")
	assert.False(t, ran)

	c.Advance(time.Second)
	res, ran := r.RecalculateIfStale(ctx, "u1")
	assert.True(t, ran, "run older than the interval is stale")
	assert.Equal(t, 1, res.Updated)
}

func TestTrigger_EventsAlwaysRun(t *testing.T) {
	ctx := context.Background()
	s := seeded(t, "u1", 100, input("Food", 3, 3, 3, 3))
	r := NewRecalculator(s, s, nil, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })

	r.Recalculate(ctx, "u1")
	for _, trig := range []Trigger{TriggerBudgetChanged, TriggerCategorySaved, TriggerCategoryDeleted, TriggerExpenseAdded, TriggerManual} {
		_, ran := r.Trigger(ctx, "u1", trig)
		assert.True(t, ran, "trigger %s should run", trig)
	}

	res, ran := r.Trigger(ctx, "u1", Trigger("nope"))
	assert.False(t, ran)
	assert.Contains(t, res.Warning, "unknown recalculation trigger")
}

// trackingCategories records how many SetAllocation calls overlap.
type trackingCategories struct {
	store.CategoryStore
	inflight int32
	max      int32
}

func (tc *trackingCategories) SetAllocation(ctx context.Context, id string, amount core.Money) error {
	n := atomic.AddInt32(&tc.inflight, 1)
	for {
		m := atomic.LoadInt32(&tc.max)
		if n <= m || atomic.CompareAndSwapInt32(&tc.max, m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	atomic.AddInt32(&tc.inflight, -1)
	return tc.CategoryStore.SetAllocation(ctx, id, amount)
}

func TestRecalculate_SerializedPerUser(t *testing.T) {
	s := seeded(t, "u1", 10_000, input("A", 1, 2, 3, 4), input("B", 4, 3, 2, 1), input("C", 5, 5, 5, 5))
	tc := &trackingCategories{CategoryStore: s}
	r := NewRecalculator(budgetsOnly{s}, tc, nil, DefaultRecalculatorConfig()).WithClock(func() time.Time { return fixedNow })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Recalculate(context.Background(), "u1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&tc.max), "writes for one user must not interleave")
	assert.Equal(t, 0, r.locks.size(), "locks are released after use")
}

func TestRecalculateAll(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	users := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("user-%d", i)
		users = append(users, id)
		_, err := s.UpsertBudget(ctx, id, october, core.Money{Cents: int64(1000 * (i + 1))})
		require.NoError(t, err)
		_, err = s.UpsertCategory(ctx, id, input("Food", 3, 3, 3, 3))
		require.NoError(t, err)
	}

	r := NewRecalculator(s, s, nil, RecalculatorConfig{Concurrency: 2}).WithClock(func() time.Time { return fixedNow })
	results := r.RecalculateAll(ctx, users)

	require.Len(t, results, 6)
	for i, id := range users {
		assert.Equal(t, Result{Updated: 1, Attempted: 1}, results[id])
		assert.Equal(t, int64(1000*(i+1)), allocationsByName(t, s, id)["Food"])
	}
}

func TestRecalculateAll_CancelledContext(t *testing.T) {
	s := memory.New()
	r := NewRecalculator(s, s, nil, DefaultRecalculatorConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Empty(t, r.RecalculateAll(ctx, []string{"a", "b"}))
}

func TestSweepStale(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: fixedNow}
	s := seeded(t, "u1", 100, input("Food", 3, 3, 3, 3))
	_, err := s.UpsertBudget(ctx, "u2", october, core.Money{Cents: 50})
	require.NoError(t, err)
	// Last month's budget owner is not part of this month's sweep.
	_, err = s.UpsertBudget(ctx, "old", core.Month{Year: 2026, Month: 9}, core.Money{Cents: 50})
	require.NoError(t, err)

	r := NewRecalculator(s, s, nil, RecalculatorConfig{Interval: time.Minute}).WithClock(c.Now)

	first, err := r.SweepStale(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	assert.Equal(t, 1, first["u1"].Updated)
	assert.Equal(t, "no active categories to allocate", first["u2"].Warning)

	second, err := r.SweepStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, second, "fresh users are skipped")

	c.Advance(time.Minute)
	third, err := r.SweepStale(ctx)
	require.NoError(t, err)
	assert.Len(t, third, 2)
}
