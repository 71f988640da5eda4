package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kosbudget/internal/allocation"
	"kosbudget/internal/cache"
	"kosbudget/internal/core"
	applog "kosbudget/internal/log"
	"kosbudget/internal/store"
)

// Publisher announces finished recalculations. *amqp.Client satisfies it.
type Publisher interface {
	PublishAllocationRecalculated(ctx context.Context, userID, month string, updated, attempted int) error
}

// Result reports one recalculation pass. Warning is empty on a clean run.
type Result struct {
	Updated   int    `json:"updated"`
	Attempted int    `json:"attempted"`
	Warning   string `json:"warning,omitempty"`
}

// Message is the user-facing summary of the pass.
func (r Result) Message() string {
	msg := fmt.Sprintf("Updated %d of %d categories", r.Updated, r.Attempted)
	if r.Warning != "" {
		msg += ": " + r.Warning
	}
	return msg
}

type RecalculatorConfig struct {
	// Interval is the periodic re-check interval (default 60s).
	Interval time.Duration
	// Concurrency bounds RecalculateAll fan-out (default 4).
	Concurrency int
	// TrackerSize bounds how many users' last-run times are remembered.
	TrackerSize int
}

func DefaultRecalculatorConfig() RecalculatorConfig {
	return RecalculatorConfig{
		Interval:    DefaultRecalcInterval,
		Concurrency: 4,
		TrackerSize: 1024,
	}
}

// maxPassAttempts bounds how often a pass re-reads after its inputs
// changed underneath it.
const maxPassAttempts = 3

// Recalculator is the only writer of category allocations. Passes for the
// same user are serialized within the process. Across processes sharing a
// store.AllocationStore, a pass whose inputs changed after it read them is
// rejected by the store and re-read.
type Recalculator struct {
	budgets     store.BudgetStore
	categories  store.CategoryStore
	allocations store.AllocationStore
	publisher   Publisher
	cfg         RecalculatorConfig
	policies    map[Trigger]TriggerPolicy

	locks   *userLocks
	lastRun *cache.LRUCache[time.Time]
	now     func() time.Time
}

// NewRecalculator wires the engine to its stores. publisher may be nil.
// When budgets also implements store.AllocationStore, inputs are read in one
// consistent snapshot and allocations are committed against its revision.
func NewRecalculator(budgets store.BudgetStore, categories store.CategoryStore, publisher Publisher, cfg RecalculatorConfig) *Recalculator {
	def := DefaultRecalculatorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.TrackerSize <= 0 {
		cfg.TrackerSize = def.TrackerSize
	}

	r := &Recalculator{
		budgets:    budgets,
		categories: categories,
		publisher:  publisher,
		cfg:        cfg,
		policies:   triggerPolicies(cfg.Interval),
		locks:      newUserLocks(),
		lastRun:    cache.NewLRUCache[time.Time](cfg.TrackerSize, cfg.Interval),
		now:        time.Now,
	}
	if as, ok := budgets.(store.AllocationStore); ok {
		r.allocations = as
	}
	return r
}

// WithClock replaces the clock used for months and staleness.
func (r *Recalculator) WithClock(now func() time.Time) *Recalculator {
	r.now = now
	r.lastRun.WithClock(now)
	return r
}

// Tracker exposes the last-run cache so callers can register it for
// periodic cleanup.
func (r *Recalculator) Tracker() *cache.LRUCache[time.Time] {
	return r.lastRun
}

// Recalculate recomputes and persists every active category's allocation
// for the user's current month. It never returns an error: read failures
// and missing budgets skip the pass, write failures are counted.
func (r *Recalculator) Recalculate(ctx context.Context, userID string) Result {
	if userID == "" {
		return Result{Warning: core.ErrEmptyUser.Error()}
	}

	unlock := r.locks.lock(userID)
	defer unlock()

	return r.recalculateLocked(ctx, userID)
}

// Trigger runs a recalculation when the policy for t says so. The bool
// reports whether a pass ran.
func (r *Recalculator) Trigger(ctx context.Context, userID string, t Trigger) (Result, bool) {
	policy, err := lookupPolicy(r.policies, t)
	if err != nil {
		slog.WarnContext(ctx, "Ignoring recalculation trigger",
			applog.FieldComponent, applog.ComponentRecalc,
			applog.FieldUserID, userID,
			applog.FieldError, err)
		return Result{Warning: err.Error()}, false
	}
	if userID == "" {
		return Result{Warning: core.ErrEmptyUser.Error()}, false
	}

	unlock := r.locks.lock(userID)
	defer unlock()

	// Checked under the lock so concurrent periodic triggers collapse into one pass.
	last, known := r.lastRun.Get(userID)
	if !policy.ShouldRun(last, known, r.now()) {
		return Result{}, false
	}
	return r.recalculateLocked(ctx, userID), true
}

// RecalculateIfStale is the periodic liveness check: it recalculates when
// the user's last run is unknown or older than the configured interval.
func (r *Recalculator) RecalculateIfStale(ctx context.Context, userID string) (Result, bool) {
	return r.Trigger(ctx, userID, TriggerPeriodic)
}

// RecalculateAll recalculates each user unconditionally with bounded
// concurrency. Users not reached before ctx is cancelled are omitted.
func (r *Recalculator) RecalculateAll(ctx context.Context, userIDs []string) map[string]Result {
	return r.fanOut(ctx, userIDs, func(ctx context.Context, id string) (Result, bool) {
		return r.Recalculate(ctx, id), true
	})
}

// SweepStale recalculates every user with a budget this month whose last
// run is stale. Only users that were recalculated appear in the result.
func (r *Recalculator) SweepStale(ctx context.Context) (map[string]Result, error) {
	month := core.MonthOf(r.now())
	users, err := r.budgets.ListUsers(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("list users for %s: %w", month, err)
	}
	results := r.fanOut(ctx, users, r.RecalculateIfStale)

	slog.InfoContext(ctx, "Recalculation sweep finished",
		applog.FieldComponent, applog.ComponentRecalc,
		applog.FieldOperation, applog.OpSweep,
		applog.FieldMonth, month.String(),
		"users", len(users),
		"recalculated", len(results))
	return results, nil
}

func (r *Recalculator) fanOut(ctx context.Context, userIDs []string, run func(context.Context, string) (Result, bool)) map[string]Result {
	var (
		mu  sync.Mutex
		out = make(map[string]Result, len(userIDs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, id := range userIDs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, ran := run(gctx, id)
			if ran {
				mu.Lock()
				out[id] = res
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Recalculator) recalculateLocked(ctx context.Context, userID string) Result {
	now := r.now()
	month := core.MonthOf(now)
	logger := slog.With(applog.NewFields().
		WithComponent(applog.ComponentRecalc).
		WithOperation(applog.OpRecalculate).
		WithUser(userID, month.String()).
		ToSlice()...)

	// A pass that got as far as reading counts as a run for staleness.
	defer r.lastRun.Set(userID, now)

	var err error
	for attempt := 1; attempt <= maxPassAttempts; attempt++ {
		var res Result
		if res, err = r.pass(ctx, logger, userID, month); !errors.Is(err, core.ErrStaleAllocation) {
			return res
		}
		logger.InfoContext(ctx, "Allocation inputs changed during the pass, re-reading", "attempt", attempt)
	}
	logger.WarnContext(ctx, "Recalculation abandoned, allocation inputs kept changing", applog.FieldError, err)
	return Result{Warning: "budget or categories kept changing, allocations unchanged"}
}

// pass runs one read, allocate and write cycle. The only error it returns
// is core.ErrStaleAllocation; every other outcome is reported in the Result.
func (r *Recalculator) pass(ctx context.Context, logger *slog.Logger, userID string, month core.Month) (Result, error) {
	state, err := r.read(ctx, userID, month)
	if errors.Is(err, core.ErrBudgetNotFound) {
		logger.InfoContext(ctx, "Recalculation skipped, no budget set")
		return Result{Warning: fmt.Sprintf("no budget set for %s, allocations unchanged", month)}, nil
	}
	if err != nil {
		logger.ErrorContext(ctx, "Recalculation skipped, store read failed", applog.FieldError, err)
		return Result{Warning: fmt.Sprintf("could not read budget and categories: %v", err)}, nil
	}
	if len(state.Categories) == 0 {
		return Result{Warning: "no active categories to allocate"}, nil
	}

	allocations := allocation.Allocate(state.Budget.Amount, state.Categories)
	res := Result{Attempted: len(state.Categories)}

	failed, err := r.write(ctx, userID, state, allocations)
	if errors.Is(err, core.ErrStaleAllocation) {
		return res, err
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to store allocations", applog.FieldError, err)
		res.Warning = "no allocations could be stored"
		return res, nil
	}
	for _, c := range state.Categories {
		if werr, ok := failed[c.ID]; ok {
			logger.ErrorContext(ctx, "Failed to store allocation",
				applog.FieldCategory, c.Name,
				applog.FieldError, werr)
			continue
		}
		res.Updated++
	}

	switch {
	case res.Updated == 0:
		res.Warning = "no allocations could be stored"
	case res.Updated < res.Attempted:
		res.Warning = fmt.Sprintf("%d allocation writes failed", res.Attempted-res.Updated)
	case state.Budget.Amount.IsZero():
		res.Warning = "budget is zero, all allocations are zero"
	}

	fields := applog.NewFields().WithRecalc(res.Updated, res.Attempted)
	fields[applog.FieldBudgetCents] = state.Budget.Amount.Cents
	logger.InfoContext(ctx, "Allocations recalculated", fields.ToSlice()...)

	if res.Updated > 0 {
		r.publish(ctx, userID, month, res)
	}
	return res, nil
}

func (r *Recalculator) read(ctx context.Context, userID string, month core.Month) (store.AllocationState, error) {
	if r.allocations != nil {
		return r.allocations.ReadSnapshot(ctx, userID, month)
	}
	budget, err := r.budgets.GetCurrent(ctx, userID, month)
	if err != nil {
		return store.AllocationState{}, err
	}
	categories, err := r.categories.ListActive(ctx, userID)
	if err != nil {
		return store.AllocationState{}, err
	}
	return store.AllocationState{Budget: budget, Categories: categories}, nil
}

// write reports per-category failures. Without an AllocationStore each
// category is written on its own and no revision is checked.
func (r *Recalculator) write(ctx context.Context, userID string, state store.AllocationState, allocations map[string]core.Money) (map[string]error, error) {
	if r.allocations != nil {
		return r.allocations.CommitAllocations(ctx, userID, state.Revision, allocations)
	}
	failed := make(map[string]error)
	for _, c := range state.Categories {
		if err := r.categories.SetAllocation(ctx, c.ID, allocations[c.ID]); err != nil {
			failed[c.ID] = err
		}
	}
	return failed, nil
}

func (r *Recalculator) publish(ctx context.Context, userID string, month core.Month, res Result) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishAllocationRecalculated(ctx, userID, month.String(), res.Updated, res.Attempted); err != nil {
		// The allocation is already stored; the event is best effort.
		slog.WarnContext(ctx, "Failed to publish allocation event",
			applog.FieldComponent, applog.ComponentRecalc,
			applog.FieldUserID, userID,
			applog.FieldError, err)
	}
}
