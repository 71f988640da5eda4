// Package services orchestrates the allocation engine over the stores.
//
// This file holds the trigger policies: each event that can cause a
// recalculation maps to a strategy deciding whether the engine has to run.
package services

import (
	"fmt"
	"time"
)

// Trigger names the event that asked for a recalculation.
type Trigger string

const (
	TriggerBudgetChanged   Trigger = "budget_changed"
	TriggerCategorySaved   Trigger = "category_saved"
	TriggerCategoryDeleted Trigger = "category_deleted"
	TriggerExpenseAdded    Trigger = "expense_added"
	TriggerManual          Trigger = "manual"
	TriggerPeriodic        Trigger = "periodic"
)

// TriggerPolicy decides whether a recalculation must run given when the
// user was last recalculated. known is false when no run is on record.
type TriggerPolicy interface {
	ShouldRun(lastRun time.Time, known bool, now time.Time) bool
}

// AlwaysPolicy runs on every event. Used for state changes.
type AlwaysPolicy struct{}

func (AlwaysPolicy) ShouldRun(time.Time, bool, time.Time) bool { return true }

// IntervalPolicy runs when the last run is unknown or at least Interval old.
type IntervalPolicy struct {
	Interval time.Duration
}

func (p IntervalPolicy) ShouldRun(lastRun time.Time, known bool, now time.Time) bool {
	if !known || lastRun.IsZero() {
		return true
	}
	return now.Sub(lastRun) >= p.Interval
}

// DefaultRecalcInterval is the periodic re-check interval.
const DefaultRecalcInterval = 60 * time.Second

// triggerPolicies returns the policy table for a periodic interval.
func triggerPolicies(interval time.Duration) map[Trigger]TriggerPolicy {
	return map[Trigger]TriggerPolicy{
		TriggerBudgetChanged:   AlwaysPolicy{},
		TriggerCategorySaved:   AlwaysPolicy{},
		TriggerCategoryDeleted: AlwaysPolicy{},
		TriggerExpenseAdded:    AlwaysPolicy{},
		TriggerManual:          AlwaysPolicy{},
		TriggerPeriodic:        IntervalPolicy{Interval: interval},
	}
}

func lookupPolicy(policies map[Trigger]TriggerPolicy, t Trigger) (TriggerPolicy, error) {
	p, ok := policies[t]
	if !ok {
		return nil, fmt.Errorf("unknown recalculation trigger: %s", t)
	}
	return p, nil
}
