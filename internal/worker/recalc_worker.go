package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kosbudget/internal/amqp"
	"kosbudget/internal/cache"
	"kosbudget/internal/core"
	applog "kosbudget/internal/log"
	"kosbudget/internal/services"
	"kosbudget/internal/sheets"
)

// RecalcWorker drives the periodic staleness sweep and exports allocation
// snapshots whenever a user's allocations change.
type RecalcWorker struct {
	recalc  *services.Recalculator
	planner *services.Planner
	writer  sheets.SnapshotWriter
	caches  *cache.Manager

	// exported remembers the newest event exported per user and month, so
	// redelivered or out-of-order events are not written twice.
	exported *cache.LRUCache[time.Time]

	interval time.Duration
	// exportOnSweep exports directly after a sweep. Set when no broker is
	// configured, otherwise the published events trigger the export.
	exportOnSweep bool
}

// Options configures a RecalcWorker.
type Options struct {
	Interval      time.Duration
	ExportOnSweep bool
	// DedupeSize bounds how many user/month export markers are kept.
	DedupeSize int
}

func NewRecalcWorker(recalc *services.Recalculator, planner *services.Planner, writer sheets.SnapshotWriter, opts Options) *RecalcWorker {
	if opts.Interval <= 0 {
		opts.Interval = services.DefaultRecalcInterval
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 1024
	}

	w := &RecalcWorker{
		recalc:        recalc,
		planner:       planner,
		writer:        writer,
		caches:        cache.NewManager(),
		exported:      cache.NewLRUCache[time.Time](opts.DedupeSize, 24*time.Hour),
		interval:      opts.Interval,
		exportOnSweep: opts.ExportOnSweep,
	}
	w.caches.Register(recalc.Tracker())
	w.caches.Register(w.exported)
	return w
}

// HandleAllocationRecalculated exports the user's current snapshot. Events
// for another month than the current one, or older than the last export,
// are acknowledged and skipped.
func (w *RecalcWorker) HandleAllocationRecalculated(ctx context.Context, msg *amqp.AllocationRecalculatedMessage) error {
	logger := slog.With(
		applog.FieldComponent, applog.ComponentWorker,
		applog.FieldUserID, msg.UserID,
		applog.FieldMonth, msg.Month)

	if msg.UserID == "" {
		logger.WarnContext(ctx, "Dropping allocation event without user")
		return nil
	}

	key := msg.UserID + "|" + msg.Month
	if last, ok := w.exported.Get(key); ok && !msg.Timestamp.After(last) {
		logger.DebugContext(ctx, "Skipping already exported allocation event", "timestamp", msg.Timestamp)
		return nil
	}

	logger.InfoContext(ctx, "Processing allocation event",
		applog.FieldUpdated, msg.Updated,
		applog.FieldAttempted, msg.Attempted)

	ref, month, err := w.export(ctx, msg.UserID)
	if errors.Is(err, core.ErrBudgetNotFound) {
		logger.InfoContext(ctx, "No budget for current month, nothing to export")
		return nil
	}
	if err != nil {
		return err
	}
	if month != msg.Month {
		logger.InfoContext(ctx, "Event month differs from current month, exported current state", "current_month", month)
	}

	w.exported.Set(key, msg.Timestamp)
	logger.InfoContext(ctx, "Snapshot exported", applog.FieldSheetsRef, ref)
	return nil
}

// Sweep recalculates every stale user once and returns how many were
// recalculated.
func (w *RecalcWorker) Sweep(ctx context.Context) (int, error) {
	results, err := w.recalc.SweepStale(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep stale users: %w", err)
	}

	if w.exportOnSweep {
		for userID, res := range results {
			if res.Updated == 0 {
				continue
			}
			if _, _, err := w.export(ctx, userID); err != nil && !errors.Is(err, core.ErrBudgetNotFound) {
				slog.ErrorContext(ctx, "Failed to export snapshot after sweep",
					applog.FieldComponent, applog.ComponentWorker,
					applog.FieldUserID, userID,
					applog.FieldError, err)
			}
		}
	}
	return len(results), nil
}

// StartupSweep runs one sweep before the ticker starts, so users are not
// left stale for a full interval after a restart.
func (w *RecalcWorker) StartupSweep(ctx context.Context) error {
	n, err := w.Sweep(ctx)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Startup sweep completed",
		applog.FieldComponent, applog.ComponentWorker,
		"recalculated", n)
	return nil
}

// Run sweeps every interval until ctx is cancelled. Cache cleanup runs
// alongside and stops with it.
func (w *RecalcWorker) Run(ctx context.Context) {
	w.caches.StartCleanup(w.interval * 5)
	defer w.caches.Stop()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "Periodic sweep failed",
					applog.FieldComponent, applog.ComponentWorker,
					applog.FieldOperation, applog.OpSweep,
					applog.FieldError, err)
			}
		}
	}
}

func (w *RecalcWorker) export(ctx context.Context, userID string) (ref, month string, err error) {
	snap, err := w.planner.Snapshot(ctx, userID)
	if err != nil {
		return "", "", err
	}
	ref, err = w.writer.WriteSnapshot(ctx, snap)
	if err != nil {
		return "", snap.Month.String(), fmt.Errorf("write snapshot: %w", err)
	}
	return ref, snap.Month.String(), nil
}
