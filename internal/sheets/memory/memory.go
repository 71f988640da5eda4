package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"kosbudget/internal/core"
	ports "kosbudget/internal/sheets"
)

var _ ports.SnapshotWriter = (*Writer)(nil)

// Writer keeps exported snapshots in memory. Used when no spreadsheet is
// configured and in tests.
type Writer struct {
	mu        sync.Mutex
	snapshots []core.Snapshot
	rows      int
}

func New() *Writer {
	return &Writer{}
}

// WriteSnapshot stores s and returns a synthetic row reference.
func (w *Writer) WriteSnapshot(_ context.Context, s core.Snapshot) (string, error) {
	if strings.TrimSpace(s.UserID) == "" {
		return "", core.ErrEmptyUser
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	start := w.rows + 1
	w.rows += len(ports.SnapshotRows(s))
	w.snapshots = append(w.snapshots, s)
	return fmt.Sprintf("mem:%d-%d", start, w.rows), nil
}

// Snapshots returns a copy of everything written so far.
func (w *Writer) Snapshots() []core.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]core.Snapshot(nil), w.snapshots...)
}
