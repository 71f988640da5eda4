package sheets

import (
	"context"

	"kosbudget/internal/core"
)

// SnapshotWriter exports a user's allocation snapshot to an external
// spreadsheet and returns a reference to the written range.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, s core.Snapshot) (ref string, err error)
}
