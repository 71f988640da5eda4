package sheets

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"kosbudget/internal/allocation"
	"kosbudget/internal/core"
)

// Header is the column layout of an allocation sheet.
var Header = []any{"Taken at", "Month", "User", "Category", "Decision %", "Allocated", "Spent", "Left", "Used %", "Over budget"}

// SnapshotRows flattens a snapshot into one row per category followed by
// a totals row. Amounts are written as decimal strings so the sheet can
// parse them with USER_ENTERED.
func SnapshotRows(s core.Snapshot) [][]any {
	summary := allocation.Summarize(s.Budget, s.Categories)
	taken := s.TakenAt.UTC().Format(time.RFC3339)
	month := s.Month.String()

	rows := make([][]any, 0, len(summary.Lines)+1)
	for _, l := range summary.Lines {
		rows = append(rows, []any{
			taken, month, s.UserID, l.Name,
			strconv.FormatFloat(l.DecisionPercent, 'f', 1, 64),
			l.Allocation.String(), l.Spent.String(), l.Left.String(),
			strconv.FormatFloat(l.UsedPercent, 'f', 1, 64),
			l.OverBudget,
		})
	}
	rows = append(rows, []any{
		taken, month, s.UserID, "Total", "",
		summary.TotalAllocated.String(), summary.TotalSpent.String(), summary.Remaining.String(),
		"", false,
	})
	return rows
}

// YearPrefixedName returns "<year> <base>" unless base already starts with
// a four-digit year.
func YearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}
