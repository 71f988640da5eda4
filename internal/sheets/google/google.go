package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"kosbudget/internal/core"
	ports "kosbudget/internal/sheets"
)

var _ ports.SnapshotWriter = (*Client)(nil)

// Options configures the Sheets exporter. Credentials come from
// ServiceAccountJSON, then ServiceAccountFile, then
// GOOGLE_APPLICATION_CREDENTIALS.
type Options struct {
	SpreadsheetID      string
	SheetBase          string
	ServiceAccountJSON string
	ServiceAccountFile string
}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	// Base name without year, e.g. "Allocations"; the snapshot year is prefixed.
	sheetBase string
}

// New creates a Sheets client authenticated with a service account.
func New(ctx context.Context, opts Options) (*Client, error) {
	spreadsheetID := strings.TrimSpace(opts.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	base := strings.TrimSpace(opts.SheetBase)
	if base == "" {
		base = "Allocations"
	}

	svc, err := newSheetsService(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return &Client{svc: svc, spreadsheetID: spreadsheetID, sheetBase: base}, nil
}

func newSheetsService(ctx context.Context, opts Options) (*gsheet.Service, error) {
	inline := strings.TrimSpace(opts.ServiceAccountJSON)
	file := strings.TrimSpace(opts.ServiceAccountFile)
	if inline == "" && file == "" {
		file = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	switch {
	case inline != "":
		slog.InfoContext(ctx, "Using inline service account credentials", "component", "sheets")
		credentialsJSON = []byte(inline)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		slog.InfoContext(ctx, "Read service account credentials", "component", "sheets", "path", file)
		credentialsJSON = data
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return svc, nil
}

// SheetName returns the tab a snapshot for the given year is written to.
func (c *Client) SheetName(year int) string {
	return ports.YearPrefixedName(c.sheetBase, year)
}

// WriteSnapshot appends the snapshot rows below the existing data of the
// year's allocation tab. The header is written when the tab is empty.
func (c *Client) WriteSnapshot(ctx context.Context, s core.Snapshot) (string, error) {
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}
	if strings.TrimSpace(s.UserID) == "" {
		return "", core.ErrEmptyUser
	}

	sheet := c.SheetName(s.Month.Year)
	rows := ports.SnapshotRows(s)

	existing, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, fmt.Sprintf("%s!A1:A1", sheet)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("read %s header: %w", sheet, err)
	}
	if len(existing.Values) == 0 {
		rows = append([][]any{ports.Header}, rows...)
	}

	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, fmt.Sprintf("%s!A:J", sheet),
		&gsheet.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("append snapshot to %s: %w", sheet, err)
	}

	ref := sheet
	if resp.Updates != nil && resp.Updates.UpdatedRange != "" {
		ref = resp.Updates.UpdatedRange
	}

	slog.InfoContext(ctx, "Allocation snapshot exported",
		"component", "sheets",
		"user_id", s.UserID,
		"month", s.Month.String(),
		"rows", len(rows),
		"sheets_ref", ref)

	return ref, nil
}
