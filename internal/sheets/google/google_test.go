package google

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"kosbudget/internal/core"
)

func TestNew_MissingSpreadsheetID(t *testing.T) {
	_, err := New(context.Background(), Options{SpreadsheetID: "  "})
	if err == nil || err.Error() != "missing GOOGLE_SPREADSHEET_ID" {
		t.Fatalf("expected missing spreadsheet error, got %v", err)
	}
}

func TestNew_MissingCredentialsFile(t *testing.T) {
	_, err := New(context.Background(), Options{
		SpreadsheetID:      "sheet-id",
		ServiceAccountFile: filepath.Join(t.TempDir(), "absent.json"),
	})
	if err == nil || !strings.Contains(err.Error(), "read service account file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestNew_NoCredentials(t *testing.T) {
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
	_, err := New(context.Background(), Options{SpreadsheetID: "sheet-id"})
	if err == nil || !strings.Contains(err.Error(), "missing service account credentials") {
		t.Fatalf("expected credentials error, got %v", err)
	}
}

func TestClient_SheetName(t *testing.T) {
	c := &Client{sheetBase: "Allocations"}
	if got := c.SheetName(2026); got != "2026 Allocations" {
		t.Fatalf("unexpected sheet name %q", got)
	}
}

func TestClient_WriteSnapshotWithoutService(t *testing.T) {
	c := &Client{spreadsheetID: "test", sheetBase: "Allocations"}
	_, err := c.WriteSnapshot(context.Background(), core.Snapshot{UserID: "u1"})
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("expected uninitialized error, got %v", err)
	}
}
