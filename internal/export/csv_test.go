package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"reportdesk/api/internal/store"
)

func strptr(s string) *string { return &s }

func TestWriteCSVOneRowPerReport(t *testing.T) {
	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	reports := []store.Report{
		{
			ID: 1, ReportNumber: 1, ChatID: -100, UserID: 42,
			UserLogin: "avery", Platform: "iOS", ErrorTime: "2026-08-29 10:00",
			Server: "eu-1", Description: "first", Status: store.StatusNew,
			CreatedAt: created,
		},
		{
			ID: 2, ReportNumber: 2, ChatID: -100, UserID: 43,
			Username: strptr("brook"), UserLogin: "brook", Platform: "Android",
			ErrorTime: "2026-08-29 11:00", Server: "eu-2", Description: "second",
			TrackingID: strptr("TRK-7"), Status: store.StatusCompleted,
			CreatedAt: created,
		},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, reports); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[1][1] != "1" || rows[2][1] != "2" {
		t.Fatalf("rows out of order: %v / %v", rows[1], rows[2])
	}
}

func TestWriteCSVUsesStatusLabels(t *testing.T) {
	reports := []store.Report{
		{ID: 1, ReportNumber: 1, UserLogin: "a", Status: store.StatusTrash, CreatedAt: time.Now()},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, reports); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	statusCol := -1
	for i, name := range rows[0] {
		if name == "Status" {
			statusCol = i
		}
	}
	if statusCol == -1 {
		t.Fatalf("no Status column in header %v", rows[0])
	}
	if rows[1][statusCol] != "Rejected" {
		t.Fatalf("expected label Rejected, got %q", rows[1][statusCol])
	}
}
