// Package export renders report collections as CSV for admins.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"reportdesk/api/internal/report"
	"reportdesk/api/internal/store"
)

var header = []string{
	"ID", "Number", "Login", "Platform", "Version",
	"Error time", "Server", "Subscriber",
	"Description", "Tracking ID", "Status", "Created at",
	"Username", "User ID",
}

// WriteCSV writes one row per report in the given order. The status column
// carries the human label, not the raw enum value.
func WriteCSV(w io.Writer, reports []store.Report) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, r := range reports {
		row := []string{
			fmt.Sprintf("%d", r.ID),
			fmt.Sprintf("%d", r.ReportNumber),
			r.UserLogin,
			r.Platform,
			strOrEmpty(r.PlatformVersion),
			r.ErrorTime,
			r.Server,
			strOrEmpty(r.SubscriberInfo),
			r.Description,
			strOrEmpty(r.TrackingID),
			report.StatusLabel(r.Status),
			r.CreatedAt.Format(time.RFC3339),
			strOrEmpty(r.Username),
			fmt.Sprintf("%d", r.UserID),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
