// Package search finds reports for admins. Meilisearch is the primary
// backend when configured and healthy; the store's substring query is the
// fallback, so search keeps working with no extra infrastructure.
package search

import (
	"strconv"

	"reportdesk/api/internal/store"
)

// Record is the data indexed per report. NumberText allows exact matches on
// the display number.
type Record struct {
	ID             int64  `json:"id"`
	ChatID         int64  `json:"chat_id"`
	NumberText     string `json:"number_text"`
	UserLogin      string `json:"user_login"`
	Description    string `json:"description"`
	TrackingID     string `json:"tracking_id"`
	SubscriberInfo string `json:"subscriber_info"`
}

// RecordFor builds the index record for a report.
func RecordFor(r store.Report) Record {
	record := Record{
		ID:          r.ID,
		ChatID:      r.ChatID,
		NumberText:  strconv.FormatInt(r.ReportNumber, 10),
		UserLogin:   r.UserLogin,
		Description: r.Description,
	}
	if r.TrackingID != nil {
		record.TrackingID = *r.TrackingID
	}
	if r.SubscriberInfo != nil {
		record.SubscriberInfo = *r.SubscriberInfo
	}
	return record
}

// Query describes a search request, always scoped to one chat.
type Query struct {
	ChatID int64
	Text   string
	Limit  int
	Offset int
}
