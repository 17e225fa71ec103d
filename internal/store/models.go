package store

import "time"

// Report statuses. Legacy labels (open/resolved/closed) were folded into
// these by migration 0002 and never appear as live states.
const (
	StatusNew        = "new"
	StatusRevision   = "revision"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusTrash      = "trash"
)

// ValidStatuses is the closed status set.
var ValidStatuses = map[string]struct{}{
	StatusNew:        {},
	StatusRevision:   {},
	StatusInProgress: {},
	StatusCompleted:  {},
	StatusTrash:      {},
}

// AllowedUpdateFields is the closed set of columns that may ever change
// after creation. Identity, chat/user ids, report number and created_at are
// immutable.
var AllowedUpdateFields = map[string]struct{}{
	"user_login":        {},
	"platform":          {},
	"platform_version":  {},
	"error_time":        {},
	"server":            {},
	"subscriber_info":   {},
	"description":       {},
	"media_file_id":     {},
	"media_type":        {},
	"message_id":        {},
	"tracking_id":       {},
	"status":            {},
	"status_comment":    {},
	"status_changed_by": {},
}

type Report struct {
	ID              int64
	ReportNumber    int64
	ChatID          int64
	UserID          int64
	Username        *string
	UserLogin       string
	Platform        string
	PlatformVersion *string
	ErrorTime       string
	Server          string
	SubscriberInfo  *string
	Description     string
	MediaFileID     *string
	MediaType       *string
	MessageID       *int64
	TrackingID      *string
	Status          string
	StatusComment   *string
	StatusChangedBy *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Stats aggregates a chat's reports by status.
type Stats struct {
	Total      int `json:"total"`
	New        int `json:"new"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
}
