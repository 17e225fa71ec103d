package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"

	"reportdesk/api/internal/report"
	"reportdesk/api/internal/store"
	"reportdesk/api/internal/telegram"
)

// Content fields an owner may edit while the report is still open for them.
var ownerFields = map[string]struct{}{
	"user_login":       {},
	"platform":         {},
	"platform_version": {},
	"error_time":       {},
	"server":           {},
	"subscriber_info":  {},
	"description":      {},
}

// Fields only an admin controls.
var adminFields = map[string]struct{}{
	"tracking_id":    {},
	"status":         {},
	"status_comment": {},
}

// UpdateReport applies a permitted partial update and runs the status
// workflow. changes maps field names to new values as decoded from the
// request body; unknown names fail validation before any write.
func (s *Service) UpdateReport(ctx context.Context, identity Identity, reportID int64, changes map[string]any) error {
	if len(changes) == 0 {
		return domainError(http.StatusBadRequest, "No fields to update")
	}
	for name := range changes {
		_, owner := ownerFields[name]
		_, admin := adminFields[name]
		if !owner && !admin {
			return domainError(http.StatusBadRequest, fmt.Sprintf("Field not editable: %s", name))
		}
	}
	if raw, ok := changes["status"]; ok {
		status, isString := raw.(string)
		if !isString {
			return domainError(http.StatusBadRequest, "Invalid status")
		}
		if _, valid := store.ValidStatuses[status]; !valid {
			return domainError(http.StatusBadRequest, "Invalid status")
		}
	}

	current, err := s.store.GetReport(ctx, reportID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "Report not found")
	}
	if err != nil {
		return fmt.Errorf("get report: %w", err)
	}

	isOwner := current.UserID == identity.UserID
	isAdmin := s.isChatAdmin(ctx, current.ChatID, identity.UserID)
	if !isOwner && !isAdmin {
		return domainError(http.StatusForbidden, "Permission denied")
	}

	// Owners only keep edit rights while the report has not moved past the
	// states they may touch.
	if isOwner && !isAdmin {
		if current.Status != store.StatusNew && current.Status != store.StatusRevision {
			return domainError(http.StatusForbidden, "Editing locked: report status has changed")
		}
		for name := range changes {
			if _, admin := adminFields[name]; admin {
				return domainError(http.StatusForbidden, "Permission denied")
			}
		}
	}

	fields := make(map[string]any, len(changes)+2)
	contentChanged := false
	for name, value := range changes {
		if _, owner := ownerFields[name]; owner {
			fields[name] = value
			contentChanged = true
			continue
		}
		// Admin-only fields: reachable only for admins, owners were
		// rejected above.
		fields[name] = value
	}

	adminChangingStatus := false
	if isAdmin {
		if raw, ok := changes["status"]; ok {
			adminChangingStatus = true
			if raw == store.StatusRevision {
				fields["status_changed_by"] = identity.UserID
			}
		}
	}

	// The owner's corrective edit during a revision request implicitly
	// closes it: status flips back to new and the comment is cleared.
	ownerResolvingRevision := isOwner &&
		current.Status == store.StatusRevision &&
		current.StatusChangedBy != nil &&
		contentChanged &&
		!adminChangingStatus
	if ownerResolvingRevision {
		fields["status"] = store.StatusNew
		fields["status_comment"] = nil
	}

	matched, err := s.store.UpdateReport(ctx, reportID, fields)
	if err != nil {
		if errors.Is(err, store.ErrInvalidField) {
			return domainError(http.StatusBadRequest, "Field not editable")
		}
		return fmt.Errorf("update report: %w", err)
	}
	if !matched {
		return domainError(http.StatusNotFound, "Report not found")
	}

	updated, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return fmt.Errorf("re-read report: %w", err)
	}

	// The update is durable; everything below is best effort.
	s.syncChatMessage(ctx, updated)
	if s.search != nil {
		s.search.IndexReport(updated)
	}

	if newStatus, ok := fields["status"].(string); ok && isAdmin && adminChangingStatus && newStatus != current.Status {
		s.notifyStatusChange(ctx, updated, newStatus)
	}
	if ownerResolvingRevision {
		s.notifyRevised(ctx, updated, *current.StatusChangedBy)
	}

	return nil
}

// notifyStatusChange tells the reporter about an admin-driven status change.
// Transitions into revision carry the comment and an edit deep link.
func (s *Service) notifyStatusChange(ctx context.Context, r store.Report, newStatus string) {
	text := report.FormatStatusNotification(r, newStatus)

	var markup *telegram.InlineKeyboardMarkup
	if newStatus == store.StatusRevision && s.cfg.WebAppURL != "" {
		markup = &telegram.InlineKeyboardMarkup{
			InlineKeyboard: [][]telegram.InlineKeyboardButton{{{
				Text: "✏️ Edit report",
				URL:  fmt.Sprintf("%s?startapp=%d_%d", s.cfg.WebAppURL, r.ChatID, r.ID),
			}}},
		}
	}

	if _, err := s.chat.SendMessage(ctx, r.UserID, text, markup); err != nil {
		log.Printf("telegram: status notification to user %d: %v", r.UserID, err)
	}
}

// notifyRevised tells the admin who requested the revision that the owner
// made changes.
func (s *Service) notifyRevised(ctx context.Context, r store.Report, adminID int64) {
	text := report.FormatRevisedNotification(r)

	var markup *telegram.InlineKeyboardMarkup
	if s.cfg.WebAppURL != "" {
		markup = &telegram.InlineKeyboardMarkup{
			InlineKeyboard: [][]telegram.InlineKeyboardButton{{{
				Text: "📋 Open report",
				URL:  fmt.Sprintf("%s?startapp=admin_%d_%d", s.cfg.WebAppURL, r.ChatID, r.ID),
			}}},
		}
	}

	if _, err := s.chat.SendMessage(ctx, adminID, text, markup); err != nil {
		log.Printf("telegram: revised notification to admin %d: %v", adminID, err)
	}
}
