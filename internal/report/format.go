// Package report renders the canonical report texts posted to the chat.
package report

import (
	"fmt"
	"strings"

	"reportdesk/api/internal/store"
)

var statusLabels = map[string]string{
	store.StatusNew:        "New",
	store.StatusRevision:   "Needs revision",
	store.StatusInProgress: "In progress",
	store.StatusCompleted:  "Completed",
	store.StatusTrash:      "Rejected",
}

// StatusLabel returns the human label for a status, falling back to the raw
// value for anything unknown.
func StatusLabel(status string) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return status
}

// FormatMessage builds the report message delivered to the destination chat
// and kept in sync on every edit.
func FormatMessage(r store.Report) string {
	lines := []string{
		fmt.Sprintf("<b>Bug Report #%d</b>", r.ReportNumber),
		"━━━━━━━━━━━━━━━━━━━━",
		"<b>Login:</b> " + EscapeHTML(r.UserLogin),
		"<b>Platform:</b> " + EscapeHTML(r.Platform),
		"<b>Version:</b> " + EscapeHTML(deref(r.PlatformVersion)),
		"<b>Time:</b> " + EscapeHTML(r.ErrorTime),
		"<b>Server:</b> " + EscapeHTML(r.Server),
	}

	if info := deref(r.SubscriberInfo); info != "" {
		lines = append(lines, "<b>Subscriber:</b> "+EscapeHTML(info))
	}

	lines = append(lines, "", "<b>Description:</b>", EscapeHTML(r.Description), "")

	if username := deref(r.Username); username != "" {
		lines = append(lines, "<b>From:</b> @"+EscapeHTML(username))
	} else {
		lines = append(lines, fmt.Sprintf("<b>From:</b> ID %d", r.UserID))
	}

	return strings.Join(lines, "\n")
}

// FormatStatusNotification is the message sent to the reporter when an admin
// changes the status. Transitions into revision include the comment.
func FormatStatusNotification(r store.Report, newStatus string) string {
	text := fmt.Sprintf("📋 <b>Status of your report #%d changed</b>\n\nNew status: <b>%s</b>",
		r.ReportNumber, StatusLabel(newStatus))
	if newStatus == store.StatusRevision {
		if comment := deref(r.StatusComment); comment != "" {
			text += "\n\n💬 <b>Comment:</b>\n" + EscapeHTML(comment)
		}
	}
	return text
}

// FormatRevisedNotification is the message sent to the requesting admin when
// the owner resolves a revision request.
func FormatRevisedNotification(r store.Report) string {
	from := deref(r.Username)
	if from != "" {
		from = "@" + EscapeHTML(from)
	} else {
		from = fmt.Sprintf("ID %d", r.UserID)
	}
	return fmt.Sprintf("✅ <b>Report #%d was revised</b>\n\nUser %s made changes.",
		r.ReportNumber, from)
}

// EscapeHTML escapes the characters Telegram's HTML parse mode requires.
func EscapeHTML(text string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return replacer.Replace(text)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
