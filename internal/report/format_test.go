package report

import (
	"strings"
	"testing"

	"reportdesk/api/internal/store"
)

func strptr(s string) *string { return &s }

func sampleReport() store.Report {
	return store.Report{
		ID:           1,
		ReportNumber: 7,
		ChatID:       -100,
		UserID:       42,
		Username:     strptr("avery"),
		UserLogin:    "avery@corp",
		Platform:     "Android",
		PlatformVersion: strptr("14"),
		ErrorTime:    "2026-08-30 14:15",
		Server:       "eu-1",
		Description:  "App crashes on login",
		Status:       store.StatusNew,
	}
}

func TestFormatMessageContainsFields(t *testing.T) {
	text := FormatMessage(sampleReport())

	for _, want := range []string{
		"<b>Bug Report #7</b>",
		"<b>Login:</b> avery@corp",
		"<b>Platform:</b> Android",
		"<b>Version:</b> 14",
		"<b>Server:</b> eu-1",
		"App crashes on login",
		"<b>From:</b> @avery",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("message missing %q:\n%s", want, text)
		}
	}
}

func TestFormatMessageEscapesHTML(t *testing.T) {
	r := sampleReport()
	r.Description = "crash when <input> & submit"

	text := FormatMessage(r)
	if !strings.Contains(text, "crash when &lt;input&gt; &amp; submit") {
		t.Fatalf("description not escaped:\n%s", text)
	}
	if strings.Contains(text, "<input>") {
		t.Fatalf("raw markup leaked:\n%s", text)
	}
}

func TestFormatMessageFallsBackToUserID(t *testing.T) {
	r := sampleReport()
	r.Username = nil

	text := FormatMessage(r)
	if !strings.Contains(text, "<b>From:</b> ID 42") {
		t.Fatalf("expected user id fallback:\n%s", text)
	}
}

func TestFormatMessageSkipsEmptySubscriber(t *testing.T) {
	text := FormatMessage(sampleReport())
	if strings.Contains(text, "Subscriber") {
		t.Fatalf("subscriber line should be absent:\n%s", text)
	}

	r := sampleReport()
	r.SubscriberInfo = strptr("ACC-991")
	text = FormatMessage(r)
	if !strings.Contains(text, "<b>Subscriber:</b> ACC-991") {
		t.Fatalf("subscriber line missing:\n%s", text)
	}
}

func TestFormatStatusNotificationIncludesRevisionComment(t *testing.T) {
	r := sampleReport()
	r.StatusComment = strptr("need logs")

	text := FormatStatusNotification(r, store.StatusRevision)
	if !strings.Contains(text, "need logs") {
		t.Fatalf("revision comment missing:\n%s", text)
	}
	if !strings.Contains(text, StatusLabel(store.StatusRevision)) {
		t.Fatalf("status label missing:\n%s", text)
	}

	text = FormatStatusNotification(r, store.StatusCompleted)
	if strings.Contains(text, "need logs") {
		t.Fatalf("comment must only appear for revision:\n%s", text)
	}
}

func TestStatusLabelFallsBackToRawValue(t *testing.T) {
	if got := StatusLabel("weird"); got != "weird" {
		t.Fatalf("expected raw fallback, got %q", got)
	}
	if got := StatusLabel(store.StatusTrash); got != "Rejected" {
		t.Fatalf("expected Rejected, got %q", got)
	}
}
