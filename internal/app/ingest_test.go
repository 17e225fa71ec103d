package app

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"reportdesk/api/internal/ratelimit"
	"reportdesk/api/internal/store"
	"reportdesk/api/internal/telegram"
)

type formField struct {
	name  string
	value string
}

type formFile struct {
	name        string
	contentType string
	data        []byte
}

// submission builds a multipart stream with fields and files in the given
// order, the way the web form submits them.
func submission(t *testing.T, fields []formField, files []formFile) *multipart.Reader {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, field := range fields {
		if err := writer.WriteField(field.name, field.value); err != nil {
			t.Fatalf("write field %s: %v", field.name, err)
		}
	}
	for _, file := range files {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="files"; filename="%s"`, file.name))
		header.Set("Content-Type", file.contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("create part %s: %v", file.name, err)
		}
		if _, err := part.Write(file.data); err != nil {
			t.Fatalf("write part %s: %v", file.name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return multipart.NewReader(&buf, writer.Boundary())
}

func validFields(t *testing.T, chatID int64, extra ...formField) []formField {
	t.Helper()
	fields := []formField{
		{"initData", signedInitData(t, 7, "alice", chatID)},
		{"user_login", "alice@corp"},
		{"platform", "android"},
		{"platform_version", "14"},
		{"error_time", "2025-03-01T12:30"},
		{"server", "eu-1"},
		{"description", "app crashes on login"},
	}
	return append(fields, extra...)
}

func stagedTempCount(t *testing.T) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "report-*"))
	if err != nil {
		t.Fatalf("glob temp dir: %v", err)
	}
	return len(matches)
}

func TestSubmitTextOnly(t *testing.T) {
	var recordedMessageID int64
	st := &fakeStore{
		createReportFn: func(_ context.Context, r *store.Report) error {
			r.ID = 10
			r.ReportNumber = 4
			return nil
		},
		setMessageIDFn: func(_ context.Context, id, messageID int64) error {
			if id != 10 {
				t.Fatalf("message id recorded for wrong report %d", id)
			}
			recordedMessageID = messageID
			return nil
		},
	}
	chat := &fakeChat{}
	svc := newTestService(st, chat)

	created, err := svc.SubmitReport(context.Background(),
		submission(t, validFields(t, -100200), nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if created.ReportNumber != 4 {
		t.Fatalf("unexpected report number %d", created.ReportNumber)
	}
	if created.ChatID != -100200 {
		t.Fatalf("chat must come from the credential, got %d", created.ChatID)
	}
	if created.ErrorTime != "2025-03-01 12:30" {
		t.Fatalf("error time not normalized: %q", created.ErrorTime)
	}
	if len(chat.messages) != 1 || chat.messages[0].ChatID != -100200 {
		t.Fatalf("expected one delivery to -100200, got %+v", chat.messages)
	}
	if !strings.Contains(chat.messages[0].Text, "Bug Report #4") {
		t.Fatalf("unexpected message text:\n%s", chat.messages[0].Text)
	}
	if recordedMessageID != 100 {
		t.Fatalf("delivered message id not recorded, got %d", recordedMessageID)
	}
}

func TestSubmitCredentialMustPrecedeFiles(t *testing.T) {
	before := stagedTempCount(t)
	svc := newTestService(&fakeStore{}, &fakeChat{})

	_, err := svc.SubmitReport(context.Background(), submission(t, nil,
		[]formFile{{name: "a.png", contentType: "image/png", data: []byte("x")}}))
	if status := domainStatus(t, err); status != 401 {
		t.Fatalf("expected 401, got %d", status)
	}
	if after := stagedTempCount(t); after != before {
		t.Fatalf("staged files leaked: %d -> %d", before, after)
	}
}

func TestSubmitMissingRequiredField(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeChat{})

	fields := []formField{
		{"initData", signedInitData(t, 7, "alice", 0)},
		{"user_login", "alice@corp"},
		{"platform", "android"},
		{"error_time", "now"},
		{"server", "eu-1"},
		// description missing
	}
	_, err := svc.SubmitReport(context.Background(), submission(t, fields, nil))
	if status := domainStatus(t, err); status != 400 {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestSubmitEleventhFileRejected(t *testing.T) {
	before := stagedTempCount(t)
	created := false
	st := &fakeStore{
		createReportFn: func(context.Context, *store.Report) error {
			created = true
			return nil
		},
	}
	svc := newTestService(st, &fakeChat{})

	files := make([]formFile, 11)
	for i := range files {
		files[i] = formFile{
			name:        fmt.Sprintf("shot_%d.png", i),
			contentType: "image/png",
			data:        []byte("img"),
		}
	}
	_, err := svc.SubmitReport(context.Background(),
		submission(t, validFields(t, -100200), files))
	if status := domainStatus(t, err); status != 400 {
		t.Fatalf("expected 400, got %d", status)
	}
	if created {
		t.Fatal("report must not be created")
	}
	if after := stagedTempCount(t); after != before {
		t.Fatalf("staged files leaked: %d -> %d", before, after)
	}
}

func TestSubmitOversizeFileRejectedMidStream(t *testing.T) {
	oldLimit := maxAttachmentSize
	maxAttachmentSize = 16
	t.Cleanup(func() { maxAttachmentSize = oldLimit })

	before := stagedTempCount(t)
	svc := newTestService(&fakeStore{}, &fakeChat{})

	files := []formFile{{
		name:        "huge.bin",
		contentType: "application/octet-stream",
		data:        bytes.Repeat([]byte("x"), 64),
	}}
	_, err := svc.SubmitReport(context.Background(),
		submission(t, validFields(t, -100200), files))
	if status := domainStatus(t, err); status != 400 {
		t.Fatalf("expected 400, got %d", status)
	}
	if after := stagedTempCount(t); after != before {
		t.Fatalf("oversized staging leaked: %d -> %d", before, after)
	}
}

func TestSubmitSinglePhoto(t *testing.T) {
	st := &fakeStore{}
	chat := &fakeChat{}
	svc := newTestService(st, chat)

	files := []formFile{{name: "crash.png", contentType: "image/png", data: []byte("img")}}
	created, err := svc.SubmitReport(context.Background(),
		submission(t, validFields(t, -100200), files))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if created.MediaType == nil || *created.MediaType != telegram.KindPhoto {
		t.Fatalf("media type not recorded: %+v", created.MediaType)
	}
	if len(chat.files) != 1 {
		t.Fatalf("expected one file send, got %d", len(chat.files))
	}
	sent := chat.files[0]
	if sent.File.Kind != telegram.KindPhoto || sent.File.Name != "crash.png" {
		t.Fatalf("unexpected file send: %+v", sent.File)
	}
	if !strings.Contains(sent.Caption, "Bug Report #1") {
		t.Fatalf("caption must carry the report text:\n%s", sent.Caption)
	}
}

func TestSubmitUnsupportedMediaRetriedAsDocument(t *testing.T) {
	chat := &fakeChat{}
	chat.sendFileFn = func(_ context.Context, _ int64, file telegram.InputFile, _ string) (telegram.Message, error) {
		if file.Kind == telegram.KindPhoto {
			return telegram.Message{}, fmt.Errorf("%w: IMAGE_PROCESS_FAILED", telegram.ErrUnsupportedMedia)
		}
		return telegram.Message{MessageID: 200}, nil
	}
	var recordedMessageID int64
	st := &fakeStore{
		setMessageIDFn: func(_ context.Context, _, messageID int64) error {
			recordedMessageID = messageID
			return nil
		},
	}
	svc := newTestService(st, chat)

	files := []formFile{{name: "weird.png", contentType: "image/png", data: []byte("img")}}
	_, err := svc.SubmitReport(context.Background(),
		submission(t, validFields(t, -100200), files))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(chat.files) != 2 {
		t.Fatalf("expected retry, got %d sends", len(chat.files))
	}
	if chat.files[1].File.Kind != telegram.KindDocument {
		t.Fatalf("retry must go out as document, got %s", chat.files[1].File.Kind)
	}
	if recordedMessageID != 200 {
		t.Fatalf("retried message id not recorded, got %d", recordedMessageID)
	}
}

func TestSubmitGroupFallsBackToIndividualDocuments(t *testing.T) {
	chat := &fakeChat{}
	chat.sendMediaGroupFn = func(context.Context, int64, []telegram.GroupItem) ([]telegram.Message, error) {
		return nil, fmt.Errorf("%w: group rejected", telegram.ErrUnsupportedMedia)
	}
	svc := newTestService(&fakeStore{}, chat)

	files := []formFile{
		{name: "a.png", contentType: "image/png", data: []byte("a")},
		{name: "b.mp4", contentType: "video/mp4", data: []byte("b")},
	}
	_, err := svc.SubmitReport(context.Background(),
		submission(t, validFields(t, -100200), files))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(chat.groups) != 1 {
		t.Fatalf("expected one group attempt, got %d", len(chat.groups))
	}
	if len(chat.messages) != 1 {
		t.Fatalf("fallback must send the text separately, got %d messages", len(chat.messages))
	}
	if len(chat.files) != 2 {
		t.Fatalf("fallback must send each attachment, got %d", len(chat.files))
	}
	for _, sent := range chat.files {
		if sent.File.Kind != telegram.KindDocument {
			t.Fatalf("fallback sends must be documents, got %s", sent.File.Kind)
		}
	}
}

func TestSubmitDeliveryFailureKeepsReport(t *testing.T) {
	chat := &fakeChat{}
	chat.sendMessageFn = func(context.Context, int64, string, *telegram.InlineKeyboardMarkup) (telegram.Message, error) {
		return telegram.Message{}, &telegram.APIError{Code: 400, Description: "chat not found"}
	}
	messageIDRecorded := false
	st := &fakeStore{
		setMessageIDFn: func(context.Context, int64, int64) error {
			messageIDRecorded = true
			return nil
		},
	}
	svc := newTestService(st, chat)

	created, err := svc.SubmitReport(context.Background(),
		submission(t, validFields(t, -100200), nil))
	if err != nil {
		t.Fatalf("delivery failure must not fail the submission: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("report must be stored")
	}
	if messageIDRecorded {
		t.Fatal("no message id to record on failed delivery")
	}
}

func TestSubmitChatPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		formChat string
		credChat int64
		want     int64
	}{
		{"explicit form field wins", "-42", -100200, -42},
		{"credential chat next", "", -100200, -100200},
		{"self chat fallback", "", 0, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &fakeStore{}
			svc := newTestService(st, &fakeChat{})

			fields := validFields(t, tc.credChat)
			if tc.formChat != "" {
				fields = append(fields, formField{"chat_id", tc.formChat})
			}
			created, err := svc.SubmitReport(context.Background(),
				submission(t, fields, nil))
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if created.ChatID != tc.want {
				t.Fatalf("expected chat %d, got %d", tc.want, created.ChatID)
			}
		})
	}
}

func TestSubmitErrorTimePassthrough(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeChat{})

	fields := validFields(t, -100200)
	for i := range fields {
		if fields[i].name == "error_time" {
			fields[i].value = "yesterday evening"
		}
	}
	created, err := svc.SubmitReport(context.Background(), submission(t, fields, nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.ErrorTime != "yesterday evening" {
		t.Fatalf("unparsable time must pass through, got %q", created.ErrorTime)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := ratelimit.NewWithClient(client, 1, time.Minute)

	svc := newTestService(&fakeStore{}, &fakeChat{})
	svc.limiter = limiter

	if _, err := svc.SubmitReport(context.Background(),
		submission(t, validFields(t, -100200), nil)); err != nil {
		t.Fatalf("first submission: %v", err)
	}

	_, err := svc.SubmitReport(context.Background(),
		submission(t, validFields(t, -100200), nil))
	if status := domainStatus(t, err); status != 429 {
		t.Fatalf("expected 429, got %d", status)
	}
}
