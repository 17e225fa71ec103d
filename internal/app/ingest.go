package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"reportdesk/api/internal/archive"
	"reportdesk/api/internal/report"
	"reportdesk/api/internal/store"
	"reportdesk/api/internal/telegram"
)

const (
	maxAttachments = 10
	maxFieldSize   = 1 << 20
)

// maxAttachmentSize is enforced while streaming, not after buffering. A var
// so tests can lower it.
var maxAttachmentSize int64 = 500 << 20

// stagedFile is one attachment written to disk during ingestion.
type stagedFile struct {
	path        string
	name        string
	contentType string
	kind        string
}

// SubmitReport streams a multipart submission: form fields and attachments
// in arrival order, no full-body buffering. The signed credential is itself
// a form field and must precede any attachment, so nothing is staged for an
// unauthenticated caller. Staged files are removed on every exit path except
// the local Bot API directory, which that server owns.
func (s *Service) SubmitReport(ctx context.Context, form *multipart.Reader) (store.Report, error) {
	var (
		identity      Identity
		authenticated bool
		fields        = map[string]string{}
		staged        []stagedFile
		handedOff     bool
	)
	defer func() {
		if !handedOff {
			s.removeStaged(staged)
		}
	}()

	for {
		part, err := form.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return store.Report{}, s.streamError(ctx, err)
		}

		if part.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
			part.Close()
			if err != nil {
				return store.Report{}, s.streamError(ctx, err)
			}
			name := part.FormName()
			fields[name] = string(value)

			if name == "initData" {
				identity, err = s.Authenticate(fields[name])
				if err != nil {
					return store.Report{}, err
				}
				authenticated = true
				if !s.limiter.Allow(ctx, identity.UserID) {
					return store.Report{}, domainError(http.StatusTooManyRequests, "Too many submissions, try again later")
				}
			}
			continue
		}

		if !authenticated {
			part.Close()
			return store.Report{}, domainError(http.StatusUnauthorized, "Unauthorized")
		}
		if len(staged) == maxAttachments {
			part.Close()
			return store.Report{}, domainError(http.StatusBadRequest,
				fmt.Sprintf("Too many attachments (max %d)", maxAttachments))
		}

		file, err := s.stagePart(ctx, part)
		part.Close()
		if err != nil {
			return store.Report{}, err
		}
		staged = append(staged, file)
	}

	if !authenticated {
		return store.Report{}, domainError(http.StatusUnauthorized, "Unauthorized")
	}

	r, err := buildReport(identity, fields, staged)
	if err != nil {
		return store.Report{}, err
	}

	if err := s.store.CreateReport(ctx, &r); err != nil {
		return store.Report{}, fmt.Errorf("create report: %w", err)
	}

	// The report is durable; delivery and everything after it is best effort.
	messageID := s.deliver(ctx, r, staged)
	if messageID != 0 {
		if err := s.store.SetMessageID(ctx, r.ID, messageID); err != nil {
			log.Printf("ingest: record message id for report %d: %v", r.ID, err)
		} else {
			r.MessageID = &messageID
		}
	}

	if s.search != nil {
		s.search.IndexReport(r)
	}

	if len(staged) > 0 && s.archive != nil {
		handedOff = true
		go s.archiveAndClean(r, staged)
	}

	return r, nil
}

// stagePart copies one attachment to a unique location, enforcing the size
// cap while copying. In local Bot API mode the file goes under the server's
// managed directory; otherwise into the OS temp dir.
func (s *Service) stagePart(ctx context.Context, part *multipart.Part) (stagedFile, error) {
	name := filepath.Base(part.FileName())
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "attachment"
	}
	contentType := part.Header.Get("Content-Type")

	var (
		dst *os.File
		err error
	)
	if s.cfg.TelegramLocal {
		if err := os.MkdirAll(s.cfg.LocalFilesDir, 0o755); err != nil {
			return stagedFile{}, fmt.Errorf("create staging dir: %w", err)
		}
		dst, err = os.Create(filepath.Join(s.cfg.LocalFilesDir, uuid.NewString()+"_"+name))
	} else {
		dst, err = os.CreateTemp("", "report-*-"+name)
	}
	if err != nil {
		return stagedFile{}, fmt.Errorf("stage attachment: %w", err)
	}

	written, err := io.Copy(dst, io.LimitReader(part, maxAttachmentSize+1))
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst.Name())
		return stagedFile{}, s.streamError(ctx, err)
	}
	if written > maxAttachmentSize {
		os.Remove(dst.Name())
		return stagedFile{}, domainError(http.StatusBadRequest,
			fmt.Sprintf("Attachment %s exceeds the size limit", name))
	}

	return stagedFile{
		path:        dst.Name(),
		name:        name,
		contentType: contentType,
		kind:        telegram.ClassifyContentType(contentType),
	}, nil
}

// buildReport validates the form fields and assembles the report row.
func buildReport(identity Identity, fields map[string]string, staged []stagedFile) (store.Report, error) {
	for _, required := range []string{"user_login", "platform", "error_time", "server", "description"} {
		if strings.TrimSpace(fields[required]) == "" {
			return store.Report{}, domainError(http.StatusBadRequest, "Missing required field: "+required)
		}
	}

	r := store.Report{
		ChatID:      destinationChat(identity, fields["chat_id"]),
		UserID:      identity.UserID,
		UserLogin:   fields["user_login"],
		Platform:    fields["platform"],
		ErrorTime:   normalizeErrorTime(fields["error_time"]),
		Server:      fields["server"],
		Description: fields["description"],
		Status:      store.StatusNew,
	}
	if identity.Username != "" {
		username := identity.Username
		r.Username = &username
	}
	if v := fields["platform_version"]; v != "" {
		r.PlatformVersion = &v
	}
	if v := fields["subscriber_info"]; v != "" {
		r.SubscriberInfo = &v
	}
	if len(staged) > 0 {
		kind := staged[0].kind
		r.MediaType = &kind
	}
	return r, nil
}

// destinationChat picks the target conversation: explicit form field, then
// the chat embedded in the credential, then the reporter's own chat.
func destinationChat(identity Identity, formValue string) int64 {
	if formValue != "" {
		if chatID, err := strconv.ParseInt(formValue, 10, 64); err == nil && chatID != 0 {
			return chatID
		}
	}
	if identity.ChatID != 0 {
		return identity.ChatID
	}
	return identity.UserID
}

// normalizeErrorTime reformats a parseable timestamp as "YYYY-MM-DD HH:MM"
// and passes anything else through untouched.
func normalizeErrorTime(value string) string {
	value = strings.TrimSpace(value)
	for _, layout := range []string{
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("2006-01-02 15:04")
		}
	}
	return value
}

// deliver posts the report into the destination chat and returns the
// delivered message id, or 0 when delivery failed. Failures never undo the
// stored report.
func (s *Service) deliver(ctx context.Context, r store.Report, staged []stagedFile) int64 {
	text := report.FormatMessage(r)

	switch len(staged) {
	case 0:
		message, err := s.chat.SendMessage(ctx, r.ChatID, text, nil)
		if err != nil {
			log.Printf("ingest: deliver report %d: %v", r.ID, err)
			return 0
		}
		return message.MessageID

	case 1:
		return s.deliverSingle(ctx, r, staged[0], text)

	default:
		return s.deliverGroup(ctx, r, staged, text)
	}
}

func (s *Service) deliverSingle(ctx context.Context, r store.Report, file stagedFile, caption string) int64 {
	input := telegram.InputFile{
		Path:     file.path,
		Name:     file.name,
		Kind:     file.kind,
		MimeType: file.contentType,
	}

	message, err := s.chat.SendFile(ctx, r.ChatID, input, caption)
	if errors.Is(err, telegram.ErrUnsupportedMedia) && input.Kind != telegram.KindDocument {
		input.Kind = telegram.KindDocument
		message, err = s.chat.SendFile(ctx, r.ChatID, input, caption)
	}
	if err != nil {
		log.Printf("ingest: deliver report %d attachment: %v", r.ID, err)
		return 0
	}
	return message.MessageID
}

// deliverGroup attempts one grouped send; if the platform rejects the group
// as unprocessable, the text goes out alone and each attachment follows as
// an individual document, best effort.
func (s *Service) deliverGroup(ctx context.Context, r store.Report, staged []stagedFile, caption string) int64 {
	items := make([]telegram.GroupItem, 0, len(staged))
	for i, file := range staged {
		item := telegram.GroupItem{File: telegram.InputFile{
			Path:     file.path,
			Name:     file.name,
			Kind:     file.kind,
			MimeType: file.contentType,
		}}
		if i == 0 {
			item.Caption = caption
		}
		items = append(items, item)
	}

	messages, err := s.chat.SendMediaGroup(ctx, r.ChatID, items)
	if err == nil && len(messages) > 0 {
		return messages[0].MessageID
	}
	if !errors.Is(err, telegram.ErrUnsupportedMedia) {
		log.Printf("ingest: deliver report %d group: %v", r.ID, err)
		return 0
	}

	message, sendErr := s.chat.SendMessage(ctx, r.ChatID, caption, nil)
	if sendErr != nil {
		log.Printf("ingest: deliver report %d fallback text: %v", r.ID, sendErr)
		return 0
	}
	for _, file := range staged {
		input := telegram.InputFile{
			Path:     file.path,
			Name:     file.name,
			Kind:     telegram.KindDocument,
			MimeType: file.contentType,
		}
		if _, err := s.chat.SendFile(ctx, r.ChatID, input, ""); err != nil {
			log.Printf("ingest: deliver report %d attachment %s: %v", r.ID, file.name, err)
		}
	}
	return message.MessageID
}

// archiveAndClean copies the staged attachments into the archive bucket and
// then releases them. Runs detached from the request.
func (s *Service) archiveAndClean(r store.Report, staged []stagedFile) {
	ctx := context.Background()
	for i, file := range staged {
		objectName := archive.ObjectName(r.ChatID, r.ReportNumber, i+1, file.name)
		s.archive.StoreFile(ctx, objectName, file.path, file.contentType)
	}
	s.removeStaged(staged)
}

// removeStaged deletes staged temp files. Local Bot API files stay: that
// directory belongs to the local server.
func (s *Service) removeStaged(staged []stagedFile) {
	if s.cfg.TelegramLocal {
		return
	}
	for _, file := range staged {
		if err := os.Remove(file.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("ingest: remove staged file %s: %v", file.path, err)
		}
	}
}

// streamError classifies a failure while reading the request body: a client
// that went away is reported distinctly from a server fault.
func (s *Service) streamError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return domainError(StatusClientClosedRequest, "Client disconnected during upload")
	}
	return fmt.Errorf("read multipart stream: %w", err)
}
