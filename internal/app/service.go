package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"reportdesk/api/internal/archive"
	"reportdesk/api/internal/auth"
	"reportdesk/api/internal/config"
	"reportdesk/api/internal/export"
	"reportdesk/api/internal/ratelimit"
	"reportdesk/api/internal/report"
	"reportdesk/api/internal/search"
	"reportdesk/api/internal/store"
	"reportdesk/api/internal/telegram"
)

// Identity is the authenticated subject of a request.
type Identity struct {
	UserID   int64
	Username string
	ChatID   int64 // conversation embedded in the credential, 0 if absent
}

type dataStore interface {
	CreateReport(ctx context.Context, r *store.Report) error
	GetReport(ctx context.Context, id int64) (store.Report, error)
	ListUserReports(ctx context.Context, userID, chatID int64, limit, offset int) ([]store.Report, error)
	ListChatReports(ctx context.Context, chatID int64, status string, limit, offset int) ([]store.Report, error)
	ChatStats(ctx context.Context, chatID int64) (store.Stats, error)
	SearchReports(ctx context.Context, chatID int64, text string, limit, offset int) ([]store.Report, error)
	ExportChatReports(ctx context.Context, chatID int64) ([]store.Report, error)
	UpdateReport(ctx context.Context, id int64, fields map[string]any) (bool, error)
	SetMessageID(ctx context.Context, id, messageID int64) error
	Ping(ctx context.Context) error
}

type chatAPI interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) (telegram.Message, error)
	SendFile(ctx context.Context, chatID int64, file telegram.InputFile, caption string) (telegram.Message, error)
	SendMediaGroup(ctx context.Context, chatID int64, items []telegram.GroupItem) ([]telegram.Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	EditMessageCaption(ctx context.Context, chatID, messageID int64, caption string) error
	GetChatMember(ctx context.Context, chatID, userID int64) (telegram.ChatMember, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) ([]store.Report, error)
	IndexReport(r store.Report)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	chat    chatAPI
	search  searcher
	limiter *ratelimit.Limiter
	archive *archive.Archive
	now     func() time.Time
}

func New(cfg config.Config, st dataStore, chat chatAPI, searchSvc searcher, limiter *ratelimit.Limiter, arc *archive.Archive) *Service {
	return &Service{
		cfg:     cfg,
		store:   st,
		chat:    chat,
		search:  searchSvc,
		limiter: limiter,
		archive: arc,
		now:     time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Authenticate validates the signed payload and extracts the identity.
// Every failure maps to 401; the concrete reason is logged, not returned.
func (s *Service) Authenticate(initData string) (Identity, error) {
	data, err := auth.Validate(initData, s.cfg.BotToken, s.now())
	if err != nil {
		log.Printf("auth: rejected init data: %v", err)
		return Identity{}, domainError(http.StatusUnauthorized, "Unauthorized")
	}
	if data.User == nil || data.User.ID == 0 {
		return Identity{}, domainError(http.StatusUnauthorized, "Unauthorized")
	}

	identity := Identity{UserID: data.User.ID, Username: data.User.Username}
	if data.Chat != nil {
		identity.ChatID = data.Chat.ID
	}
	return identity, nil
}

// ListUserReports returns the identity's own reports, newest first, plus a
// has_more flag computed by over-fetching one row.
func (s *Service) ListUserReports(ctx context.Context, identity Identity, chatID int64, limit, offset int) ([]store.Report, bool, error) {
	limit = clampLimit(limit)
	reports, err := s.store.ListUserReports(ctx, identity.UserID, chatID, limit+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("list user reports: %w", err)
	}
	hasMore := len(reports) > limit
	if hasMore {
		reports = reports[:limit]
	}
	return reports, hasMore, nil
}

// ListChatReports is admin-only; membership is re-checked on every call.
func (s *Service) ListChatReports(ctx context.Context, identity Identity, chatID int64, status string, limit, offset int) ([]store.Report, bool, error) {
	if !s.isChatAdmin(ctx, chatID, identity.UserID) {
		return nil, false, domainError(http.StatusForbidden, "Admin access required")
	}
	if status != "" {
		if _, ok := store.ValidStatuses[status]; !ok {
			return nil, false, domainError(http.StatusBadRequest, "Unknown status filter")
		}
	}

	limit = clampLimit(limit)
	reports, err := s.store.ListChatReports(ctx, chatID, status, limit+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("list chat reports: %w", err)
	}
	hasMore := len(reports) > limit
	if hasMore {
		reports = reports[:limit]
	}
	return reports, hasMore, nil
}

func (s *Service) ChatStats(ctx context.Context, chatID int64) (store.Stats, error) {
	return s.store.ChatStats(ctx, chatID)
}

// SearchReports is admin-only substring search within one chat.
func (s *Service) SearchReports(ctx context.Context, identity Identity, chatID int64, query string) ([]store.Report, error) {
	if !s.isChatAdmin(ctx, chatID, identity.UserID) {
		return nil, domainError(http.StatusForbidden, "Admin access required")
	}

	reports, err := s.search.Search(ctx, search.Query{
		ChatID: chatID,
		Text:   query,
		Limit:  50,
	})
	if err != nil {
		return nil, fmt.Errorf("search reports: %w", err)
	}
	return reports, nil
}

// ExportCSV streams the chat's full report list as CSV, admin-only.
func (s *Service) ExportCSV(ctx context.Context, identity Identity, chatID int64, w io.Writer) error {
	if !s.isChatAdmin(ctx, chatID, identity.UserID) {
		return domainError(http.StatusForbidden, "Admin access required")
	}

	reports, err := s.store.ExportChatReports(ctx, chatID)
	if err != nil {
		return fmt.Errorf("export reports: %w", err)
	}
	return export.WriteCSV(w, reports)
}

// GetReport returns one report to its owner or a chat admin.
func (s *Service) GetReport(ctx context.Context, identity Identity, reportID int64) (store.Report, bool, error) {
	r, err := s.store.GetReport(ctx, reportID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Report{}, false, domainError(http.StatusNotFound, "Report not found")
	}
	if err != nil {
		return store.Report{}, false, fmt.Errorf("get report: %w", err)
	}

	isOwner := r.UserID == identity.UserID
	isAdmin := s.isChatAdmin(ctx, r.ChatID, identity.UserID)
	if !isOwner && !isAdmin {
		return store.Report{}, false, domainError(http.StatusForbidden, "Access denied")
	}
	return r, isAdmin, nil
}

// CheckAdmin is the boolean admin probe. It never errors: any failure,
// including a bad credential, reads as "not an admin".
func (s *Service) CheckAdmin(ctx context.Context, initData string, chatID int64) bool {
	identity, err := s.Authenticate(initData)
	if err != nil || chatID == 0 {
		return false
	}
	return s.isChatAdmin(ctx, chatID, identity.UserID)
}

// isChatAdmin resolves admin status via a live membership lookup. Lookup
// failures fail closed.
func (s *Service) isChatAdmin(ctx context.Context, chatID, userID int64) bool {
	member, err := s.chat.GetChatMember(ctx, chatID, userID)
	if err != nil {
		log.Printf("authz: membership lookup chat=%d user=%d: %v", chatID, userID, err)
		return false
	}
	return member.IsAdmin()
}

// syncChatMessage re-renders the delivered message after a field update.
// Best effort: failure is logged and swallowed.
func (s *Service) syncChatMessage(ctx context.Context, r store.Report) {
	if r.MessageID == nil {
		return
	}
	text := report.FormatMessage(r)
	var err error
	if r.MediaType != nil {
		err = s.chat.EditMessageCaption(ctx, r.ChatID, *r.MessageID, text)
	} else {
		err = s.chat.EditMessageText(ctx, r.ChatID, *r.MessageID, text)
	}
	if err != nil {
		log.Printf("telegram: edit report message %d: %v", *r.MessageID, err)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
