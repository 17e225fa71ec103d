package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"reportdesk/api/internal/store"
)

type HTTPServer struct {
	service   *Service
	staticDir string
}

func NewHTTPServer(service *Service, staticDir string) *HTTPServer {
	return &HTTPServer{service: service, staticDir: staticDir}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/" {
		// The form must always be fresh: the WebApp container caches hard.
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		http.ServeFile(w, r, filepath.Join(s.staticDir, "index.html"))
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/static/") {
		http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))).ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost {
		switch r.URL.Path {
		case "/api/report":
			s.handleCreateReport(w, r)
			return
		case "/api/user-reports":
			s.handleUserReports(w, r)
			return
		case "/api/chat-reports":
			s.handleChatReports(w, r)
			return
		case "/api/search-reports":
			s.handleSearchReports(w, r)
			return
		case "/api/export-csv":
			s.handleExportCSV(w, r)
			return
		case "/api/update-report":
			s.handleUpdateReport(w, r)
			return
		case "/api/get-report":
			s.handleGetReport(w, r)
			return
		case "/api/check-admin":
			s.handleCheckAdmin(w, r)
			return
		}
	}

	writeError(w, http.StatusNotFound, "Not found")
}

func (s *HTTPServer) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	form, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Expected multipart form data")
		return
	}

	created, err := s.service.SubmitReport(r.Context(), form)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"report_id":     created.ID,
		"report_number": created.ReportNumber,
	})
}

func (s *HTTPServer) handleUserReports(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InitData string `json:"initData"`
		ChatID   int64  `json:"chat_id"`
		Limit    int    `json:"limit"`
		Offset   int    `json:"offset"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity, err := s.service.Authenticate(body.InitData)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	reports, hasMore, err := s.service.ListUserReports(r.Context(), identity, body.ChatID, body.Limit, body.Offset)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"reports":  reportPayloads(reports, false),
		"has_more": hasMore,
	})
}

func (s *HTTPServer) handleChatReports(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InitData     string `json:"initData"`
		ChatID       int64  `json:"chat_id"`
		Status       string `json:"status"`
		Limit        int    `json:"limit"`
		Offset       int    `json:"offset"`
		IncludeStats bool   `json:"include_stats"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ChatID == 0 {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	identity, err := s.service.Authenticate(body.InitData)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	reports, hasMore, err := s.service.ListChatReports(r.Context(), identity, body.ChatID, body.Status, body.Limit, body.Offset)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	response := map[string]any{
		"success":  true,
		"reports":  reportPayloads(reports, true),
		"has_more": hasMore,
	}
	if body.IncludeStats {
		stats, err := s.service.ChatStats(r.Context(), body.ChatID)
		if err != nil {
			status, message := mapError(err)
			writeError(w, status, message)
			return
		}
		response["stats"] = stats
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleSearchReports(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InitData string `json:"initData"`
		ChatID   int64  `json:"chat_id"`
		Query    string `json:"query"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ChatID == 0 || body.Query == "" {
		writeError(w, http.StatusBadRequest, "chat_id and query are required")
		return
	}

	identity, err := s.service.Authenticate(body.InitData)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	reports, err := s.service.SearchReports(r.Context(), identity, body.ChatID, body.Query)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"reports": reportPayloads(reports, true),
	})
}

func (s *HTTPServer) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InitData string `json:"initData"`
		ChatID   int64  `json:"chat_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ChatID == 0 {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	identity, err := s.service.Authenticate(body.InitData)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="reports_chat_%d.csv"`, body.ChatID))

	if err := s.service.ExportCSV(r.Context(), identity, body.ChatID, w); err != nil {
		// Headers may already be out; degrade to the error envelope anyway.
		w.Header().Del("Content-Disposition")
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}
}

func (s *HTTPServer) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	initData, _ := body["initData"].(string)
	identity, err := s.service.Authenticate(initData)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	reportID, ok := intField(body, "report_id")
	if !ok || reportID <= 0 {
		writeError(w, http.StatusBadRequest, "report_id is required")
		return
	}

	changes := make(map[string]any, len(body))
	for name, value := range body {
		if name == "initData" || name == "report_id" {
			continue
		}
		changes[name] = value
	}

	if err := s.service.UpdateReport(r.Context(), identity, reportID, changes); err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handleGetReport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InitData string `json:"initData"`
		ReportID int64  `json:"report_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ReportID <= 0 {
		writeError(w, http.StatusBadRequest, "report_id is required")
		return
	}

	identity, err := s.service.Authenticate(body.InitData)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	found, isAdmin, err := s.service.GetReport(r.Context(), identity, body.ReportID)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"report":   reportPayload(found, isAdmin),
		"is_admin": isAdmin,
	})
}

// handleCheckAdmin always answers 200: a bad credential simply reads as
// "not an admin".
func (s *HTTPServer) handleCheckAdmin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InitData string `json:"initData"`
		ChatID   int64  `json:"chat_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"is_admin": false})
		return
	}

	isAdmin := s.service.CheckAdmin(r.Context(), body.InitData, body.ChatID)
	writeJSON(w, http.StatusOK, map[string]any{"is_admin": isAdmin})
}

// reportPayload serializes one report. Reporter identity fields are only
// exposed to admins.
func reportPayload(r store.Report, admin bool) map[string]any {
	payload := map[string]any{
		"id":               r.ID,
		"report_number":    r.ReportNumber,
		"chat_id":          r.ChatID,
		"user_login":       r.UserLogin,
		"platform":         r.Platform,
		"platform_version": r.PlatformVersion,
		"error_time":       r.ErrorTime,
		"server":           r.Server,
		"subscriber_info":  r.SubscriberInfo,
		"description":      r.Description,
		"media_type":       r.MediaType,
		"tracking_id":      r.TrackingID,
		"status":           r.Status,
		"status_comment":   r.StatusComment,
		"created_at":       r.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":       r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if admin {
		payload["user_id"] = r.UserID
		payload["username"] = r.Username
	}
	return payload
}

func reportPayloads(reports []store.Report, admin bool) []map[string]any {
	payloads := make([]map[string]any, 0, len(reports))
	for _, r := range reports {
		payloads = append(payloads, reportPayload(r, admin))
	}
	return payloads
}

func intField(body map[string]any, name string) (int64, bool) {
	switch value := body[name].(type) {
	case float64:
		return int64(value), true
	case json.Number:
		parsed, err := value.Int64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// mapError translates service errors into the wire taxonomy. Anything not a
// DomainError is an internal fault: logged in full, reported generically.
func mapError(err error) (int, string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Message
	}
	log.Printf("internal error: %v", err)
	return http.StatusInternalServerError, "Internal server error"
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}
