// Package telegram is the Bot API collaborator: sending and editing the
// report messages, notifications, and the chat-membership lookup. All
// parsing of the platform's error dialect stays inside this package; callers
// see typed errors.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Media kinds the platform distinguishes for single-file sends.
const (
	KindPhoto    = "photo"
	KindVideo    = "video"
	KindDocument = "document"
)

// ErrUnsupportedMedia marks a send the platform rejected as unprocessable
// for the declared media kind. Callers retry such sends as documents.
var ErrUnsupportedMedia = errors.New("telegram: media not processable")

// ChatMigratedError reports that a group was upgraded and messages must go
// to the new chat id.
type ChatMigratedError struct {
	NewChatID int64
}

func (e *ChatMigratedError) Error() string {
	return fmt.Sprintf("telegram: chat migrated to %d", e.NewChatID)
}

// APIError is any other Bot API rejection.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: api error %d: %s", e.Code, e.Description)
}

type Message struct {
	MessageID int64 `json:"message_id"`
}

type ChatMember struct {
	Status string `json:"status"`
}

// IsAdmin reports whether the membership grants elevated rights.
func (m ChatMember) IsAdmin() bool {
	return m.Status == "administrator" || m.Status == "creator"
}

type InlineKeyboardButton struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InputFile is a staged attachment to upload.
type InputFile struct {
	Path     string
	Name     string
	Kind     string
	MimeType string
}

// GroupItem is one entry of a grouped-attachment send. Caption is only
// honored on the first item.
type GroupItem struct {
	File    InputFile
	Caption string
}

type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	sendTimeout time.Duration
}

// New creates a Bot API client. baseURL is the public api.telegram.org or a
// self-hosted Bot API server. sendTimeout bounds attachment uploads; plain
// calls use a much shorter timeout.
func New(baseURL, token string, sendTimeout time.Duration) *Client {
	return &Client{
		httpClient:  &http.Client{},
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		sendTimeout: sendTimeout,
	}
}

const callTimeout = 10 * time.Second

// ClassifyContentType maps a declared content type to a media kind,
// defaulting to document when unrecognized.
func ClassifyContentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return KindPhoto
	case strings.HasPrefix(contentType, "video/"):
		return KindVideo
	default:
		return KindDocument
	}
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}

	var message Message
	if err := c.callJSON(ctx, "sendMessage", payload, &message); err != nil {
		return Message{}, err
	}
	return message, nil
}

// SendFile uploads one attachment as its media kind with the caption.
// Callers decide whether to retry ErrUnsupportedMedia as KindDocument.
func (c *Client) SendFile(ctx context.Context, chatID int64, file InputFile, caption string) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	method, field := methodForKind(file.Kind)
	fields := map[string]string{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"parse_mode": "HTML",
	}
	if caption != "" {
		fields["caption"] = caption
	}

	var message Message
	err := c.callMultipart(ctx, method, fields, map[string]InputFile{field: file}, &message)
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

// SendMediaGroup uploads all items as one grouped message. The platform may
// reject the whole group as unprocessable (ErrUnsupportedMedia); callers
// fall back to individual sends.
func (c *Client) SendMediaGroup(ctx context.Context, chatID int64, items []GroupItem) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	media := make([]map[string]any, 0, len(items))
	files := make(map[string]InputFile, len(items))
	for i, item := range items {
		attach := fmt.Sprintf("file%d", i)
		entry := map[string]any{
			"type":  item.File.Kind,
			"media": "attach://" + attach,
		}
		if item.Caption != "" {
			entry["caption"] = item.Caption
			entry["parse_mode"] = "HTML"
		}
		media = append(media, entry)
		files[attach] = item.File
	}

	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return nil, fmt.Errorf("marshal media group: %w", err)
	}

	fields := map[string]string{
		"chat_id": strconv.FormatInt(chatID, 10),
		"media":   string(mediaJSON),
	}

	var messages []Message
	if err := c.callMultipart(ctx, "sendMediaGroup", fields, files, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	return c.callJSON(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
		"parse_mode": "HTML",
	}, nil)
}

func (c *Client) EditMessageCaption(ctx context.Context, chatID, messageID int64, caption string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	return c.callJSON(ctx, "editMessageCaption", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"caption":    caption,
		"parse_mode": "HTML",
	}, nil)
}

// GetChatMember looks up a user's membership. When the chat has been
// migrated, the lookup is retried once against the new chat id.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (ChatMember, error) {
	member, err := c.getChatMember(ctx, chatID, userID)
	var migrated *ChatMigratedError
	if errors.As(err, &migrated) && migrated.NewChatID != 0 {
		return c.getChatMember(ctx, migrated.NewChatID, userID)
	}
	return member, err
}

func (c *Client) getChatMember(ctx context.Context, chatID, userID int64) (ChatMember, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var member ChatMember
	err := c.callJSON(ctx, "getChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, &member)
	if err != nil {
		return ChatMember{}, err
	}
	return member, nil
}

func methodForKind(kind string) (method, field string) {
	switch kind {
	case KindPhoto:
		return "sendPhoto", "photo"
	case KindVideo:
		return "sendVideo", "video"
	default:
		return "sendDocument", "document"
	}
}

func (c *Client) callJSON(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, method, result)
}

// callMultipart streams the request body through a pipe so large attachments
// are never buffered in memory.
func (c *Client) callMultipart(ctx context.Context, method string, fields map[string]string, files map[string]InputFile, result any) error {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(writer, fields, files)
		if closeErr := writer.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), pr)
	if err != nil {
		return fmt.Errorf("build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return c.do(req, method, result)
}

func writeMultipart(writer *multipart.Writer, fields map[string]string, files map[string]InputFile) error {
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return err
		}
	}
	for name, file := range files {
		src, err := os.Open(file.Path)
		if err != nil {
			return err
		}
		part, err := writer.CreateFormFile(name, file.Name)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(part, src)
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) do(req *http.Request, method string, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Parameters  struct {
			MigrateToChatID int64 `json:"migrate_to_chat_id"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}

	if !envelope.OK {
		return classify(envelope.ErrorCode, envelope.Description, envelope.Parameters.MigrateToChatID)
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// classify turns the platform's error dialect into typed errors.
func classify(code int, description string, migrateTo int64) error {
	lower := strings.ToLower(description)
	if migrateTo != 0 || strings.Contains(lower, "migrated") || strings.Contains(lower, "upgraded") {
		return &ChatMigratedError{NewChatID: migrateTo}
	}
	if strings.Contains(lower, "image_process_failed") || strings.Contains(lower, "wrong file") {
		return fmt.Errorf("%w: %s", ErrUnsupportedMedia, description)
	}
	return &APIError{Code: code, Description: description}
}

func (c *Client) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}
