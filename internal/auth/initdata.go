// Package auth validates the signed init data that the Telegram WebApp
// attaches to every request. Validation is stateless: the same payload and
// bot token always produce the same outcome.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxAge is how long a signed payload stays valid after its auth_date.
const MaxAge = 24 * time.Hour

// signingLabel is the fixed domain-separation label the platform uses to
// derive the signing key from the bot token.
const signingLabel = "WebAppData"

var (
	ErrMalformed    = errors.New("init data: malformed payload")
	ErrMissingHash  = errors.New("init data: missing hash")
	ErrBadSignature = errors.New("init data: signature mismatch")
	ErrBadAuthDate  = errors.New("init data: invalid auth_date")
	ErrExpired      = errors.New("init data: expired")
)

// User is the identity blob embedded in validated init data.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Chat is the conversation blob embedded when the WebApp is opened from a
// group chat.
type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// InitData is the authenticated result of a successful validation.
type InitData struct {
	User     *User
	Chat     *Chat
	AuthDate time.Time
	Raw      map[string]string
}

// Validate checks the signature and age of raw init data and deserializes
// the embedded user and chat blobs. now is injected for testability.
func Validate(initData, botToken string, now time.Time) (*InitData, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, ErrMalformed
	}

	fields := make(map[string]string, len(values))
	for key := range values {
		fields[key] = values.Get(key)
	}

	received, ok := fields["hash"]
	if !ok || received == "" {
		return nil, ErrMissingHash
	}
	delete(fields, "hash")

	if !hmac.Equal([]byte(checkHash(fields, botToken)), []byte(received)) {
		return nil, ErrBadSignature
	}

	data := &InitData{Raw: fields}

	if raw, ok := fields["auth_date"]; ok {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, ErrBadAuthDate
		}
		data.AuthDate = time.Unix(unix, 0)
		if now.Sub(data.AuthDate) > MaxAge {
			return nil, ErrExpired
		}
	}

	if raw, ok := fields["user"]; ok {
		var user User
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			return nil, ErrMalformed
		}
		data.User = &user
	}

	if raw, ok := fields["chat"]; ok {
		var chat Chat
		if err := json.Unmarshal([]byte(raw), &chat); err != nil {
			return nil, ErrMalformed
		}
		data.Chat = &chat
	}

	return data, nil
}

// checkHash computes the expected signature: HMAC-SHA256 over the remaining
// fields sorted by key and joined as key=value lines, keyed by
// HMAC-SHA256(signingLabel, botToken).
func checkHash(fields map[string]string, botToken string) string {
	lines := make([]string, 0, len(fields))
	for key, value := range fields {
		lines = append(lines, key+"="+value)
	}
	sort.Strings(lines)

	keyMAC := hmac.New(sha256.New, []byte(signingLabel))
	keyMAC.Write([]byte(botToken))
	secret := keyMAC.Sum(nil)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign produces a valid hash for the given fields. It exists for tests and
// local tooling; the server never signs payloads itself.
func Sign(fields map[string]string, botToken string) string {
	return checkHash(fields, botToken)
}
