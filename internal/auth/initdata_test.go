package auth

import (
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"
)

const testToken = "12345:test-bot-token"

func signedInitData(t *testing.T, token string, fields map[string]string) string {
	t.Helper()
	hash := Sign(fields, token)
	values := url.Values{}
	for key, value := range fields {
		values.Set(key, value)
	}
	values.Set("hash", hash)
	return values.Encode()
}

func baseFields(now time.Time) map[string]string {
	return map[string]string{
		"auth_date": strconv.FormatInt(now.Unix(), 10),
		"user":      `{"id":42,"username":"avery","first_name":"Avery"}`,
		"query_id":  "AAF9tT0aAAAAAH21PRr_",
	}
}

func TestValidateAcceptsSignedPayload(t *testing.T) {
	now := time.Now()
	raw := signedInitData(t, testToken, baseFields(now))

	data, err := Validate(raw, testToken, now)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if data.User == nil || data.User.ID != 42 {
		t.Fatalf("expected user id 42, got %+v", data.User)
	}
	if data.User.Username != "avery" {
		t.Fatalf("expected username avery, got %q", data.User.Username)
	}
	if data.AuthDate.Unix() != now.Unix() {
		t.Fatalf("expected auth date %d, got %d", now.Unix(), data.AuthDate.Unix())
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	now := time.Now()
	raw := signedInitData(t, testToken, baseFields(now))

	for i := 0; i < 5; i++ {
		if _, err := Validate(raw, testToken, now); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}

func TestValidateRejectsMissingHash(t *testing.T) {
	now := time.Now()
	values := url.Values{}
	for key, value := range baseFields(now) {
		values.Set(key, value)
	}

	_, err := Validate(values.Encode(), testToken, now)
	if !errors.Is(err, ErrMissingHash) {
		t.Fatalf("expected ErrMissingHash, got %v", err)
	}
}

func TestValidateRejectsTamperedField(t *testing.T) {
	now := time.Now()
	fields := baseFields(now)
	hash := Sign(fields, testToken)

	fields["user"] = `{"id":43,"username":"avery","first_name":"Avery"}`
	values := url.Values{}
	for key, value := range fields {
		values.Set(key, value)
	}
	values.Set("hash", hash)

	_, err := Validate(values.Encode(), testToken, now)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	now := time.Now()
	raw := signedInitData(t, testToken, baseFields(now))

	_, err := Validate(raw, "54321:other-token", now)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestValidateRejectsExpiredPayload(t *testing.T) {
	now := time.Now()
	fields := baseFields(now.Add(-MaxAge - time.Minute))
	raw := signedInitData(t, testToken, fields)

	_, err := Validate(raw, testToken, now)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired even with a correct signature, got %v", err)
	}
}

func TestValidateRejectsNonNumericAuthDate(t *testing.T) {
	now := time.Now()
	fields := baseFields(now)
	fields["auth_date"] = "yesterday"
	raw := signedInitData(t, testToken, fields)

	_, err := Validate(raw, testToken, now)
	if !errors.Is(err, ErrBadAuthDate) {
		t.Fatalf("expected ErrBadAuthDate, got %v", err)
	}
}

func TestValidateParsesChatBlob(t *testing.T) {
	now := time.Now()
	fields := baseFields(now)
	fields["chat"] = `{"id":-100123,"type":"supergroup","title":"Support"}`
	raw := signedInitData(t, testToken, fields)

	data, err := Validate(raw, testToken, now)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if data.Chat == nil || data.Chat.ID != -100123 {
		t.Fatalf("expected chat id -100123, got %+v", data.Chat)
	}
}

func TestValidateKeepsBlankValues(t *testing.T) {
	now := time.Now()
	fields := baseFields(now)
	fields["start_param"] = ""
	raw := signedInitData(t, testToken, fields)

	if _, err := Validate(raw, testToken, now); err != nil {
		t.Fatalf("blank field must stay part of the check string: %v", err)
	}
}
