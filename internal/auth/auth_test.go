package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// makeToken builds an unsigned JWT with the given claims. The signature
// segment is garbage on purpose: the gateway never verifies it.
func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return fmt.Sprintf("%s.%s.notasignature", header, base64.RawURLEncoding.EncodeToString(payload))
}

func TestDecode_ValidToken(t *testing.T) {
	token := makeToken(t, map[string]any{
		"sub":   "user-123",
		"email": "u@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	id, err := Decode(token, nil)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if id.UserID != "user-123" || id.Email != "u@example.com" {
		t.Errorf("identity = %+v", id)
	}
	if id.Admin {
		t.Error("Admin = true without admin list entry")
	}
}

func TestDecode_ExpiredToken(t *testing.T) {
	token := makeToken(t, map[string]any{
		"sub": "user-123",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	if _, err := Decode(token, nil); err != ErrExpiredToken {
		t.Fatalf("Decode returned %v, want ErrExpiredToken", err)
	}
}

func TestDecode_NoExpClaimAccepted(t *testing.T) {
	token := makeToken(t, map[string]any{"sub": "user-123"})
	if _, err := Decode(token, nil); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, token := range []string{"", "not-a-jwt", "a.b", "a.!!!.c"} {
		if _, err := Decode(token, nil); err != ErrInvalidToken {
			t.Errorf("Decode(%q) = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestDecode_UserIDClaimFallback(t *testing.T) {
	token := makeToken(t, map[string]any{"userId": "via-custom-claim"})
	id, err := Decode(token, nil)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if id.UserID != "via-custom-claim" {
		t.Errorf("UserID = %q", id.UserID)
	}
}

func TestDecode_AdminByIDOrEmail(t *testing.T) {
	admins := map[string]bool{"admin@example.com": true}
	token := makeToken(t, map[string]any{"sub": "u1", "email": "admin@example.com"})
	id, err := Decode(token, admins)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !id.Admin {
		t.Error("Admin = false, want true for listed email")
	}
}

func TestMiddleware_RejectsAndAccepts(t *testing.T) {
	var captured *Identity
	handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}

	// Expired token.
	w = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, map[string]any{
		"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix(),
	}))
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expired token: status = %d, want 401", w.Code)
	}

	// Valid token.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, map[string]any{
		"sub": "u1", "exp": time.Now().Add(time.Hour).Unix(),
	}))
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", w.Code)
	}
	if captured == nil || captured.UserID != "u1" {
		t.Errorf("identity = %+v, want u1", captured)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}

func TestOptionalMiddleware(t *testing.T) {
	var captured *Identity
	handler := OptionalMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Anonymous requests pass through with no identity.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("anonymous: status = %d, want 200", w.Code)
	}
	if captured != nil {
		t.Errorf("anonymous: identity = %+v, want nil", captured)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}

	// A decodable token still attaches the identity.
	w = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, map[string]any{
		"sub": "u2", "exp": time.Now().Add(time.Hour).Unix(),
	}))
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("with token: status = %d, want 200", w.Code)
	}
	if captured == nil || captured.UserID != "u2" {
		t.Errorf("identity = %+v, want u2", captured)
	}

	// A broken token is ignored rather than rejected.
	captured = nil
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("broken token: status = %d, want 200", w.Code)
	}
	if captured != nil {
		t.Errorf("broken token: identity = %+v, want nil", captured)
	}
}
