package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benvon/sessiongate/internal/autherr"
	"github.com/benvon/sessiongate/internal/models"
	"github.com/benvon/sessiongate/internal/request"
	"github.com/benvon/sessiongate/internal/services/oidc"
)

var cookieSecret = []byte(strings.Repeat("c", 32))

type callbackCall struct {
	code, state, expected, clientIP string
}

type fakeLogins struct {
	mu        sync.Mutex
	beginErr  error
	err       error
	calls     []callbackCall
	abandoned []callbackCall
}

func (f *fakeLogins) BeginLogin(context.Context) (*oidc.LoginRedirect, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &oidc.LoginRedirect{
		URL:   "https://idp.example.com/authorize?state=abc123",
		State: "abc123",
	}, nil
}

func (f *fakeLogins) HandleCallback(ctx context.Context, code, state, expected string) (*models.SessionToken, error) {
	f.mu.Lock()
	f.calls = append(f.calls, callbackCall{code, state, expected, request.ClientIPFromContext(ctx)})
	f.mu.Unlock()

	if expected == "" || state != expected {
		return nil, autherr.Errorf(autherr.InvalidState, "state mismatch")
	}
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now().UTC().Truncate(time.Second)
	return &models.SessionToken{
		Token:     "signed.session.token",
		ID:        "jti-1",
		Subject:   "u1",
		IssuedAt:  now,
		ExpiresAt: now.Add(15 * time.Minute),
	}, nil
}

func (f *fakeLogins) AbandonLogin(_ context.Context, state, expected string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, callbackCall{state: state, expected: expected})
	if expected == "" || state != expected {
		return autherr.Errorf(autherr.InvalidState, "state mismatch")
	}
	return nil
}

func (f *fakeLogins) lastCall(t *testing.T) callbackCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("Expected HandleCallback to be called")
	}
	return f.calls[len(f.calls)-1]
}

func loginCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == LoginCookieName {
			return c
		}
	}
	t.Fatalf("Expected %s cookie to be set", LoginCookieName)
	return nil
}

func startLogin(t *testing.T, h *AuthHandler) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	h.Login(w, httptest.NewRequest("GET", "/api/v1/auth/oidc/login", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Login status = %d", w.Code)
	}
	return loginCookie(t, w)
}

func callback(h *AuthHandler, query string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/api/v1/auth/oidc/callback?"+query, nil)
	req.RemoteAddr = "192.0.2.10:5555"
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	h.Callback(w, req)
	return w
}

func TestAuthHandler_Login(t *testing.T) {
	t.Parallel()

	h := NewAuthHandler(&fakeLogins{}, cookieSecret, WithLoginCookieMaxAge(10*time.Minute))
	w := httptest.NewRecorder()
	h.Login(w, httptest.NewRequest("GET", "/api/v1/auth/oidc/login", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	cookie := loginCookie(t, w)
	if !cookie.HttpOnly || !cookie.Secure {
		t.Errorf("cookie flags HttpOnly=%v Secure=%v", cookie.HttpOnly, cookie.Secure)
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", cookie.SameSite)
	}
	if cookie.Path != "/api/v1/auth/oidc" || cookie.MaxAge != 600 {
		t.Errorf("cookie Path=%q MaxAge=%d", cookie.Path, cookie.MaxAge)
	}
	if strings.Contains(cookie.Value, "abc123") {
		t.Error("Expected cookie value to be encoded")
	}

	body := decodeEnvelope(t, w)
	data, _ := body["data"].(map[string]any)
	if data["state"] != "abc123" || data["redirect_url"] != "https://idp.example.com/authorize?state=abc123" {
		t.Errorf("data = %v", data)
	}
}

func TestAuthHandler_LoginRedirect(t *testing.T) {
	t.Parallel()

	h := NewAuthHandler(&fakeLogins{}, cookieSecret)
	w := httptest.NewRecorder()
	h.Login(w, httptest.NewRequest("GET", "/api/v1/auth/oidc/login?redirect=true", nil))

	if w.Code != http.StatusFound {
		t.Fatalf("Expected status 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://idp.example.com/authorize?state=abc123" {
		t.Errorf("Location = %q", loc)
	}
	loginCookie(t, w)
}

func TestAuthHandler_LoginUnavailable(t *testing.T) {
	t.Parallel()

	h := NewAuthHandler(&fakeLogins{beginErr: autherr.Errorf(autherr.StoreUnavailable, "redis down")}, cookieSecret)
	w := httptest.NewRecorder()
	h.Login(w, httptest.NewRequest("GET", "/api/v1/auth/oidc/login", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "redis") {
		t.Error("Expected cause not to leak to the client")
	}
}

func TestAuthHandler_Callback(t *testing.T) {
	t.Parallel()

	logins := &fakeLogins{}
	h := NewAuthHandler(logins, cookieSecret)
	cookie := startLogin(t, h)

	w := callback(h, "code=c1&state=abc123", cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	call := logins.lastCall(t)
	if call.code != "c1" || call.state != "abc123" || call.expected != "abc123" {
		t.Errorf("callback call = %+v", call)
	}
	if call.clientIP != "192.0.2.10" {
		t.Errorf("client IP in context = %q", call.clientIP)
	}

	if cleared := loginCookie(t, w); cleared.MaxAge >= 0 {
		t.Errorf("Expected login cookie to be cleared, MaxAge = %d", cleared.MaxAge)
	}

	body := decodeEnvelope(t, w)
	data, _ := body["data"].(map[string]any)
	if data["token"] != "signed.session.token" || data["token_type"] != "Bearer" {
		t.Errorf("data = %v", data)
	}
	if in, _ := data["expires_in"].(float64); in <= 0 || in > 900 {
		t.Errorf("expires_in = %v", data["expires_in"])
	}
}

func TestAuthHandler_CallbackStateBinding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cookie func(t *testing.T, h *AuthHandler) *http.Cookie
	}{
		{"no cookie", func(*testing.T, *AuthHandler) *http.Cookie { return nil }},
		{"tampered cookie", func(t *testing.T, h *AuthHandler) *http.Cookie {
			c := startLogin(t, h)
			c.Value = strings.ToUpper(c.Value)
			return c
		}},
		{"cookie signed with another secret", func(t *testing.T, _ *AuthHandler) *http.Cookie {
			return startLogin(t, NewAuthHandler(&fakeLogins{}, []byte(strings.Repeat("z", 32))))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logins := &fakeLogins{}
			h := NewAuthHandler(logins, cookieSecret)
			w := callback(h, "code=c1&state=abc123", tt.cookie(t, h))

			if w.Code != http.StatusUnauthorized {
				t.Errorf("Expected status 401, got %d", w.Code)
			}
			if call := logins.lastCall(t); call.expected != "" {
				t.Errorf("expected state = %q, want empty", call.expected)
			}
		})
	}
}

func TestAuthHandler_CallbackFailuresAreGeneric(t *testing.T) {
	t.Parallel()

	kinds := []error{
		autherr.Errorf(autherr.ProviderRejected, "bad client"),
		autherr.Errorf(autherr.InvalidIdentityToken, "wrong audience"),
		autherr.Errorf(autherr.CodeAlreadyUsed, "invalid_grant"),
		autherr.Errorf(autherr.ProviderTimeout, "deadline"),
		autherr.Errorf(autherr.StoreUnavailable, "db down"),
		errors.New("signer broken"),
	}

	var bodies []map[string]any
	for _, kind := range kinds {
		h := NewAuthHandler(&fakeLogins{err: kind}, cookieSecret)
		w := callback(h, "code=c1&state=abc123", startLogin(t, h))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%v: status %d, want 401", kind, w.Code)
		}
		var body map[string]any
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		delete(body, "timestamp")
		bodies = append(bodies, body)
	}

	for i, body := range bodies {
		if body["error"] != "login_failed" || body["message"] != "Login failed" {
			t.Errorf("%v: body = %v", kinds[i], body)
		}
	}
}

func TestAuthHandler_CallbackProviderError(t *testing.T) {
	t.Parallel()

	logins := &fakeLogins{}
	h := NewAuthHandler(logins, cookieSecret)
	w := callback(h, "error=access_denied&error_description=user+cancelled&state=abc123", startLogin(t, h))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
	if len(logins.calls) != 0 {
		t.Error("Expected no exchange when the provider returned an error")
	}
	if len(logins.abandoned) != 1 {
		t.Fatalf("abandoned logins = %d, want 1", len(logins.abandoned))
	}
	if got := logins.abandoned[0]; got.state != "abc123" || got.expected != "abc123" {
		t.Errorf("abandoned = %+v, want the bound state", got)
	}
	if cleared := loginCookie(t, w); cleared.MaxAge >= 0 {
		t.Errorf("Expected login cookie to be cleared, MaxAge = %d", cleared.MaxAge)
	}
}

func TestAuthHandler_Me(t *testing.T) {
	t.Parallel()

	h := NewAuthHandler(&fakeLogins{}, cookieSecret)
	now := time.Now().UTC().Truncate(time.Second)
	session := &models.SessionToken{Subject: "u1", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}

	req := httptest.NewRequest("GET", "/api/v1/auth/me", nil)
	w := httptest.NewRecorder()
	h.Me(w, req.WithContext(request.WithSession(req.Context(), session)))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	data, _ := decodeEnvelope(t, w)["data"].(map[string]any)
	if data["subject"] != "u1" {
		t.Errorf("subject = %v", data["subject"])
	}

	w = httptest.NewRecorder()
	h.Me(w, httptest.NewRequest("GET", "/api/v1/auth/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("without session: status %d, want 401", w.Code)
	}
}
