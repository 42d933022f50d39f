package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benvon/sessiongate/internal/config"
	"github.com/benvon/sessiongate/internal/database"
	"github.com/benvon/sessiongate/internal/services/oidc/oidctest"
	"go.uber.org/zap"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testServer struct {
	idp *oidctest.Provider
	app *app
	srv *httptest.Server
}

func newTestServer(t *testing.T, extraEnv ...map[string]string) *testServer {
	t.Helper()

	idp := oidctest.New(t)
	env := map[string]string{
		"DATABASE_URL":         "sqlite://" + filepath.Join(t.TempDir(), "server.db"),
		"OIDC_AUTHORITY":       idp.Issuer(),
		"OIDC_CLIENT_ID":       oidctest.ClientID,
		"OIDC_REDIRECT_URI":    oidctest.RedirectURI,
		"TOKEN_SIGNING_SECRET": strings.Repeat("s", 32),
		"COOKIE_SECURE":        "false",
	}
	for _, extra := range extraEnv {
		for k, v := range extra {
			env[k] = v
		}
	}
	cfg, err := config.LoadFromMap(env)
	if err != nil {
		t.Fatalf("LoadFromMap() error = %v", err)
	}

	a, err := newApp(context.Background(), cfg, zap.NewNop(), false)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	return &testServer{idp: idp, app: a, srv: srv}
}

// browser returns a client that keeps cookies and does not follow redirects.
func browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New() error = %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *testServer) get(t *testing.T, c *http.Client, path string, header http.Header) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode != http.StatusFound {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("GET %s: decode body: %v", path, err)
		}
	}
	return resp.StatusCode, env
}

func (s *testServer) beginLogin(t *testing.T, c *http.Client) (redirectURL, state string) {
	t.Helper()
	status, env := s.get(t, c, "/api/v1/auth/oidc/login", nil)
	if status != http.StatusOK {
		t.Fatalf("login status = %d, want 200", status)
	}
	var data struct {
		RedirectURL string `json:"redirect_url"`
		State       string `json:"state"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode login data: %v", err)
	}
	return data.RedirectURL, data.State
}

func callbackPath(code, state string) string {
	return "/api/v1/auth/oidc/callback?" + url.Values{"code": {code}, "state": {state}}.Encode()
}

func TestServer_LoginFlow(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	c := browser(t)

	redirectURL, _ := s.beginLogin(t, c)
	code, state := s.idp.Authorize(t, redirectURL, oidctest.Identity{
		Subject: "u1", Email: "a@x.io", Name: "Ada",
	})

	status, env := s.get(t, c, callbackPath(code, state), nil)
	if status != http.StatusOK {
		t.Fatalf("callback status = %d (%s), want 200", status, env.Error)
	}
	var tok struct {
		Token     string `json:"token"`
		TokenType string `json:"token_type"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(env.Data, &tok); err != nil {
		t.Fatalf("decode token data: %v", err)
	}
	if tok.Token == "" || tok.TokenType != "Bearer" {
		t.Fatalf("token response = %+v", tok)
	}
	if tok.ExpiresIn <= 0 || tok.ExpiresIn > 15*60 {
		t.Errorf("expires_in = %d, want within the default lifetime", tok.ExpiresIn)
	}

	status, env = s.get(t, c, "/api/v1/auth/me", http.Header{"Authorization": {"Bearer " + tok.Token}})
	if status != http.StatusOK {
		t.Fatalf("me status = %d, want 200", status)
	}
	var me struct {
		Subject string `json:"subject"`
	}
	if err := json.Unmarshal(env.Data, &me); err != nil {
		t.Fatalf("decode me data: %v", err)
	}
	if me.Subject != "u1" {
		t.Errorf("me subject = %q, want u1", me.Subject)
	}

	events, err := database.NewLoginEventRepository(s.app.db).ListBySubject(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("ListBySubject() error = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("login events = %d, want 1", len(events))
	}
}

func TestServer_CallbackWithoutLoginCookie(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	redirectURL, _ := s.beginLogin(t, browser(t))
	code, state := s.idp.Authorize(t, redirectURL, oidctest.Identity{Subject: "u1"})

	// A different browser carries the victim's code and state but not the
	// cookie that bound them.
	status, env := s.get(t, browser(t), callbackPath(code, state), nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if env.Error != "login_failed" {
		t.Errorf("error = %q, want login_failed", env.Error)
	}
	if n := s.idp.Exchanges(); n != 0 {
		t.Errorf("token exchanges = %d, want 0", n)
	}
}

func TestServer_CodeReplayRejected(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	c := browser(t)
	redirectURL, _ := s.beginLogin(t, c)
	code, state := s.idp.Authorize(t, redirectURL, oidctest.Identity{Subject: "u1"})

	if status, _ := s.get(t, c, callbackPath(code, state), nil); status != http.StatusOK {
		t.Fatalf("first callback status = %d, want 200", status)
	}
	if status, _ := s.get(t, c, callbackPath(code, state), nil); status != http.StatusUnauthorized {
		t.Errorf("replayed callback status = %d, want 401", status)
	}
}

func TestServer_MeRequiresToken(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	tests := []struct {
		name   string
		header http.Header
	}{
		{"missing", nil},
		{"garbage", http.Header{"Authorization": {"Bearer not-a-token"}}},
		{"wrong scheme", http.Header{"Authorization": {"Basic dTE6cHc="}}},
	}
	for _, tt := range tests {
		status, env := s.get(t, http.DefaultClient, "/api/v1/auth/me", tt.header)
		if status != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", tt.name, status)
		}
		if env.Success {
			t.Errorf("%s: success = true", tt.name)
		}
	}
}

func TestServer_PublicRoutes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	for _, path := range []string{"/healthz", "/healthz?mode=extended", "/version", "/api/v1/openapi.json"} {
		resp, err := http.Get(s.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
		if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
			t.Errorf("GET %s missing security headers", path)
		}
	}
}

func TestServer_Preflight(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, s.srv.URL+"/api/v1/auth/me", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "authorization")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS error = %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestServer_LoginEventClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		trusted string
		want    string
	}{
		{"forwarded header ignored from untrusted peer", "", "127.0.0.1"},
		{"forwarded header used from trusted proxy", "127.0.0.1", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newTestServer(t, map[string]string{"TRUSTED_PROXIES": tt.trusted})
			c := browser(t)
			redirectURL, _ := s.beginLogin(t, c)
			code, state := s.idp.Authorize(t, redirectURL, oidctest.Identity{Subject: "u1"})

			fwd := http.Header{"X-Forwarded-For": {"203.0.113.9"}}
			if status, env := s.get(t, c, callbackPath(code, state), fwd); status != http.StatusOK {
				t.Fatalf("callback status = %d (%s), want 200", status, env.Error)
			}

			events, err := database.NewLoginEventRepository(s.app.db).ListBySubject(context.Background(), "u1", 10)
			if err != nil {
				t.Fatalf("ListBySubject() error = %v", err)
			}
			if len(events) != 1 {
				t.Fatalf("login events = %d, want 1", len(events))
			}
			if events[0].ClientIP != tt.want {
				t.Errorf("ClientIP = %q, want %q", events[0].ClientIP, tt.want)
			}
		})
	}
}
