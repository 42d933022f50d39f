// Package oidctest runs an in-process OpenID Connect provider for tests. It
// serves discovery, JWKS and a token endpoint that enforces PKCE and
// single-use authorization codes.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benvon/sessiongate/internal/config"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// ClientID is the client registered with every test provider.
	ClientID = "sessiongate-test"
	// RedirectURI is the callback registered for ClientID.
	RedirectURI = "http://localhost:8080/api/v1/auth/oidc/callback"
	// KeyID names the provider's signing key.
	KeyID = "test-key-1"
)

// Identity is the user a test "logs in" as.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

type grant struct {
	identity  Identity
	challenge string
	nonce     string
}

// Provider is a fake identity provider backed by httptest.Server.
type Provider struct {
	Server *httptest.Server

	key    jwk.Key
	public jwk.Set

	mu     sync.Mutex
	grants map[string]*grant
	used   map[string]bool

	exchanges  atomic.Int32
	tokenDelay atomic.Int64

	// MutateIDToken, when set, may change the identity token before it is
	// signed.
	MutateIDToken func(jwt.Token)
	// OmitIDToken makes the token endpoint leave out the id_token.
	OmitIDToken bool
}

// New starts a provider and stops it when the test ends.
func New(t testing.TB) *Provider {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("jwk from key: %v", err)
	}
	_ = key.Set(jwk.KeyIDKey, KeyID)
	_ = key.Set(jwk.AlgorithmKey, jwa.RS256)

	pub, err := key.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}

	p := &Provider{
		key:    key,
		public: set,
		grants: make(map[string]*grant),
		used:   make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/jwks", p.handleJWKS)
	mux.HandleFunc("/token", p.handleToken)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	return p
}

// Issuer is the provider's authority URL.
func (p *Provider) Issuer() string {
	return p.Server.URL
}

// Config returns client configuration pointing at this provider.
func (p *Provider) Config() config.OIDCConfig {
	return config.OIDCConfig{
		Authority:       p.Issuer(),
		ClientID:        ClientID,
		RedirectURI:     RedirectURI,
		Scopes:          []string{"openid", "email", "profile"},
		ProviderTimeout: 5 * time.Second,
		StateTTL:        10 * time.Minute,
	}
}

// Exchanges counts requests made to the token endpoint.
func (p *Provider) Exchanges() int {
	return int(p.exchanges.Load())
}

// SetTokenDelay makes the token endpoint stall before answering.
func (p *Provider) SetTokenDelay(d time.Duration) {
	p.tokenDelay.Store(int64(d))
}

// Authorize plays the user's visit to the authorization endpoint: it checks
// the request parameters, records a grant for id and returns the code and
// state the browser would carry back to the callback.
func (p *Provider) Authorize(t testing.TB, authURL string, id Identity) (code, state string) {
	t.Helper()

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	for param, want := range map[string]string{
		"client_id":             ClientID,
		"response_type":         "code",
		"redirect_uri":          RedirectURI,
		"code_challenge_method": "S256",
	} {
		if got := q.Get(param); got != want {
			t.Fatalf("auth url %s = %q, want %q", param, got, want)
		}
	}
	for _, param := range []string{"state", "nonce", "code_challenge", "scope"} {
		if q.Get(param) == "" {
			t.Fatalf("auth url missing %s", param)
		}
	}

	code = randomString(t)
	p.mu.Lock()
	p.grants[code] = &grant{
		identity:  id,
		challenge: q.Get("code_challenge"),
		nonce:     q.Get("nonce"),
	}
	p.mu.Unlock()

	return code, q.Get("state")
}

// SignIDToken signs claims with the provider key.
func (p *Provider) SignIDToken(t testing.TB, claims map[string]any) string {
	t.Helper()
	tok := jwt.New()
	for k, v := range claims {
		if err := tok.Set(k, v); err != nil {
			t.Fatalf("set claim %s: %v", k, err)
		}
	}
	signed, err := p.sign(tok)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return signed
}

func (p *Provider) sign(tok jwt.Token) (string, error) {
	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.KeyIDKey, KeyID); err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, p.key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                           p.Issuer(),
		"authorization_endpoint":           p.Issuer() + "/authorize",
		"token_endpoint":                   p.Issuer() + "/token",
		"jwks_uri":                         p.Issuer() + "/jwks",
		"scopes_supported":                 []string{"openid", "email", "profile"},
		"code_challenge_methods_supported": []string{"S256"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.public)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.exchanges.Add(1)

	if d := time.Duration(p.tokenDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	if r.Method != http.MethodPost {
		oauthError(w, http.StatusMethodNotAllowed, "invalid_request")
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	clientID := r.PostForm.Get("client_id")
	if user, _, ok := r.BasicAuth(); ok {
		clientID = user
	}
	if clientID != ClientID {
		oauthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	g, ok := p.grants[code]
	if ok && p.used[code] {
		ok = false
	}
	if ok {
		p.used[code] = true
	}
	p.mu.Unlock()
	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	now := time.Now()
	tok := jwt.New()
	_ = tok.Set(jwt.IssuerKey, p.Issuer())
	_ = tok.Set(jwt.SubjectKey, g.identity.Subject)
	_ = tok.Set(jwt.AudienceKey, []string{ClientID})
	_ = tok.Set(jwt.IssuedAtKey, now)
	_ = tok.Set(jwt.ExpirationKey, now.Add(5*time.Minute))
	_ = tok.Set("nonce", g.nonce)
	if g.identity.Email != "" {
		_ = tok.Set("email", g.identity.Email)
	}
	if g.identity.Name != "" {
		_ = tok.Set("name", g.identity.Name)
	}
	if p.MutateIDToken != nil {
		p.MutateIDToken(tok)
	}
	idToken, err := p.sign(tok)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error")
		return
	}

	body := map[string]any{
		"access_token": "at-" + code,
		"token_type":   "Bearer",
		"expires_in":   300,
	}
	if !p.OmitIDToken {
		body["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, body)
}

func oauthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": fmt.Sprintf("test provider: %s", code),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomString(t testing.TB) string {
	t.Helper()
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("random: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
