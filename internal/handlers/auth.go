package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/benvon/sessiongate/internal/autherr"
	logpkg "github.com/benvon/sessiongate/internal/logger"
	"github.com/benvon/sessiongate/internal/models"
	"github.com/benvon/sessiongate/internal/request"
	"github.com/benvon/sessiongate/internal/services/oidc"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"
)

const (
	// LoginCookieName is the signed cookie that binds a login to the browser
	// that started it.
	LoginCookieName = "sessiongate_login"
	loginCookiePath = "/api/v1/auth/oidc"
	stateValueKey   = "state"

	tokenTypeBearer = "Bearer"
)

// LoginService runs the login flow.
type LoginService interface {
	BeginLogin(ctx context.Context) (*oidc.LoginRedirect, error)
	HandleCallback(ctx context.Context, code, state, expectedState string) (*models.SessionToken, error)
	AbandonLogin(ctx context.Context, state, expectedState string) error
}

// LoginResponse is returned by the login endpoint.
type LoginResponse struct {
	RedirectURL string `json:"redirect_url"`
	State       string `json:"state"`
}

// TokenResponse is returned by a successful callback.
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int64     `json:"expires_in"`
}

// MeResponse describes the session presented on the request.
type MeResponse struct {
	Subject   string    `json:"subject"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int64     `json:"expires_in"`
}

// AuthHandler handles authentication-related requests
type AuthHandler struct {
	logins       LoginService
	cookies      sessions.Store
	cookieMaxAge time.Duration
	secureCookie bool
	logger       *zap.Logger
	now          func() time.Time
}

// AuthHandlerOption configures an AuthHandler.
type AuthHandlerOption func(*AuthHandler)

// WithAuthLogger sets the logger.
func WithAuthLogger(l *zap.Logger) AuthHandlerOption {
	return func(h *AuthHandler) { h.logger = logpkg.OrNop(l) }
}

// WithInsecureCookie drops the Secure flag from the login cookie, for
// plain-HTTP development setups.
func WithInsecureCookie() AuthHandlerOption {
	return func(h *AuthHandler) { h.secureCookie = false }
}

// WithLoginCookieMaxAge sets how long the login cookie lives. It should match
// the pending-login TTL.
func WithLoginCookieMaxAge(d time.Duration) AuthHandlerOption {
	return func(h *AuthHandler) { h.cookieMaxAge = d }
}

// NewAuthHandler creates a new auth handler. cookieSecret signs the login
// cookie and must be at least 32 bytes.
func NewAuthHandler(logins LoginService, cookieSecret []byte, opts ...AuthHandlerOption) *AuthHandler {
	h := &AuthHandler{
		logins:       logins,
		cookies:      sessions.NewCookieStore(cookieSecret),
		cookieMaxAge: oidc.DefaultStateTTL,
		secureCookie: true,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Login starts a login. The state is returned to the caller and bound to the
// browser with a signed cookie; with ?redirect=true the browser is sent
// straight to the provider.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	redirect, err := h.logins.BeginLogin(r.Context())
	if err != nil {
		respondJSONError(w, http.StatusServiceUnavailable, "login_unavailable", "Login is temporarily unavailable")
		return
	}

	sess := sessions.NewSession(h.cookies, LoginCookieName)
	sess.Options = h.cookieOptions(int(h.cookieMaxAge.Seconds()))
	sess.Values[stateValueKey] = redirect.State
	if err := sess.Save(r, w); err != nil {
		h.logger.Error("failed_to_save_login_cookie", zap.Error(err))
		respondJSONError(w, http.StatusInternalServerError, "login_unavailable", "Login is temporarily unavailable")
		return
	}

	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, redirect.URL, http.StatusFound)
		return
	}
	respondJSON(w, http.StatusOK, LoginResponse{RedirectURL: redirect.URL, State: redirect.State})
}

// Callback completes a login from the provider redirect. Every failure gets
// the same response.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expected := h.boundState(r)
	h.clearLoginCookie(w, r)

	if providerErr := q.Get("error"); providerErr != "" {
		h.logger.Warn("login_failed",
			zap.String("kind", string(autherr.ProviderRejected)),
			zap.String("provider_error", logpkg.SanitizeString(providerErr, 100)),
			zap.String("provider_error_description", logpkg.SanitizeString(q.Get("error_description"), 300)),
		)
		// Failures are logged by the service.
		_ = h.logins.AbandonLogin(r.Context(), q.Get("state"), expected)
		respondLoginFailed(w)
		return
	}

	ctx := request.WithClientIP(r.Context(), request.ClientIP(r))
	tok, err := h.logins.HandleCallback(ctx, q.Get("code"), q.Get("state"), expected)
	if err != nil {
		respondLoginFailed(w)
		return
	}

	respondJSON(w, http.StatusOK, TokenResponse{
		Token:     tok.Token,
		TokenType: tokenTypeBearer,
		ExpiresAt: tok.ExpiresAt,
		ExpiresIn: int64(tok.ExpiresIn(h.now()).Seconds()),
	})
}

// Me returns the session attached by the auth middleware.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	session := request.SessionFromContext(r.Context())
	if session == nil {
		respondJSONError(w, http.StatusUnauthorized, "Unauthorized", "Invalid or missing credentials")
		return
	}
	respondJSON(w, http.StatusOK, MeResponse{
		Subject:   session.Subject,
		IssuedAt:  session.IssuedAt,
		ExpiresAt: session.ExpiresAt,
		ExpiresIn: int64(session.ExpiresIn(h.now()).Seconds()),
	})
}

// boundState returns the state stored in the login cookie, or "" when the
// cookie is missing or fails its signature check.
func (h *AuthHandler) boundState(r *http.Request) string {
	sess, err := h.cookies.Get(r, LoginCookieName)
	if err != nil || sess == nil {
		return ""
	}
	state, _ := sess.Values[stateValueKey].(string)
	return state
}

func (h *AuthHandler) clearLoginCookie(w http.ResponseWriter, r *http.Request) {
	sess := sessions.NewSession(h.cookies, LoginCookieName)
	sess.Options = h.cookieOptions(-1)
	if err := sess.Save(r, w); err != nil {
		h.logger.Warn("failed_to_clear_login_cookie", zap.Error(err))
	}
}

func (h *AuthHandler) cookieOptions(maxAge int) *sessions.Options {
	return &sessions.Options{
		Path:     loginCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookie,
		// Lax so the cookie survives the top-level redirect back from the provider.
		SameSite: http.SameSiteLaxMode,
	}
}

func respondLoginFailed(w http.ResponseWriter) {
	respondJSONError(w, http.StatusUnauthorized, "login_failed", "Login failed")
}
