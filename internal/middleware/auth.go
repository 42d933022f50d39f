package middleware

import (
	"net/http"
	"strings"

	"github.com/benvon/sessiongate/internal/autherr"
	logpkg "github.com/benvon/sessiongate/internal/logger"
	"github.com/benvon/sessiongate/internal/models"
	"github.com/benvon/sessiongate/internal/request"
	"go.uber.org/zap"
)

const bearerScheme = "Bearer"

// SessionVerifier checks a raw session token.
type SessionVerifier interface {
	VerifyClaims(raw string) (*models.SessionToken, error)
}

// BearerToken extracts the token from an Authorization header of the form
// "Bearer <token>". The scheme is case-insensitive; anything else is a
// MissingCredential.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", autherr.Errorf(autherr.MissingCredential, "authorization header is not a bearer credential")
	}
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", autherr.Errorf(autherr.MissingCredential, "malformed bearer credential")
	}
	return token, nil
}

// Authorize resolves the Authorization header to a verified session.
func Authorize(verifier SessionVerifier, header string) (*models.SessionToken, error) {
	raw, err := BearerToken(header)
	if err != nil {
		return nil, err
	}
	return verifier.VerifyClaims(raw)
}

// Auth rejects requests without a valid session token. Every failure gets the
// same 401 body; the specific kind is only logged.
func Auth(verifier SessionVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logpkg.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := Authorize(verifier, r.Header.Get("Authorization"))
			if err != nil {
				logger.Info("authorization_rejected",
					zap.String("kind", string(autherr.KindOf(err))),
					zap.String("path", logpkg.SanitizePath(r.URL.Path)),
				)
				w.Header().Set("WWW-Authenticate", bearerScheme)
				respondErrorJSON(w, r, http.StatusUnauthorized, "Unauthorized", "Invalid or missing credentials", logger)
				return
			}

			ctx := request.WithSubject(r.Context(), session.Subject)
			ctx = request.WithSession(ctx, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
