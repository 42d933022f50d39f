package request

import (
	"context"
	"net"
	"net/http"

	"github.com/benvon/sessiongate/internal/models"
)

type contextKey string

const (
	subjectContextKey  contextKey = "subject"
	sessionContextKey  contextKey = "session"
	clientIPContextKey contextKey = "client_ip"
)

// SubjectContextKey returns the context key used for the subject. Exposed for tests that inject non-string values.
func SubjectContextKey() contextKey { return subjectContextKey }

// ClientIP returns the caller's address: the value resolved by the
// ClientIPResolver middleware when one ran, otherwise the connection peer.
// Forwarding headers are never read here.
func ClientIP(r *http.Request) string {
	if ip := ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return peerIP(r)
}

func peerIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// WithSubject returns a context carrying the authenticated subject identifier.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectContextKey, subject)
}

// SubjectFromContext returns the authenticated subject, or "" if missing or wrong type.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectContextKey).(string)
	return s
}

// WithSession returns a context carrying the verified session token claims.
func WithSession(ctx context.Context, session *models.SessionToken) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext returns the verified session, or nil if missing.
func SessionFromContext(ctx context.Context) *models.SessionToken {
	s, _ := ctx.Value(sessionContextKey).(*models.SessionToken)
	return s
}

// WithClientIP returns a context carrying the caller's address for code that
// has no access to the *http.Request.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey, ip)
}

// ClientIPFromContext returns the address stored by WithClientIP.
func ClientIPFromContext(ctx context.Context) string {
	s, _ := ctx.Value(clientIPContextKey).(string)
	return s
}
