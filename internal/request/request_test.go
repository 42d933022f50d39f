package request

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/benvon/sessiongate/internal/models"
)

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		ctxIP   string
		wantIP  string
	}{
		{"remote addr", nil, "10.0.0.1:12345", "", "10.0.0.1"},
		{"remote addr without port", nil, "10.0.0.1", "", "10.0.0.1"},
		{"forwarding headers ignored", map[string]string{"X-Forwarded-For": "1.2.3.4", "X-Real-IP": "9.9.9.9"}, "10.0.0.1:1", "", "10.0.0.1"},
		{"resolved value wins", nil, "10.0.0.1:1", "203.0.113.7", "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			r.RemoteAddr = tt.remote
			if tt.ctxIP != "" {
				r = r.WithContext(WithClientIP(r.Context(), tt.ctxIP))
			}
			if got := ClientIP(r); got != tt.wantIP {
				t.Errorf("ClientIP() = %q, want %q", got, tt.wantIP)
			}
		})
	}
}

func TestSubjectFromContext(t *testing.T) {
	t.Parallel()

	ctx := WithSubject(context.Background(), "u1")
	if got := SubjectFromContext(ctx); got != "u1" {
		t.Errorf("SubjectFromContext() = %q, want u1", got)
	}
	if got := SubjectFromContext(context.Background()); got != "" {
		t.Errorf("SubjectFromContext() on empty context = %q, want empty", got)
	}
	wrong := context.WithValue(context.Background(), SubjectContextKey(), 42)
	if got := SubjectFromContext(wrong); got != "" {
		t.Errorf("SubjectFromContext() with wrong type = %q, want empty", got)
	}
}

func TestSessionFromContext(t *testing.T) {
	t.Parallel()

	s := &models.SessionToken{Subject: "u1", ID: "jti"}
	if got := SessionFromContext(WithSession(context.Background(), s)); got != s {
		t.Errorf("SessionFromContext() = %v, want %v", got, s)
	}
	if SessionFromContext(context.Background()) != nil {
		t.Error("Expected nil session on empty context")
	}
}

func TestClientIPFromContext(t *testing.T) {
	t.Parallel()

	ctx := WithClientIP(context.Background(), "203.0.113.9")
	if got := ClientIPFromContext(ctx); got != "203.0.113.9" {
		t.Errorf("ClientIPFromContext() = %q", got)
	}
}
