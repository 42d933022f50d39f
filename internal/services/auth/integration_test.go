package auth_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benvon/sessiongate/internal/autherr"
	"github.com/benvon/sessiongate/internal/database"
	"github.com/benvon/sessiongate/internal/services/auth"
	"github.com/benvon/sessiongate/internal/services/oidc"
	"github.com/benvon/sessiongate/internal/services/oidc/oidctest"
	"github.com/benvon/sessiongate/internal/services/token"
)

type harness struct {
	idp        *oidctest.Provider
	identities *database.IdentityRepository
	tokens     *token.Service
	svc        *auth.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	idp := oidctest.New(t)

	db, err := database.New("sqlite://" + filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tokens, err := token.New([]byte(strings.Repeat("k", 32)), "HS256",
		token.WithIssuer("http://localhost:8080"), token.WithDefaultTTL(15*time.Minute))
	if err != nil {
		t.Fatalf("token.New() error = %v", err)
	}

	identities := database.NewIdentityRepository(db)
	client := oidc.NewClient(idp.Config(), oidc.NewMemoryStateStore())

	return &harness{
		idp:        idp,
		identities: identities,
		tokens:     tokens,
		svc:        auth.NewService(client, identities, tokens),
	}
}

func (h *harness) login(t *testing.T, id oidctest.Identity) (code, state, bound string) {
	t.Helper()
	redirect, err := h.svc.BeginLogin(context.Background())
	if err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}
	code, state = h.idp.Authorize(t, redirect.URL, id)
	return code, state, redirect.State
}

func TestLogin_NewIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	code, state, bound := h.login(t, oidctest.Identity{Subject: "u1", Email: "a@x.com", Name: "A"})
	tok, err := h.svc.HandleCallback(ctx, code, state, bound)
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	sub, err := h.tokens.Verify(tok.Token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if sub != "u1" {
		t.Errorf("token subject = %q, want u1", sub)
	}

	identity, err := h.identities.GetBySubject(ctx, "u1")
	if err != nil {
		t.Fatalf("GetBySubject() error = %v", err)
	}
	if identity.Email != "a@x.com" || identity.DisplayName != "A" {
		t.Errorf("identity = %+v", identity)
	}
}

func TestLogin_StateMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	code, _, bound := h.login(t, oidctest.Identity{Subject: "u1", Email: "a@x.com"})
	_, err := h.svc.HandleCallback(ctx, code, "xyz999", bound)
	if !errors.Is(err, autherr.InvalidState) {
		t.Fatalf("HandleCallback() error = %v, want InvalidState", err)
	}
	if n := h.idp.Exchanges(); n != 0 {
		t.Errorf("provider exchanges = %d, want 0", n)
	}
	if n, err := h.identities.Count(ctx, "u1"); err != nil || n != 0 {
		t.Errorf("identity rows = %d (err %v), want 0", n, err)
	}
}

func TestLogin_ProviderErrorDiscardsPendingLogin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	code, state, bound := h.login(t, oidctest.Identity{Subject: "u1"})
	if err := h.svc.AbandonLogin(ctx, state, bound); err != nil {
		t.Fatalf("AbandonLogin() error = %v", err)
	}

	_, err := h.svc.HandleCallback(ctx, code, state, bound)
	if !errors.Is(err, autherr.InvalidState) {
		t.Fatalf("HandleCallback() after abandon error = %v, want InvalidState", err)
	}
	if n := h.idp.Exchanges(); n != 0 {
		t.Errorf("token exchanges = %d, want 0", n)
	}
}

func TestLogin_CodeReuse(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	code, state, bound := h.login(t, oidctest.Identity{Subject: "u1", Email: "a@x.com"})
	first, err := h.svc.HandleCallback(ctx, code, state, bound)
	if err != nil {
		t.Fatalf("first HandleCallback() error = %v", err)
	}

	redirect, err := h.svc.BeginLogin(ctx)
	if err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}
	_, err = h.svc.HandleCallback(ctx, code, redirect.State, redirect.State)
	if !errors.Is(err, autherr.CodeAlreadyUsed) {
		t.Fatalf("reused code error = %v, want CodeAlreadyUsed", err)
	}

	if sub, err := h.tokens.Verify(first.Token); err != nil || sub != "u1" {
		t.Errorf("first token after reuse attempt: sub=%q err=%v, want still valid", sub, err)
	}
}

func TestLogin_RepeatLoginsKeepOneIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	for i, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		code, state, bound := h.login(t, oidctest.Identity{Subject: "u1", Email: email})
		if _, err := h.svc.HandleCallback(ctx, code, state, bound); err != nil {
			t.Fatalf("login %d: HandleCallback() error = %v", i, err)
		}
	}

	n, err := h.identities.Count(ctx, "u1")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("identity rows = %d, want 1", n)
	}
	identity, err := h.identities.GetBySubject(ctx, "u1")
	if err != nil {
		t.Fatalf("GetBySubject() error = %v", err)
	}
	if identity.Email != "c@x.com" {
		t.Errorf("Email = %q, want latest login's", identity.Email)
	}
}
