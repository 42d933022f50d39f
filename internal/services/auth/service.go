// Package auth coordinates a login: it completes the provider exchange,
// records the identity and issues the session token.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/benvon/sessiongate/internal/autherr"
	"github.com/benvon/sessiongate/internal/events"
	"github.com/benvon/sessiongate/internal/logger"
	"github.com/benvon/sessiongate/internal/models"
	"github.com/benvon/sessiongate/internal/request"
	"github.com/benvon/sessiongate/internal/services/oidc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/benvon/sessiongate/internal/services/auth"

// publishTimeout bounds the best-effort login event publish.
const publishTimeout = 2 * time.Second

// State is a step of a single login attempt.
type State string

const (
	StateRedirected        State = "redirected"
	StateCodeReceived      State = "code_received"
	StateClaimsVerified    State = "claims_verified"
	StateIdentityPersisted State = "identity_persisted"
	StateTokenIssued       State = "token_issued"
	StateFailed            State = "failed"
)

// Attempt traces one callback through the login states.
type Attempt struct {
	States []State
	// Kind is set when the attempt ends in StateFailed with a classified error.
	Kind autherr.Kind
}

// Current returns the latest state reached.
func (a *Attempt) Current() State {
	if len(a.States) == 0 {
		return ""
	}
	return a.States[len(a.States)-1]
}

// LoginProvider is the identity provider side of a login.
type LoginProvider interface {
	BeginLogin(ctx context.Context) (*oidc.LoginRedirect, error)
	CompleteLogin(ctx context.Context, code, state, expectedState string) (*models.IdentityClaims, error)
	AbandonLogin(ctx context.Context, state, expectedState string) error
}

// IdentityStore persists identities.
type IdentityStore interface {
	Upsert(ctx context.Context, subjectID, email, displayName string) (*models.Identity, error)
}

// TokenIssuer mints session tokens.
type TokenIssuer interface {
	Issue(subject string, ttl time.Duration) (*models.SessionToken, error)
}

// Service is the login orchestrator.
type Service struct {
	provider  LoginProvider
	store     IdentityStore
	tokens    TokenIssuer
	publisher events.Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	tokenTTL  time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logger.OrNop(l) }
}

// WithPublisher sets where login events are sent.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithTokenTTL overrides the token issuer's default lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) { s.tokenTTL = ttl }
}

// WithTracer sets the tracer used for callback spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// NewService creates a login orchestrator.
func NewService(provider LoginProvider, store IdentityStore, tokens TokenIssuer, opts ...Option) *Service {
	s := &Service{
		provider:  provider,
		store:     store,
		tokens:    tokens,
		publisher: events.NoopPublisher{},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// BeginLogin starts a login with the provider.
func (s *Service) BeginLogin(ctx context.Context) (*oidc.LoginRedirect, error) {
	redirect, err := s.provider.BeginLogin(ctx)
	if err != nil {
		s.logger.Warn("login_begin_failed",
			zap.String("kind", string(autherr.KindOf(err))),
			zap.Error(err),
		)
		return nil, err
	}
	s.logger.Debug("login_state", zap.String("state", string(StateRedirected)))
	return redirect, nil
}

// HandleCallback completes a login from the provider callback. expectedState
// is the state value bound to the browser when the login began. No token is
// issued unless the identity was stored.
func (s *Service) HandleCallback(ctx context.Context, code, state, expectedState string) (*models.SessionToken, error) {
	tok, _, err := s.handleCallback(ctx, code, state, expectedState)
	return tok, err
}

// AbandonLogin ends a login the provider refused, so its state can not be
// used again.
func (s *Service) AbandonLogin(ctx context.Context, state, expectedState string) error {
	if err := s.provider.AbandonLogin(ctx, state, expectedState); err != nil {
		s.logger.Warn("login_abandon_failed",
			zap.String("kind", string(autherr.KindOf(err))),
			zap.String("error", logger.SanitizeError(err)),
		)
		return err
	}
	s.logger.Debug("login_state",
		zap.String("from", string(StateRedirected)),
		zap.String("to", string(StateFailed)),
	)
	return nil
}

func (s *Service) handleCallback(ctx context.Context, code, state, expectedState string) (*models.SessionToken, *Attempt, error) {
	ctx, span := s.tracer.Start(ctx, "auth.HandleCallback")
	defer span.End()

	attempt := &Attempt{States: []State{StateRedirected}}
	s.advance(span, attempt, StateCodeReceived)

	claims, err := s.provider.CompleteLogin(ctx, code, state, expectedState)
	if err != nil {
		return nil, attempt, s.fail(span, attempt, err)
	}
	s.advance(span, attempt, StateClaimsVerified)
	span.SetAttributes(attribute.String("auth.subject", logger.SanitizeSubject(claims.Subject)))

	identity, err := s.store.Upsert(ctx, claims.Subject, claims.Email, claims.Name)
	if err != nil {
		if autherr.KindOf(err) != autherr.StoreUnavailable {
			err = autherr.New(autherr.StoreUnavailable, err)
		}
		return nil, attempt, s.fail(span, attempt, err)
	}
	s.advance(span, attempt, StateIdentityPersisted)

	tok, err := s.tokens.Issue(identity.SubjectID, s.tokenTTL)
	if err != nil {
		return nil, attempt, s.fail(span, attempt, fmt.Errorf("failed to issue session token: %w", err))
	}
	s.advance(span, attempt, StateTokenIssued)

	s.logger.Info("login_succeeded",
		zap.String("subject", logger.SanitizeSubject(tok.Subject)),
		zap.String("token_id", tok.ID),
		zap.Time("expires_at", tok.ExpiresAt),
	)
	s.publish(ctx, tok)

	return tok, attempt, nil
}

func (s *Service) advance(span trace.Span, attempt *Attempt, next State) {
	s.logger.Debug("login_state",
		zap.String("from", string(attempt.Current())),
		zap.String("to", string(next)),
	)
	span.AddEvent(string(next))
	attempt.States = append(attempt.States, next)
}

func (s *Service) fail(span trace.Span, attempt *Attempt, err error) error {
	kind := autherr.KindOf(err)
	from := attempt.Current()
	attempt.Kind = kind
	attempt.States = append(attempt.States, StateFailed)

	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))

	fields := []zap.Field{
		zap.String("from", string(from)),
		zap.String("kind", string(kind)),
		zap.String("error", logger.SanitizeError(err)),
	}
	if autherr.IsProviderFailure(kind) {
		s.logger.Warn("login_failed", fields...)
	} else {
		s.logger.Error("login_failed", fields...)
	}
	return err
}

func (s *Service) publish(ctx context.Context, tok *models.SessionToken) {
	event := models.NewLoginEvent(tok.Subject, tok.ID, tok.IssuedAt)
	event.ClientIP = request.ClientIPFromContext(ctx)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("login_event_publish_failed",
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
	}
}
