// Package token issues and verifies the signed session tokens handed to
// clients after a successful login.
//
// Tokens are compact JWS (JWT) values signed with a symmetric HMAC key. The
// algorithm is fixed when the Service is constructed; the "alg" header of an
// incoming token is only compared against it, never used to pick a verifier.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benvon/sessiongate/internal/autherr"
	"github.com/benvon/sessiongate/internal/config"
	"github.com/benvon/sessiongate/internal/models"
	"github.com/benvon/sessiongate/internal/validation"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// MinSecretLength is the shortest signing secret accepted.
	MinSecretLength = 32
	// IssuedAtLeeway tolerates clock drift between issuing and verifying hosts.
	// Expiry has no leeway.
	IssuedAtLeeway = 60 * time.Second
)

// Service issues and verifies session tokens. It holds no mutable state and
// is safe for concurrent use.
type Service struct {
	key        []byte
	alg        jwa.SignatureAlgorithm
	issuer     string
	defaultTTL time.Duration
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithIssuer sets the "iss" claim written on issue and required on verify.
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

// WithDefaultTTL sets the lifetime used when Issue is called with ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) { s.defaultTTL = ttl }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a token service signing with secret under the named HMAC
// algorithm (HS256, HS384 or HS512).
func New(secret []byte, algorithm string, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
	}
	if err := validation.ValidateSigningAlgorithm(algorithm); err != nil {
		return nil, err
	}

	key := make([]byte, len(secret))
	copy(key, secret)

	s := &Service{
		key: key,
		alg: jwa.SignatureAlgorithm(algorithm),
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// NewFromConfig creates a token service from the startup configuration.
func NewFromConfig(cfg config.TokenConfig, opts ...Option) (*Service, error) {
	base := []Option{WithIssuer(cfg.Issuer), WithDefaultTTL(cfg.TTL)}
	return New([]byte(cfg.SigningSecret), cfg.SigningAlgorithm, append(base, opts...)...)
}

// Algorithm returns the configured signing algorithm.
func (s *Service) Algorithm() string {
	return s.alg.String()
}

// Issue signs a new token for subject valid for ttl from now.
func (s *Service) Issue(subject string, ttl time.Duration) (*models.SessionToken, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("subject is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}

	// JWT numeric dates carry whole seconds.
	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)
	id := uuid.NewString()

	builder := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(issuedAt).
		Expiration(expiresAt).
		JwtID(id)
	if s.issuer != "" {
		builder = builder.Issuer(s.issuer)
	}
	tok, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(s.alg, s.key))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &models.SessionToken{
		Token:     string(signed),
		ID:        id,
		Subject:   subject,
		Issuer:    s.issuer,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks the token's signature and lifetime and returns its subject.
// Failures are *autherr.Error values of kind TokenMalformed, SignatureInvalid
// or TokenExpired.
func (s *Service) Verify(raw string) (string, error) {
	claims, err := s.VerifyClaims(raw)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// VerifyClaims is Verify returning every claim of the session token.
func (s *Service) VerifyClaims(raw string) (*models.SessionToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, autherr.Errorf(autherr.TokenMalformed, "empty token")
	}

	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return nil, autherr.New(autherr.TokenMalformed, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, autherr.Errorf(autherr.TokenMalformed, "expected one signature, got %d", len(sigs))
	}
	if alg := sigs[0].ProtectedHeaders().Algorithm(); alg != s.alg {
		return nil, autherr.Errorf(autherr.SignatureInvalid, "unexpected signing algorithm %q", alg.String())
	}
	if _, err := jws.Verify([]byte(raw), jws.WithKey(s.alg, s.key)); err != nil {
		return nil, autherr.New(autherr.SignatureInvalid, err)
	}

	// The signature is already verified above.
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return nil, autherr.New(autherr.TokenMalformed, err)
	}

	now := s.now().UTC()
	exp := tok.Expiration()
	if exp.IsZero() {
		return nil, autherr.Errorf(autherr.TokenMalformed, "missing exp claim")
	}
	if !now.Before(exp) {
		return nil, autherr.Errorf(autherr.TokenExpired, "token expired at %s", exp.Format(time.RFC3339))
	}
	iat := tok.IssuedAt()
	if !iat.IsZero() && iat.After(now.Add(IssuedAtLeeway)) {
		return nil, autherr.Errorf(autherr.TokenMalformed, "token issued in the future")
	}
	if s.issuer != "" && tok.Issuer() != s.issuer {
		return nil, autherr.Errorf(autherr.TokenMalformed, "unexpected issuer %q", tok.Issuer())
	}
	if strings.TrimSpace(tok.Subject()) == "" {
		return nil, autherr.Errorf(autherr.TokenMalformed, "missing sub claim")
	}

	return &models.SessionToken{
		Token:     raw,
		ID:        tok.JwtID(),
		Subject:   tok.Subject(),
		Issuer:    tok.Issuer(),
		IssuedAt:  iat,
		ExpiresAt: exp,
	}, nil
}
