package oidc

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/benvon/sessiongate/internal/autherr"
	"github.com/benvon/sessiongate/internal/models"
	"github.com/benvon/sessiongate/internal/validation"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// idTokenSkew is the clock drift tolerated on the provider's time claims.
const idTokenSkew = 60 * time.Second

// Verifier verifies identity tokens issued by the provider
type Verifier struct {
	jwksManager *JWKSManager
	issuer      string
	clientID    string
	now         func() time.Time
}

// NewVerifier creates a new identity token verifier
func NewVerifier(jwksManager *JWKSManager, issuer, clientID string) *Verifier {
	return &Verifier{
		jwksManager: jwksManager,
		issuer:      strings.TrimSuffix(issuer, "/"),
		clientID:    clientID,
		now:         time.Now,
	}
}

// Verify checks the identity token's signature against the provider keys,
// its issuer, audience, lifetime and nonce, and extracts the claims.
func (v *Verifier) Verify(ctx context.Context, rawIDToken, jwksURL, nonce string) (*models.IdentityClaims, error) {
	msg, err := jws.Parse([]byte(rawIDToken))
	if err != nil {
		return nil, autherr.New(autherr.InvalidIdentityToken, err)
	}
	if len(msg.Signatures()) != 1 {
		return nil, autherr.Errorf(autherr.InvalidIdentityToken, "expected one signature")
	}
	kid := msg.Signatures()[0].ProtectedHeaders().KeyID()

	keys, err := v.jwksManager.GetJWKS(ctx, jwksURL)
	if err != nil {
		return nil, providerError(err)
	}
	if kid != "" {
		if _, ok := keys.LookupKeyID(kid); !ok {
			// Provider may have rotated its keys since the set was cached.
			keys, err = v.jwksManager.Refresh(ctx, jwksURL)
			if err != nil {
				return nil, providerError(err)
			}
		}
	}

	token, err := jwt.Parse([]byte(rawIDToken),
		jwt.WithKeySet(keys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAudience(v.clientID),
		jwt.WithClock(jwt.ClockFunc(v.now)),
		jwt.WithAcceptableSkew(idTokenSkew),
	)
	if err != nil {
		return nil, autherr.New(autherr.InvalidIdentityToken, err)
	}

	if strings.TrimSuffix(token.Issuer(), "/") != v.issuer {
		return nil, autherr.Errorf(autherr.InvalidIdentityToken, "token issuer mismatch: expected %s, got %s", v.issuer, token.Issuer())
	}
	if token.Expiration().IsZero() {
		return nil, autherr.Errorf(autherr.InvalidIdentityToken, "token missing exp claim")
	}
	if nonce != "" {
		got := stringClaim(token, "nonce")
		if subtle.ConstantTimeCompare([]byte(got), []byte(nonce)) != 1 {
			return nil, autherr.Errorf(autherr.InvalidIdentityToken, "nonce mismatch")
		}
	}

	claims := &models.IdentityClaims{
		Subject:   token.Subject(),
		Email:     stringClaim(token, "email"),
		Name:      stringClaim(token, "name"),
		Issuer:    token.Issuer(),
		Audience:  token.Audience(),
		ExpiresAt: token.Expiration(),
		IssuedAt:  token.IssuedAt(),
	}
	if claims.Name == "" {
		claims.Name = stringClaim(token, "preferred_username")
	}
	claims.Name = validation.SanitizeText(claims.Name)
	if err := validation.ValidateIdentityClaims(claims); err != nil {
		return nil, autherr.New(autherr.InvalidIdentityToken, err)
	}

	return claims, nil
}

func stringClaim(token jwt.Token, name string) string {
	v, ok := token.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// providerError classifies a failed call to the provider as a timeout or a
// rejection.
func providerError(err error) error {
	if isTimeout(err) {
		return autherr.New(autherr.ProviderTimeout, err)
	}
	return autherr.New(autherr.ProviderRejected, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
