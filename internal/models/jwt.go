package models

import "time"

// IdentityClaims holds the facts asserted by the identity provider in a
// verified ID token. Only Subject, Email and Name are carried into an Identity.
type IdentityClaims struct {
	Subject   string    `json:"sub" validate:"required,max=255"`
	Email     string    `json:"email" validate:"omitempty,email"`
	Name      string    `json:"name"`
	Issuer    string    `json:"iss"`
	Audience  []string  `json:"aud"`
	ExpiresAt time.Time `json:"exp"`
	IssuedAt  time.Time `json:"iat"`
}

// SessionToken is a signed, self-contained credential issued after login.
type SessionToken struct {
	Token     string    `json:"token"`
	ID        string    `json:"jti"`
	Subject   string    `json:"sub"`
	Issuer    string    `json:"iss,omitempty"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// ExpiresIn returns the remaining lifetime of the token relative to now.
func (t *SessionToken) ExpiresIn(now time.Time) time.Duration {
	d := t.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
