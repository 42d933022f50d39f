// Package autherr defines the error taxonomy shared by the login and
// authorization paths.
package autherr

import (
	"errors"
	"fmt"
)

// Kind classifies an authentication or authorization failure.
type Kind string

const (
	// Provider boundary. Never retried: authorization codes are single-use.
	InvalidState         Kind = "invalid_state"
	ProviderRejected     Kind = "provider_rejected"
	InvalidIdentityToken Kind = "invalid_identity_token"
	CodeAlreadyUsed      Kind = "code_already_used"
	ProviderTimeout      Kind = "provider_timeout"

	// Persistence boundary.
	StoreUnavailable Kind = "store_unavailable"

	// Request boundary.
	TokenExpired      Kind = "token_expired"
	TokenMalformed    Kind = "token_malformed"
	SignatureInvalid  Kind = "signature_invalid"
	MissingCredential Kind = "missing_credential"
)

// Error is an authentication failure of a specific Kind, optionally wrapping
// the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

// New returns an *Error of the given kind wrapping err (which may be nil).
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf returns an *Error of the given kind with a formatted cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the same Kind, so callers can write
// errors.Is(err, autherr.TokenExpired).
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// Error makes Kind usable as an errors.Is target.
func (k Kind) Error() string {
	return string(k)
}

// KindOf extracts the Kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// IsProviderFailure reports whether kind originates at the identity provider
// boundary.
func IsProviderFailure(kind Kind) bool {
	switch kind {
	case InvalidState, ProviderRejected, InvalidIdentityToken, CodeAlreadyUsed, ProviderTimeout:
		return true
	}
	return false
}
