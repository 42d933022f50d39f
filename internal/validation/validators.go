package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/benvon/sessiongate/internal/models"
	"github.com/go-playground/validator/v10"
)

var (
	// Validate is a shared validator instance
	Validate *validator.Validate
)

func init() {
	Validate = validator.New()

	// These should never fail in normal operation
	if err := Validate.RegisterValidation("database_url", validateDatabaseURL); err != nil {
		panic(fmt.Sprintf("failed to register database_url validator: %v", err))
	}
	if err := Validate.RegisterValidation("hmac_alg", validateHMACAlgorithm); err != nil {
		panic(fmt.Sprintf("failed to register hmac_alg validator: %v", err))
	}
}

// SupportedSigningAlgorithms lists the symmetric algorithms accepted for
// session tokens.
var SupportedSigningAlgorithms = []string{"HS256", "HS384", "HS512"}

// validateDatabaseURL accepts postgres and sqlite connection strings
func validateDatabaseURL(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	for _, prefix := range []string{"postgres://", "postgresql://", "sqlite://", "file:"} {
		if strings.HasPrefix(value, prefix) && len(value) > len(prefix) {
			return true
		}
	}
	return false
}

// validateHMACAlgorithm validates that a string names a supported HMAC algorithm
func validateHMACAlgorithm(fl validator.FieldLevel) bool {
	return ValidateSigningAlgorithm(fl.Field().String()) == nil
}

// ValidateSigningAlgorithm validates a session token signing algorithm name
func ValidateSigningAlgorithm(value string) error {
	for _, alg := range SupportedSigningAlgorithms {
		if value == alg {
			return nil
		}
	}
	return fmt.Errorf("invalid signing algorithm: %s (must be one of %s)", value, strings.Join(SupportedSigningAlgorithms, ", "))
}

// ValidateIdentityClaims checks the provider claims that flow into an Identity
func ValidateIdentityClaims(claims *models.IdentityClaims) error {
	if claims == nil {
		return fmt.Errorf("claims are nil")
	}
	if err := Validate.Struct(claims); err != nil {
		return fmt.Errorf("invalid identity claims: %w", err)
	}
	return nil
}

// SanitizeText trims whitespace and removes control characters
func SanitizeText(text string) string {
	text = strings.TrimSpace(text)

	var sanitized strings.Builder
	for _, r := range text {
		if unicode.IsControl(r) {
			continue
		}
		sanitized.WriteRune(r)
	}

	return sanitized.String()
}
