package middleware

import (
	"net/http"
	"time"
)

const (
	// DefaultRequestTimeout must exceed the provider timeout so a slow
	// provider surfaces as provider_timeout rather than a cut connection.
	DefaultRequestTimeout = 30 * time.Second
)

// Timeout bounds handler execution. The handler's context is cancelled at the
// deadline and the client receives 503.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, `{"success":false,"error":"Service Unavailable","message":"Request timed out"}`)
	}
}
