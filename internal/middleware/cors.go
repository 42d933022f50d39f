package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

const defaultCORSOrigin = "http://localhost:3000"

// CORS allows the configured frontend origins to call the API with
// credentials. The login cookie is only sent on credentialed requests.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{defaultCORSOrigin}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		MaxAge:           86400,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"WWW-Authenticate", "Retry-After"},
	})
	return c.Handler
}
