package middleware

import (
	"fmt"
	"net/http"

	logpkg "github.com/benvon/sessiongate/internal/logger"
	"github.com/benvon/sessiongate/internal/request"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	stdlibmw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

const (
	// DefaultLoginRate is applied to the login endpoints when no rate is configured.
	DefaultLoginRate = "10-M"

	rateLimitPrefix = "sessiongate:ratelimit"
)

// NewRateLimitStore returns a Redis-backed limiter store shared by all
// replicas, or a process-local one when redisClient is nil.
func NewRateLimitStore(redisClient *redis.Client) (limiter.Store, error) {
	if redisClient == nil {
		return memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: rateLimitPrefix}), nil
	}
	store, err := redisstore.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: rateLimitPrefix})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis rate limit store: %w", err)
	}
	return store, nil
}

// RateLimit limits requests per client IP using a formatted rate such as
// "10-M". When the store cannot be reached the request is refused with 503.
func RateLimit(store limiter.Store, formattedRate string, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	if formattedRate == "" {
		formattedRate = DefaultLoginRate
	}
	rate, err := limiter.NewRateFromFormatted(formattedRate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit %q: %w", formattedRate, err)
	}
	logger = logpkg.OrNop(logger)

	mw := stdlibmw.NewMiddleware(limiter.New(store, rate),
		stdlibmw.WithKeyGetter(request.ClientIP),
		stdlibmw.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			respondErrorJSON(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded", logger)
		}),
		stdlibmw.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("rate_limit_store_error", zap.String("error", logpkg.SanitizeError(err)))
			respondErrorJSON(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Please retry later", logger)
		}),
	)
	return mw.Handler, nil
}
