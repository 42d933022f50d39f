package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const healthCheckTimeout = 5 * time.Second

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerChecker is implemented by the event broker.
type BrokerChecker interface {
	HealthCheck(ctx context.Context) error
}

type dependencyCheck struct {
	name  string
	check func(ctx context.Context) error
}

// HealthChecker handles health check requests
type HealthChecker struct {
	checks []dependencyCheck
}

// NewHealthChecker creates a health checker that pings the database in
// extended mode.
func NewHealthChecker(db Pinger) *HealthChecker {
	h := &HealthChecker{}
	if db != nil {
		h.checks = append(h.checks, dependencyCheck{"database", db.Ping})
	}
	return h
}

// WithRedis adds a Redis ping to the extended checks.
func (h *HealthChecker) WithRedis(client *redis.Client) *HealthChecker {
	if client != nil {
		h.checks = append(h.checks, dependencyCheck{"redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	}
	return h
}

// WithBroker adds the event broker to the extended checks.
func (h *HealthChecker) WithBroker(b BrokerChecker) *HealthChecker {
	if b != nil {
		h.checks = append(h.checks, dependencyCheck{"rabbitmq", b.HealthCheck})
	}
	return h
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthCheck handles the /healthz endpoint. ?mode=extended also checks
// every dependency and answers 503 if any is down.
func (h *HealthChecker) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK

	if r.URL.Query().Get("mode") == "extended" {
		response.Checks = make(map[string]string, len(h.checks))
		for _, c := range h.checks {
			if err := runCheck(r.Context(), c.check); err != nil {
				response.Status = "unhealthy"
				response.Checks[c.name] = "unhealthy"
				continue
			}
			response.Checks[c.name] = "healthy"
		}
		if response.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func runCheck(ctx context.Context, check func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return check(ctx)
}
