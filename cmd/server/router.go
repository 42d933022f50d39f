package main

import (
	"net/http"

	"github.com/benvon/sessiongate/internal/handlers"
	"github.com/benvon/sessiongate/internal/middleware"
	"github.com/benvon/sessiongate/internal/request"
	"github.com/benvon/sessiongate/internal/telemetry"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.uber.org/zap"
)

type routerDeps struct {
	logger     *zap.Logger
	auth       *handlers.AuthHandler
	health     *handlers.HealthChecker
	openAPI    *handlers.OpenAPIHandler
	sessions   middleware.SessionVerifier
	rateLimit  func(http.Handler) http.Handler
	clientIPs  *request.ClientIPResolver
	origins    []string
	enableHSTS bool
	tracing    bool
}

func newRouter(d routerDeps) *mux.Router {
	r := mux.NewRouter()

	// gorilla/mux wraps in registration order: the first Use is outermost.
	if d.tracing {
		r.Use(otelmux.Middleware(telemetry.ServiceName))
	}
	r.Use(d.clientIPs.Middleware)
	r.Use(middleware.SecurityHeaders(d.enableHSTS))
	r.Use(middleware.CORS(d.origins))
	r.Use(middleware.MaxRequestSize(middleware.DefaultMaxRequestSize))
	r.Use(middleware.Timeout(middleware.DefaultRequestTimeout))
	r.Use(middleware.ErrorHandler(d.logger))
	r.Use(middleware.Audit(d.logger))
	r.Use(middleware.Logging(d.logger))

	r.HandleFunc("/healthz", d.health.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/version", handlers.VersionInfo).Methods(http.MethodGet)
	d.openAPI.RegisterRoutes(r)

	authRouter := r.PathPrefix("/api/v1/auth").Subrouter()

	loginRouter := authRouter.PathPrefix("/oidc").Subrouter()
	loginRouter.Use(d.rateLimit)
	loginRouter.HandleFunc("/login", d.auth.Login).Methods(http.MethodGet)
	loginRouter.HandleFunc("/callback", d.auth.Callback).Methods(http.MethodGet)

	requireSession := middleware.Auth(d.sessions, d.logger)
	authRouter.Handle("/me", requireSession(http.HandlerFunc(d.auth.Me))).Methods(http.MethodGet)

	// Preflight requests are answered by the CORS middleware; this route
	// only gives them something to match.
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}
