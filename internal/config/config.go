package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/benvon/sessiongate/internal/validation"
	"github.com/caarlos0/env/v11"
)

// Config holds application configuration. It is built once at startup and
// passed by pointer to the components that need it; nothing mutates it later.
type Config struct {
	DatabaseURL     string `env:"DATABASE_URL" validate:"required,database_url"`
	ServerPort      string `env:"SERVER_PORT" envDefault:"8080" validate:"required,numeric"`
	BaseURL         string `env:"BASE_URL" envDefault:"http://localhost:8080" validate:"required,url"`
	FrontendURL     string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	EnableHSTS      bool   `env:"ENABLE_HSTS" envDefault:"false"`
	ServerDebugMode bool   `env:"SERVER_DEBUG_MODE" envDefault:"false"`
	WorkerDebugMode bool   `env:"WORKER_DEBUG_MODE" envDefault:"false"`

	// TrustedProxies lists the IPs or CIDRs whose forwarding headers are
	// believed when working out the client address.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:"," validate:"dive,cidr|ip"`

	OIDC  OIDCConfig
	Token TokenConfig

	CookieSecret string `env:"COOKIE_SECRET"`
	CookieSecure bool   `env:"COOKIE_SECURE" envDefault:"true"`

	RedisURL         string `env:"REDIS_URL"`
	RateLimit        string `env:"RATE_LIMIT" envDefault:"10-M"`
	RabbitMQURL      string `env:"RABBITMQ_URL"`
	RabbitMQPrefetch int    `env:"RABBITMQ_PREFETCH" envDefault:"1" validate:"min=1"`

	LoginEventRetention     time.Duration `env:"LOGIN_EVENT_RETENTION" envDefault:"720h" validate:"gte=0"`
	LoginEventSweepInterval time.Duration `env:"LOGIN_EVENT_SWEEP_INTERVAL" envDefault:"1h" validate:"gt=0"`

	OTELEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// OIDCConfig describes the external identity provider.
type OIDCConfig struct {
	Authority       string        `env:"OIDC_AUTHORITY" validate:"required,url"`
	ClientID        string        `env:"OIDC_CLIENT_ID" validate:"required"`
	ClientSecret    string        `env:"OIDC_CLIENT_SECRET"`
	RedirectURI     string        `env:"OIDC_REDIRECT_URI" validate:"required,url"`
	Scopes          []string      `env:"OIDC_SCOPES" envDefault:"openid,email,profile" envSeparator:","`
	AuthURL         string        `env:"OIDC_AUTH_URL" validate:"omitempty,url"`
	TokenURL        string        `env:"OIDC_TOKEN_URL" validate:"omitempty,url"`
	JWKSURL         string        `env:"OIDC_JWKS_URL" validate:"omitempty,url"`
	ProviderTimeout time.Duration `env:"OIDC_PROVIDER_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	StateTTL        time.Duration `env:"OIDC_STATE_TTL" envDefault:"10m" validate:"gt=0"`
}

// TokenConfig describes how session tokens are signed.
type TokenConfig struct {
	SigningSecret    string        `env:"TOKEN_SIGNING_SECRET" validate:"required,min=32"`
	SigningAlgorithm string        `env:"TOKEN_SIGNING_ALG" envDefault:"HS256" validate:"hmac_alg"`
	TTL              time.Duration `env:"TOKEN_TTL" envDefault:"15m" validate:"gt=0"`
	Issuer           string        `env:"TOKEN_ISSUER"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return LoadFromMap(environ())
}

// LoadFromMap loads configuration from the given key/value environment.
func LoadFromMap(environment map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.Token.Issuer == "" {
		cfg.Token.Issuer = cfg.BaseURL
	}
	if cfg.CookieSecret == "" {
		cfg.CookieSecret = cfg.Token.SigningSecret
	}
	cfg.OIDC.Authority = strings.TrimSuffix(cfg.OIDC.Authority, "/")

	if err := validation.Validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// FrontendOrigins returns the CORS origins listed in FRONTEND_URL.
func (c *Config) FrontendOrigins() []string {
	var origins []string
	seen := make(map[string]bool)
	for _, o := range strings.Split(c.FrontendURL, ",") {
		o = strings.TrimSpace(o)
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		origins = append(origins, o)
	}
	return origins
}

func environ() map[string]string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}
