package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benvon/sessiongate/internal/config"
)

const discoveryPath = "/.well-known/openid-configuration"

// Discovery is the subset of the provider metadata document we rely on.
type Discovery struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	UserinfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// Endpoints are the provider URLs used during a login.
type Endpoints struct {
	AuthURL  string
	TokenURL string
	JWKSURL  string
}

// Provider resolves endpoints for the configured authority, from explicit
// overrides first and the discovery document otherwise.
type Provider struct {
	authority  string
	overrides  Endpoints
	httpClient *http.Client
	ttl        time.Duration

	mu        sync.RWMutex
	discovery *Discovery
	fetchedAt time.Time
}

// NewProvider creates a provider for cfg. httpClient may be nil.
func NewProvider(cfg config.OIDCConfig, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.ProviderTimeout}
	}
	return &Provider{
		authority: strings.TrimSuffix(cfg.Authority, "/"),
		overrides: Endpoints{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
			JWKSURL:  cfg.JWKSURL,
		},
		httpClient: httpClient,
		ttl:        1 * time.Hour,
	}
}

// Issuer returns the expected "iss" of identity tokens.
func (p *Provider) Issuer() string {
	return p.authority
}

// Endpoints returns the authorization, token and JWKS URLs.
func (p *Provider) Endpoints(ctx context.Context) (*Endpoints, error) {
	ep := p.overrides
	if ep.AuthURL != "" && ep.TokenURL != "" && ep.JWKSURL != "" {
		return &ep, nil
	}

	d, err := p.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if ep.AuthURL == "" {
		ep.AuthURL = d.AuthorizationEndpoint
	}
	if ep.TokenURL == "" {
		ep.TokenURL = d.TokenEndpoint
	}
	if ep.JWKSURL == "" {
		ep.JWKSURL = d.JWKSURI
	}
	if ep.AuthURL == "" || ep.TokenURL == "" || ep.JWKSURL == "" {
		return nil, fmt.Errorf("discovery document for %s is missing endpoints", p.authority)
	}
	return &ep, nil
}

// Discover returns the provider's discovery document, cached for an hour.
func (p *Provider) Discover(ctx context.Context) (*Discovery, error) {
	p.mu.RLock()
	if p.discovery != nil && time.Since(p.fetchedAt) < p.ttl {
		d := p.discovery
		p.mu.RUnlock()
		return d, nil
	}
	p.mu.RUnlock()

	d, err := p.fetchDiscovery(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.discovery = d
	p.fetchedAt = time.Now()
	p.mu.Unlock()

	return d, nil
}

func (p *Provider) fetchDiscovery(ctx context.Context) (*Discovery, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.authority+discoveryPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var d Discovery
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if strings.TrimSuffix(d.Issuer, "/") != p.authority {
		return nil, fmt.Errorf("discovery issuer %q does not match authority %q", d.Issuer, p.authority)
	}
	return &d, nil
}
