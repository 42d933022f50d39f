// Package oidc performs the OAuth2 authorization-code exchange with the
// external OpenID Connect provider and verifies the identity token it returns.
package oidc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/benvon/sessiongate/internal/autherr"
	"github.com/benvon/sessiongate/internal/config"
	"github.com/benvon/sessiongate/internal/models"
	"golang.org/x/oauth2"
)

const (
	// DefaultProviderTimeout bounds a single exchange with the provider.
	DefaultProviderTimeout = 10 * time.Second
	// DefaultStateTTL is how long a started login may wait for its callback.
	DefaultStateTTL = 10 * time.Minute

	randomValueBytes = 32
)

var errMissingIDToken = errors.New("token response did not include an id_token")

// LoginRedirect is where the browser is sent to authenticate.
type LoginRedirect struct {
	URL       string
	State     string
	ExpiresAt time.Time
}

// Client wraps OAuth2 client functionality
type Client struct {
	config     oauth2.Config
	provider   *Provider
	verifier   *Verifier
	states     StateStore
	httpClient *http.Client
	timeout    time.Duration
	stateTTL   time.Duration
	now        func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the client used for every call to the provider.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientClock replaces time.Now, for tests.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a new OAuth2 client for the configured provider
func NewClient(cfg config.OIDCConfig, states StateStore, opts ...ClientOption) *Client {
	c := &Client{
		states:   states,
		timeout:  cfg.ProviderTimeout,
		stateTTL: cfg.StateTTL,
		now:      time.Now,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultProviderTimeout
	}
	if c.stateTTL <= 0 {
		c.stateTTL = DefaultStateTTL
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	if !slices.Contains(scopes, "openid") {
		scopes = append([]string{"openid"}, scopes...)
	}

	// A fixed auth style keeps the library from resending a single-use code
	// under the other style after a failure.
	authStyle := oauth2.AuthStyleInHeader
	if cfg.ClientSecret == "" {
		authStyle = oauth2.AuthStyleInParams
	}

	c.config = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       scopes,
		Endpoint:     oauth2.Endpoint{AuthStyle: authStyle},
	}
	c.provider = NewProvider(cfg, c.httpClient)
	c.verifier = NewVerifier(NewJWKSManager(c.httpClient), c.provider.Issuer(), cfg.ClientID)
	c.verifier.now = c.now

	return c
}

// Provider returns the endpoint resolver used by the client.
func (c *Client) Provider() *Provider {
	return c.provider
}

// BeginLogin starts an authorization request: it records a pending login
// under a fresh state value and returns the provider URL to redirect to.
func (c *Client) BeginLogin(ctx context.Context) (*LoginRedirect, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ep, err := c.provider.Endpoints(ctx)
	if err != nil {
		return nil, providerError(err)
	}

	state, err := randomValue()
	if err != nil {
		return nil, err
	}
	nonce, err := randomValue()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	now := c.now()
	pending := &PendingLogin{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		RedirectURI:  c.config.RedirectURL,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.stateTTL),
	}
	if err := c.states.Save(ctx, pending); err != nil {
		return nil, autherr.New(autherr.StoreUnavailable, err)
	}

	cfg := c.oauthConfig(ep)
	authURL := cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.S256ChallengeOption(verifier),
	)

	return &LoginRedirect{URL: authURL, State: state, ExpiresAt: pending.ExpiresAt}, nil
}

// CompleteLogin validates the returned state against expectedState, the
// value bound to the browser at BeginLogin, then exchanges code for tokens
// and verifies the identity token. The code is sent to the provider at most
// once.
func (c *Client) CompleteLogin(ctx context.Context, code, state, expectedState string) (*models.IdentityClaims, error) {
	if !stateMatches(state, expectedState) {
		return nil, autherr.Errorf(autherr.InvalidState, "state mismatch")
	}

	pending, err := c.states.Take(ctx, state)
	if errors.Is(err, ErrStateNotFound) {
		return nil, autherr.Errorf(autherr.InvalidState, "no pending login for state")
	}
	if err != nil {
		return nil, autherr.New(autherr.StoreUnavailable, err)
	}
	if code == "" {
		return nil, autherr.Errorf(autherr.ProviderRejected, "missing authorization code")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ep, err := c.provider.Endpoints(ctx)
	if err != nil {
		return nil, providerError(err)
	}

	tok, err := c.ExchangeCode(ctx, ep, code, pending.CodeVerifier)
	if err != nil {
		return nil, err
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, autherr.New(autherr.ProviderRejected, errMissingIDToken)
	}

	return c.verifier.Verify(ctx, rawIDToken, ep.JWKSURL, pending.Nonce)
}

// AbandonLogin discards the pending login for state after the provider
// reported an error instead of a code. A state that does not match
// expectedState is left alone.
func (c *Client) AbandonLogin(ctx context.Context, state, expectedState string) error {
	if !stateMatches(state, expectedState) {
		return autherr.Errorf(autherr.InvalidState, "state mismatch")
	}
	_, err := c.states.Take(ctx, state)
	if errors.Is(err, ErrStateNotFound) {
		return autherr.Errorf(autherr.InvalidState, "no pending login for state")
	}
	if err != nil {
		return autherr.New(autherr.StoreUnavailable, err)
	}
	return nil
}

func stateMatches(state, expectedState string) bool {
	return state != "" && expectedState != "" &&
		subtle.ConstantTimeCompare([]byte(state), []byte(expectedState)) == 1
}

// ExchangeCode exchanges an authorization code for tokens, classifying
// failures as ProviderTimeout, CodeAlreadyUsed or ProviderRejected.
func (c *Client) ExchangeCode(ctx context.Context, ep *Endpoints, code, codeVerifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	cfg := c.oauthConfig(ep)

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err == nil {
		return tok, nil
	}
	if isTimeout(err) {
		return nil, autherr.New(autherr.ProviderTimeout, err)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
		return nil, autherr.New(autherr.CodeAlreadyUsed, err)
	}
	return nil, autherr.New(autherr.ProviderRejected, err)
}

func (c *Client) oauthConfig(ep *Endpoints) *oauth2.Config {
	cfg := c.config
	cfg.Endpoint.AuthURL = ep.AuthURL
	cfg.Endpoint.TokenURL = ep.TokenURL
	return &cfg
}

func randomValue() (string, error) {
	b := make([]byte, randomValueBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
