// Package microsoft implements the providers.Provider interface for
// Microsoft Entra ID (Azure AD v2.0) using OIDC discovery and ID-token
// verification via github.com/coreos/go-oidc.
package microsoft

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authkit/providers"
)

// DefaultTenant is used when no tenant is configured. Strict OIDC issuer
// validation requires a concrete tenant; the multi-tenant "common" endpoint
// rewrites the issuer per user and would fail verification.
const DefaultTenant = "organizations"

// Provider implements providers.Provider for Microsoft Entra ID.
type Provider struct {
	config          *oauth2.Config
	oidcProvider    *oidc.Provider
	verifier        *oidc.IDTokenVerifier
	httpClient      *http.Client
	userInfoTimeout time.Duration
}

// Config holds Microsoft OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Tenant is the Entra ID tenant (GUID or domain). Defaults to
	// DefaultTenant.
	Tenant string

	// Scopes default to ["openid", "email", "profile", "offline_access"].
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// UserInfoTimeout bounds the userinfo fetch.
	UserInfoTimeout time.Duration
}

// New creates a Microsoft provider. It performs OIDC discovery against the
// tenant's issuer, so construction requires network access.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	tenant := cfg.Tenant
	if tenant == "" {
		tenant = DefaultTenant
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile", "offline_access"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	timeout := cfg.UserInfoTimeout
	if timeout <= 0 {
		timeout = providers.DefaultUserInfoTimeout
	}

	issuer := fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", tenant)
	ctx = oidc.ClientContext(ctx, httpClient)

	oidcProvider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed for %s: %w", issuer, err)
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     oidcProvider.Endpoint(),
		},
		oidcProvider:    oidcProvider,
		verifier:        oidcProvider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		httpClient:      httpClient,
		userInfoTimeout: timeout,
	}, nil
}

// Name returns "microsoft".
func (p *Provider) Name() string { return "microsoft" }

// AuthorizationURL generates the Entra ID authorization redirect URL.
func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return p.config.AuthCodeURL(state, opts...)
}

// ExchangeCode exchanges an authorization code for tokens and verifies the
// returned ID token against the tenant's signing keys.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		if _, err := p.verifier.Verify(ctx, rawIDToken); err != nil {
			return nil, fmt.Errorf("id token verification failed: %w", err)
		}
	}

	return token, nil
}

// RefreshToken refreshes an expired token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	src := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return token, nil
}

// RevokeToken is a no-op: Entra ID exposes no OAuth token revocation
// endpoint for v2.0 apps, so local deletion is the effective revocation.
func (p *Provider) RevokeToken(_ context.Context, _ string) error {
	return nil
}

// ValidateToken verifies an access token by resolving its user upstream.
func (p *Provider) ValidateToken(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	return p.GetUserInfo(ctx, accessToken)
}

// GetUserInfo fetches identity claims from the discovered userinfo
// endpoint (Microsoft Graph).
func (p *Provider) GetUserInfo(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.userInfoTimeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, p.httpClient)

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	userInfo, err := p.oidcProvider.UserInfo(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	var claims struct {
		Name       string `json:"name"`
		GivenName  string `json:"givenname"`
		FamilyName string `json:"familyname"`
		Picture    string `json:"picture"`
	}
	if err := userInfo.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode user info claims: %w", err)
	}

	return &providers.UserInfo{
		Subject:       userInfo.Subject,
		Email:         userInfo.Email,
		EmailVerified: userInfo.EmailVerified,
		Name:          claims.Name,
		GivenName:     claims.GivenName,
		FamilyName:    claims.FamilyName,
		Picture:       claims.Picture,
		Provider:      p.Name(),
	}, nil
}

// HealthCheck verifies the tenant's JWKS endpoint is reachable by
// re-running a lightweight discovery fetch.
func (p *Provider) HealthCheck(ctx context.Context) error {
	var claims struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := p.oidcProvider.Claims(&claims); err != nil {
		return fmt.Errorf("discovery metadata unavailable: %w", err)
	}
	if claims.JWKSURL == "" {
		return fmt.Errorf("discovery metadata missing jwks_uri")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, claims.JWKSURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jwks endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

var _ providers.Provider = (*Provider)(nil)
