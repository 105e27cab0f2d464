// Package providers defines the interface for OAuth identity providers and
// the runtime registry that keys them by name. Provider-specific logic for
// Google, GitHub, and Microsoft lives in subpackages.
package providers

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// ErrRefreshNotSupported is returned by providers whose tokens cannot be
// refreshed, so callers can map the failure to unsupported_grant_type
// instead of invalid_grant.
var ErrRefreshNotSupported = errors.New("provider does not support token refresh")

// DefaultUserInfoTimeout bounds a provider's user-info fetch independently
// of store operation timeouts; it is the one call genuinely bounded by
// third-party latency.
const DefaultUserInfoTimeout = 10 * time.Second

// Provider is the capability set every identity provider implements. The
// flows differ only in endpoint shapes and claim mapping, so the server
// selects providers via the Registry at runtime, never via type switches.
type Provider interface {
	// Name returns the provider name (e.g., "google", "github", "microsoft").
	Name() string

	// AuthorizationURL generates the URL to redirect users for
	// authentication. codeChallenge/codeChallengeMethod carry PKCE (empty
	// strings disable it).
	AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string

	// ExchangeCode exchanges an authorization code for tokens. codeVerifier
	// is the PKCE verifier (empty string if not using PKCE).
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// RefreshToken refreshes an expired token using a refresh token.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes a token at the provider. Providers without a
	// revocation endpoint return nil (local deletion is sufficient).
	RevokeToken(ctx context.Context, token string) error

	// ValidateToken verifies an access token upstream and returns the user
	// it belongs to.
	ValidateToken(ctx context.Context, accessToken string) (*UserInfo, error)

	// GetUserInfo fetches identity claims for an access token. Bounded by
	// its own timeout, independent of store operations.
	GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)

	// HealthCheck verifies the provider is reachable. Useful for readiness
	// probes and startup validation.
	HealthCheck(ctx context.Context) error
}

// UserInfo carries provider-sourced identity claims. It is embedded in
// stored token records and session metadata, which is why those stores
// must encrypt at rest: Email and Name are PII.
type UserInfo struct {
	// Subject is the unique user identifier at the provider ("sub").
	Subject string `json:"sub"`

	// Email is the user's email address.
	Email string `json:"email,omitempty"`

	// EmailVerified indicates whether the provider verified the email.
	EmailVerified bool `json:"email_verified,omitempty"`

	// Name is the user's display name.
	Name string `json:"name,omitempty"`

	// GivenName is the user's first name.
	GivenName string `json:"given_name,omitempty"`

	// FamilyName is the user's last name.
	FamilyName string `json:"family_name,omitempty"`

	// Picture is the URL of the user's profile picture.
	Picture string `json:"picture,omitempty"`

	// Provider names the identity provider that sourced these claims.
	Provider string `json:"provider,omitempty"`
}
