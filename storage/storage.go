// Package storage defines the persistence interfaces for PKCE flow data,
// issued tokens, and dynamically registered clients. Interchangeable
// backends exist for in-memory, local-file, and Redis deployments; callers
// select one via the factory in the root package and never branch on the
// backend at call sites.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/mcp-authkit/providers"
)

// Sentinel errors shared by all backends. Not-found conditions are distinct
// from capacity and expiry conditions so handlers can map them to the right
// OAuth error codes.
var (
	// ErrPKCENotFound indicates no verifier is stored under the given code.
	ErrPKCENotFound = errors.New("pkce entry not found")

	// ErrTokenNotFound indicates no token record exists for the lookup value.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the record exists but is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrClientNotFound indicates no registered client with the given ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrMaxClientsReached indicates the registration quota is exhausted.
	ErrMaxClientsReached = errors.New("maximum number of registered clients reached")

	// ErrInitialTokenInvalid indicates a DCR bootstrap token is unknown,
	// revoked, or expired.
	ErrInitialTokenInvalid = errors.New("initial access token invalid")

	// ErrInitialTokenExhausted indicates a DCR bootstrap token has reached
	// its usage cap. Distinct from ErrInitialTokenInvalid so quota errors
	// are reported separately from not-found.
	ErrInitialTokenExhausted = errors.New("initial access token usage exceeded")
)

// DefaultPKCETTL is how long an unconsumed PKCE entry survives.
const DefaultPKCETTL = 600 * time.Second

// PKCEData binds an authorization code to the verifier and state of the
// flow that produced it. Consumed exactly once during token exchange.
type PKCEData struct {
	CodeVerifier string `json:"code_verifier"`
	State        string `json:"state"`

	// Provider names the upstream provider that issued the code, so the
	// universal token endpoint can route the exchange.
	Provider string `json:"provider,omitempty"`
}

// PKCEStore maps authorization codes to PKCE flow data with a TTL.
//
// GetAndDeleteCodeVerifier is the load-bearing operation: it is the single
// line of defense against authorization-code replay. Once a code's verifier
// has been retrieved, a second retrieval must observe it as absent even
// under concurrent execution. Shared backends implement it as one atomic
// server-side script; in-process backends use a mutex-guarded map.
type PKCEStore interface {
	// SaveCodeVerifier stores flow data under a code with the given TTL.
	// A non-positive ttl falls back to DefaultPKCETTL.
	SaveCodeVerifier(ctx context.Context, code string, data *PKCEData, ttl time.Duration) error

	// GetCodeVerifier returns the flow data without consuming it.
	GetCodeVerifier(ctx context.Context, code string) (*PKCEData, error)

	// GetAndDeleteCodeVerifier atomically retrieves and removes the entry.
	GetAndDeleteCodeVerifier(ctx context.Context, code string) (*PKCEData, error)

	// HasCodeVerifier reports whether an unexpired entry exists. Used by the
	// universal token handler to route a code to its owning provider.
	HasCodeVerifier(ctx context.Context, code string) (bool, error)

	// DeleteCodeVerifier removes the entry if present.
	DeleteCodeVerifier(ctx context.Context, code string) error
}

// TokenInfo is one issued access token and everything needed to serve
// resource verification and refresh routing for it. UserInfo carries
// provider-sourced identity claims and must never reach durable storage in
// plaintext.
type TokenInfo struct {
	AccessToken  string              `json:"access_token"`
	RefreshToken string              `json:"refresh_token,omitempty"`
	IDToken      string              `json:"id_token,omitempty"`
	ExpiresAt    time.Time           `json:"expires_at"`
	Provider     string              `json:"provider"`
	Scopes       []string            `json:"scopes,omitempty"`
	UserInfo     *providers.UserInfo `json:"user_info,omitempty"`
}

// Expired reports whether the token is past its expiry. Tokens without an
// expiry never expire.
func (t *TokenInfo) Expired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// TokenStore persists issued tokens, indexed by access token and — via a
// secondary index — by refresh token. FindByRefreshToken must be O(1), not
// a scan: the universal token handler depends on it to route a refresh
// request straight to the owning provider.
type TokenStore interface {
	// SaveToken persists a token record and its refresh index entry.
	SaveToken(ctx context.Context, info *TokenInfo) error

	// GetToken returns the record for an access token. A record past its
	// expiry is removed as a side effect and reported as ErrTokenExpired.
	GetToken(ctx context.Context, accessToken string) (*TokenInfo, error)

	// FindByRefreshToken returns the record owning a refresh token.
	FindByRefreshToken(ctx context.Context, refreshToken string) (*TokenInfo, error)

	// DeleteToken removes a record and its index entries.
	DeleteToken(ctx context.Context, accessToken string) error

	// Cleanup removes expired records and returns how many were dropped.
	// Backends with native TTL support may return 0.
	Cleanup(ctx context.Context) (int, error)
}

// InitialAccessToken is a one-time or capped-use credential gating dynamic
// client registration.
type InitialAccessToken struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	UsageCount int       `json:"usage_count"`
	MaxUses    int       `json:"max_uses,omitempty"` // 0 = unlimited
	Revoked    bool      `json:"revoked"`
}

// Valid reports whether the token may still authorize a registration.
func (t *InitialAccessToken) Valid() bool {
	if t.Revoked {
		return false
	}
	if !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt) {
		return false
	}
	if t.MaxUses > 0 && t.UsageCount >= t.MaxUses {
		return false
	}
	return true
}

// InitialAccessTokenStore persists DCR bootstrap tokens. Consume must be
// atomic: the validity check and the usage increment happen as one
// operation so concurrent registrations cannot overshoot MaxUses.
type InitialAccessTokenStore interface {
	// SaveInitialAccessToken persists a bootstrap token.
	SaveInitialAccessToken(ctx context.Context, tok *InitialAccessToken) error

	// ConsumeInitialAccessToken validates the raw token value and increments
	// its usage count atomically, returning the updated record.
	ConsumeInitialAccessToken(ctx context.Context, token string) (*InitialAccessToken, error)

	// RevokeInitialAccessToken marks a bootstrap token revoked by ID.
	RevokeInitialAccessToken(ctx context.Context, id string) error
}

// Client is a Dynamic Client Registration record. The secret is stored as a
// bcrypt hash; the plaintext is returned exactly once at registration time.
type Client struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash"`
	ClientIDIssuedAt        time.Time `json:"client_id_issued_at"`
	ClientSecretExpiresAt   time.Time `json:"client_secret_expires_at"` // zero = never expires
	RedirectURIs            []string  `json:"redirect_uris"`
	ClientName              string    `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string  `json:"grant_types,omitempty"`
	ResponseTypes           []string  `json:"response_types,omitempty"`
}

// SecretExpired reports whether the client secret is past its expiry.
func (c *Client) SecretExpired() bool {
	return !c.ClientSecretExpiresAt.IsZero() && time.Now().After(c.ClientSecretExpiresAt)
}

// ClientStore persists DCR records. Backends enforce no quota themselves;
// the registration handler checks CountClients against the configured
// ceiling before calling SaveClient.
type ClientStore interface {
	// SaveClient persists a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client by ID.
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)

	// CountClients returns the number of live client records.
	CountClients(ctx context.Context) (int, error)

	// CleanupExpired removes clients whose secret has expired, leaving
	// non-expiring clients untouched. Returns how many were dropped.
	CleanupExpired(ctx context.Context) (int, error)
}
