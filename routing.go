package authkit

import (
	"context"
	"errors"

	"github.com/giantswarm/mcp-authkit/storage"
)

// Grant types accepted by the universal token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// ExchangeAny routes an authorization code to the provider that issued it.
// The shared PKCE store records the owning provider with each entry, so one
// lookup resolves the route; an unrecognized code is invalid_grant, and a
// recognized code whose exchange fails is also invalid_grant with no second
// provider tried.
func (s *Server) ExchangeAny(ctx context.Context, code string) (*TokenResponse, error) {
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	data, err := s.stores.PKCE.GetCodeVerifier(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrPKCENotFound) {
			s.recordToken(ctx, GrantTypeAuthorizationCode, false)
			return nil, ErrInvalidGrant("unknown, expired, or already used authorization code")
		}
		s.recordToken(ctx, GrantTypeAuthorizationCode, false)
		return nil, ErrServerError("failed to load flow state")
	}

	// Exchange consumes the entry atomically; a concurrent duplicate of
	// this request loses the consume and fails with invalid_grant.
	resp, err := s.Exchange(ctx, data.Provider, code)
	s.recordToken(ctx, GrantTypeAuthorizationCode, err == nil)
	return resp, err
}

// RefreshAny routes a refresh token to its owning provider via the shared
// refresh index. When the index has no entry (for example after a store
// migration), it falls back to trying each provider in order, stopping at
// the first success.
func (s *Server) RefreshAny(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	info, err := s.stores.Tokens.FindByRefreshToken(ctx, refreshToken)
	if err == nil {
		resp, rErr := s.Refresh(ctx, info.Provider, refreshToken)
		s.recordToken(ctx, GrantTypeRefreshToken, rErr == nil)
		return resp, rErr
	}
	if !errors.Is(err, storage.ErrTokenNotFound) {
		s.logger.Warn("Refresh index unavailable, falling back to provider trial", "error", err)
	}

	for _, name := range s.registry.Names() {
		resp, rErr := s.Refresh(ctx, name, refreshToken)
		if rErr == nil {
			s.recordToken(ctx, GrantTypeRefreshToken, true)
			return resp, nil
		}
	}

	s.recordToken(ctx, GrantTypeRefreshToken, false)
	return nil, ErrInvalidGrant("refresh token not recognized by any provider")
}

// RevokeAny removes a token wherever it is held. It accepts either an
// access token or a refresh token and never reports whether the token
// existed: revocation responses must not be a token-enumeration oracle.
func (s *Server) RevokeAny(ctx context.Context, token string) {
	if token == "" {
		return
	}

	// Access token with a local record: revoke upstream and delete.
	if info, err := s.stores.Tokens.GetToken(ctx, token); err == nil {
		s.revokeRecord(ctx, info, token)
		return
	}

	// Refresh token: resolve the owning record through the index.
	if info, err := s.stores.Tokens.FindByRefreshToken(ctx, token); err == nil {
		s.revokeRecord(ctx, info, info.AccessToken)
		return
	}

	// No local record. Attempt blind upstream revocation with each
	// provider; providers without introspection treat this as success.
	for _, provider := range s.registry.All() {
		if err := provider.RevokeToken(ctx, token); err == nil {
			s.logger.Debug("Blind revocation accepted", "provider", provider.Name())
			return
		}
	}
}

// revokeRecord revokes a known token record upstream (best-effort) and
// deletes it locally.
func (s *Server) revokeRecord(ctx context.Context, info *storage.TokenInfo, accessToken string) {
	if provider, ok := s.registry.Get(info.Provider); ok {
		if err := provider.RevokeToken(ctx, info.AccessToken); err != nil {
			s.logger.Warn("Upstream revocation failed", "provider", info.Provider, "error", err)
		}
	}
	if err := s.stores.Tokens.DeleteToken(ctx, accessToken); err != nil {
		s.logger.Warn("Failed to delete revoked token", "error", err)
	}
}

func (s *Server) recordToken(ctx context.Context, grantType string, success bool) {
	if s.inst == nil {
		return
	}
	s.inst.Metrics().RecordTokenOperation(ctx, grantType, success)
}
