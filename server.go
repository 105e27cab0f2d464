package authkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authkit/instrumentation"
	"github.com/giantswarm/mcp-authkit/internal/util"
	"github.com/giantswarm/mcp-authkit/providers"
	"github.com/giantswarm/mcp-authkit/security"
	"github.com/giantswarm/mcp-authkit/sessions"
	"github.com/giantswarm/mcp-authkit/storage"
)

// callbackCodeTTL bounds the window between the provider callback and the
// client's token exchange.
const callbackCodeTTL = 5 * time.Minute

// AuthInfo is the verified identity attached to authenticated requests and
// persisted in session metadata.
type AuthInfo = sessions.AuthInfo

// Server orchestrates OAuth flows across the registered providers and the
// configured store backends.
type Server struct {
	config   *Config
	registry *providers.Registry
	stores   *Stores

	rateLimiter *security.RateLimiter
	inst        *instrumentation.Instrumentation
	logger      *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstrumentation wires OpenTelemetry instrumentation into the server.
func WithInstrumentation(inst *instrumentation.Instrumentation) ServerOption {
	return func(s *Server) { s.inst = inst }
}

// NewServer creates a flow server over the given stores and providers.
func NewServer(cfg *Config, stores *Stores, registry *providers.Registry, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stores == nil {
		return nil, fmt.Errorf("stores are required")
	}
	if registry == nil || len(registry.Names()) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		registry: registry,
		stores:   stores,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.RateLimit.Rate > 0 {
		s.rateLimiter = security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, logger)
	}

	return s, nil
}

// Stop releases server-owned resources. Store backends are owned by the
// caller and stopped separately via Stores.Stop.
func (s *Server) Stop() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// Providers returns the provider registry.
func (s *Server) Providers() *providers.Registry {
	return s.registry
}

// Sessions returns the session metadata store.
func (s *Server) Sessions() sessions.Store {
	return s.stores.Sessions
}

func (s *Server) recordFlow(ctx context.Context, provider, op string, err error) {
	if s.inst == nil {
		return
	}
	s.inst.Metrics().RecordFlowOperation(ctx, provider, op, err == nil)
}

// ============================================================
// Authorization leg
// ============================================================

// AuthorizeURL starts the authorization flow for a provider: it generates
// state and a PKCE verifier/challenge pair, persists them keyed by state,
// and returns the provider redirect URL.
func (s *Server) AuthorizeURL(ctx context.Context, providerName string) (string, error) {
	provider, ok := s.registry.Get(providerName)
	if !ok {
		return "", ErrInvalidRequest(fmt.Sprintf("unknown provider %q", providerName))
	}

	state := util.RandomToken(32)
	verifier := util.GenerateCodeVerifier()
	challenge := util.CodeChallengeS256(verifier)

	data := &storage.PKCEData{
		CodeVerifier: verifier,
		State:        state,
		Provider:     provider.Name(),
	}
	if err := s.stores.PKCE.SaveCodeVerifier(ctx, state, data, s.config.PKCETTL); err != nil {
		s.logger.Error("Failed to persist PKCE data", "provider", provider.Name(), "error", err)
		s.recordFlow(ctx, provider.Name(), "authorize", err)
		return "", ErrServerError("failed to persist flow state")
	}

	s.recordFlow(ctx, provider.Name(), "authorize", nil)
	return provider.AuthorizationURL(state, challenge, "S256"), nil
}

// CompleteCallback validates the provider callback and re-keys the stored
// PKCE data under the authorization code, so the universal token endpoint
// can route and exchange it. The state entry is consumed atomically; a
// replayed or forged state fails here.
func (s *Server) CompleteCallback(ctx context.Context, providerName, state, code string) error {
	provider, ok := s.registry.Get(providerName)
	if !ok {
		return ErrInvalidRequest(fmt.Sprintf("unknown provider %q", providerName))
	}
	if state == "" || code == "" {
		return ErrInvalidRequest("state and code are required")
	}

	data, err := s.stores.PKCE.GetAndDeleteCodeVerifier(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrPKCENotFound) {
			s.logger.Warn("Callback with unknown or replayed state",
				"provider", provider.Name(), "state", util.SafeTruncate(state, 8))
			s.recordFlow(ctx, provider.Name(), "callback", err)
			return ErrInvalidGrant("unknown or expired state")
		}
		s.recordFlow(ctx, provider.Name(), "callback", err)
		return ErrServerError("failed to load flow state")
	}
	if data.Provider != provider.Name() {
		s.recordFlow(ctx, provider.Name(), "callback", errors.New("provider mismatch"))
		return ErrInvalidGrant("state does not belong to this provider")
	}

	if err := s.stores.PKCE.SaveCodeVerifier(ctx, code, data, callbackCodeTTL); err != nil {
		s.logger.Error("Failed to re-key PKCE data", "provider", provider.Name(), "error", err)
		s.recordFlow(ctx, provider.Name(), "callback", err)
		return ErrServerError("failed to persist flow state")
	}

	s.recordFlow(ctx, provider.Name(), "callback", nil)
	return nil
}

// ============================================================
// Token leg
// ============================================================

// Exchange consumes the authorization code's PKCE entry and exchanges the
// code with the named provider. The atomic consume makes code replay fail
// regardless of how many instances serve the endpoint.
func (s *Server) Exchange(ctx context.Context, providerName, code string) (*TokenResponse, error) {
	provider, ok := s.registry.Get(providerName)
	if !ok {
		return nil, ErrInvalidRequest(fmt.Sprintf("unknown provider %q", providerName))
	}

	data, err := s.stores.PKCE.GetAndDeleteCodeVerifier(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrPKCENotFound) {
			s.recordFlow(ctx, provider.Name(), "exchange", err)
			return nil, ErrInvalidGrant("unknown, expired, or already used authorization code")
		}
		s.recordFlow(ctx, provider.Name(), "exchange", err)
		return nil, ErrServerError("failed to load flow state")
	}

	token, err := provider.ExchangeCode(ctx, code, data.CodeVerifier)
	if err != nil {
		s.logger.Warn("Code exchange failed", "provider", provider.Name(), "error", err)
		s.recordFlow(ctx, provider.Name(), "exchange", err)
		return nil, ErrInvalidGrant("authorization code rejected by provider")
	}

	return s.storeToken(ctx, provider, token)
}

// storeToken persists the upstream token with the user's identity and
// builds the client-facing response.
func (s *Server) storeToken(ctx context.Context, provider providers.Provider, token *oauth2.Token) (*TokenResponse, error) {
	userInfo, uErr := provider.GetUserInfo(ctx, token.AccessToken)
	if s.inst != nil {
		s.inst.Metrics().RecordProviderCall(ctx, provider.Name(), "get_user_info", uErr)
	}
	if uErr != nil {
		// Identity enrichment is best-effort; the token itself is valid.
		s.logger.Warn("Failed to fetch user info", "provider", provider.Name(), "error", uErr)
		userInfo = nil
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(s.config.TokenTTL)
	}

	var scopes []string
	if sc, ok := token.Extra("scope").(string); ok && sc != "" {
		scopes = strings.Fields(sc)
	}

	info := &storage.TokenInfo{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
		Provider:     provider.Name(),
		Scopes:       scopes,
		UserInfo:     userInfo,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		info.IDToken = idToken
	}

	if err := s.stores.Tokens.SaveToken(ctx, info); err != nil {
		s.logger.Error("Failed to save token", "provider", provider.Name(), "error", err)
		s.recordFlow(ctx, provider.Name(), "exchange", err)
		return nil, ErrServerError("failed to persist token")
	}

	s.recordFlow(ctx, provider.Name(), "exchange", nil)
	return &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
		RefreshToken: token.RefreshToken,
		Scope:        strings.Join(scopes, " "),
	}, nil
}

// Refresh rotates a token via the named provider: the upstream refresh
// runs first, then the old record is replaced by the new one.
func (s *Server) Refresh(ctx context.Context, providerName, refreshToken string) (*TokenResponse, error) {
	provider, ok := s.registry.Get(providerName)
	if !ok {
		return nil, ErrInvalidRequest(fmt.Sprintf("unknown provider %q", providerName))
	}
	if refreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	old, err := s.stores.Tokens.FindByRefreshToken(ctx, refreshToken)
	if err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		s.recordFlow(ctx, provider.Name(), "refresh", err)
		return nil, ErrServerError("failed to resolve refresh token")
	}

	token, err := provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, providers.ErrRefreshNotSupported) {
			return nil, ErrUnsupportedGrantType("provider does not support refresh")
		}
		s.logger.Warn("Token refresh failed", "provider", provider.Name(), "error", err)
		s.recordFlow(ctx, provider.Name(), "refresh", err)
		return nil, ErrInvalidGrant("refresh token rejected by provider")
	}

	// Providers that do not rotate refresh tokens return an empty one.
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	// Rotation: delete the old record before saving the replacement so
	// the refresh index points at exactly one record at a time.
	if old != nil {
		if err := s.stores.Tokens.DeleteToken(ctx, old.AccessToken); err != nil {
			s.logger.Warn("Failed to delete rotated token", "provider", provider.Name(), "error", err)
		}
	}

	resp, err := s.storeToken(ctx, provider, token)
	if err != nil {
		return nil, err
	}

	s.recordFlow(ctx, provider.Name(), "refresh", nil)
	return resp, nil
}

// Logout revokes the upstream token best-effort and deletes the local
// record. Local deletion is authoritative.
func (s *Server) Logout(ctx context.Context, accessToken string) error {
	info, err := s.stores.Tokens.GetToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			return nil
		}
		return ErrServerError("failed to load token")
	}

	if provider, ok := s.registry.Get(info.Provider); ok {
		if rErr := provider.RevokeToken(ctx, accessToken); rErr != nil {
			s.logger.Warn("Upstream revocation failed", "provider", info.Provider, "error", rErr)
		}
	}

	if err := s.stores.Tokens.DeleteToken(ctx, accessToken); err != nil {
		return ErrServerError("failed to delete token")
	}
	s.recordFlow(ctx, info.Provider, "logout", nil)
	return nil
}

// VerifyToken resolves a bearer token to the identity it was issued for.
// Expired and unknown tokens fail with invalid_token; storage or decryption
// failures surface as server_error so tampering is never mistaken for a
// missing record.
func (s *Server) VerifyToken(ctx context.Context, accessToken string) (*AuthInfo, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken("missing token")
	}

	info, err := s.stores.Tokens.GetToken(ctx, accessToken)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
			return nil, ErrInvalidToken("invalid or expired token")
		case errors.Is(err, security.ErrDecryptionFailed):
			s.logger.Error("Token record failed decryption", "error", err)
			return nil, ErrServerError("token record unreadable")
		default:
			return nil, ErrServerError("failed to load token")
		}
	}

	auth := &AuthInfo{
		Provider:  info.Provider,
		Scopes:    info.Scopes,
		ExpiresAt: info.ExpiresAt,
	}
	if info.UserInfo != nil {
		auth.Subject = info.UserInfo.Subject
		auth.Email = info.UserInfo.Email
		auth.Name = info.UserInfo.Name
	}
	return auth, nil
}
