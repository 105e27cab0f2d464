package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-authkit/internal/util"
	"github.com/giantswarm/mcp-authkit/storage"
)

// clientSecretBytes gives 256 bits of entropy per RFC 7591 guidance.
const clientSecretBytes = 32

var allowedAuthMethods = map[string]bool{
	"":                    true,
	"none":                true,
	"client_secret_basic": true,
	"client_secret_post":  true,
}

var allowedGrantTypes = map[string]bool{
	GrantTypeAuthorizationCode: true,
	GrantTypeRefreshToken:      true,
}

// RegisterClient performs dynamic client registration (RFC 7591). Client
// credentials are generated server-side; the secret is returned exactly
// once and only its bcrypt hash is stored.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, initialAccessToken string) (*ClientRegistrationResponse, error) {
	if req == nil {
		return nil, ErrInvalidRequest("request body is required")
	}

	if s.config.Registration.RequireInitialAccessToken {
		if initialAccessToken == "" {
			return nil, ErrInvalidToken("registration requires an initial access token")
		}
		if _, err := s.stores.InitialTokens.ConsumeInitialAccessToken(ctx, initialAccessToken); err != nil {
			switch {
			case errors.Is(err, storage.ErrInitialTokenExhausted):
				return nil, ErrInvalidToken("initial access token usage limit reached")
			case errors.Is(err, storage.ErrInitialTokenInvalid):
				return nil, ErrInvalidToken("initial access token is invalid, expired, or revoked")
			default:
				return nil, ErrServerError("failed to validate initial access token")
			}
		}
	}

	if err := validateRegistration(req); err != nil {
		return nil, err
	}

	if s.config.Registration.MaxClients > 0 {
		count, err := s.stores.Clients.CountClients(ctx)
		if err != nil {
			return nil, ErrServerError("failed to check client capacity")
		}
		if count >= s.config.Registration.MaxClients {
			s.logger.Warn("Client registration rejected: capacity reached",
				"count", count, "max", s.config.Registration.MaxClients)
			return nil, NewOAuthError(ErrorCodeInvalidRequest,
				storage.ErrMaxClientsReached.Error(), http.StatusForbidden)
		}
	}

	clientID := uuid.NewString()
	secret := util.RandomToken(clientSecretBytes)

	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, ErrServerError("failed to hash client secret")
	}

	now := time.Now()
	var secretExpiresAt time.Time
	if s.config.Registration.SecretTTL > 0 {
		secretExpiresAt = now.Add(s.config.Registration.SecretTTL)
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        string(secretHash),
		ClientIDIssuedAt:        now,
		ClientSecretExpiresAt:   secretExpiresAt,
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
	}
	if err := s.stores.Clients.SaveClient(ctx, client); err != nil {
		s.logger.Error("Failed to save registered client", "error", err)
		return nil, ErrServerError("failed to persist client registration")
	}

	s.logger.Info("Registered client", "client_id", clientID, "client_name", req.ClientName)

	return &ClientRegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   unixOrZero(secretExpiresAt),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
	}, nil
}

// GetRegisteredClient returns a client record without secret material.
func (s *Server) GetRegisteredClient(ctx context.Context, clientID string) (*ClientRegistrationResponse, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.stores.Clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, ErrServerError("failed to load client")
	}

	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        unixOrZero(client.ClientIDIssuedAt),
		ClientSecretExpiresAt:   unixOrZero(client.ClientSecretExpiresAt),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
	}, nil
}

// DeleteRegisteredClient removes a client registration.
func (s *Server) DeleteRegisteredClient(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrInvalidRequest("client_id is required")
	}

	err := s.stores.Clients.DeleteClient(ctx, clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return ErrInvalidClient("unknown client")
	}
	if err != nil {
		return ErrServerError("failed to delete client")
	}
	return nil
}

// VerifyClientSecret checks a presented secret against the stored hash.
func (s *Server) VerifyClientSecret(ctx context.Context, clientID, secret string) error {
	client, err := s.stores.Clients.GetClient(ctx, clientID)
	if err != nil {
		return ErrInvalidClient("unknown client")
	}
	if client.SecretExpired() {
		return ErrInvalidClient("client secret has expired")
	}
	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) != nil {
		return ErrInvalidClient("client authentication failed")
	}
	return nil
}

// unixOrZero preserves the RFC 7591 convention that 0 means "never".
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// validateRegistration rejects malformed registration metadata. Supplying
// client credentials in the request is impossible by construction: the
// request type has no such fields and unknown JSON members are ignored per
// RFC 7591.
func validateRegistration(req *ClientRegistrationRequest) error {
	if len(req.RedirectURIs) == 0 {
		return ErrInvalidClientMetadata("redirect_uris is required")
	}
	for _, raw := range req.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			return err
		}
	}

	if !allowedAuthMethods[req.TokenEndpointAuthMethod] {
		return ErrInvalidClientMetadata(
			fmt.Sprintf("unsupported token_endpoint_auth_method %q", req.TokenEndpointAuthMethod))
	}
	for _, gt := range req.GrantTypes {
		if !allowedGrantTypes[gt] {
			return ErrInvalidClientMetadata(fmt.Sprintf("unsupported grant_type %q", gt))
		}
	}
	for _, rt := range req.ResponseTypes {
		if rt != "code" {
			return ErrInvalidClientMetadata(fmt.Sprintf("unsupported response_type %q", rt))
		}
	}
	return nil
}

// validateRedirectURI enforces https for non-loopback hosts and rejects
// fragments per RFC 6749 §3.1.2.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return ErrInvalidRedirectURI(fmt.Sprintf("redirect URI %q is not an absolute URL", raw))
	}
	if u.Fragment != "" {
		return ErrInvalidRedirectURI("redirect URIs must not contain a fragment")
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".localhost") {
			return nil
		}
		return ErrInvalidRedirectURI("http redirect URIs are only allowed for loopback hosts")
	default:
		return ErrInvalidRedirectURI(fmt.Sprintf("unsupported redirect URI scheme %q", u.Scheme))
	}
}
