package authkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Well-known discovery paths.
const (
	MetadataPathAuthorizationServer = "/.well-known/oauth-authorization-server"
	MetadataPathProtectedResource   = "/.well-known/oauth-protected-resource"
	MetadataPathOpenIDConfiguration = "/.well-known/openid-configuration"
)

// discoveryCacheControl bounds how long clients may cache discovery
// documents. Kept short so provider reconfiguration propagates quickly.
const discoveryCacheControl = "max-age=300"

// Handler is a thin HTTP adapter over the flow Server. It parses requests,
// delegates to the Server, and serializes OAuth responses; no flow logic
// lives here.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler creates an HTTP handler for the given server.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: server, logger: logger}
}

// RegisterRoutes mounts all OAuth endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+MetadataPathAuthorizationServer, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("GET "+MetadataPathProtectedResource, h.ServeProtectedResourceMetadata)
	mux.HandleFunc("GET "+MetadataPathOpenIDConfiguration, h.ServeOpenIDConfiguration)

	mux.HandleFunc("GET /auth/{provider}", h.ServeAuthorize)
	mux.HandleFunc("GET /auth/{provider}/callback", h.ServeCallback)
	mux.HandleFunc("POST /auth/{provider}/refresh", h.ServeProviderRefresh)
	mux.HandleFunc("POST /auth/{provider}/logout", h.ServeLogout)

	mux.HandleFunc("POST /token", h.ServeToken)
	mux.HandleFunc("POST /revoke", h.ServeRevoke)

	mux.HandleFunc("POST /register", h.ServeRegister)
	mux.HandleFunc("GET /register", h.ServeGetClient)
	mux.HandleFunc("DELETE /register", h.ServeDeleteClient)
	mux.HandleFunc("GET /register/{client_id}", h.ServeGetClient)
	mux.HandleFunc("DELETE /register/{client_id}", h.ServeDeleteClient)
}

// ============================================================
// Discovery
// ============================================================

// ServeAuthorizationServerMetadata serves RFC 8414 metadata. The document
// is built per request from the live provider registry, so registering or
// removing a provider is reflected without restart.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if h.limited(w, r) {
		return
	}

	w.Header().Set("Cache-Control", discoveryCacheControl)
	h.writeJSON(w, http.StatusOK, h.buildAuthServerMetadata())
}

// ServeOpenIDConfiguration serves the OIDC discovery document. Per RFC 8414
// Section 5 it mirrors the authorization server metadata, extended with the
// claims OIDC clients expect.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	if h.limited(w, r) {
		return
	}

	m := h.buildAuthServerMetadata()
	doc := OpenIDConfiguration{
		Issuer:                            m.Issuer,
		AuthorizationEndpoint:             m.AuthorizationEndpoint,
		TokenEndpoint:                     m.TokenEndpoint,
		RegistrationEndpoint:              m.RegistrationEndpoint,
		RevocationEndpoint:                m.RevocationEndpoint,
		ScopesSupported:                   m.ScopesSupported,
		ResponseTypesSupported:            m.ResponseTypesSupported,
		GrantTypesSupported:               m.GrantTypesSupported,
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		TokenEndpointAuthMethodsSupported: m.TokenEndpointAuthMethodsSupported,
		CodeChallengeMethodsSupported:     m.CodeChallengeMethodsSupported,
	}

	w.Header().Set("Cache-Control", discoveryCacheControl)
	h.writeJSON(w, http.StatusOK, doc)
}

// ServeProtectedResourceMetadata serves RFC 9728 metadata for the protected
// resource this server fronts.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if h.limited(w, r) {
		return
	}

	resource := h.server.config.Resource
	if resource == "" {
		resource = h.server.config.Issuer
	}

	doc := ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{h.server.config.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.server.config.SupportedScopes,
	}

	w.Header().Set("Cache-Control", discoveryCacheControl)
	h.writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) buildAuthServerMetadata() AuthorizationServerMetadata {
	issuer := strings.TrimRight(h.server.config.Issuer, "/")

	return AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/auth",
		TokenEndpoint:                     issuer + "/token",
		RegistrationEndpoint:              issuer + "/register",
		RevocationEndpoint:                issuer + "/revoke",
		ScopesSupported:                   h.server.config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
}

// ============================================================
// Authorization flow
// ============================================================

// ServeAuthorize starts the flow for a provider and redirects the browser
// upstream.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.limited(w, r) {
		return
	}

	providerName := r.PathValue("provider")
	authURL, err := h.server.AuthorizeURL(r.Context(), providerName)
	if err != nil {
		h.writeError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback completes the provider leg. On success the authorization
// code is handed back to the client for exchange at the token endpoint.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	providerName := r.PathValue("provider")

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		desc := r.URL.Query().Get("error_description")
		h.logger.Warn("Provider callback returned error",
			"provider", providerName, "error", errParam, "description", desc)
		h.writeError(w, NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden))
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")

	if err := h.server.CompleteCallback(r.Context(), providerName, state, code); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"code":  code,
		"state": state,
	})
}

// ServeProviderRefresh refreshes a token via a specific provider, bypassing
// universal routing. Useful when the caller already knows the issuer.
func (h *Handler) ServeProviderRefresh(w http.ResponseWriter, r *http.Request) {
	if h.limited(w, r) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	resp, err := h.server.Refresh(r.Context(), r.PathValue("provider"), r.PostFormValue("refresh_token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeTokenResponse(w, resp)
}

// ServeLogout revokes the bearer token upstream and deletes the local
// record.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.writeError(w, ErrInvalidToken("missing bearer token"))
		return
	}

	if err := h.server.Logout(r.Context(), token); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, RevocationResponse{Success: true})
}

// ============================================================
// Universal token and revocation endpoints
// ============================================================

// ServeToken is the universal token endpoint: grants are routed to the
// owning provider without the client naming it.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if h.limited(w, r) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	var (
		resp *TokenResponse
		err  error
	)
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case GrantTypeAuthorizationCode:
		resp, err = h.server.ExchangeAny(r.Context(), r.PostFormValue("code"))
	case GrantTypeRefreshToken:
		resp, err = h.server.RefreshAny(r.Context(), r.PostFormValue("refresh_token"))
	default:
		err = ErrUnsupportedGrantType(fmt.Sprintf("unsupported grant_type %q", grantType))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeTokenResponse(w, resp)
}

// ServeRevoke implements RFC 7009. The response is success regardless of
// whether the token was found, so revocation cannot be used to probe for
// live tokens.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	if h.limited(w, r) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	h.server.RevokeAny(r.Context(), r.PostFormValue("token"))
	h.writeJSON(w, http.StatusOK, RevocationResponse{Success: true})
}

// ============================================================
// Dynamic client registration
// ============================================================

// ServeRegister handles RFC 7591 registration requests.
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	if h.limited(w, r) {
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed registration request"))
		return
	}

	initialToken, _ := bearerToken(r)
	resp, err := h.server.RegisterClient(r.Context(), &req, initialToken)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// ServeGetClient returns a registration record, without secret material.
func (h *Handler) ServeGetClient(w http.ResponseWriter, r *http.Request) {
	if h.limited(w, r) {
		return
	}

	resp, err := h.server.GetRegisteredClient(r.Context(), clientIDParam(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeDeleteClient removes a registration (RFC 7592).
func (h *Handler) ServeDeleteClient(w http.ResponseWriter, r *http.Request) {
	if h.limited(w, r) {
		return
	}

	if err := h.server.DeleteRegisteredClient(r.Context(), clientIDParam(r)); err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) && oe.Code == ErrorCodeInvalidClient {
			h.writeError(w, NewOAuthError(ErrorCodeInvalidClient, "unknown client", http.StatusNotFound))
			return
		}
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================
// Bearer middleware
// ============================================================

// RequireAuth wraps a protected resource handler with bearer-token
// verification. The verified identity is attached to the request context
// and retrievable via AuthInfoFromContext.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limited(w, r) {
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			h.writeUnauthorized(w, "missing bearer token")
			return
		}

		auth, err := h.server.VerifyToken(r.Context(), token)
		if err != nil {
			var oe *OAuthError
			if errors.As(err, &oe) && oe.Code == ErrorCodeServerError {
				h.writeError(w, err)
				return
			}
			h.writeUnauthorized(w, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithAuthInfo(r.Context(), auth)))
	})
}

// writeUnauthorized writes a 401 with the RFC 6750 WWW-Authenticate
// challenge pointing at the resource metadata document.
func (h *Handler) writeUnauthorized(w http.ResponseWriter, desc string) {
	metadataURL := strings.TrimRight(h.server.config.Issuer, "/") + MetadataPathProtectedResource
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer error="invalid_token", error_description=%q, resource_metadata=%q`,
		desc, metadataURL))
	h.writeError(w, ErrInvalidToken(desc))
}

// ============================================================
// Helpers
// ============================================================

// limited applies the per-IP rate limit. Returns true when the request was
// rejected and the response already written.
func (h *Handler) limited(w http.ResponseWriter, r *http.Request) bool {
	if h.server.rateLimiter == nil {
		return false
	}

	ip := clientIP(r)
	if h.server.rateLimiter.Allow(ip) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
	if h.server.inst != nil {
		h.server.inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded,
		"rate limit exceeded, try again later", http.StatusTooManyRequests))
	return true
}

// clientIDParam accepts both management forms: /register/{client_id} and
// /register?client_id=.
func clientIDParam(r *http.Request) string {
	if id := r.PathValue("client_id"); id != "" {
		return id
	}
	return r.URL.Query().Get("client_id")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	// Token responses must not be cached (RFC 6749 §5.1).
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oe *OAuthError
	if !errors.As(err, &oe) {
		oe = ErrServerError("internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oe.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}
