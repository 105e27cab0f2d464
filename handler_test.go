package authkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authkit/providers"
	"github.com/giantswarm/mcp-authkit/providers/mock"
)

func newTestMux(t *testing.T, srv *Server) *http.ServeMux {
	t.Helper()

	mux := http.NewServeMux()
	NewHandler(srv, nil).RegisterRoutes(mux)
	return mux
}

func doForm(mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return out
}

func TestHandler_AuthorizationServerMetadata(t *testing.T) {
	srv := newTestServer(t)
	mux := newTestMux(t, srv)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MetadataPathAuthorizationServer, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != discoveryCacheControl {
		t.Errorf("Cache-Control = %q, want %q", cc, discoveryCacheControl)
	}

	meta := decodeJSON[AuthorizationServerMetadata](t, rec)
	if meta.Issuer != "https://auth.test" {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if meta.TokenEndpoint != "https://auth.test/token" {
		t.Errorf("token_endpoint = %q", meta.TokenEndpoint)
	}
	if meta.RegistrationEndpoint != "https://auth.test/register" {
		t.Errorf("registration_endpoint = %q", meta.RegistrationEndpoint)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", meta.CodeChallengeMethodsSupported)
	}
}

func TestHandler_ProtectedResourceMetadata(t *testing.T) {
	srv := newTestServer(t)
	srv.config.Resource = "https://mcp.test"
	mux := newTestMux(t, srv)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MetadataPathProtectedResource, nil))

	meta := decodeJSON[ProtectedResourceMetadata](t, rec)
	if meta.Resource != "https://mcp.test" {
		t.Errorf("resource = %q", meta.Resource)
	}
	if len(meta.AuthorizationServers) != 1 || meta.AuthorizationServers[0] != "https://auth.test" {
		t.Errorf("authorization_servers = %v", meta.AuthorizationServers)
	}
}

func TestHandler_OpenIDConfiguration(t *testing.T) {
	srv := newTestServer(t)
	mux := newTestMux(t, srv)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MetadataPathOpenIDConfiguration, nil))

	doc := decodeJSON[OpenIDConfiguration](t, rec)
	if doc.Issuer != "https://auth.test" {
		t.Errorf("issuer = %q", doc.Issuer)
	}
	if len(doc.SubjectTypesSupported) == 0 {
		t.Error("subject_types_supported missing")
	}
}

func TestHandler_FullFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	mux := newTestMux(t, srv)

	// 1. Authorize: redirect upstream.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/mock", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("redirect carries no state")
	}

	// 2. Callback: hand the code back to the client.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/auth/mock/callback?state="+url.QueryEscape(state)+"&code=code-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	cb := decodeJSON[map[string]string](t, rec)
	if cb["code"] != "code-1" {
		t.Fatalf("callback code = %q", cb["code"])
	}

	// 3. Exchange at the universal token endpoint.
	rec = doForm(mux, "/token", url.Values{
		"grant_type": {GrantTypeAuthorizationCode},
		"code":       {"code-1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("token Cache-Control = %q, want no-store", cc)
	}
	token := decodeJSON[TokenResponse](t, rec)
	if token.AccessToken == "" || token.TokenType != "Bearer" {
		t.Fatalf("token response = %+v", token)
	}

	// 4. Replay of the code fails.
	rec = doForm(mux, "/token", url.Values{
		"grant_type": {GrantTypeAuthorizationCode},
		"code":       {"code-1"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", rec.Code)
	}
	errResp := decodeJSON[ErrorResponse](t, rec)
	if errResp.Error != ErrorCodeInvalidGrant {
		t.Errorf("replay error = %q, want invalid_grant", errResp.Error)
	}

	// 5. Refresh via the universal endpoint.
	rec = doForm(mux, "/token", url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {token.RefreshToken},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	refreshed := decodeJSON[TokenResponse](t, rec)
	if refreshed.AccessToken == token.AccessToken {
		t.Error("access token not rotated by refresh")
	}

	// 6. Revoke: always reports success.
	rec = doForm(mux, "/revoke", url.Values{"token": {refreshed.AccessToken}})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200", rec.Code)
	}
	if resp := decodeJSON[RevocationResponse](t, rec); !resp.Success {
		t.Error("revocation response reports failure")
	}
}

func TestHandler_CallbackProviderError(t *testing.T) {
	srv := newTestServer(t)
	mux := newTestMux(t, srv)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/auth/mock/callback?error=access_denied&error_description=user+cancelled", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	errResp := decodeJSON[ErrorResponse](t, rec)
	if errResp.Error != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", errResp.Error)
	}
}

func TestHandler_TokenUnsupportedGrantType(t *testing.T) {
	srv := newTestServer(t)
	mux := newTestMux(t, srv)

	rec := doForm(mux, "/token", url.Values{"grant_type": {"password"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	errResp := decodeJSON[ErrorResponse](t, rec)
	if errResp.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q, want unsupported_grant_type", errResp.Error)
	}
}

func TestHandler_RevokeUnknownTokenStillSucceeds(t *testing.T) {
	srv := newTestServer(t)
	mux := newTestMux(t, srv)

	rec := doForm(mux, "/revoke", url.Values{"token": {"never-issued"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandler_Registration(t *testing.T) {
	srv := newTestServer(t)
	mux := newTestMux(t, srv)

	body := `{"redirect_uris":["https://app.example.com/cb"],"client_name":"App"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	created := decodeJSON[ClientRegistrationResponse](t, rec)
	if created.ClientID == "" || created.ClientSecret == "" {
		t.Fatalf("registration response = %+v", created)
	}

	// Read back: no secret in the body.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/register/"+created.ClientID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	got := decodeJSON[ClientRegistrationResponse](t, rec)
	if got.ClientSecret != "" {
		t.Error("client secret leaked from GET /register/{client_id}")
	}

	// Delete, then the record is gone.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/register/"+created.ClientID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/register/"+created.ClientID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double delete status = %d, want 404", rec.Code)
	}
}

func TestHandler_RegistrationQueryParamForm(t *testing.T) {
	srv := newTestServer(t)
	mux := newTestMux(t, srv)

	body := `{"redirect_uris":["https://app.example.com/cb"],"client_name":"App"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	created := decodeJSON[ClientRegistrationResponse](t, rec)

	// Management endpoints also accept ?client_id=.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/register?client_id="+created.ClientID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	got := decodeJSON[ClientRegistrationResponse](t, rec)
	if got.ClientID != created.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, created.ClientID)
	}
	if got.ClientSecret != "" {
		t.Error("client secret leaked from GET /register?client_id=")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/register?client_id="+created.ClientID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/register?client_id="+created.ClientID, nil))
	if rec.Code == http.StatusOK {
		t.Error("deleted client still retrievable")
	}
}

func TestHandler_RegistrationMalformedBody(t *testing.T) {
	srv := newTestServer(t)
	mux := newTestMux(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_RequireAuth(t *testing.T) {
	srv := newTestServer(t)
	mux := newTestMux(t, srv)
	handler := NewHandler(srv, nil)

	var gotAuth *AuthInfo
	protected := handler.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth, _ = AuthInfoFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token: 401 with a WWW-Authenticate challenge.
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	challenge := rec.Header().Get("WWW-Authenticate")
	if !strings.Contains(challenge, "resource_metadata") {
		t.Errorf("WWW-Authenticate = %q, want resource_metadata pointer", challenge)
	}

	// Bogus token: 401.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bogus token status = %d, want 401", rec.Code)
	}

	// Real token issued through the flow: request passes with identity.
	completeFlow(t, srv, "mock", "code-1")
	rec = doForm(mux, "/token", url.Values{
		"grant_type": {GrantTypeAuthorizationCode},
		"code":       {"code-1"},
	})
	token := decodeJSON[TokenResponse](t, rec)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rec.Code)
	}
	if gotAuth == nil || gotAuth.Subject != "user-mock" {
		t.Errorf("AuthInfo in context = %+v, want subject user-mock", gotAuth)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	registry := providers.NewRegistry()
	if err := registry.Register(mock.New("mock")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	cfg := &Config{
		Issuer:    "https://auth.test",
		TokenTTL:  time.Hour,
		PKCETTL:   10 * time.Minute,
		RateLimit: RateLimitConfig{Rate: 1, Burst: 1},
	}
	srv, err := NewServer(cfg, newTestStores(t), registry)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(srv.Stop)
	mux := newTestMux(t, srv)

	first := httptest.NewRecorder()
	mux.ServeHTTP(first, httptest.NewRequest(http.MethodGet, MetadataPathAuthorizationServer, nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	mux.ServeHTTP(second, httptest.NewRequest(http.MethodGet, MetadataPathAuthorizationServer, nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
}

func TestHandler_ProviderRefreshAndLogout(t *testing.T) {
	m := mock.New("mock")
	srv := newTestServer(t, m)
	mux := newTestMux(t, srv)

	completeFlow(t, srv, "mock", "code-1")
	rec := doForm(mux, "/token", url.Values{
		"grant_type": {GrantTypeAuthorizationCode},
		"code":       {"code-1"},
	})
	token := decodeJSON[TokenResponse](t, rec)

	// Provider-scoped refresh.
	rec = doForm(mux, "/auth/mock/refresh", url.Values{"refresh_token": {token.RefreshToken}})
	if rec.Code != http.StatusOK {
		t.Fatalf("provider refresh status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	refreshed := decodeJSON[TokenResponse](t, rec)

	// Logout with the current bearer token.
	req := httptest.NewRequest(http.MethodPost, "/auth/mock/logout", nil)
	req.Header.Set("Authorization", "Bearer "+refreshed.AccessToken)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if m.CallCount("revoke_token") != 1 {
		t.Errorf("upstream revocations = %d, want 1", m.CallCount("revoke_token"))
	}
}
