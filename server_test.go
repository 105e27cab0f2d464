package authkit

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authkit/providers"
	"github.com/giantswarm/mcp-authkit/providers/mock"
	"github.com/giantswarm/mcp-authkit/sessions"
	"github.com/giantswarm/mcp-authkit/storage"
	memorystore "github.com/giantswarm/mcp-authkit/storage/memory"
)

func newTestStores(t *testing.T) *Stores {
	t.Helper()

	core := memorystore.New()
	sess := sessions.NewMemoryStore()
	t.Cleanup(core.Stop)
	t.Cleanup(sess.Stop)

	return &Stores{
		PKCE:          core,
		Tokens:        core,
		InitialTokens: core,
		Clients:       core,
		Sessions:      sess,
	}
}

func newTestServer(t *testing.T, mocks ...*mock.Provider) *Server {
	t.Helper()

	if len(mocks) == 0 {
		mocks = []*mock.Provider{mock.New("mock")}
	}

	registry := providers.NewRegistry()
	for _, m := range mocks {
		if err := registry.Register(m); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	cfg := &Config{
		Issuer:   "https://auth.test",
		TokenTTL: time.Hour,
		PKCETTL:  10 * time.Minute,
	}

	srv, err := NewServer(cfg, newTestStores(t), registry)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	return srv
}

// stateFromAuthURL extracts the state parameter from a mock authorization URL.
func stateFromAuthURL(t *testing.T, authURL string) string {
	t.Helper()

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("failed to parse auth URL: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatalf("auth URL %q carries no state", authURL)
	}
	return state
}

// completeFlow drives authorize + callback and returns the authorization
// code ready for exchange.
func completeFlow(t *testing.T, srv *Server, providerName, code string) string {
	t.Helper()
	ctx := context.Background()

	authURL, err := srv.AuthorizeURL(ctx, providerName)
	if err != nil {
		t.Fatalf("AuthorizeURL() error = %v", err)
	}
	state := stateFromAuthURL(t, authURL)

	if err := srv.CompleteCallback(ctx, providerName, state, code); err != nil {
		t.Fatalf("CompleteCallback() error = %v", err)
	}
	return code
}

func TestAuthorizeURL_PersistsPKCEState(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	authURL, err := srv.AuthorizeURL(ctx, "mock")
	if err != nil {
		t.Fatalf("AuthorizeURL() error = %v", err)
	}
	state := stateFromAuthURL(t, authURL)

	data, err := srv.stores.PKCE.GetCodeVerifier(ctx, state)
	if err != nil {
		t.Fatalf("GetCodeVerifier() error = %v", err)
	}
	if data.Provider != "mock" {
		t.Errorf("stored provider = %q, want %q", data.Provider, "mock")
	}
	if data.CodeVerifier == "" {
		t.Error("stored entry has no code verifier")
	}

	u, _ := url.Parse(authURL)
	if got := u.Query().Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", got)
	}
}

func TestAuthorizeURL_UnknownProvider(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.AuthorizeURL(context.Background(), "nope")
	var oe *OAuthError
	if !errors.As(err, &oe) || oe.Code != ErrorCodeInvalidRequest {
		t.Fatalf("AuthorizeURL() error = %v, want invalid_request", err)
	}
}

func TestCompleteCallback_RekeysUnderCode(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	code := completeFlow(t, srv, "mock", "code-1")

	data, err := srv.stores.PKCE.GetCodeVerifier(ctx, code)
	if err != nil {
		t.Fatalf("entry not re-keyed under code: %v", err)
	}
	if data.Provider != "mock" {
		t.Errorf("re-keyed provider = %q, want mock", data.Provider)
	}
}

func TestCompleteCallback_StateReplayFails(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	authURL, err := srv.AuthorizeURL(ctx, "mock")
	if err != nil {
		t.Fatalf("AuthorizeURL() error = %v", err)
	}
	state := stateFromAuthURL(t, authURL)

	if err := srv.CompleteCallback(ctx, "mock", state, "code-1"); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}

	err = srv.CompleteCallback(ctx, "mock", state, "code-2")
	var oe *OAuthError
	if !errors.As(err, &oe) || oe.Code != ErrorCodeInvalidGrant {
		t.Fatalf("replayed state: error = %v, want invalid_grant", err)
	}
}

func TestCompleteCallback_ProviderMismatch(t *testing.T) {
	a := mock.New("alpha")
	b := mock.New("beta")
	srv := newTestServer(t, a, b)
	ctx := context.Background()

	authURL, err := srv.AuthorizeURL(ctx, "alpha")
	if err != nil {
		t.Fatalf("AuthorizeURL() error = %v", err)
	}
	state := stateFromAuthURL(t, authURL)

	err = srv.CompleteCallback(ctx, "beta", state, "code-1")
	var oe *OAuthError
	if !errors.As(err, &oe) || oe.Code != ErrorCodeInvalidGrant {
		t.Fatalf("cross-provider callback: error = %v, want invalid_grant", err)
	}
}

func TestExchange_IssuesAndPersistsToken(t *testing.T) {
	m := mock.New("mock")
	srv := newTestServer(t, m)
	ctx := context.Background()

	code := completeFlow(t, srv, "mock", "code-1")

	resp, err := srv.Exchange(ctx, "mock", code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.AccessToken == "" {
		t.Fatal("empty access token")
	}

	info, err := srv.stores.Tokens.GetToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("token not persisted: %v", err)
	}
	if info.Provider != "mock" {
		t.Errorf("persisted provider = %q, want mock", info.Provider)
	}
	if info.UserInfo == nil || info.UserInfo.Subject != "user-mock" {
		t.Errorf("persisted user info = %+v, want subject user-mock", info.UserInfo)
	}
}

func TestExchange_CodeReplayFails(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	code := completeFlow(t, srv, "mock", "code-1")

	if _, err := srv.Exchange(ctx, "mock", code); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}

	_, err := srv.Exchange(ctx, "mock", code)
	var oe *OAuthError
	if !errors.As(err, &oe) || oe.Code != ErrorCodeInvalidGrant {
		t.Fatalf("replayed code: error = %v, want invalid_grant", err)
	}
}

func TestExchange_ProviderRejectionConsumesCode(t *testing.T) {
	m := mock.New("mock")
	m.ExchangeFunc = func(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
		return nil, errors.New("upstream says no")
	}
	srv := newTestServer(t, m)
	ctx := context.Background()

	code := completeFlow(t, srv, "mock", "code-1")

	_, err := srv.Exchange(ctx, "mock", code)
	var oe *OAuthError
	if !errors.As(err, &oe) || oe.Code != ErrorCodeInvalidGrant {
		t.Fatalf("Exchange() error = %v, want invalid_grant", err)
	}

	// The PKCE entry is gone even though the upstream rejected the code.
	if _, err := srv.stores.PKCE.GetCodeVerifier(ctx, code); !errors.Is(err, storage.ErrPKCENotFound) {
		t.Errorf("PKCE entry survived a failed exchange: %v", err)
	}
}

func TestRefresh_RotatesRecord(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	code := completeFlow(t, srv, "mock", "code-1")
	resp, err := srv.Exchange(ctx, "mock", code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	refreshed, err := srv.Refresh(ctx, "mock", resp.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.AccessToken == resp.AccessToken {
		t.Error("access token was not rotated")
	}

	// Old record is gone; the new one is resolvable by its refresh token.
	if _, err := srv.stores.Tokens.GetToken(ctx, resp.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("old record survived rotation: %v", err)
	}
	if _, err := srv.stores.Tokens.FindByRefreshToken(ctx, refreshed.RefreshToken); err != nil {
		t.Errorf("new refresh token not indexed: %v", err)
	}
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	m := mock.New("mock")
	m.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		// Provider issues a new access token but no new refresh token.
		return &oauth2.Token{
			AccessToken: "access-fresh",
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}
	srv := newTestServer(t, m)
	ctx := context.Background()

	code := completeFlow(t, srv, "mock", "code-1")
	resp, err := srv.Exchange(ctx, "mock", code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	refreshed, err := srv.Refresh(ctx, "mock", resp.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.RefreshToken != resp.RefreshToken {
		t.Errorf("refresh token = %q, want original %q", refreshed.RefreshToken, resp.RefreshToken)
	}
}

func TestRefresh_UnsupportedProvider(t *testing.T) {
	m := mock.New("mock")
	m.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return nil, providers.ErrRefreshNotSupported
	}
	srv := newTestServer(t, m)

	_, err := srv.Refresh(context.Background(), "mock", "some-refresh")
	var oe *OAuthError
	if !errors.As(err, &oe) || oe.Code != ErrorCodeUnsupportedGrantType {
		t.Fatalf("Refresh() error = %v, want unsupported_grant_type", err)
	}
}

func TestVerifyToken(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	code := completeFlow(t, srv, "mock", "code-1")
	resp, err := srv.Exchange(ctx, "mock", code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	auth, err := srv.VerifyToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if auth.Provider != "mock" || auth.Subject != "user-mock" {
		t.Errorf("AuthInfo = %+v, want provider mock / subject user-mock", auth)
	}

	_, err = srv.VerifyToken(ctx, "no-such-token")
	var oe *OAuthError
	if !errors.As(err, &oe) || oe.Code != ErrorCodeInvalidToken {
		t.Fatalf("unknown token: error = %v, want invalid_token", err)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	info := &storage.TokenInfo{
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-time.Minute),
		Provider:    "mock",
	}
	if err := srv.stores.Tokens.SaveToken(ctx, info); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	_, err := srv.VerifyToken(ctx, "stale")
	var oe *OAuthError
	if !errors.As(err, &oe) || oe.Code != ErrorCodeInvalidToken {
		t.Fatalf("expired token: error = %v, want invalid_token", err)
	}
}

func TestLogout(t *testing.T) {
	m := mock.New("mock")
	srv := newTestServer(t, m)
	ctx := context.Background()

	code := completeFlow(t, srv, "mock", "code-1")
	resp, err := srv.Exchange(ctx, "mock", code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	if err := srv.Logout(ctx, resp.AccessToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if m.CallCount("revoke_token") != 1 {
		t.Errorf("upstream revocations = %d, want 1", m.CallCount("revoke_token"))
	}
	if _, err := srv.stores.Tokens.GetToken(ctx, resp.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("token survived logout: %v", err)
	}

	// Logging out an already-gone token is not an error.
	if err := srv.Logout(ctx, resp.AccessToken); err != nil {
		t.Errorf("second Logout() error = %v", err)
	}
}
