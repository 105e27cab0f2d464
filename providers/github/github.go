// Package github implements the providers.Provider interface for GitHub
// OAuth Apps. GitHub is not an OIDC provider: claims come from the REST API
// (/user and /user/emails), tokens do not expire, and refresh is
// unsupported.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/giantswarm/mcp-authkit/providers"
)

// ErrRefreshNotSupported is returned when attempting to refresh a token.
// GitHub OAuth Apps issue non-expiring access tokens without refresh.
var ErrRefreshNotSupported = providers.ErrRefreshNotSupported

const defaultAPIBaseURL = "https://api.github.com"

// Provider implements providers.Provider for GitHub.
type Provider struct {
	config          *oauth2.Config
	httpClient      *http.Client
	apiBaseURL      string
	userInfoTimeout time.Duration
}

// Config holds GitHub OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes default to ["read:user", "user:email"].
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// APIBaseURL overrides the GitHub API base URL (GitHub Enterprise,
	// tests). Defaults to https://api.github.com.
	APIBaseURL string

	// UserInfoTimeout bounds the user claim fetches.
	UserInfoTimeout time.Duration
}

// New creates a GitHub provider.
func New(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	baseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}

	timeout := cfg.UserInfoTimeout
	if timeout <= 0 {
		timeout = providers.DefaultUserInfoTimeout
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     github.Endpoint,
		},
		httpClient:      httpClient,
		apiBaseURL:      baseURL,
		userInfoTimeout: timeout,
	}, nil
}

// Name returns "github".
func (p *Provider) Name() string { return "github" }

// AuthorizationURL generates the GitHub authorization redirect URL.
// GitHub ignores PKCE parameters for OAuth Apps but passing them is
// harmless and keeps the flow uniform across providers.
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

// ExchangeCode exchanges an authorization code for an access token.
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
	return token, nil
}

// RefreshToken always fails: GitHub OAuth App tokens are long-lived and
// have no refresh grant. The universal token handler treats this provider
// as non-indexed and skips it during refresh routing.
func (p *Provider) RefreshToken(_ context.Context, _ string) (*oauth2.Token, error) {
	return nil, ErrRefreshNotSupported
}

// RevokeToken revokes the token via the OAuth application token endpoint.
// An already-revoked token (404) is treated as success.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	url := fmt.Sprintf("%s/applications/%s/token", p.apiBaseURL, p.config.ClientID)

	body := strings.NewReader(fmt.Sprintf(`{"access_token":%q}`, token))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, body)
	if err != nil {
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}
	return nil
}

// ValidateToken verifies an access token by resolving its user upstream.
func (p *Provider) ValidateToken(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	return p.GetUserInfo(ctx, accessToken)
}

// GetUserInfo fetches the user profile and, when the profile email is
// private, the primary verified address from /user/emails.
func (p *Provider) GetUserInfo(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.userInfoTimeout)
	defer cancel()

	var ghUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := p.apiGet(ctx, accessToken, "/user", &ghUser); err != nil {
		return nil, err
	}

	info := &providers.UserInfo{
		Subject:  fmt.Sprintf("%d", ghUser.ID),
		Email:    ghUser.Email,
		Name:     ghUser.Name,
		Picture:  ghUser.AvatarURL,
		Provider: p.Name(),
	}
	if info.Name == "" {
		info.Name = ghUser.Login
	}

	if info.Email == "" {
		email, verified, err := p.fetchPrimaryEmail(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		info.Email = email
		info.EmailVerified = verified
	} else {
		// Public profile email; GitHub only displays addresses the user
		// confirmed.
		info.EmailVerified = true
	}

	return info, nil
}

// fetchPrimaryEmail returns the primary verified email, falling back to the
// first verified address.
func (p *Provider) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, bool, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := p.apiGet(ctx, accessToken, "/user/emails", &emails); err != nil {
		return "", false, err
	}

	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, true, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, true, nil
		}
	}
	return "", false, nil
}

func (p *Provider) apiGet(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github api %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode github api response: %w", err)
	}
	return nil
}

// HealthCheck verifies the GitHub API is reachable.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/rate_limit", nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github api unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("github api returned status %d", resp.StatusCode)
	}
	return nil
}

var _ providers.Provider = (*Provider)(nil)
