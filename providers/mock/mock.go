// Package mock provides a configurable in-memory Provider for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authkit/providers"
)

// Provider is a test double for providers.Provider. Zero value defaults
// issue deterministic tokens; individual funcs can be overridden per test.
type Provider struct {
	mu sync.Mutex

	// ProviderName defaults to "mock".
	ProviderName string

	// ExchangeFunc overrides ExchangeCode.
	ExchangeFunc func(ctx context.Context, code, verifier string) (*oauth2.Token, error)

	// RefreshFunc overrides RefreshToken.
	RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// UserInfoFunc overrides GetUserInfo and ValidateToken.
	UserInfoFunc func(ctx context.Context, accessToken string) (*providers.UserInfo, error)

	// RevokeErr is returned from RevokeToken.
	RevokeErr error

	// HealthErr is returned from HealthCheck.
	HealthErr error

	// Calls records method invocations in order, for assertion.
	Calls []string
}

// New creates a mock provider with the given name.
func New(name string) *Provider {
	return &Provider{ProviderName: name}
}

func (m *Provider) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// CallCount returns how many times the named method was invoked.
func (m *Provider) CallCount(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == call {
			n++
		}
	}
	return n
}

// Name returns the configured provider name.
func (m *Provider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// AuthorizationURL returns a deterministic fake URL.
func (m *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	m.record("authorization_url")
	return fmt.Sprintf("https://auth.%s.test/authorize?state=%s&code_challenge=%s&code_challenge_method=%s",
		m.Name(), state, codeChallenge, codeChallengeMethod)
}

// ExchangeCode returns a deterministic token unless ExchangeFunc is set.
func (m *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	m.record("exchange_code")
	if m.ExchangeFunc != nil {
		return m.ExchangeFunc(ctx, code, verifier)
	}
	return &oauth2.Token{
		AccessToken:  "access-" + m.Name() + "-" + code,
		RefreshToken: "refresh-" + m.Name() + "-" + code,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

// RefreshToken returns a rotated token unless RefreshFunc is set.
func (m *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.record("refresh_token")
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, refreshToken)
	}
	return &oauth2.Token{
		AccessToken:  "access-" + m.Name() + "-rotated",
		RefreshToken: "refresh-" + m.Name() + "-rotated",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

// RevokeToken returns RevokeErr.
func (m *Provider) RevokeToken(ctx context.Context, token string) error {
	m.record("revoke_token")
	return m.RevokeErr
}

// ValidateToken delegates to GetUserInfo.
func (m *Provider) ValidateToken(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	m.record("validate_token")
	return m.userInfo(ctx, accessToken)
}

// GetUserInfo returns deterministic claims unless UserInfoFunc is set.
func (m *Provider) GetUserInfo(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	m.record("get_user_info")
	return m.userInfo(ctx, accessToken)
}

func (m *Provider) userInfo(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	if m.UserInfoFunc != nil {
		return m.UserInfoFunc(ctx, accessToken)
	}
	return &providers.UserInfo{
		Subject:       "user-" + m.Name(),
		Email:         "user@" + m.Name() + ".test",
		EmailVerified: true,
		Name:          "Mock User",
		Provider:      m.Name(),
	}, nil
}

// HealthCheck returns HealthErr.
func (m *Provider) HealthCheck(ctx context.Context) error {
	m.record("health_check")
	return m.HealthErr
}

var _ providers.Provider = (*Provider)(nil)
