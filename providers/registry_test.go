package providers

import (
	"context"
	"reflect"
	"testing"

	"golang.org/x/oauth2"
)

type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) AuthorizationURL(state, challenge, method string) string {
	return "https://example.com/auth?state=" + state
}
func (s *stubProvider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	return nil, nil
}
func (s *stubProvider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return nil, nil
}
func (s *stubProvider) RevokeToken(ctx context.Context, token string) error { return nil }
func (s *stubProvider) ValidateToken(ctx context.Context, accessToken string) (*UserInfo, error) {
	return nil, nil
}
func (s *stubProvider) GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	return nil, nil
}
func (s *stubProvider) HealthCheck(ctx context.Context) error { return nil }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&stubProvider{name: "google"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p, ok := r.Get("google")
	if !ok {
		t.Fatal("Get() did not find registered provider")
	}
	if p.Name() != "google" {
		t.Errorf("Name() = %q, want %q", p.Name(), "google")
	}

	if _, ok := r.Get("github"); ok {
		t.Error("Get() found unregistered provider")
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubProvider{name: "google"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(&stubProvider{name: "google"}); err == nil {
		t.Error("Register() of duplicate name should return error")
	}
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); err == nil {
		t.Error("Register(nil) should return error")
	}
	if err := r.Register(&stubProvider{name: ""}); err == nil {
		t.Error("Register() with empty name should return error")
	}
}

func TestRegistry_DeterministicOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"microsoft", "google", "github"} {
		if err := r.Register(&stubProvider{name: name}); err != nil {
			t.Fatalf("Register(%q) error = %v", name, err)
		}
	}

	want := []string{"github", "google", "microsoft"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("All() len = %d, want 3", len(all))
	}
	for i, p := range all {
		if p.Name() != want[i] {
			t.Errorf("All()[%d].Name() = %q, want %q", i, p.Name(), want[i])
		}
	}
}
