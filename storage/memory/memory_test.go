package memory

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authkit/providers"
	"github.com/giantswarm/mcp-authkit/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

// ============================================================
// PKCE
// ============================================================

func TestPKCE_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := &storage.PKCEData{CodeVerifier: "verifier-abc", State: "state-xyz"}
	if err := s.SaveCodeVerifier(ctx, "code-1", data, time.Minute); err != nil {
		t.Fatalf("SaveCodeVerifier() error = %v", err)
	}

	got, err := s.GetCodeVerifier(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetCodeVerifier() error = %v", err)
	}
	if !reflect.DeepEqual(got, data) {
		t.Errorf("GetCodeVerifier() = %+v, want %+v", got, data)
	}

	// Non-consuming read leaves the entry in place.
	if ok, _ := s.HasCodeVerifier(ctx, "code-1"); !ok {
		t.Error("HasCodeVerifier() = false after Get, want true")
	}
}

func TestPKCE_GetAndDeleteConsumes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := &storage.PKCEData{CodeVerifier: "v", State: "s"}
	if err := s.SaveCodeVerifier(ctx, "code-1", data, time.Minute); err != nil {
		t.Fatalf("SaveCodeVerifier() error = %v", err)
	}

	if _, err := s.GetAndDeleteCodeVerifier(ctx, "code-1"); err != nil {
		t.Fatalf("GetAndDeleteCodeVerifier() error = %v", err)
	}
	if _, err := s.GetAndDeleteCodeVerifier(ctx, "code-1"); !errors.Is(err, storage.ErrPKCENotFound) {
		t.Errorf("second GetAndDeleteCodeVerifier() error = %v, want ErrPKCENotFound", err)
	}
}

func TestPKCE_GetAndDeleteConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCodeVerifier(ctx, "code-1", &storage.PKCEData{CodeVerifier: "v"}, time.Minute); err != nil {
		t.Fatalf("SaveCodeVerifier() error = %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.GetAndDeleteCodeVerifier(ctx, "code-1"); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("GetAndDeleteCodeVerifier() succeeded %d times, want exactly 1", won)
	}
}

func TestPKCE_Expiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCodeVerifier(ctx, "code-1", &storage.PKCEData{CodeVerifier: "v"}, time.Millisecond); err != nil {
		t.Fatalf("SaveCodeVerifier() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := s.GetCodeVerifier(ctx, "code-1"); !errors.Is(err, storage.ErrPKCENotFound) {
		t.Errorf("GetCodeVerifier() on expired entry error = %v, want ErrPKCENotFound", err)
	}
	if ok, _ := s.HasCodeVerifier(ctx, "code-1"); ok {
		t.Error("HasCodeVerifier() = true for expired entry")
	}
}

func TestPKCE_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCodeVerifier(ctx, "", &storage.PKCEData{}, time.Minute); err == nil {
		t.Error("SaveCodeVerifier() with empty code should return error")
	}
	if err := s.SaveCodeVerifier(ctx, "code", nil, time.Minute); err == nil {
		t.Error("SaveCodeVerifier() with nil data should return error")
	}
}

// ============================================================
// Tokens
// ============================================================

func testToken(access, refresh string) *storage.TokenInfo {
	return &storage.TokenInfo{
		AccessToken:  access,
		RefreshToken: refresh,
		Provider:     "google",
		ExpiresAt:    time.Now().Add(time.Hour),
		Scopes:       []string{"openid", "email"},
		UserInfo:     &providers.UserInfo{Subject: "user-1", Email: "user@example.com", Provider: "google"},
	}
}

func TestToken_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info := testToken("at-1", "rt-1")
	if err := s.SaveToken(ctx, info); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	got, err := s.GetToken(ctx, "at-1")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if !reflect.DeepEqual(got, info) {
		t.Errorf("GetToken() = %+v, want %+v", got, info)
	}
}

func TestToken_FindByRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveToken(ctx, testToken("at-1", "rt-1")); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	got, err := s.FindByRefreshToken(ctx, "rt-1")
	if err != nil {
		t.Fatalf("FindByRefreshToken() error = %v", err)
	}
	if got.AccessToken != "at-1" {
		t.Errorf("FindByRefreshToken().AccessToken = %q, want %q", got.AccessToken, "at-1")
	}

	if _, err := s.FindByRefreshToken(ctx, "rt-unknown"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("FindByRefreshToken() error = %v, want ErrTokenNotFound", err)
	}
}

func TestToken_DeleteRemovesRefreshIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveToken(ctx, testToken("at-1", "rt-1")); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	if err := s.DeleteToken(ctx, "at-1"); err != nil {
		t.Fatalf("DeleteToken() error = %v", err)
	}

	if _, err := s.GetToken(ctx, "at-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetToken() after delete error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.FindByRefreshToken(ctx, "rt-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("FindByRefreshToken() after delete error = %v, want ErrTokenNotFound", err)
	}
}

func TestToken_ExpiredLazyDeletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info := testToken("at-1", "rt-1")
	info.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.SaveToken(ctx, info); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	if _, err := s.GetToken(ctx, "at-1"); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("GetToken() on expired token error = %v, want ErrTokenExpired", err)
	}
	// Lazy deletion: record and index are gone afterwards.
	if _, err := s.GetToken(ctx, "at-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("second GetToken() error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.FindByRefreshToken(ctx, "rt-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("FindByRefreshToken() after lazy delete error = %v, want ErrTokenNotFound", err)
	}
}

func TestToken_Cleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := testToken("at-old", "rt-old")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	live := testToken("at-new", "rt-new")

	_ = s.SaveToken(ctx, expired)
	_ = s.SaveToken(ctx, live)

	removed, err := s.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Cleanup() removed = %d, want 1", removed)
	}
	if _, err := s.GetToken(ctx, "at-new"); err != nil {
		t.Errorf("GetToken() on live token after cleanup error = %v", err)
	}
}

// ============================================================
// Initial access tokens
// ============================================================

func TestInitialAccessToken_ConsumeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := &storage.InitialAccessToken{
		ID:        "iat-1",
		Token:     "bootstrap-secret",
		MaxUses:   2,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveInitialAccessToken(ctx, tok); err != nil {
		t.Fatalf("SaveInitialAccessToken() error = %v", err)
	}

	for i := 1; i <= 2; i++ {
		got, err := s.ConsumeInitialAccessToken(ctx, "bootstrap-secret")
		if err != nil {
			t.Fatalf("ConsumeInitialAccessToken() #%d error = %v", i, err)
		}
		if got.UsageCount != i {
			t.Errorf("UsageCount after consume #%d = %d, want %d", i, got.UsageCount, i)
		}
	}

	if _, err := s.ConsumeInitialAccessToken(ctx, "bootstrap-secret"); !errors.Is(err, storage.ErrInitialTokenExhausted) {
		t.Errorf("ConsumeInitialAccessToken() past max uses error = %v, want ErrInitialTokenExhausted", err)
	}
}

func TestInitialAccessToken_ConcurrentConsume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := &storage.InitialAccessToken{
		ID:      "iat-1",
		Token:   "bootstrap-secret",
		MaxUses: 5,
	}
	if err := s.SaveInitialAccessToken(ctx, tok); err != nil {
		t.Fatalf("SaveInitialAccessToken() error = %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeInitialAccessToken(ctx, "bootstrap-secret"); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 5 {
		t.Errorf("ConsumeInitialAccessToken() succeeded %d times, want exactly MaxUses (5)", won)
	}
}

func TestInitialAccessToken_Revoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := &storage.InitialAccessToken{ID: "iat-1", Token: "bootstrap-secret", MaxUses: 10}
	_ = s.SaveInitialAccessToken(ctx, tok)

	if err := s.RevokeInitialAccessToken(ctx, "iat-1"); err != nil {
		t.Fatalf("RevokeInitialAccessToken() error = %v", err)
	}
	if _, err := s.ConsumeInitialAccessToken(ctx, "bootstrap-secret"); !errors.Is(err, storage.ErrInitialTokenInvalid) {
		t.Errorf("ConsumeInitialAccessToken() after revoke error = %v, want ErrInitialTokenInvalid", err)
	}

	if err := s.RevokeInitialAccessToken(ctx, "missing"); !errors.Is(err, storage.ErrInitialTokenInvalid) {
		t.Errorf("RevokeInitialAccessToken() for unknown ID error = %v, want ErrInitialTokenInvalid", err)
	}
}

func TestInitialAccessToken_Unknown(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.ConsumeInitialAccessToken(context.Background(), "nope"); !errors.Is(err, storage.ErrInitialTokenInvalid) {
		t.Errorf("ConsumeInitialAccessToken() error = %v, want ErrInitialTokenInvalid", err)
	}
}

// ============================================================
// Clients
// ============================================================

func testClient(id string) *storage.Client {
	return &storage.Client{
		ClientID:                id,
		ClientSecretHash:        "$2a$10$hash",
		ClientIDIssuedAt:        time.Now(),
		RedirectURIs:            []string{"https://client.example/callback"},
		ClientName:              "Test Client",
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
	}
}

func TestClient_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("client-1")
	if err := s.SaveClient(ctx, c); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Errorf("GetClient() = %+v, want %+v", got, c)
	}

	n, err := s.CountClients(ctx)
	if err != nil || n != 1 {
		t.Errorf("CountClients() = %d, %v; want 1, nil", n, err)
	}

	list, err := s.ListClients(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("ListClients() returned %d clients, %v; want 1, nil", len(list), err)
	}

	if err := s.DeleteClient(ctx, "client-1"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := s.GetClient(ctx, "client-1"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() after delete error = %v, want ErrClientNotFound", err)
	}
	if err := s.DeleteClient(ctx, "client-1"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("DeleteClient() on missing client error = %v, want ErrClientNotFound", err)
	}
}

func TestClient_ReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SaveClient(ctx, testClient("client-1"))

	got, _ := s.GetClient(ctx, "client-1")
	got.ClientName = "mutated"

	again, _ := s.GetClient(ctx, "client-1")
	if again.ClientName != "Test Client" {
		t.Error("GetClient() returned a reference to internal state, want a copy")
	}
}

func TestClient_CleanupExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := testClient("client-old")
	expired.ClientSecretExpiresAt = time.Now().Add(-time.Hour)
	live := testClient("client-new")

	_ = s.SaveClient(ctx, expired)
	_ = s.SaveClient(ctx, live)

	removed, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupExpired() removed = %d, want 1", removed)
	}
	if _, err := s.GetClient(ctx, "client-new"); err != nil {
		t.Errorf("GetClient() on live client after cleanup error = %v", err)
	}
}

// ============================================================
// Lifecycle
// ============================================================

func TestStop_Idempotent(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop() // must not panic
}

func TestBackgroundSweep(t *testing.T) {
	s := NewWithInterval(10 * time.Millisecond)
	t.Cleanup(s.Stop)
	ctx := context.Background()

	info := testToken("at-1", "rt-1")
	info.ExpiresAt = time.Now().Add(5 * time.Millisecond)
	_ = s.SaveToken(ctx, info)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.GetToken(ctx, "at-1"); errors.Is(err, storage.ErrTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expired token still retrievable after sweep interval")
}
