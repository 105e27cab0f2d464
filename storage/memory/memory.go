// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments; nothing survives a process restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/mcp-authkit/instrumentation"
	"github.com/giantswarm/mcp-authkit/storage"
)

// pkceEntry tracks a PKCE record and its expiry.
type pkceEntry struct {
	data      *storage.PKCEData
	expiresAt time.Time
}

// Store is an in-memory implementation of PKCEStore, TokenStore,
// InitialAccessTokenStore, and ClientStore.
type Store struct {
	mu sync.RWMutex

	pkce          map[string]*pkceEntry
	tokens        map[string]*storage.TokenInfo
	refreshIndex  map[string]string // refresh token -> access token
	initialTokens map[string]*storage.InitialAccessToken
	clients       map[string]*storage.Client

	// Atomic counters for metric gauges (lock-free during collection).
	tokenCount  atomic.Int64
	clientCount atomic.Int64
	pkceCount   atomic.Int64

	inst *instrumentation.Instrumentation

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.PKCEStore               = (*Store)(nil)
	_ storage.TokenStore              = (*Store)(nil)
	_ storage.InitialAccessTokenStore = (*Store)(nil)
	_ storage.ClientStore             = (*Store)(nil)
)

// New creates an in-memory store with the default sweep interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom sweep interval.
// A non-positive interval falls back to 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		pkce:            make(map[string]*pkceEntry),
		tokens:          make(map[string]*storage.TokenInfo),
		refreshIndex:    make(map[string]string),
		initialTokens:   make(map[string]*storage.InitialAccessToken),
		clients:         make(map[string]*storage.Client),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation wires OpenTelemetry instrumentation into the store and
// registers store-size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.inst = inst
	s.tokenCount.Store(int64(len(s.tokens)))
	s.clientCount.Store(int64(len(s.clients)))
	s.pkceCount.Store(int64(len(s.pkce)))
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStoreSizeCallbacks(
		s.tokenCount.Load,
		s.clientCount.Load,
		s.pkceCount.Load,
		nil,
	)
	if err != nil {
		s.logger.Warn("Failed to register store size callbacks", "error", err)
	}
}

// Stop terminates the background sweep goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) recordOp(ctx context.Context, op string, err error, start time.Time) {
	if s.inst == nil {
		return
	}
	s.inst.Metrics().RecordStorageOperation(ctx, op, err, float64(time.Since(start).Microseconds())/1000.0)
}

// ============================================================
// PKCEStore Implementation
// ============================================================

// SaveCodeVerifier stores PKCE flow data under the given code.
func (s *Store) SaveCodeVerifier(ctx context.Context, code string, data *storage.PKCEData, ttl time.Duration) (err error) {
	defer s.recordOp(ctx, "save_code_verifier", err, time.Now())

	if code == "" {
		return fmt.Errorf("code cannot be empty")
	}
	if data == nil {
		return fmt.Errorf("pkce data cannot be nil")
	}
	if ttl <= 0 {
		ttl = storage.DefaultPKCETTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *data
	s.pkce[code] = &pkceEntry{data: &cp, expiresAt: time.Now().Add(ttl)}
	s.pkceCount.Store(int64(len(s.pkce)))
	return nil
}

// GetCodeVerifier returns the PKCE data without consuming it. Expired
// entries are removed lazily and reported as not found.
func (s *Store) GetCodeVerifier(ctx context.Context, code string) (data *storage.PKCEData, err error) {
	defer s.recordOp(ctx, "get_code_verifier", err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pkce[code]
	if !ok {
		return nil, storage.ErrPKCENotFound
	}
	if time.Now().After(e.expiresAt) {
		delete(s.pkce, code)
		s.pkceCount.Store(int64(len(s.pkce)))
		return nil, storage.ErrPKCENotFound
	}

	cp := *e.data
	return &cp, nil
}

// GetAndDeleteCodeVerifier atomically retrieves and removes the entry.
// Holding the write lock across check-and-delete guarantees a second
// concurrent caller observes the entry as absent.
func (s *Store) GetAndDeleteCodeVerifier(ctx context.Context, code string) (data *storage.PKCEData, err error) {
	defer s.recordOp(ctx, "get_and_delete_code_verifier", err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pkce[code]
	if !ok {
		return nil, storage.ErrPKCENotFound
	}
	delete(s.pkce, code)
	s.pkceCount.Store(int64(len(s.pkce)))

	if time.Now().After(e.expiresAt) {
		return nil, storage.ErrPKCENotFound
	}
	return e.data, nil
}

// HasCodeVerifier reports whether an unexpired entry exists for the code.
func (s *Store) HasCodeVerifier(ctx context.Context, code string) (ok bool, err error) {
	defer s.recordOp(ctx, "has_code_verifier", err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.pkce[code]
	return exists && time.Now().Before(e.expiresAt), nil
}

// DeleteCodeVerifier removes the entry if present.
func (s *Store) DeleteCodeVerifier(ctx context.Context, code string) (err error) {
	defer s.recordOp(ctx, "delete_code_verifier", err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pkce, code)
	s.pkceCount.Store(int64(len(s.pkce)))
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken persists a token record and indexes its refresh token.
func (s *Store) SaveToken(ctx context.Context, info *storage.TokenInfo) (err error) {
	defer s.recordOp(ctx, "save_token", err, time.Now())

	if info == nil || info.AccessToken == "" {
		return fmt.Errorf("invalid token info")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *info
	s.tokens[info.AccessToken] = &cp
	if info.RefreshToken != "" {
		s.refreshIndex[info.RefreshToken] = info.AccessToken
	}
	s.tokenCount.Store(int64(len(s.tokens)))

	s.logger.Debug("Saved token",
		"provider", info.Provider,
		"token_prefix", prefix(info.AccessToken))
	return nil
}

// GetToken returns the record for an access token, lazily deleting it if
// past expiry.
func (s *Store) GetToken(ctx context.Context, accessToken string) (info *storage.TokenInfo, err error) {
	defer s.recordOp(ctx, "get_token", err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if t.Expired() {
		s.deleteTokenLocked(t)
		return nil, storage.ErrTokenExpired
	}

	cp := *t
	return &cp, nil
}

// FindByRefreshToken resolves a refresh token via the secondary index.
func (s *Store) FindByRefreshToken(ctx context.Context, refreshToken string) (info *storage.TokenInfo, err error) {
	defer s.recordOp(ctx, "find_by_refresh_token", err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	accessToken, ok := s.refreshIndex[refreshToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	t, ok := s.tokens[accessToken]
	if !ok {
		// Orphaned index entry.
		delete(s.refreshIndex, refreshToken)
		return nil, storage.ErrTokenNotFound
	}

	cp := *t
	return &cp, nil
}

// DeleteToken removes a record and its refresh index entry.
func (s *Store) DeleteToken(ctx context.Context, accessToken string) (err error) {
	defer s.recordOp(ctx, "delete_token", err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tokens[accessToken]; ok {
		s.deleteTokenLocked(t)
	}
	return nil
}

// deleteTokenLocked removes a token and its index entry.
// Caller must hold s.mu.
func (s *Store) deleteTokenLocked(t *storage.TokenInfo) {
	delete(s.tokens, t.AccessToken)
	if t.RefreshToken != "" {
		delete(s.refreshIndex, t.RefreshToken)
	}
	s.tokenCount.Store(int64(len(s.tokens)))
}

// Cleanup removes expired token records.
func (s *Store) Cleanup(ctx context.Context) (removed int, err error) {
	defer s.recordOp(ctx, "cleanup_tokens", err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.Expired() {
			s.deleteTokenLocked(t)
			removed++
		}
	}
	return removed, nil
}

// ============================================================
// InitialAccessTokenStore Implementation
// ============================================================

// SaveInitialAccessToken persists a DCR bootstrap token.
func (s *Store) SaveInitialAccessToken(ctx context.Context, tok *storage.InitialAccessToken) (err error) {
	defer s.recordOp(ctx, "save_initial_access_token", err, time.Now())

	if tok == nil || tok.Token == "" {
		return fmt.Errorf("invalid initial access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tok
	s.initialTokens[tok.Token] = &cp
	return nil
}

// ConsumeInitialAccessToken validates and increments usage atomically under
// the store mutex, so concurrent registrations cannot overshoot MaxUses.
func (s *Store) ConsumeInitialAccessToken(ctx context.Context, token string) (tok *storage.InitialAccessToken, err error) {
	defer s.recordOp(ctx, "consume_initial_access_token", err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.initialTokens[token]
	if !ok {
		return nil, storage.ErrInitialTokenInvalid
	}
	if t.Revoked || (!t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)) {
		return nil, storage.ErrInitialTokenInvalid
	}
	if t.MaxUses > 0 && t.UsageCount >= t.MaxUses {
		return nil, storage.ErrInitialTokenExhausted
	}

	t.UsageCount++
	cp := *t
	return &cp, nil
}

// RevokeInitialAccessToken marks a bootstrap token revoked by ID.
func (s *Store) RevokeInitialAccessToken(ctx context.Context, id string) (err error) {
	defer s.recordOp(ctx, "revoke_initial_access_token", err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.initialTokens {
		if t.ID == id {
			t.Revoked = true
			return nil
		}
	}
	return storage.ErrInitialTokenInvalid
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient persists a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	defer s.recordOp(ctx, "save_client", err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	s.clients[client.ClientID] = &cp
	s.clientCount.Store(int64(len(s.clients)))

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	defer s.recordOp(ctx, "get_client", err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

// DeleteClient removes a client by ID.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	defer s.recordOp(ctx, "delete_client", err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return storage.ErrClientNotFound
	}
	delete(s.clients, clientID)
	s.clientCount.Store(int64(len(s.clients)))
	return nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) (clients []*storage.Client, err error) {
	defer s.recordOp(ctx, "list_clients", err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// CountClients returns the number of live client records.
func (s *Store) CountClients(ctx context.Context) (n int, err error) {
	defer s.recordOp(ctx, "count_clients", err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), nil
}

// CleanupExpired removes clients whose secret has expired.
func (s *Store) CleanupExpired(ctx context.Context) (removed int, err error) {
	defer s.recordOp(ctx, "cleanup_clients", err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.clients {
		if c.SecretExpired() {
			delete(s.clients, id)
			removed++
		}
	}
	s.clientCount.Store(int64(len(s.clients)))
	return removed, nil
}

// ============================================================
// Background cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

// sweep drops expired PKCE entries, tokens, bootstrap tokens, and clients.
func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, e := range s.pkce {
		if now.After(e.expiresAt) {
			delete(s.pkce, code)
			removed++
		}
	}
	for _, t := range s.tokens {
		if t.Expired() {
			s.deleteTokenLocked(t)
			removed++
		}
	}
	for key, t := range s.initialTokens {
		if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
			delete(s.initialTokens, key)
			removed++
		}
	}
	for id, c := range s.clients {
		if c.SecretExpired() {
			delete(s.clients, id)
			removed++
		}
	}

	s.pkceCount.Store(int64(len(s.pkce)))
	s.tokenCount.Store(int64(len(s.tokens)))
	s.clientCount.Store(int64(len(s.clients)))

	if removed > 0 {
		s.logger.Debug("Swept expired entries", "removed", removed)
	}
}

func prefix(s string) string {
	const n = 8
	if len(s) <= n {
		return s
	}
	return s[:n]
}
