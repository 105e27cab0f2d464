// Package file provides a file-backed implementation of all storage
// interfaces. State is held in memory and persisted to a single
// AES-256-GCM encrypted JSON document on every mutation, written with an
// atomic temp-file rename so a crash never leaves a torn file behind.
//
// Encryption is mandatory: the store refuses to start without an
// Encryptor, and a document that fails to decrypt aborts startup rather
// than silently starting empty.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/giantswarm/mcp-authkit/security"
	"github.com/giantswarm/mcp-authkit/storage"
)

// pkceRecord is the persisted form of a PKCE entry.
type pkceRecord struct {
	Data      *storage.PKCEData `json:"data"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// document is the on-disk schema. All sections are persisted together so
// a single rename commits a consistent snapshot.
type document struct {
	Version       int                                    `json:"version"`
	PKCE          map[string]*pkceRecord                 `json:"pkce"`
	Tokens        map[string]*storage.TokenInfo          `json:"tokens"`
	RefreshIndex  map[string]string                      `json:"refresh_index"`
	InitialTokens map[string]*storage.InitialAccessToken `json:"initial_tokens"`
	Clients       map[string]*storage.Client             `json:"clients"`
}

const documentVersion = 1

// Store is a file-backed implementation of PKCEStore, TokenStore,
// InitialAccessTokenStore, and ClientStore.
type Store struct {
	mu   sync.Mutex
	path string
	enc  *security.Encryptor
	doc  *document

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

// New opens (or creates) an encrypted file store at path. The encryptor is
// required; a nil encryptor is a configuration error.
func New(path string, enc *security.Encryptor) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if enc == nil {
		return nil, fmt.Errorf("encryptor is required for file-backed storage")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		path:            path,
		enc:             enc,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	go s.cleanupLoop()

	return s, nil
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop terminates the background sweep goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// load reads and decrypts the document from disk. A missing file starts
// empty; a corrupt or undecryptable file is a hard error so operators
// notice key mismatches instead of losing sessions silently.
func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.doc = emptyDocument()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read store file: %w", err)
	}
	if len(raw) == 0 {
		s.doc = emptyDocument()
		return nil
	}

	plain, err := s.enc.Decrypt(raw)
	if err != nil {
		return fmt.Errorf("failed to decrypt store file %s (wrong key?): %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(plain, &doc); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}
	if doc.Version != documentVersion {
		return fmt.Errorf("unsupported store file version %d", doc.Version)
	}

	// Sections added after a file was written may be nil.
	if doc.PKCE == nil {
		doc.PKCE = make(map[string]*pkceRecord)
	}
	if doc.Tokens == nil {
		doc.Tokens = make(map[string]*storage.TokenInfo)
	}
	if doc.RefreshIndex == nil {
		doc.RefreshIndex = make(map[string]string)
	}
	if doc.InitialTokens == nil {
		doc.InitialTokens = make(map[string]*storage.InitialAccessToken)
	}
	if doc.Clients == nil {
		doc.Clients = make(map[string]*storage.Client)
	}

	s.doc = &doc
	return nil
}

// persist encrypts and writes the document atomically.
// Caller must hold s.mu.
func (s *Store) persist() error {
	plain, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal store document: %w", err)
	}

	sealed, err := s.enc.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt store document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".authkit-store-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set temp file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

func emptyDocument() *document {
	return &document{
		Version:       documentVersion,
		PKCE:          make(map[string]*pkceRecord),
		Tokens:        make(map[string]*storage.TokenInfo),
		RefreshIndex:  make(map[string]string),
		InitialTokens: make(map[string]*storage.InitialAccessToken),
		Clients:       make(map[string]*storage.Client),
	}
}

// ============================================================
// PKCEStore Implementation
// ============================================================

// SaveCodeVerifier stores PKCE flow data under the given code.
func (s *Store) SaveCodeVerifier(ctx context.Context, code string, data *storage.PKCEData, ttl time.Duration) error {
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
	s.doc.PKCE[code] = &pkceRecord{Data: &cp, ExpiresAt: time.Now().Add(ttl)}
	return s.persist()
}

// GetCodeVerifier returns the PKCE data without consuming it.
func (s *Store) GetCodeVerifier(ctx context.Context, code string) (*storage.PKCEData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.PKCE[code]
	if !ok {
		return nil, storage.ErrPKCENotFound
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(s.doc.PKCE, code)
		_ = s.persist()
		return nil, storage.ErrPKCENotFound
	}

	cp := *rec.Data
	return &cp, nil
}

// GetAndDeleteCodeVerifier atomically retrieves and removes the entry.
func (s *Store) GetAndDeleteCodeVerifier(ctx context.Context, code string) (*storage.PKCEData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.PKCE[code]
	if !ok {
		return nil, storage.ErrPKCENotFound
	}
	delete(s.doc.PKCE, code)
	if err := s.persist(); err != nil {
		return nil, err
	}

	if time.Now().After(rec.ExpiresAt) {
		return nil, storage.ErrPKCENotFound
	}
	return rec.Data, nil
}

// HasCodeVerifier reports whether an unexpired entry exists for the code.
func (s *Store) HasCodeVerifier(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.PKCE[code]
	return ok && time.Now().Before(rec.ExpiresAt), nil
}

// DeleteCodeVerifier removes the entry if present.
func (s *Store) DeleteCodeVerifier(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.PKCE[code]; !ok {
		return nil
	}
	delete(s.doc.PKCE, code)
	return s.persist()
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken persists a token record and indexes its refresh token.
func (s *Store) SaveToken(ctx context.Context, info *storage.TokenInfo) error {
	if info == nil || info.AccessToken == "" {
		return fmt.Errorf("invalid token info")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *info
	s.doc.Tokens[info.AccessToken] = &cp
	if info.RefreshToken != "" {
		s.doc.RefreshIndex[info.RefreshToken] = info.AccessToken
	}
	return s.persist()
}

// GetToken returns the record for an access token, lazily deleting it if
// past expiry.
func (s *Store) GetToken(ctx context.Context, accessToken string) (*storage.TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.doc.Tokens[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if t.Expired() {
		s.deleteTokenLocked(t)
		_ = s.persist()
		return nil, storage.ErrTokenExpired
	}

	cp := *t
	return &cp, nil
}

// FindByRefreshToken resolves a refresh token via the secondary index.
func (s *Store) FindByRefreshToken(ctx context.Context, refreshToken string) (*storage.TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accessToken, ok := s.doc.RefreshIndex[refreshToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	t, ok := s.doc.Tokens[accessToken]
	if !ok {
		delete(s.doc.RefreshIndex, refreshToken)
		_ = s.persist()
		return nil, storage.ErrTokenNotFound
	}

	cp := *t
	return &cp, nil
}

// DeleteToken removes a record and its refresh index entry.
func (s *Store) DeleteToken(ctx context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.doc.Tokens[accessToken]
	if !ok {
		return nil
	}
	s.deleteTokenLocked(t)
	return s.persist()
}

// deleteTokenLocked removes a token and its index entry without persisting.
// Caller must hold s.mu.
func (s *Store) deleteTokenLocked(t *storage.TokenInfo) {
	delete(s.doc.Tokens, t.AccessToken)
	if t.RefreshToken != "" {
		delete(s.doc.RefreshIndex, t.RefreshToken)
	}
}

// Cleanup removes expired token records.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, t := range s.doc.Tokens {
		if t.Expired() {
			s.deleteTokenLocked(t)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persist()
}

// ============================================================
// InitialAccessTokenStore Implementation
// ============================================================

// SaveInitialAccessToken persists a DCR bootstrap token.
func (s *Store) SaveInitialAccessToken(ctx context.Context, tok *storage.InitialAccessToken) error {
	if tok == nil || tok.Token == "" {
		return fmt.Errorf("invalid initial access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tok
	s.doc.InitialTokens[tok.Token] = &cp
	return s.persist()
}

// ConsumeInitialAccessToken validates and increments usage atomically.
func (s *Store) ConsumeInitialAccessToken(ctx context.Context, token string) (*storage.InitialAccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.doc.InitialTokens[token]
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
	if err := s.persist(); err != nil {
		t.UsageCount--
		return nil, err
	}

	cp := *t
	return &cp, nil
}

// RevokeInitialAccessToken marks a bootstrap token revoked by ID.
func (s *Store) RevokeInitialAccessToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.doc.InitialTokens {
		if t.ID == id {
			t.Revoked = true
			return s.persist()
		}
	}
	return storage.ErrInitialTokenInvalid
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient persists a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	s.doc.Clients[client.ClientID] = &cp
	return s.persist()
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.doc.Clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

// DeleteClient removes a client by ID.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Clients[clientID]; !ok {
		return storage.ErrClientNotFound
	}
	delete(s.doc.Clients, clientID)
	return s.persist()
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.Client, 0, len(s.doc.Clients))
	for _, c := range s.doc.Clients {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// CountClients returns the number of live client records.
func (s *Store) CountClients(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Clients), nil
}

// CleanupExpired removes clients whose secret has expired.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, c := range s.doc.Clients {
		if c.SecretExpired() {
			delete(s.doc.Clients, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persist()
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

func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, rec := range s.doc.PKCE {
		if now.After(rec.ExpiresAt) {
			delete(s.doc.PKCE, code)
			removed++
		}
	}
	for _, t := range s.doc.Tokens {
		if t.Expired() {
			s.deleteTokenLocked(t)
			removed++
		}
	}
	for key, t := range s.doc.InitialTokens {
		if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
			delete(s.doc.InitialTokens, key)
			removed++
		}
	}
	for id, c := range s.doc.Clients {
		if c.SecretExpired() {
			delete(s.doc.Clients, id)
			removed++
		}
	}

	if removed == 0 {
		return
	}
	if err := s.persist(); err != nil {
		s.logger.Warn("Failed to persist after sweep", "error", err)
		return
	}
	s.logger.Debug("Swept expired entries", "removed", removed)
}
