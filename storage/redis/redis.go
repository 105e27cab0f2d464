// Package redis provides a Redis-backed implementation of all storage
// interfaces for multi-instance deployments.
//
// All record values are AES-256-GCM encrypted before they reach Redis, and
// key names are derived from raw secrets with HMAC-SHA256 so neither values
// nor key names leak token material to the Redis server or its logs.
// Encryption is mandatory; the store refuses to start without an Encryptor.
//
// Expiry is delegated to Redis TTLs wherever possible, with single-use
// semantics (PKCE consumption, bootstrap token usage caps) enforced by Lua
// scripts so they stay atomic across concurrent server instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/mcp-authkit/security"
	"github.com/giantswarm/mcp-authkit/storage"
)

const (
	pkcePrefix         = "authkit:pkce:"
	tokenPrefix        = "authkit:token:"
	refreshPrefix      = "authkit:refresh:"
	initialTokenPrefix = "authkit:iat:"
	initialTokenIDPref = "authkit:iat-id:"
	initialUsesPrefix  = "authkit:iat-uses:"
	clientPrefix       = "authkit:client:"

	// refreshableTokenTTL keeps records with a refresh token alive past
	// access-token expiry so the refresh flow can still resolve them.
	refreshableTokenTTL = 30 * 24 * time.Hour

	scanBatchSize = 100
)

// getDelScript atomically reads and deletes a key. GETDEL exists since
// Redis 6.2 but the script keeps us compatible with older servers and
// cluster proxies.
var getDelScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  redis.call('DEL', KEYS[1])
end
return v
`)

// consumeScript increments a usage counter with an upper bound. Returns the
// new count, or -1 when the cap would be exceeded.
var consumeScript = redis.NewScript(`
local uses = redis.call('INCR', KEYS[1])
local max = tonumber(ARGV[1])
if max > 0 and uses > max then
  redis.call('DECR', KEYS[1])
  return -1
end
return uses
`)

// Store is a Redis-backed implementation of PKCEStore, TokenStore,
// InitialAccessTokenStore, and ClientStore.
type Store struct {
	client redis.UniversalClient
	enc    *security.Encryptor
	logger *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.PKCEStore               = (*Store)(nil)
	_ storage.TokenStore              = (*Store)(nil)
	_ storage.InitialAccessTokenStore = (*Store)(nil)
	_ storage.ClientStore             = (*Store)(nil)
)

// New creates a Redis store. Both the client and the encryptor are required.
func New(client redis.UniversalClient, enc *security.Encryptor) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if enc == nil {
		return nil, fmt.Errorf("encryptor is required for redis-backed storage")
	}
	return &Store{
		client: client,
		enc:    enc,
		logger: slog.Default(),
	}, nil
}

// NewFromURL creates a Redis store from a redis:// connection URL.
func NewFromURL(url string, enc *security.Encryptor) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return New(redis.NewClient(opts), enc)
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Ping verifies connectivity to the Redis server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the underlying client's connections.
func (s *Store) Close() error {
	return s.client.Close()
}

// seal encrypts a record for storage.
func (s *Store) seal(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.enc.EncryptString(string(plain))
}

// open decrypts a stored record into out.
func (s *Store) open(sealed string, out any) error {
	plain, err := s.enc.DecryptString(sealed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plain), out); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// ============================================================
// PKCEStore Implementation
// ============================================================

func pkceKey(enc *security.Encryptor, code string) string {
	return pkcePrefix + enc.HashKey(code)
}

// SaveCodeVerifier stores PKCE flow data with a native Redis TTL.
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

	sealed, err := s.seal(data)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, pkceKey(s.enc, code), sealed, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save pkce data: %w", err)
	}
	return nil
}

// GetCodeVerifier returns the PKCE data without consuming it.
func (s *Store) GetCodeVerifier(ctx context.Context, code string) (*storage.PKCEData, error) {
	sealed, err := s.client.Get(ctx, pkceKey(s.enc, code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrPKCENotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pkce data: %w", err)
	}

	var data storage.PKCEData
	if err := s.open(sealed, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetAndDeleteCodeVerifier atomically retrieves and removes the entry via a
// Lua script, so concurrent callers across instances see at most one win.
func (s *Store) GetAndDeleteCodeVerifier(ctx context.Context, code string) (*storage.PKCEData, error) {
	res, err := getDelScript.Run(ctx, s.client, []string{pkceKey(s.enc, code)}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrPKCENotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume pkce data: %w", err)
	}

	sealed, ok := res.(string)
	if !ok {
		return nil, storage.ErrPKCENotFound
	}

	var data storage.PKCEData
	if err := s.open(sealed, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// HasCodeVerifier reports whether an entry exists for the code.
func (s *Store) HasCodeVerifier(ctx context.Context, code string) (bool, error) {
	n, err := s.client.Exists(ctx, pkceKey(s.enc, code)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check pkce data: %w", err)
	}
	return n > 0, nil
}

// DeleteCodeVerifier removes the entry if present.
func (s *Store) DeleteCodeVerifier(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, pkceKey(s.enc, code)).Err(); err != nil {
		return fmt.Errorf("failed to delete pkce data: %w", err)
	}
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

func tokenKey(enc *security.Encryptor, accessToken string) string {
	return tokenPrefix + enc.HashKey(accessToken)
}

func refreshKey(enc *security.Encryptor, refreshToken string) string {
	return refreshPrefix + enc.HashKey(refreshToken)
}

// tokenTTL returns the Redis TTL for a token record. Records with a refresh
// token outlive the access token so the refresh flow still resolves them;
// the application-level expiry check in GetToken stays authoritative.
func tokenTTL(info *storage.TokenInfo) time.Duration {
	if info.RefreshToken != "" {
		return refreshableTokenTTL
	}
	ttl := time.Until(info.ExpiresAt)
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// SaveToken persists a token record and its refresh index entry.
func (s *Store) SaveToken(ctx context.Context, info *storage.TokenInfo) error {
	if info == nil || info.AccessToken == "" {
		return fmt.Errorf("invalid token info")
	}

	sealed, err := s.seal(info)
	if err != nil {
		return err
	}

	ttl := tokenTTL(info)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tokenKey(s.enc, info.AccessToken), sealed, ttl)
	if info.RefreshToken != "" {
		// Index stores the raw access token, encrypted like any value.
		idxVal, err := s.enc.EncryptString(info.AccessToken)
		if err != nil {
			return err
		}
		pipe.Set(ctx, refreshKey(s.enc, info.RefreshToken), idxVal, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// GetToken returns the record for an access token.
func (s *Store) GetToken(ctx context.Context, accessToken string) (*storage.TokenInfo, error) {
	sealed, err := s.client.Get(ctx, tokenKey(s.enc, accessToken)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var info storage.TokenInfo
	if err := s.open(sealed, &info); err != nil {
		return nil, err
	}
	if info.Expired() {
		if info.RefreshToken == "" {
			_ = s.client.Del(ctx, tokenKey(s.enc, accessToken)).Err()
		}
		return nil, storage.ErrTokenExpired
	}
	return &info, nil
}

// FindByRefreshToken resolves a refresh token via the secondary index.
func (s *Store) FindByRefreshToken(ctx context.Context, refreshToken string) (*storage.TokenInfo, error) {
	idxVal, err := s.client.Get(ctx, refreshKey(s.enc, refreshToken)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve refresh token: %w", err)
	}

	accessToken, err := s.enc.DecryptString(idxVal)
	if err != nil {
		return nil, err
	}

	sealed, err := s.client.Get(ctx, tokenKey(s.enc, accessToken)).Result()
	if errors.Is(err, redis.Nil) {
		// Orphaned index entry.
		_ = s.client.Del(ctx, refreshKey(s.enc, refreshToken)).Err()
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var info storage.TokenInfo
	if err := s.open(sealed, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteToken removes a record and its refresh index entry.
func (s *Store) DeleteToken(ctx context.Context, accessToken string) error {
	info, err := s.GetToken(ctx, accessToken)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil
	}

	keys := []string{tokenKey(s.enc, accessToken)}
	if err == nil && info.RefreshToken != "" {
		keys = append(keys, refreshKey(s.enc, info.RefreshToken))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// Cleanup is a no-op: Redis TTLs expire records natively.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

// ============================================================
// InitialAccessTokenStore Implementation
// ============================================================

// SaveInitialAccessToken persists a DCR bootstrap token. The usage counter
// lives in a separate plain integer key so the consume script can bound it
// without decrypting the record.
func (s *Store) SaveInitialAccessToken(ctx context.Context, tok *storage.InitialAccessToken) error {
	if tok == nil || tok.Token == "" {
		return fmt.Errorf("invalid initial access token")
	}

	sealed, err := s.seal(tok)
	if err != nil {
		return err
	}

	hash := s.enc.HashKey(tok.Token)
	var ttl time.Duration
	if !tok.ExpiresAt.IsZero() {
		ttl = time.Until(tok.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("initial access token already expired")
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, initialTokenPrefix+hash, sealed, ttl)
	pipe.Set(ctx, initialTokenIDPref+tok.ID, hash, ttl)
	pipe.Set(ctx, initialUsesPrefix+hash, tok.UsageCount, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save initial access token: %w", err)
	}
	return nil
}

// ConsumeInitialAccessToken validates the token and atomically increments
// its usage counter. The Lua script enforces MaxUses across concurrent
// registrations on any number of server instances.
func (s *Store) ConsumeInitialAccessToken(ctx context.Context, token string) (*storage.InitialAccessToken, error) {
	hash := s.enc.HashKey(token)

	sealed, err := s.client.Get(ctx, initialTokenPrefix+hash).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrInitialTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get initial access token: %w", err)
	}

	var tok storage.InitialAccessToken
	if err := s.open(sealed, &tok); err != nil {
		return nil, err
	}
	if tok.Revoked || (!tok.ExpiresAt.IsZero() && time.Now().After(tok.ExpiresAt)) {
		return nil, storage.ErrInitialTokenInvalid
	}

	res, err := consumeScript.Run(ctx, s.client, []string{initialUsesPrefix + hash}, tok.MaxUses).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to consume initial access token: %w", err)
	}
	if res < 0 {
		return nil, storage.ErrInitialTokenExhausted
	}

	tok.UsageCount = res
	return &tok, nil
}

// RevokeInitialAccessToken marks a bootstrap token revoked by ID.
func (s *Store) RevokeInitialAccessToken(ctx context.Context, id string) error {
	hash, err := s.client.Get(ctx, initialTokenIDPref+id).Result()
	if errors.Is(err, redis.Nil) {
		return storage.ErrInitialTokenInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to resolve initial access token id: %w", err)
	}

	sealed, err := s.client.Get(ctx, initialTokenPrefix+hash).Result()
	if errors.Is(err, redis.Nil) {
		return storage.ErrInitialTokenInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to get initial access token: %w", err)
	}

	var tok storage.InitialAccessToken
	if err := s.open(sealed, &tok); err != nil {
		return err
	}
	tok.Revoked = true

	resealed, err := s.seal(&tok)
	if err != nil {
		return err
	}
	// KEEPTTL preserves the original expiry on the rewrite.
	if err := s.client.SetArgs(ctx, initialTokenPrefix+hash, resealed, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return fmt.Errorf("failed to revoke initial access token: %w", err)
	}
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient persists a registered client. Client IDs are public
// identifiers, so they key the record directly; the record body is still
// encrypted because it carries the secret hash and redirect URIs.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	sealed, err := s.seal(client)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !client.ClientSecretExpiresAt.IsZero() {
		ttl = time.Until(client.ClientSecretExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("client secret already expired")
		}
	}
	if err := s.client.Set(ctx, clientPrefix+client.ClientID, sealed, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	sealed, err := s.client.Get(ctx, clientPrefix+clientID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var c storage.Client
	if err := s.open(sealed, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteClient removes a client by ID.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	n, err := s.client.Del(ctx, clientPrefix+clientID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n == 0 {
		return storage.ErrClientNotFound
	}
	return nil
}

// ListClients lists all registered clients via a cursor scan.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	var out []*storage.Client

	iter := s.client.Scan(ctx, 0, clientPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		sealed, err := s.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get client: %w", err)
		}

		var c storage.Client
		if err := s.open(sealed, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan clients: %w", err)
	}
	return out, nil
}

// CountClients returns the number of live client records.
func (s *Store) CountClients(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, clientPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan clients: %w", err)
	}
	return n, nil
}

// CleanupExpired is a no-op for secret-bounded clients: SaveClient sets a
// native TTL at the secret's expiry.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}
