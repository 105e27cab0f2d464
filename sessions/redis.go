package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/mcp-authkit/security"
)

const sessionKeyPrefix = "authkit:session:"

// RedisStore persists session metadata in Redis so any server instance can
// resume a session. Metadata is encrypted end-to-end before it reaches the
// wire; the constructor fails without an Encryptor.
type RedisStore struct {
	client redis.UniversalClient
	enc    *security.Encryptor
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client redis.UniversalClient, enc *security.Encryptor) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if enc == nil {
		return nil, fmt.Errorf("encryptor is required for redis-backed session storage")
	}
	return &RedisStore{
		client: client,
		enc:    enc,
		logger: slog.Default(),
	}, nil
}

// SetLogger sets a custom logger.
func (s *RedisStore) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// seal serializes and encrypts metadata for the wire.
func (s *RedisStore) seal(meta *Metadata) (string, error) {
	plain, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	return s.enc.EncryptString(string(plain))
}

// open decrypts and deserializes a stored record.
func (s *RedisStore) open(sealed string) (*Metadata, error) {
	plain, err := s.enc.DecryptString(sealed)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(plain), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
	}
	return &meta, nil
}

// SaveSession persists the metadata with a native TTL at its expiry.
func (s *RedisStore) SaveSession(ctx context.Context, meta *Metadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("invalid session metadata")
	}

	sealed, err := s.seal(meta)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !meta.ExpiresAt.IsZero() {
		ttl = time.Until(meta.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("session already expired")
		}
	}
	if err := s.client.Set(ctx, sessionKey(meta.SessionID), sealed, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns the metadata for a session ID.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*Metadata, error) {
	sealed, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	meta, err := s.open(sealed)
	if err != nil {
		return nil, err
	}
	if meta.Expired() {
		_ = s.client.Del(ctx, sessionKey(sessionID)).Err()
		return nil, ErrSessionNotFound
	}
	return meta, nil
}

// DeleteSession removes the record if present.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Cleanup is a no-op: Redis TTLs expire sessions natively.
func (s *RedisStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}
