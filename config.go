package authkit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/mcp-authkit/providers"
	"github.com/giantswarm/mcp-authkit/providers/github"
	"github.com/giantswarm/mcp-authkit/providers/google"
	"github.com/giantswarm/mcp-authkit/providers/microsoft"
	"github.com/giantswarm/mcp-authkit/security"
	"github.com/giantswarm/mcp-authkit/sessions"
	"github.com/giantswarm/mcp-authkit/storage"
	filestore "github.com/giantswarm/mcp-authkit/storage/file"
	memorystore "github.com/giantswarm/mcp-authkit/storage/memory"
	redisstore "github.com/giantswarm/mcp-authkit/storage/redis"
)

// Storage backend names accepted by StorageConfig.Backend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config holds the authorization server configuration.
// Structured using composition for better organization and maintainability.
type Config struct {
	// Issuer is the externally visible base URL of this server, used as
	// the RFC 8414 issuer and to derive endpoint URLs (required).
	Issuer string `env:"AUTHKIT_ISSUER"`

	// Resource is the protected resource identifier for RFC 9728.
	// Defaults to Issuer.
	Resource string `env:"AUTHKIT_RESOURCE"`

	// SupportedScopes are advertised in discovery metadata.
	SupportedScopes []string `env:"AUTHKIT_SUPPORTED_SCOPES,default=openid;email;profile"`

	// Providers holds upstream identity provider credentials.
	Providers ProvidersConfig

	// Storage selects and configures the store backends.
	Storage StorageConfig

	// Registration configures dynamic client registration.
	Registration RegistrationConfig

	// RateLimit configures per-IP request limiting.
	RateLimit RateLimitConfig

	// TokenTTL is the lifetime of issued access-token records when the
	// upstream provider does not supply an expiry. Default: 1 hour.
	TokenTTL time.Duration `env:"AUTHKIT_TOKEN_TTL,default=1h"`

	// PKCETTL is the lifetime of PKCE entries. Default: 10 minutes.
	PKCETTL time.Duration `env:"AUTHKIT_PKCE_TTL,default=10m"`

	// SessionTTL is the lifetime of protocol-session metadata. Default: 24h.
	SessionTTL time.Duration `env:"AUTHKIT_SESSION_TTL,default=24h"`

	// CleanupInterval is how often memory/file backends sweep expired
	// records. Default: 1 minute.
	CleanupInterval time.Duration `env:"AUTHKIT_CLEANUP_INTERVAL,default=1m"`

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for upstream OAuth requests
	HTTPClient *http.Client
}

// ProvidersConfig holds per-provider OAuth credentials. A provider with an
// empty client ID is simply not registered.
type ProvidersConfig struct {
	Google    GoogleProviderConfig
	GitHub    GitHubProviderConfig
	Microsoft MicrosoftProviderConfig
}

// GoogleProviderConfig holds Google OAuth settings.
type GoogleProviderConfig struct {
	ClientID     string `env:"AUTHKIT_GOOGLE_CLIENT_ID"`
	ClientSecret string `env:"AUTHKIT_GOOGLE_CLIENT_SECRET"`
	RedirectURL  string `env:"AUTHKIT_GOOGLE_REDIRECT_URL"`
}

// GitHubProviderConfig holds GitHub OAuth settings.
type GitHubProviderConfig struct {
	ClientID     string `env:"AUTHKIT_GITHUB_CLIENT_ID"`
	ClientSecret string `env:"AUTHKIT_GITHUB_CLIENT_SECRET"`
	RedirectURL  string `env:"AUTHKIT_GITHUB_REDIRECT_URL"`
}

// MicrosoftProviderConfig holds Microsoft Entra ID OAuth settings.
type MicrosoftProviderConfig struct {
	ClientID     string `env:"AUTHKIT_MICROSOFT_CLIENT_ID"`
	ClientSecret string `env:"AUTHKIT_MICROSOFT_CLIENT_SECRET"`
	RedirectURL  string `env:"AUTHKIT_MICROSOFT_REDIRECT_URL"`
	Tenant       string `env:"AUTHKIT_MICROSOFT_TENANT"`
}

// StorageConfig selects the store backend for all stores.
type StorageConfig struct {
	// Backend is one of "memory", "file", or "redis". Default: memory.
	Backend string `env:"AUTHKIT_STORAGE_BACKEND,default=memory"`

	// FilePath locates the encrypted store file for the file backend.
	FilePath string `env:"AUTHKIT_STORAGE_FILE_PATH"`

	// SessionFilePath locates the encrypted session file for the file
	// backend. Defaults to FilePath + ".sessions".
	SessionFilePath string `env:"AUTHKIT_STORAGE_SESSION_FILE_PATH"`

	// RedisURL is the redis:// connection string for the redis backend.
	RedisURL string `env:"AUTHKIT_REDIS_URL"`

	// EncryptionKey is the base64-encoded 32-byte AES-256 key. Mandatory
	// for the file and redis backends; optional for memory.
	EncryptionKey string `env:"AUTHKIT_ENCRYPTION_KEY"`

	// CacheSessions layers an in-process cache over the durable session
	// store (file/redis backends only).
	CacheSessions bool `env:"AUTHKIT_CACHE_SESSIONS,default=false"`
}

// RegistrationConfig configures dynamic client registration (RFC 7591).
type RegistrationConfig struct {
	// MaxClients caps the number of live registered clients. Zero means
	// unlimited.
	MaxClients int `env:"AUTHKIT_MAX_CLIENTS,default=1000"`

	// SecretTTL is how long client secrets stay valid. Default 30 days;
	// zero means never expire.
	SecretTTL time.Duration `env:"AUTHKIT_CLIENT_SECRET_TTL,default=720h"`

	// RequireInitialAccessToken gates POST /register behind bootstrap
	// tokens managed in the InitialAccessTokenStore.
	RequireInitialAccessToken bool `env:"AUTHKIT_REQUIRE_INITIAL_ACCESS_TOKEN,default=false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int `env:"AUTHKIT_RATE_LIMIT_RPS,default=10"`

	// Burst is the maximum burst size allowed per IP.
	Burst int `env:"AUTHKIT_RATE_LIMIT_BURST,default=20"`
}

// FromEnv builds a Config from AUTHKIT_* environment variables.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration from environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	switch c.Storage.Backend {
	case "", BackendMemory:
	case BackendFile:
		if c.Storage.FilePath == "" {
			return fmt.Errorf("file backend requires a store path")
		}
		if c.Storage.EncryptionKey == "" {
			return fmt.Errorf("file backend requires an encryption key")
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis backend requires a connection URL")
		}
		if c.Storage.EncryptionKey == "" {
			return fmt.Errorf("redis backend requires an encryption key")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// Stores bundles the concrete backends selected by StorageConfig behind the
// store interfaces.
type Stores struct {
	PKCE          storage.PKCEStore
	Tokens        storage.TokenStore
	InitialTokens storage.InitialAccessTokenStore
	Clients       storage.ClientStore
	Sessions      sessions.Store

	// Encryptor is non-nil when an encryption key was configured.
	Encryptor *security.Encryptor

	stoppers []func()
}

// Stop releases backend resources (sweep goroutines, connections).
func (s *Stores) Stop() {
	for _, stop := range s.stoppers {
		stop()
	}
}

// NewStores builds the store backends for the configured storage layer.
func (c *Config) NewStores() (*Stores, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var enc *security.Encryptor
	if c.Storage.EncryptionKey != "" {
		key, err := security.KeyFromBase64(c.Storage.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		enc, err = security.NewEncryptor(key)
		if err != nil {
			return nil, err
		}
	}

	switch c.Storage.Backend {
	case "", BackendMemory:
		return c.newMemoryStores(enc)
	case BackendFile:
		return c.newFileStores(enc)
	case BackendRedis:
		return c.newRedisStores(enc)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
}

func (c *Config) newMemoryStores(enc *security.Encryptor) (*Stores, error) {
	core := memorystore.NewWithInterval(c.CleanupInterval)
	sess := sessions.NewMemoryStore(sessions.WithSweepInterval(c.CleanupInterval))

	return &Stores{
		PKCE:          core,
		Tokens:        core,
		InitialTokens: core,
		Clients:       core,
		Sessions:      sess,
		Encryptor:     enc,
		stoppers:      []func(){core.Stop, sess.Stop},
	}, nil
}

func (c *Config) newFileStores(enc *security.Encryptor) (*Stores, error) {
	core, err := filestore.New(c.Storage.FilePath, enc)
	if err != nil {
		return nil, err
	}

	sessionPath := c.Storage.SessionFilePath
	if sessionPath == "" {
		sessionPath = c.Storage.FilePath + ".sessions"
	}
	durable, err := sessions.NewFileStore(sessionPath, enc)
	if err != nil {
		core.Stop()
		return nil, err
	}

	sess, stoppers, err := c.wrapSessionStore(durable)
	if err != nil {
		core.Stop()
		return nil, err
	}

	return &Stores{
		PKCE:          core,
		Tokens:        core,
		InitialTokens: core,
		Clients:       core,
		Sessions:      sess,
		Encryptor:     enc,
		stoppers:      append([]func(){core.Stop}, stoppers...),
	}, nil
}

func (c *Config) newRedisStores(enc *security.Encryptor) (*Stores, error) {
	core, err := redisstore.NewFromURL(c.Storage.RedisURL, enc)
	if err != nil {
		return nil, err
	}

	client, err := redisClientFromURL(c.Storage.RedisURL)
	if err != nil {
		_ = core.Close()
		return nil, err
	}
	durable, err := sessions.NewRedisStore(client, enc)
	if err != nil {
		_ = core.Close()
		return nil, err
	}

	sess, stoppers, err := c.wrapSessionStore(durable)
	if err != nil {
		_ = core.Close()
		return nil, err
	}

	closeCore := func() { _ = core.Close() }
	closeClient := func() { _ = client.Close() }

	return &Stores{
		PKCE:          core,
		Tokens:        core,
		InitialTokens: core,
		Clients:       core,
		Sessions:      sess,
		Encryptor:     enc,
		stoppers:      append([]func(){closeCore, closeClient}, stoppers...),
	}, nil
}

func redisClientFromURL(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewProviderRegistry builds a registry from the configured provider
// credentials. Providers without a client ID are skipped. Microsoft
// performs OIDC discovery during construction, so a context is required.
func (c *Config) NewProviderRegistry(ctx context.Context) (*providers.Registry, error) {
	registry := providers.NewRegistry()

	if c.Providers.Google.ClientID != "" {
		p, err := google.New(&google.Config{
			ClientID:     c.Providers.Google.ClientID,
			ClientSecret: c.Providers.Google.ClientSecret,
			RedirectURL:  c.Providers.Google.RedirectURL,
			HTTPClient:   c.HTTPClient,
		})
		if err != nil {
			return nil, fmt.Errorf("google provider: %w", err)
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}

	if c.Providers.GitHub.ClientID != "" {
		p, err := github.New(&github.Config{
			ClientID:     c.Providers.GitHub.ClientID,
			ClientSecret: c.Providers.GitHub.ClientSecret,
			RedirectURL:  c.Providers.GitHub.RedirectURL,
			HTTPClient:   c.HTTPClient,
		})
		if err != nil {
			return nil, fmt.Errorf("github provider: %w", err)
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}

	if c.Providers.Microsoft.ClientID != "" {
		p, err := microsoft.New(ctx, &microsoft.Config{
			ClientID:     c.Providers.Microsoft.ClientID,
			ClientSecret: c.Providers.Microsoft.ClientSecret,
			RedirectURL:  c.Providers.Microsoft.RedirectURL,
			Tenant:       c.Providers.Microsoft.Tenant,
			HTTPClient:   c.HTTPClient,
		})
		if err != nil {
			return nil, fmt.Errorf("microsoft provider: %w", err)
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// wrapSessionStore optionally layers the in-process cache over a durable
// session store.
func (c *Config) wrapSessionStore(durable sessions.Store) (sessions.Store, []func(), error) {
	if !c.Storage.CacheSessions {
		return durable, nil, nil
	}
	caching, err := sessions.NewCachingStore(durable)
	if err != nil {
		return nil, nil, err
	}
	return caching, []func(){caching.Stop}, nil
}
