// Package instance reconstructs live MCP server instances from durable
// session metadata on demand. The metadata store is the authority for a
// session; the in-process cache here is just a warm object graph that any
// number of processes may rebuild independently for the same session ID.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-authkit/instrumentation"
	"github.com/giantswarm/mcp-authkit/sessions"
)

// ErrSessionNotFound mirrors sessions.ErrSessionNotFound at the manager
// boundary: a session ID with no durable metadata is rejected, never
// default-created.
var ErrSessionNotFound = sessions.ErrSessionNotFound

const (
	// DefaultIdleTTL is how long an instance may sit unused before the
	// sweeper evicts it.
	DefaultIdleTTL = 10 * time.Minute

	// DefaultSweepInterval is how often idle instances are evicted.
	DefaultSweepInterval = 5 * time.Minute
)

// Factory builds the protocol server for a session being resumed. It
// receives the session's durable metadata so tools can be wired against the
// caller's identity and replay state.
type Factory func(ctx context.Context, meta *sessions.Metadata) (*server.MCPServer, error)

// Instance is the live, non-serializable object graph for one session.
// It is never persisted; authority lives in the metadata store.
type Instance struct {
	SessionID string
	Server    *server.MCPServer
	Transport *server.StreamableHTTPServer

	mu       sync.Mutex
	lastUsed time.Time
}

// LastUsed returns when the instance last served a request.
func (i *Instance) LastUsed() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsed
}

func (i *Instance) touch() {
	i.mu.Lock()
	i.lastUsed = time.Now()
	i.mu.Unlock()
}

// boundSessionIdManager pins a rebuilt transport to the one session it was
// recreated for. Session validity is decided by the metadata store before
// the transport is ever constructed, so the transport accepts exactly the
// store-issued ID and rejects everything else.
type boundSessionIdManager struct {
	id string
}

var _ server.SessionIdManager = (*boundSessionIdManager)(nil)

func (b *boundSessionIdManager) Generate() string { return b.id }

func (b *boundSessionIdManager) Validate(sessionID string) (isTerminated bool, err error) {
	if sessionID != b.id {
		return false, fmt.Errorf("session id does not belong to this instance")
	}
	return false, nil
}

// Terminate refuses transport-level termination: sessions end through
// Manager.CloseSession, which deletes the durable record.
func (b *boundSessionIdManager) Terminate(sessionID string) (isNotAllowed bool, err error) {
	return true, nil
}

// Manager caches live instances and rebuilds them from session metadata on
// demand.
type Manager struct {
	store   sessions.Store
	factory Factory

	mu    sync.Mutex
	cache map[string]*Instance

	idleTTL       time.Duration
	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once

	inst   *instrumentation.Instrumentation
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTTL overrides the idle-eviction TTL.
func WithIdleTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTTL = d
		}
	}
}

// WithSweepInterval overrides how often idle instances are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithInstrumentation wires OpenTelemetry instrumentation.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(m *Manager) { m.inst = inst }
}

// NewManager creates an instance manager over the given metadata store.
func NewManager(store sessions.Store, factory Factory, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("server factory is required")
	}

	m := &Manager{
		store:         store,
		factory:       factory,
		cache:         make(map[string]*Instance),
		idleTTL:       DefaultIdleTTL,
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.sweepLoop()

	return m, nil
}

// GetOrRecreate returns the live instance for a session, rebuilding it from
// durable metadata when the local cache is cold. A session ID with no
// metadata record is a hard failure.
func (m *Manager) GetOrRecreate(ctx context.Context, sessionID string) (*Instance, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	m.mu.Lock()
	if inst, ok := m.cache[sessionID]; ok {
		m.mu.Unlock()
		inst.touch()
		return inst, nil
	}
	m.mu.Unlock()

	// Load outside the lock: the store call may hit the network.
	meta, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	srv, err := m.factory(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to build server for session %s: %w", sessionID, err)
	}

	inst := &Instance{
		SessionID: sessionID,
		Server:    srv,
		Transport: server.NewStreamableHTTPServer(srv,
			server.WithSessionIdManager(&boundSessionIdManager{id: meta.SessionID})),
		lastUsed:  time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another request may have rebuilt the instance while we loaded.
	if existing, ok := m.cache[sessionID]; ok {
		existing.touch()
		return existing, nil
	}
	m.cache[sessionID] = inst

	if m.inst != nil {
		m.inst.Metrics().RecordInstanceRecreation(ctx)
	}
	m.logger.Debug("Recreated instance from session metadata", "session_id", sessionID)

	return inst, nil
}

// CloseSession removes the instance from the local cache and deletes the
// durable record. The store deletion is authoritative; stale caches in
// other processes fall to their own idle eviction.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()

	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// Evict drops the local cache entry without touching durable state. Used
// when a cached instance turns out to be orphaned.
func (m *Manager) Evict(sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
}

// Len returns the number of cached instances.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// Stop terminates the idle sweeper.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopSweep) })
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) evictIdle() {
	cutoff := time.Now().Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, inst := range m.cache {
		if inst.LastUsed().Before(cutoff) {
			delete(m.cache, id)
			if m.inst != nil {
				m.inst.Metrics().RecordInstanceEviction(context.Background(), 1)
			}
			m.logger.Debug("Evicted idle instance", "session_id", id)
		}
	}
}
