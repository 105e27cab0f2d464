package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests, and the
// default primary inside CachingStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Metadata

	// maxEntries bounds the store; zero means unbounded.
	maxEntries int

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxEntries bounds the number of cached sessions. When full, the
// entry closest to expiry is evicted to make room.
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) { s.maxEntries = n }
}

// WithSweepInterval sets the background sweep interval.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions:        make(map[string]*Metadata),
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *MemoryStore) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop terminates the background sweep goroutine.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// SaveSession stores a deep copy of the metadata.
func (s *MemoryStore) SaveSession(ctx context.Context, meta *Metadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("invalid session metadata")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxEntries > 0 && len(s.sessions) >= s.maxEntries {
		if _, exists := s.sessions[meta.SessionID]; !exists {
			s.evictSoonestLocked()
		}
	}
	s.sessions[meta.SessionID] = meta.Clone()
	return nil
}

// evictSoonestLocked removes the entry closest to expiry.
// Caller must hold s.mu.
func (s *MemoryStore) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for id, m := range s.sessions {
		if victim == "" || m.ExpiresAt.Before(soonest) {
			victim = id
			soonest = m.ExpiresAt
		}
	}
	if victim != "" {
		delete(s.sessions, victim)
		s.logger.Debug("Evicted session to stay within capacity", "session_id", victim)
	}
}

// GetSession returns a deep copy of the stored metadata.
func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.Expired() {
		delete(s.sessions, sessionID)
		return nil, ErrSessionNotFound
	}
	return m.Clone(), nil
}

// DeleteSession removes the record if present.
func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// Cleanup removes expired sessions.
func (s *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, m := range s.sessions {
		if m.Expired() {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, _ := s.Cleanup(context.Background()); n > 0 {
				s.logger.Debug("Swept expired sessions", "removed", n)
			}
		case <-s.stopCleanup:
			return
		}
	}
}
