package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultReconcileInterval is how often dirty entries are flushed to the
// durable secondary.
const DefaultReconcileInterval = 5 * time.Second

// CachingStore layers a bounded in-process primary over a durable
// secondary. Reads hit the primary and fall through to the secondary on
// miss, repopulating the primary. Writes land in the primary immediately
// and are flushed to the secondary by a background reconcile loop, trading
// a small staleness window for write latency. Deletions go to both stores
// synchronously because the durable deletion is authoritative.
type CachingStore struct {
	primary   *MemoryStore
	secondary Store

	mu    sync.Mutex
	dirty map[string]*Metadata

	reconcileInterval time.Duration
	stopReconcile     chan struct{}
	stopOnce          sync.Once
	logger            *slog.Logger
}

var _ Store = (*CachingStore)(nil)

// CachingOption configures a CachingStore.
type CachingOption func(*CachingStore)

// WithReconcileInterval sets how often dirty entries are flushed.
func WithReconcileInterval(d time.Duration) CachingOption {
	return func(s *CachingStore) {
		if d > 0 {
			s.reconcileInterval = d
		}
	}
}

// WithPrimary replaces the default in-process primary.
func WithPrimary(primary *MemoryStore) CachingOption {
	return func(s *CachingStore) {
		if primary != nil {
			s.primary = primary
		}
	}
}

// NewCachingStore creates a caching layer over the given durable store.
func NewCachingStore(secondary Store, opts ...CachingOption) (*CachingStore, error) {
	if secondary == nil {
		return nil, fmt.Errorf("secondary store is required")
	}

	s := &CachingStore{
		primary:           NewMemoryStore(WithMaxEntries(1000)),
		secondary:         secondary,
		dirty:             make(map[string]*Metadata),
		reconcileInterval: DefaultReconcileInterval,
		stopReconcile:     make(chan struct{}),
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.reconcileLoop()

	return s, nil
}

// SetLogger sets a custom logger.
func (s *CachingStore) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop flushes pending writes and terminates the reconcile loop.
func (s *CachingStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopReconcile)
		s.primary.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("Failed to flush sessions on stop", "error", err)
		}
	})
}

// SaveSession writes to the primary and marks the entry for reconciliation.
func (s *CachingStore) SaveSession(ctx context.Context, meta *Metadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("invalid session metadata")
	}

	if err := s.primary.SaveSession(ctx, meta); err != nil {
		return err
	}

	s.mu.Lock()
	s.dirty[meta.SessionID] = meta.Clone()
	s.mu.Unlock()
	return nil
}

// GetSession reads through the cache, repopulating the primary on a
// secondary hit.
func (s *CachingStore) GetSession(ctx context.Context, sessionID string) (*Metadata, error) {
	if meta, err := s.primary.GetSession(ctx, sessionID); err == nil {
		return meta, nil
	}

	meta, err := s.secondary.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.primary.SaveSession(ctx, meta); err != nil {
		s.logger.Warn("Failed to repopulate session cache", "session_id", sessionID, "error", err)
	}
	return meta, nil
}

// DeleteSession removes the record from both stores synchronously.
func (s *CachingStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.dirty, sessionID)
	s.mu.Unlock()

	if err := s.primary.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	return s.secondary.DeleteSession(ctx, sessionID)
}

// Cleanup sweeps both stores.
func (s *CachingStore) Cleanup(ctx context.Context) (int, error) {
	n1, err1 := s.primary.Cleanup(ctx)
	n2, err2 := s.secondary.Cleanup(ctx)
	return n1 + n2, errors.Join(err1, err2)
}

// Flush writes all dirty entries to the secondary.
func (s *CachingStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.dirty
	s.dirty = make(map[string]*Metadata)
	s.mu.Unlock()

	var errs []error
	for id, meta := range pending {
		if err := s.secondary.SaveSession(ctx, meta); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			// Re-queue unless a newer write superseded this one.
			s.mu.Lock()
			if _, exists := s.dirty[id]; !exists {
				s.dirty[id] = meta
			}
			s.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

func (s *CachingStore) reconcileLoop() {
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.reconcileInterval)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("Session reconcile failed", "error", err)
			}
			cancel()
		case <-s.stopReconcile:
			return
		}
	}
}
