package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/giantswarm/mcp-authkit/security"
)

const fileDocumentVersion = 1

// fileDocument is the on-disk schema for FileStore.
type fileDocument struct {
	Version  int                  `json:"version"`
	Sessions map[string]*Metadata `json:"sessions"`
}

// FileStore persists session metadata to a single encrypted JSON document,
// written atomically via temp-file rename. Session metadata embeds identity
// PII, so the encryptor is mandatory.
type FileStore struct {
	mu     sync.Mutex
	path   string
	enc    *security.Encryptor
	doc    *fileDocument
	logger *slog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (or creates) an encrypted session store at path.
func NewFileStore(path string, enc *security.Encryptor) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if enc == nil {
		return nil, fmt.Errorf("encryptor is required for file-backed session storage")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &FileStore{
		path:   path,
		enc:    enc,
		logger: slog.Default(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetLogger sets a custom logger.
func (s *FileStore) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) || (err == nil && len(raw) == 0) {
		s.doc = &fileDocument{Version: fileDocumentVersion, Sessions: make(map[string]*Metadata)}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session store file: %w", err)
	}

	plain, err := s.enc.Decrypt(raw)
	if err != nil {
		return fmt.Errorf("failed to decrypt session store file %s (wrong key?): %w", s.path, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(plain, &doc); err != nil {
		return fmt.Errorf("failed to parse session store file: %w", err)
	}
	if doc.Version != fileDocumentVersion {
		return fmt.Errorf("unsupported session store file version %d", doc.Version)
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]*Metadata)
	}

	s.doc = &doc
	return nil
}

// persist encrypts and writes the document atomically.
// Caller must hold s.mu.
func (s *FileStore) persist() error {
	plain, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal session store: %w", err)
	}
	sealed, err := s.enc.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt session store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".authkit-sessions-*")
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
		return fmt.Errorf("failed to replace session store file: %w", err)
	}
	return nil
}

// SaveSession persists the metadata.
func (s *FileStore) SaveSession(ctx context.Context, meta *Metadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("invalid session metadata")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Sessions[meta.SessionID] = meta.Clone()
	return s.persist()
}

// GetSession returns the metadata for a session ID.
func (s *FileStore) GetSession(ctx context.Context, sessionID string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.doc.Sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.Expired() {
		delete(s.doc.Sessions, sessionID)
		_ = s.persist()
		return nil, ErrSessionNotFound
	}
	return m.Clone(), nil
}

// DeleteSession removes the record if present.
func (s *FileStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Sessions[sessionID]; !ok {
		return nil
	}
	delete(s.doc.Sessions, sessionID)
	return s.persist()
}

// Cleanup removes expired sessions.
func (s *FileStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, m := range s.doc.Sessions {
		if m.Expired() {
			delete(s.doc.Sessions, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persist()
}
