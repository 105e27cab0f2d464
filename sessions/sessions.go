// Package sessions persists protocol-session metadata so any process can
// resume a session after restart or replacement. The durable Metadata
// record is the authority for a session; live server instances are rebuilt
// from it on demand and never persisted themselves.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when no metadata exists for a session ID.
var ErrSessionNotFound = errors.New("session not found")

// DefaultMaxEvents bounds the replay buffer per session.
const DefaultMaxEvents = 100

// DefaultSessionTTL is the metadata lifetime when none is configured.
const DefaultSessionTTL = 24 * time.Hour

// AuthInfo captures the upstream identity bound to a session. It embeds
// PII (email, display name, provider subject), which is why shared-storage
// backends must encrypt metadata end-to-end.
type AuthInfo struct {
	Provider  string    `json:"provider"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Event is one replayable protocol message. The buffer lets a reconnecting
// client resume delivery from its last acknowledged event.
type Event struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Metadata is the durable, serializable representation of a live protocol
// session.
type Metadata struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	AuthInfo  *AuthInfo `json:"auth_info,omitempty"`
	Events    []Event   `json:"events,omitempty"`

	// MaxEvents bounds the replay buffer. Zero means DefaultMaxEvents.
	MaxEvents int `json:"max_events,omitempty"`
}

// NewMetadata creates session metadata with the given ID and TTL.
func NewMetadata(sessionID string, ttl time.Duration) *Metadata {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now()
	return &Metadata{
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether the session is past its expiry.
func (m *Metadata) Expired() bool {
	return !m.ExpiresAt.IsZero() && time.Now().After(m.ExpiresAt)
}

// AppendEvent adds an event to the replay buffer, dropping the oldest
// entries once the bound is reached.
func (m *Metadata) AppendEvent(e Event) {
	max := m.MaxEvents
	if max <= 0 {
		max = DefaultMaxEvents
	}
	m.Events = append(m.Events, e)
	if len(m.Events) > max {
		m.Events = m.Events[len(m.Events)-max:]
	}
}

// EventsSince returns the events recorded after the given event ID. An
// unknown or empty ID returns the full buffer.
func (m *Metadata) EventsSince(lastEventID string) []Event {
	if lastEventID == "" {
		return m.Events
	}
	for i, e := range m.Events {
		if e.ID == lastEventID {
			return m.Events[i+1:]
		}
	}
	return m.Events
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	cp := *m
	if m.AuthInfo != nil {
		ai := *m.AuthInfo
		if m.AuthInfo.Scopes != nil {
			ai.Scopes = append([]string(nil), m.AuthInfo.Scopes...)
		}
		cp.AuthInfo = &ai
	}
	if m.Events != nil {
		cp.Events = make([]Event, len(m.Events))
		copy(cp.Events, m.Events)
	}
	return &cp
}

// Store persists session metadata.
type Store interface {
	// SaveSession persists the metadata, replacing any existing record.
	SaveSession(ctx context.Context, meta *Metadata) error

	// GetSession returns the metadata for a session ID. Expired records
	// return ErrSessionNotFound and are removed lazily.
	GetSession(ctx context.Context, sessionID string) (*Metadata, error)

	// DeleteSession removes the record. Deleting a missing session is
	// not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// Cleanup removes expired sessions and returns the count removed.
	Cleanup(ctx context.Context) (int, error)
}
