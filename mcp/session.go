package mcp

import (
	"context"
	"io/fs"
	"sync"
	"time"
)

// SessionState is the state of a session (spec §3 "Session record"),
// persisted independently of any particular process so that a
// horizontally scaled deployment can route a session's requests to
// whichever instance happens to receive them (spec §4.5's "cross-pod
// recovery").
type SessionState struct {
	// InitializeParams are the parameters from the initialize request.
	InitializeParams *InitializeParams `json:"initializeParams"`

	// LogLevel is the logging level for the session.
	LogLevel LoggingLevel `json:"logLevel"`

	// Initialized reports whether notifications/initialized has been
	// received for this session.
	Initialized bool `json:"initialized"`

	// CreatedAt is when the session was first stored, in Unix
	// milliseconds.
	CreatedAt int64 `json:"createdAt"`

	// LastActivity is updated on every inbound request for this session,
	// in Unix milliseconds; stores may use it to expire idle sessions.
	LastActivity int64 `json:"lastActivity"`

	// Metadata is reserved for application use; the core neither reads
	// nor writes it.
	Metadata map[string]any `json:"metadata,omitempty"`

	// TODO: resource subscriptions
}

// SessionStore is an interface for storing and retrieving session state
// (spec §4.5, C5). Implementations must be safe for concurrent use.
//
// A record that exists in the store but not in a given process's local
// memory is adopted into that process's local state on next access
// ("cross-pod recovery", spec §4.5) rather than treated as an error: the
// store, not any single process, is the source of truth once external
// storage is configured.
type SessionStore interface {
	// Load retrieves the session state for the given session ID.
	// If there is none, it returns nil, fs.ErrNotExist.
	Load(ctx context.Context, sessionID string) (*SessionState, error)
	// Store saves the session state for the given session ID, upserting
	// with the implementation's TTL policy.
	Store(ctx context.Context, sessionID string, state *SessionState) error
	// UpdateActivity bumps LastActivity (and, if the backend supports it,
	// refreshes the session's TTL) without requiring the caller to
	// reserialize the whole state.
	UpdateActivity(ctx context.Context, sessionID string) error
	// Delete removes the session state for the given session ID.
	Delete(ctx context.Context, sessionID string) error
	// Exists reports whether a record for sessionID is currently stored.
	Exists(ctx context.Context, sessionID string) (bool, error)
}

// MemorySessionStore is an in-memory implementation of SessionStore.
// It is safe for concurrent use, but (per spec §4.5) only offers
// read-after-write consistency within a single process; it is not a
// substitute for an external store in a multi-instance deployment.
type MemorySessionStore struct {
	mu    sync.Mutex
	store map[string]*SessionState
}

// NewMemorySessionStore creates a new MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		store: make(map[string]*SessionState),
	}
}

// Load retrieves the session state for the given session ID.
func (s *MemorySessionStore) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.store[sessionID]
	if !ok {
		return nil, fs.ErrNotExist
	}
	cp := *state
	return &cp, nil
}

// Store saves the session state for the given session ID.
func (s *MemorySessionStore) Store(ctx context.Context, sessionID string, state *SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	if cp.CreatedAt == 0 {
		cp.CreatedAt = time.Now().UnixMilli()
	}
	cp.LastActivity = time.Now().UnixMilli()
	s.store[sessionID] = &cp
	return nil
}

// UpdateActivity bumps the session's LastActivity timestamp.
func (s *MemorySessionStore) UpdateActivity(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.store[sessionID]
	if !ok {
		return fs.ErrNotExist
	}
	state.LastActivity = time.Now().UnixMilli()
	return nil
}

// Delete removes the session state for the given session ID.
func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store, sessionID)
	return nil
}

// Exists reports whether sessionID is currently stored.
func (s *MemorySessionStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.store[sessionID]
	return ok, nil
}
