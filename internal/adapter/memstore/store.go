// Package memstore implements the session store port in process memory.
// It backs local development and tests; production deployments use the
// postgres adapter.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/magnetar-ai/magnetar/internal/domain"
	"github.com/magnetar-ai/magnetar/internal/domain/session"
)

// Store keeps sessions as serialized snapshots guarded by a mutex.
// Serializing on Save and deserializing on Load gives callers fully
// detached copies, matching the aliasing behavior of a real database.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	versions map[string]int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string][]byte),
		versions: make(map[string]int),
	}
}

// Load returns a detached copy of the session, or domain.ErrNotFound.
func (s *Store) Load(_ context.Context, sessionID string) (*session.Session, error) {
	s.mu.RLock()
	raw, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("load session %s: %w", sessionID, domain.ErrNotFound)
	}

	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Save persists the aggregate with an optimistic version check. A session
// with version 0 is treated as new; otherwise the stored version must match
// the one being saved. On success the session's version is bumped.
func (s *Store) Save(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.versions[sess.ID]
	switch {
	case sess.Version == 0:
		if exists {
			return fmt.Errorf("save session %s: %w", sess.ID, domain.ErrConflict)
		}
	case !exists:
		return fmt.Errorf("save session %s: %w", sess.ID, domain.ErrNotFound)
	case stored != sess.Version:
		return fmt.Errorf("save session %s: %w", sess.ID, domain.ErrConflict)
	}

	sess.Version++
	raw, err := json.Marshal(sess)
	if err != nil {
		sess.Version--
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	s.sessions[sess.ID] = raw
	s.versions[sess.ID] = sess.Version
	return nil
}

// Delete removes the session, or returns domain.ErrNotFound.
func (s *Store) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("delete session %s: %w", sessionID, domain.ErrNotFound)
	}
	delete(s.sessions, sessionID)
	delete(s.versions, sessionID)
	return nil
}
