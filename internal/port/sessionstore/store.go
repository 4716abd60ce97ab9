// Package sessionstore defines the durable session store port (interface).
package sessionstore

import (
	"context"

	"github.com/magnetar-ai/magnetar/internal/domain/session"
)

// Store is the port interface for session persistence.
//
// Implementations must provide at least read-your-writes consistency within a
// process: a Load following a successful Save observes that Save. The
// orchestrator treats Save failures as fatal to the in-flight operation — a
// step outcome is never reported durable until Save returns nil.
type Store interface {
	// Load returns the session with the given id, or domain.ErrNotFound.
	Load(ctx context.Context, sessionID string) (*session.Session, error)

	// Save persists the full session aggregate (write-through).
	// Returns domain.ErrConflict when the stored version has advanced past
	// the one being saved.
	Save(ctx context.Context, s *session.Session) error

	// Delete removes the session and everything under it.
	Delete(ctx context.Context, sessionID string) error
}
