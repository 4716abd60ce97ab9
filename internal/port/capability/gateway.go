// Package capability defines the capability gateway port (interface).
package capability

import (
	"context"

	"github.com/magnetar-ai/magnetar/internal/domain/action"
)

// Gateway executes side-effecting actions. It holds no policy logic: callers
// must route every Invoke through the approval guard first. Each descriptor
// carries its own risk classification tag.
type Gateway interface {
	// Invoke performs the action and reports how far it got. A context
	// cancellation is forwarded to the executor best-effort; the result
	// status then distinguishes completed, partial, and aborted outcomes.
	Invoke(ctx context.Context, sessionID, stepID string, d *action.Descriptor) (*action.Result, error)

	// Cancel interrupts an in-flight invocation for the given step,
	// best-effort. No rollback is assumed.
	Cancel(ctx context.Context, sessionID, stepID string) error
}
