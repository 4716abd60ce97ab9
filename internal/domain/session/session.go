// Package session defines the Session aggregate: one durable container for a
// plan, its message history, and its approval decisions.
package session

import (
	"time"

	"github.com/magnetar-ai/magnetar/internal/domain/approval"
	"github.com/magnetar-ai/magnetar/internal/domain/message"
	"github.com/magnetar-ai/magnetar/internal/domain/plan"
)

// Session aggregates everything the orchestrator needs to rehydrate a task.
// It is created on first task submission and deleted only by explicit user
// action. In-memory copies are caches of the store's durable state; every
// transition is flushed before it is acknowledged to a caller.
type Session struct {
	ID        string                 `json:"id"`
	Plan      *plan.Plan             `json:"plan,omitempty"`
	Messages  []message.AgentMessage `json:"messages"`
	Approvals []approval.Request     `json:"approvals"`
	Policy    approval.Policy        `json:"policy"`
	Version   int                    `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// PendingApproval returns the unresolved approval request for the given step,
// or nil. The guard guarantees at most one outstanding request per step.
func (s *Session) PendingApproval(stepID string) *approval.Request {
	for i := range s.Approvals {
		a := &s.Approvals[i]
		if a.StepID == stepID && !a.Resolved() {
			return a
		}
	}
	return nil
}

// ApprovalByID returns the approval request with the given id, or nil.
func (s *Session) ApprovalByID(id string) *approval.Request {
	for i := range s.Approvals {
		if s.Approvals[i].ID == id {
			return &s.Approvals[i]
		}
	}
	return nil
}

// Snapshot is the externally visible, read-only view of a session returned by
// Resume. Two Resume calls with no intervening Advance return equal snapshots.
type Snapshot struct {
	SessionID  string             `json:"session_id"`
	Plan       plan.Plan          `json:"plan"`
	Approvals  []approval.Request `json:"approvals,omitempty"`
	MessageLen int                `json:"message_len"`
	Version    int                `json:"version"`
}

// Snapshot builds the read-only view. Slices are copied so callers cannot
// mutate orchestrator-owned state.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID:  s.ID,
		MessageLen: len(s.Messages),
		Version:    s.Version,
	}
	if s.Plan != nil {
		p := *s.Plan
		p.Steps = append([]plan.Step(nil), s.Plan.Steps...)
		snap.Plan = p
	}
	if len(s.Approvals) > 0 {
		snap.Approvals = append([]approval.Request(nil), s.Approvals...)
	}
	return snap
}
