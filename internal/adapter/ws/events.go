package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventPlanStatus        = "plan.status"
	EventStepStatus        = "step.status"
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventMessageAppended   = "message.appended"
	EventSessionDeleted    = "session.deleted"
)

// PlanStatusEvent is broadcast when a plan's status changes.
type PlanStatusEvent struct {
	SessionID string `json:"session_id"`
	PlanID    string `json:"plan_id"`
	Status    string `json:"status"`
}

// StepStatusEvent is broadcast on every step transition.
type StepStatusEvent struct {
	SessionID  string `json:"session_id"`
	StepID     string `json:"step_id"`
	Index      int    `json:"index"`
	Role       string `json:"role"`
	Status     string `json:"status"`
	FailCause  string `json:"fail_cause,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// ApprovalRequestedEvent is broadcast when the guard parks an action for a
// human decision.
type ApprovalRequestedEvent struct {
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
	StepID     string `json:"step_id"`
	ActionDesc string `json:"action_desc"`
	Risk       string `json:"risk"`
}

// ApprovalResolvedEvent is broadcast when a pending approval gets a decision.
type ApprovalResolvedEvent struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
}

// MessageAppendedEvent is broadcast for each message added to the history.
type MessageAppendedEvent struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Seq       int    `json:"seq"`
}

// BroadcastEvent marshals a typed event and broadcasts it. When the payload
// carries a session_id, delivery is scoped to that session's subscribers.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	var scope struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(data, &scope)

	h.Broadcast(ctx, scope.SessionID, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
