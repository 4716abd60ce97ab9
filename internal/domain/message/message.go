// Package message defines the AgentMessage domain entity: the append-only
// unit exchanged between the orchestrator and agents.
package message

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser         Role = "user"
	RoleOrchestrator Role = "orchestrator"
	RoleAgent        Role = "agent"
	RoleSystem       Role = "system"
)

// AgentMessage is immutable once created. StepID correlates the message to
// the step it was produced for; Seq orders the per-session history.
type AgentMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	StepID    string          `json:"step_id,omitempty"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	ToolCall  json.RawMessage `json:"tool_call,omitempty"`
	Seq       int             `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}
