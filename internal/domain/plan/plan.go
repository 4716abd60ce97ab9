// Package plan defines the Plan and Step domain entities for orchestrated
// task execution.
package plan

import "time"

// Status represents the lifecycle state of a plan.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusActive           Status = "active"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusReplanning       Status = "replanning"
)

// IsTerminal returns true if the plan is in a final state.
// Terminal plans are immutable and archived to the session store.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus represents the lifecycle state of an individual step.
type StepStatus string

const (
	StepStatusPending       StepStatus = "pending"
	StepStatusDispatched    StepStatus = "dispatched"
	StepStatusNeedsApproval StepStatus = "needs_approval"
	StepStatusSucceeded     StepStatus = "succeeded"
	StepStatusFailed        StepStatus = "failed"
	StepStatusSkipped       StepStatus = "skipped"
)

// IsTerminal returns true if the step is in a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// stepOrder ranks step statuses for the forward-only transition invariant.
var stepOrder = map[StepStatus]int{
	StepStatusPending:       0,
	StepStatusDispatched:    1,
	StepStatusNeedsApproval: 2,
	StepStatusSucceeded:     3,
	StepStatusFailed:        3,
	StepStatusSkipped:       3,
}

// CanTransition reports whether a step may move from one status to another.
// Statuses only advance forward, with a single exception: failed steps may
// reset to pending for a retry (the caller increments the retry count).
func CanTransition(from, to StepStatus) bool {
	if from == StepStatusFailed && to == StepStatusPending {
		return true // retry reset
	}
	if from.IsTerminal() {
		return false
	}
	return stepOrder[to] > stepOrder[from]
}

// Role identifies which agent a step is assigned to.
type Role string

const (
	RoleCoder      Role = "coder"
	RoleWebSurfer  Role = "web_surfer"
	RoleFileSurfer Role = "file_surfer"
	RoleUserProxy  Role = "user_proxy"
)

// KnownRole reports whether r names one of the built-in agent roles.
func KnownRole(r Role) bool {
	switch r {
	case RoleCoder, RoleWebSurfer, RoleFileSurfer, RoleUserProxy:
		return true
	}
	return false
}

// Plan is an ordered sequence of steps derived from a user task.
// A plan is owned exclusively by the orchestrator for its session.
type Plan struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Task        string    `json:"task"`
	Status      Status    `json:"status"`
	CurrentStep int       `json:"current_step"`
	Steps       []Step    `json:"steps"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Step is one unit of work assigned to exactly one agent role.
type Step struct {
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id"`
	Index       int        `json:"index"`
	Description string     `json:"description"`
	Role        Role       `json:"role"`
	Status      StepStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	FailCause   string     `json:"fail_cause,omitempty"`
	RetryCount  int        `json:"retry_count"`
	// TurnsUsed counts agent turns consumed by this step across dispatches,
	// approval parks, and crash recovery. It never resets; the turn limit is
	// a property of the step, not of any one execution attempt.
	TurnsUsed int       `json:"turns_used"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextPending returns the first pending step in index order, or nil.
// Step ordering is strict; no reordering is permitted once a plan
// leaves draft.
func (p *Plan) NextPending() *Step {
	for i := range p.Steps {
		if p.Steps[i].Status == StepStatusPending {
			return &p.Steps[i]
		}
	}
	return nil
}

// AllTerminal returns true when every step has reached a final state.
func (p *Plan) AllTerminal() bool {
	for i := range p.Steps {
		if !p.Steps[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AllSucceeded returns true when every step is succeeded or skipped.
// This is the sole condition for the completed plan status.
func (p *Plan) AllSucceeded() bool {
	for i := range p.Steps {
		switch p.Steps[i].Status {
		case StepStatusSucceeded, StepStatusSkipped:
		default:
			return false
		}
	}
	return true
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}
