// Package approval defines the domain model for the approval guard layer.
// Approvals gate side-effecting agent actions behind policy evaluation and
// optional human confirmation.
package approval

import "time"

// Risk classifies how dangerous an action is. Each action descriptor declares
// its own risk tag so the guard never needs action-specific knowledge.
type Risk string

const (
	RiskNone     Risk = "none"
	RiskAIJudged Risk = "ai-judged"
	RiskAlways   Risk = "always"
)

// Decision is the outcome of evaluating or resolving an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// Verdict is the result of a guard evaluation for a single action.
type Verdict string

const (
	VerdictAllowed      Verdict = "allowed"
	VerdictDenied       Verdict = "denied"
	VerdictPendingHuman Verdict = "pending_human"
)

// PolicyMode controls the baseline behavior of the approval guard.
type PolicyMode string

const (
	ModeNeverRequire  PolicyMode = "never_require_approval"
	ModeAlwaysRequire PolicyMode = "always_require_approval"
	ModeAIJudged      PolicyMode = "ai_judged"
)

// WebsiteMode controls the navigation allow-list, evaluated independently of
// the general policy mode. A restricted-list denial wins over everything.
type WebsiteMode string

const (
	WebsiteAllAllowed       WebsiteMode = "all_allowed"
	WebsiteRestrictedToList WebsiteMode = "restricted_to_list"
)

// DecidedBy records whether a decision came from static policy or a human.
type DecidedBy string

const (
	ByPolicy DecidedBy = "policy"
	ByHuman  DecidedBy = "human"
)

// Request is a pending or resolved approval for one action of one step.
// At most one request is outstanding per step at a time; a request is never
// re-opened once resolved.
type Request struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StepID     string    `json:"step_id"`
	ActionDesc string    `json:"action_desc"`
	Risk       Risk      `json:"risk"`
	Decision   Decision  `json:"decision"`
	DecidedBy  DecidedBy `json:"decided_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// Resolved reports whether the request carries a final decision.
func (r *Request) Resolved() bool {
	return r.Decision != DecisionPending
}

// Policy is the immutable per-session approval configuration.
type Policy struct {
	Mode         PolicyMode  `json:"mode" yaml:"mode"`
	WebsiteMode  WebsiteMode `json:"website_mode" yaml:"website_mode"`
	AllowedHosts []string    `json:"allowed_hosts,omitempty" yaml:"allowed_hosts,omitempty"`
}
