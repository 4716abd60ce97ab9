package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/magnetar-ai/magnetar/internal/domain/action"
	"github.com/magnetar-ai/magnetar/internal/domain/message"
	"github.com/magnetar-ai/magnetar/internal/domain/plan"
	"github.com/magnetar-ai/magnetar/internal/port/completion"
)

// AgentResultKind distinguishes the three ways a Handle call can return.
type AgentResultKind string

const (
	AgentFinal         AgentResultKind = "final"
	AgentToolCall      AgentResultKind = "tool_call"
	AgentClarification AgentResultKind = "clarification_needed"
)

// AgentResult is the outcome of one agent turn.
type AgentResult struct {
	Kind     AgentResultKind
	Payload  string
	Action   *action.Descriptor
	Question string
}

// Agent is one role-specific executor. Implementations are stateless across
// invocations: all context arrives through the history parameter and nothing
// step-specific may be retained after Handle returns.
type Agent interface {
	Role() plan.Role
	Handle(ctx context.Context, step *plan.Step, history []message.AgentMessage) (*AgentResult, error)
}

// FailureSignal classifies a step failure for the orchestrator's
// retry-versus-replan decision.
type FailureSignal string

const (
	SignalTransient  FailureSignal = "transient"  // retry the step
	SignalStructural FailureSignal = "structural" // the plan itself cannot succeed
)

// structuralPrefix marks gateway errors that invalidate the whole plan.
// Workers emit it when the failure is not about this step's execution but
// about the plan's assumptions (missing resource, impossible precondition).
const structuralPrefix = "plan invalid:"

// ClassifyResult maps a gateway result to a failure signal.
func ClassifyResult(res *action.Result) FailureSignal {
	if res != nil && strings.HasPrefix(strings.ToLower(res.Error), structuralPrefix) {
		return SignalStructural
	}
	return SignalTransient
}

// roleSystemPrompts configures each built-in agent's behavior. The wire
// contract is shared: reply with plain text for a final answer, a JSON
// action descriptor tool call for capability use, or a "CLARIFY:" line when
// user input is required.
var roleSystemPrompts = map[plan.Role]string{
	plan.RoleCoder: `You are a coding agent. You write and execute code to accomplish the assigned step. ` +
		`Use code.execute, file.read and file.write actions. When the step is done, reply with a plain-text summary of the result.`,
	plan.RoleWebSurfer: `You are a web browsing agent. You navigate and interact with web pages to accomplish the assigned step. ` +
		`Use web.navigate, web.click and web.type actions. When the step is done, reply with a plain-text summary of what you found.`,
	plan.RoleFileSurfer: `You are a file inspection agent. You read and summarize files to accomplish the assigned step. ` +
		`Use file.read actions. When the step is done, reply with a plain-text summary.`,
	plan.RoleUserProxy: `You represent the user. If the step needs information only the user has, reply with a single line ` +
		`starting with "CLARIFY:" followed by the question. Otherwise reply with the user's most plausible answer as plain text.`,
}

const clarifyMarker = "CLARIFY:"

// LLMAgent implements Agent on top of a completion client. One instance per
// role; the orchestrator resolves role → agent once at construction.
type LLMAgent struct {
	role   plan.Role
	client completion.Client
}

// NewLLMAgent builds an agent for the given role.
func NewLLMAgent(role plan.Role, client completion.Client) (*LLMAgent, error) {
	if !plan.KnownRole(role) {
		return nil, fmt.Errorf("unknown agent role %q", role)
	}
	return &LLMAgent{role: role, client: client}, nil
}

// Role returns the agent's role.
func (a *LLMAgent) Role() plan.Role {
	return a.role
}

// Handle runs one turn: the step description plus session history go to the
// model, and the reply is parsed into a final answer, tool call, or
// clarification request.
func (a *LLMAgent) Handle(ctx context.Context, step *plan.Step, history []message.AgentMessage) (*AgentResult, error) {
	msgs := make([]completion.Message, 0, len(history)+2)
	msgs = append(msgs, completion.Message{Role: "system", Content: roleSystemPrompts[a.role]})
	for i := range history {
		msgs = append(msgs, toCompletionMessage(&history[i]))
	}
	msgs = append(msgs, completion.Message{
		Role:    "user",
		Content: "Current step: " + step.Description,
	})

	res, err := a.client.Complete(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("agent %s complete: %w", a.role, err)
	}

	if len(res.ToolCall) > 0 {
		var d action.Descriptor
		if err := json.Unmarshal(res.ToolCall, &d); err != nil {
			return nil, fmt.Errorf("agent %s: malformed tool call: %w", a.role, err)
		}
		if d.Type == "" {
			return nil, fmt.Errorf("agent %s: tool call missing action type", a.role)
		}
		return &AgentResult{Kind: AgentToolCall, Action: &d}, nil
	}

	text := strings.TrimSpace(res.Text)
	if q, ok := strings.CutPrefix(text, clarifyMarker); ok {
		return &AgentResult{Kind: AgentClarification, Question: strings.TrimSpace(q)}, nil
	}
	return &AgentResult{Kind: AgentFinal, Payload: text}, nil
}

// toCompletionMessage maps a stored message onto a chat turn. Agent output
// becomes an assistant turn; everything else reads as user context.
func toCompletionMessage(m *message.AgentMessage) completion.Message {
	role := "user"
	switch m.Role {
	case message.RoleAgent:
		role = "assistant"
	case message.RoleSystem:
		role = "system"
	}
	return completion.Message{Role: role, Content: m.Content}
}

// BuildAgents constructs the built-in role registry from per-role clients.
func BuildAgents(coder, webSurfer, fileSurfer, userProxy completion.Client) (map[plan.Role]Agent, error) {
	clients := map[plan.Role]completion.Client{
		plan.RoleCoder:      coder,
		plan.RoleWebSurfer:  webSurfer,
		plan.RoleFileSurfer: fileSurfer,
		plan.RoleUserProxy:  userProxy,
	}

	agents := make(map[plan.Role]Agent, len(clients))
	for role, client := range clients {
		a, err := NewLLMAgent(role, client)
		if err != nil {
			return nil, err
		}
		agents[role] = a
	}
	return agents, nil
}
