package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magnetar-ai/magnetar/internal/domain/message"
	"github.com/magnetar-ai/magnetar/internal/domain/plan"
	"github.com/magnetar-ai/magnetar/internal/port/completion"
)

// PlannerService derives step sequences from task text using the
// orchestrator's own completion client.
type PlannerService struct {
	client completion.Client
}

// NewPlannerService creates the planner.
func NewPlannerService(client completion.Client) *PlannerService {
	return &PlannerService{client: client}
}

const plannerSystemPrompt = `You are a task planner for a multi-agent system. ` +
	`Break the user's task into an ordered list of steps. Each step is handled by exactly one agent: ` +
	`"coder" (writes and runs code), "web_surfer" (browses the web), "file_surfer" (reads files), ` +
	`"user_proxy" (asks the user). Respond with ONLY a JSON array: ` +
	`[{"description": "...", "role": "coder|web_surfer|file_surfer|user_proxy"}, ...]. ` +
	`Keep plans short; prefer 2-5 steps.`

// plannedStep is the wire shape the model replies with.
type plannedStep struct {
	Description string `json:"description"`
	Role        string `json:"role"`
}

// DerivePlan creates a draft plan for the task. Hints are opaque retrieved
// context appended to the planning prompt; no ranking is applied here.
func (s *PlannerService) DerivePlan(ctx context.Context, sessionID, task string, hints []string) (*plan.Plan, error) {
	steps, err := s.planSteps(ctx, task, nil, hints)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &plan.Plan{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Task:      task,
		Status:    plan.StatusDraft,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.Steps = buildSteps(p.ID, 0, steps, now)
	return p, nil
}

// Replan derives a fresh tail for an invalidated plan: terminal steps are
// kept as history, unexecuted ones are replaced with a new sequence informed
// by the accumulated message history.
func (s *PlannerService) Replan(ctx context.Context, p *plan.Plan, history []message.AgentMessage, hints []string) error {
	steps, err := s.planSteps(ctx, p.Task, history, hints)
	if err != nil {
		return err
	}

	kept := p.Steps[:0]
	for i := range p.Steps {
		if p.Steps[i].Status.IsTerminal() {
			kept = append(kept, p.Steps[i])
		}
	}
	p.Steps = kept

	now := time.Now().UTC()
	p.Steps = append(p.Steps, buildSteps(p.ID, len(kept), steps, now)...)
	p.UpdatedAt = now
	return nil
}

func buildSteps(planID string, startIndex int, planned []plannedStep, now time.Time) []plan.Step {
	out := make([]plan.Step, 0, len(planned))
	for i, ps := range planned {
		out = append(out, plan.Step{
			ID:          uuid.NewString(),
			PlanID:      planID,
			Index:       startIndex + i,
			Description: ps.Description,
			Role:        plan.Role(ps.Role),
			Status:      plan.StepStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return out
}

func (s *PlannerService) planSteps(ctx context.Context, task string, history []message.AgentMessage, hints []string) ([]plannedStep, error) {
	msgs := []completion.Message{{Role: "system", Content: plannerSystemPrompt}}

	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(task)
	for _, h := range hints {
		sb.WriteString("\n\nRelevant prior plan:\n")
		sb.WriteString(h)
	}
	if len(history) > 0 {
		sb.WriteString("\n\nProgress so far (the previous plan was invalidated; plan the remaining work):")
		for i := range history {
			sb.WriteString(fmt.Sprintf("\n[%s] %s", history[i].Role, history[i].Content))
		}
	}
	msgs = append(msgs, completion.Message{Role: "user", Content: sb.String()})

	res, err := s.client.Complete(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("derive plan: %w", err)
	}

	steps, err := parsePlannedSteps(res.Text)
	if err != nil {
		return nil, fmt.Errorf("derive plan: %w", err)
	}
	return steps, nil
}

// parsePlannedSteps extracts the step array from the model reply, tolerating
// markdown code fences around the JSON.
func parsePlannedSteps(text string) ([]plannedStep, error) {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	var steps []plannedStep
	if err := json.Unmarshal([]byte(text), &steps); err != nil {
		return nil, fmt.Errorf("parse planner reply: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("planner produced an empty plan")
	}
	for i, st := range steps {
		if strings.TrimSpace(st.Description) == "" {
			return nil, fmt.Errorf("planner step %d has no description", i)
		}
		if !plan.KnownRole(plan.Role(st.Role)) {
			return nil, fmt.Errorf("planner step %d names unknown role %q", i, st.Role)
		}
	}
	return steps, nil
}
