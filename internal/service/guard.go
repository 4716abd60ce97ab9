// Package service contains the orchestration core: the approval guard, the
// role agents, the planner, and the orchestrator that drives plan execution.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magnetar-ai/magnetar/internal/adapter/ws"
	"github.com/magnetar-ai/magnetar/internal/domain"
	"github.com/magnetar-ai/magnetar/internal/domain/action"
	"github.com/magnetar-ai/magnetar/internal/domain/approval"
	"github.com/magnetar-ai/magnetar/internal/domain/plan"
	"github.com/magnetar-ai/magnetar/internal/domain/session"
	"github.com/magnetar-ai/magnetar/internal/port/broadcast"
	"github.com/magnetar-ai/magnetar/internal/port/completion"
)

// GuardService gates side-effecting actions behind per-session policy and
// optional human confirmation. It owns the ApprovalRequest lifecycle; the
// orchestrator owns persistence of the session the requests live in.
type GuardService struct {
	guardClient completion.Client // ai_judged risk classifier
	hub         broadcast.Broadcaster
	waitTimeout time.Duration
	log         *slog.Logger

	// pending maps approval request IDs to decision channels for callers
	// blocked in WaitForDecision.
	pending sync.Map
}

// NewGuardService creates the approval guard. guardClient may be nil when no
// session uses the ai_judged mode; evaluation then falls back to
// pending_human for ai-judged risk.
func NewGuardService(guardClient completion.Client, hub broadcast.Broadcaster, waitTimeout time.Duration, log *slog.Logger) *GuardService {
	return &GuardService{
		guardClient: guardClient,
		hub:         hub,
		waitTimeout: waitTimeout,
		log:         log,
	}
}

// Evaluate decides whether the action may execute. A pending_human verdict
// appends a pending ApprovalRequest to the session; a website-policy denial
// appends an already-denied request for the audit trail. The caller must
// persist the session before acting on the verdict.
func (s *GuardService) Evaluate(ctx context.Context, sess *session.Session, step *plan.Step, d *action.Descriptor) (approval.Verdict, *approval.Request, error) {
	if existing := sess.PendingApproval(step.ID); existing != nil {
		return approval.VerdictPendingHuman, existing, nil
	}

	// The website allow-list is evaluated first and independently; a
	// restricted-list denial wins over every approval mode.
	if denied, host := s.websiteDenied(sess, d); denied {
		req := s.appendRequest(sess, step, d, approval.DecisionDenied, approval.ByPolicy)
		s.log.Info("navigation denied by website policy",
			"session_id", sess.ID, "step_id", step.ID, "host", host)
		return approval.VerdictDenied, req, nil
	}

	switch sess.Policy.Mode {
	case approval.ModeNeverRequire:
		return approval.VerdictAllowed, nil, nil

	case approval.ModeAlwaysRequire:
		req := s.appendRequest(sess, step, d, approval.DecisionPending, "")
		return approval.VerdictPendingHuman, req, nil

	case approval.ModeAIJudged:
		switch d.Risk {
		case approval.RiskNone:
			return approval.VerdictAllowed, nil, nil
		case approval.RiskAlways:
			req := s.appendRequest(sess, step, d, approval.DecisionPending, "")
			return approval.VerdictPendingHuman, req, nil
		default:
			if s.classifyLowRisk(ctx, d) {
				return approval.VerdictAllowed, nil, nil
			}
			req := s.appendRequest(sess, step, d, approval.DecisionPending, "")
			return approval.VerdictPendingHuman, req, nil
		}

	default:
		return approval.VerdictDenied, nil, fmt.Errorf("unknown policy mode %q", sess.Policy.Mode)
	}
}

// Resolve records the decision on a pending request and wakes any in-process
// waiter. Duplicate resolutions return domain.ErrAlreadyResolved and leave
// the original decision untouched. The caller persists the session; delivered
// reports whether a blocked Advance call took over the consequence.
func (s *GuardService) Resolve(ctx context.Context, sess *session.Session, requestID string, decision approval.Decision, by approval.DecidedBy) (req *approval.Request, delivered bool, err error) {
	req = sess.ApprovalByID(requestID)
	if req == nil {
		return nil, false, fmt.Errorf("resolve approval %s: %w", requestID, domain.ErrNotFound)
	}
	if req.Resolved() {
		return nil, false, fmt.Errorf("resolve approval %s: %w", requestID, domain.ErrAlreadyResolved)
	}
	if decision != approval.DecisionApproved && decision != approval.DecisionDenied {
		return nil, false, fmt.Errorf("resolve approval %s: invalid decision %q", requestID, decision)
	}

	req.Decision = decision
	req.DecidedBy = by
	req.ResolvedAt = time.Now().UTC()

	if val, ok := s.pending.LoadAndDelete(requestID); ok {
		ch, _ := val.(chan approval.Decision)
		if ch != nil {
			select {
			case ch <- decision:
				delivered = true
			default:
			}
		}
	}

	s.hub.BroadcastEvent(ctx, ws.EventApprovalResolved, ws.ApprovalResolvedEvent{
		SessionID: sess.ID,
		RequestID: req.ID,
		Decision:  string(decision),
		DecidedBy: string(by),
	})
	s.log.Info("approval resolved",
		"session_id", sess.ID, "request_id", req.ID, "decision", decision, "decided_by", by)
	return req, delivered, nil
}

// RegisterWaiter installs the decision channel for an upcoming
// WaitForDecision call. Callers holding the session lock register before
// releasing it so a concurrent Resolve always sees the waiter.
func (s *GuardService) RegisterWaiter(requestID string) {
	s.pending.LoadOrStore(requestID, make(chan approval.Decision, 1))
}

// WaitForDecision blocks until the request is resolved, the bounded wait
// elapses, or the context is cancelled. ok is false on timeout; the request
// stays pending durably and resolution arrives through the decision API.
func (s *GuardService) WaitForDecision(ctx context.Context, requestID string) (decision approval.Decision, ok bool) {
	val, _ := s.pending.LoadOrStore(requestID, make(chan approval.Decision, 1))
	ch := val.(chan approval.Decision)
	defer s.pending.Delete(requestID)

	timer := time.NewTimer(s.waitTimeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d, true
	case <-timer.C:
	case <-ctx.Done():
	}

	// A resolution may have landed between the timer firing and the
	// deferred delete; drain it so the decision is not lost.
	select {
	case d := <-ch:
		return d, true
	default:
	}
	s.log.Info("approval wait elapsed, parking step", "request_id", requestID)
	return approval.DecisionPending, false
}

// appendRequest creates a request for the step and adds it to the session.
// ActionDesc stores the full descriptor JSON so an approved action can still
// execute after a process restart.
func (s *GuardService) appendRequest(sess *session.Session, step *plan.Step, d *action.Descriptor, decision approval.Decision, by approval.DecidedBy) *approval.Request {
	now := time.Now().UTC()
	req := approval.Request{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		StepID:     step.ID,
		ActionDesc: string(mustMarshalDescriptor(d)),
		Risk:       d.Risk,
		Decision:   decision,
		DecidedBy:  by,
		CreatedAt:  now,
	}
	if decision != approval.DecisionPending {
		req.ResolvedAt = now
	}
	sess.Approvals = append(sess.Approvals, req)
	return &sess.Approvals[len(sess.Approvals)-1]
}

// websiteDenied applies the navigation allow-list. Only web.navigate actions
// are subject to it.
func (s *GuardService) websiteDenied(sess *session.Session, d *action.Descriptor) (bool, string) {
	if sess.Policy.WebsiteMode != approval.WebsiteRestrictedToList {
		return false, ""
	}
	target := d.TargetURL()
	if target == "" {
		return false, ""
	}

	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	for _, allowed := range sess.Policy.AllowedHosts {
		if strings.EqualFold(host, allowed) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(allowed)) {
			return false, ""
		}
	}
	return true, host
}

// classifyLowRisk asks the guard's own model whether the action is low risk.
// Classifier failures fall back to requiring a human.
func (s *GuardService) classifyLowRisk(ctx context.Context, d *action.Descriptor) bool {
	if s.guardClient == nil {
		return false
	}

	res, err := s.guardClient.Complete(ctx, []completion.Message{
		{Role: "system", Content: guardClassifierPrompt},
		{Role: "user", Content: fmt.Sprintf("Action type: %s\nDescription: %s\nParams: %s", d.Type, d.Description, string(d.Params))},
	})
	if err != nil {
		s.log.Warn("risk classifier failed, requiring human approval", "error", err)
		return false
	}
	return strings.EqualFold(strings.TrimSpace(res.Text), "low")
}

const guardClassifierPrompt = `You classify the risk of an agent action. ` +
	`Answer with exactly one word: "low" if the action is read-only or trivially reversible, ` +
	`"high" otherwise (writes, deletions, code execution, form submissions, purchases).`

// mustMarshalDescriptor serializes the descriptor for durable storage on the
// request. Marshal only fails on invalid Params JSON; degrade to the
// description text rather than dropping the request.
func mustMarshalDescriptor(d *action.Descriptor) []byte {
	b, err := json.Marshal(d)
	if err != nil {
		return []byte(fmt.Sprintf(`{"type":%q,"description":%q}`, d.Type, d.Description))
	}
	return b
}
