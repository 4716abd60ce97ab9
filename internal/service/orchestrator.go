package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magnetar-ai/magnetar/internal/adapter/otel"
	"github.com/magnetar-ai/magnetar/internal/adapter/ristretto"
	"github.com/magnetar-ai/magnetar/internal/adapter/ws"
	"github.com/magnetar-ai/magnetar/internal/config"
	"github.com/magnetar-ai/magnetar/internal/domain"
	"github.com/magnetar-ai/magnetar/internal/domain/action"
	"github.com/magnetar-ai/magnetar/internal/domain/approval"
	"github.com/magnetar-ai/magnetar/internal/domain/message"
	"github.com/magnetar-ai/magnetar/internal/domain/plan"
	"github.com/magnetar-ai/magnetar/internal/domain/session"
	"github.com/magnetar-ai/magnetar/internal/port/broadcast"
	"github.com/magnetar-ai/magnetar/internal/port/cache"
	"github.com/magnetar-ai/magnetar/internal/port/capability"
	"github.com/magnetar-ai/magnetar/internal/port/sessionstore"
)

// OutcomeKind tells an Advance caller what happened during the call.
type OutcomeKind string

const (
	OutcomeStepSucceeded        OutcomeKind = "step_succeeded"
	OutcomeStepFailed           OutcomeKind = "step_failed"
	OutcomeRetryScheduled       OutcomeKind = "retry_scheduled"
	OutcomeNeedsApproval        OutcomeKind = "needs_approval"
	OutcomeReplanned            OutcomeKind = "replanned"
	OutcomePlanCompleted        OutcomeKind = "plan_completed"
	OutcomePlanFailed           OutcomeKind = "plan_failed"
	OutcomeClarification        OutcomeKind = "clarification_needed"
	OutcomeAwaitingPlanApproval OutcomeKind = "awaiting_plan_approval"
	OutcomeDecisionRecorded     OutcomeKind = "decision_recorded"
)

// StepOutcome is the result of one Advance (or approval resolution) call.
// Every field it reports has already been persisted.
type StepOutcome struct {
	SessionID  string      `json:"session_id"`
	StepID     string      `json:"step_id,omitempty"`
	Kind       OutcomeKind `json:"kind"`
	FailCause  string      `json:"fail_cause,omitempty"`
	Question   string      `json:"question,omitempty"`
	PlanStatus plan.Status `json:"plan_status"`
}

// Orchestrator drives plan execution for all sessions. Steps within one
// session run strictly sequentially under a per-session mutex; sessions are
// independent of each other. Every state transition is persisted before it is
// reported to any caller.
type Orchestrator struct {
	store   sessionstore.Store
	cache   cache.Cache
	planner *PlannerService
	guard   *GuardService
	agents  map[plan.Role]Agent
	gateway capability.Gateway
	hub     broadcast.Broadcaster
	metrics *otel.Metrics // nil disables instrument recording
	cfg     config.Orchestrator

	defaultPolicy approval.Policy
	snapshotTTL   time.Duration
	log           *slog.Logger

	// locks maps session IDs to their advancement mutex.
	locks sync.Map
}

// NewOrchestrator creates the orchestrator with all dependencies.
func NewOrchestrator(
	store sessionstore.Store,
	cach cache.Cache,
	planner *PlannerService,
	guard *GuardService,
	agents map[plan.Role]Agent,
	gateway capability.Gateway,
	hub broadcast.Broadcaster,
	metrics *otel.Metrics,
	cfg config.Orchestrator,
	defaultPolicy approval.Policy,
	snapshotTTL time.Duration,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:         store,
		cache:         cach,
		planner:       planner,
		guard:         guard,
		agents:        agents,
		gateway:       gateway,
		hub:           hub,
		metrics:       metrics,
		cfg:           cfg,
		defaultPolicy: defaultPolicy,
		snapshotTTL:   snapshotTTL,
		log:           log,
	}
}

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	mu, _ := o.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// SubmitTask creates a session with a freshly derived plan. With co-planning
// enabled the plan waits in awaiting_approval for ApprovePlan; otherwise it
// activates immediately. Hints are opaque prior-plan text forwarded to the
// planner. A nil policy falls back to the configured default.
func (o *Orchestrator) SubmitTask(ctx context.Context, task string, policy *approval.Policy, hints []string) (*session.Session, error) {
	now := time.Now().UTC()
	sess := &session.Session{
		ID:        uuid.NewString(),
		Policy:    o.defaultPolicy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if policy != nil {
		sess.Policy = *policy
	}
	o.appendMessage(ctx, sess, message.RoleUser, task, "", nil)

	p, err := o.planner.DerivePlan(ctx, sess.ID, task, hints)
	if err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	if o.cfg.CoPlanningEnabled {
		p.Status = plan.StatusAwaitingApproval
	} else {
		p.Status = plan.StatusActive
	}
	sess.Plan = p

	if err := o.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	o.broadcastPlan(ctx, sess)
	if o.metrics != nil && p.Status == plan.StatusActive {
		o.metrics.PlansStarted.Add(ctx, 1)
	}
	o.log.Info("task submitted",
		"session_id", sess.ID, "plan_id", p.ID, "steps", len(p.Steps), "status", p.Status)
	return sess, nil
}

// ApprovePlan resolves the co-planning gate. Approval activates the plan;
// rejection re-derives the steps from the task plus the session history and
// leaves the plan awaiting approval again.
func (o *Orchestrator) ApprovePlan(ctx context.Context, sessionID string, approved bool) (*session.Session, error) {
	mu := o.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("approve plan: %w", err)
	}
	if sess.Plan == nil || sess.Plan.Status != plan.StatusAwaitingApproval {
		return nil, fmt.Errorf("approve plan: plan is not awaiting approval: %w", domain.ErrConflict)
	}

	if approved {
		sess.Plan.Status = plan.StatusActive
		sess.Plan.UpdatedAt = time.Now().UTC()
		if o.metrics != nil {
			o.metrics.PlansStarted.Add(ctx, 1)
		}
	} else {
		if err := o.planner.Replan(ctx, sess.Plan, sess.Messages, nil); err != nil {
			return nil, fmt.Errorf("approve plan: %w", err)
		}
		sess.Plan.Status = plan.StatusAwaitingApproval
	}

	if err := o.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("approve plan: %w", err)
	}
	o.broadcastPlan(ctx, sess)
	o.log.Info("plan approval recorded", "session_id", sessionID, "approved", approved)
	return sess, nil
}

// Resume returns the read-only plan snapshot for a session. Repeated calls
// with no intervening Advance hit the cache and return identical snapshots.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (session.Snapshot, error) {
	key := ristretto.SnapshotKey(sessionID)
	if data, ok, err := o.cache.Get(ctx, key); err == nil && ok {
		var snap session.Snapshot
		if err := json.Unmarshal(data, &snap); err == nil {
			return snap, nil
		}
	}

	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("resume: %w", err)
	}
	snap := sess.Snapshot()
	if data, err := json.Marshal(snap); err == nil {
		_ = o.cache.Set(ctx, key, data, o.snapshotTTL)
	}
	return snap, nil
}

// Advance executes the next step of the session's plan and blocks until the
// step reaches a terminal state, an approval parks it, or the plan finishes.
// When a step parks on human approval, Advance waits in-process up to the
// guard's bounded window; on timeout the step stays parked durably and the
// call returns with a needs_approval outcome.
func (o *Orchestrator) Advance(ctx context.Context, sessionID string) (*StepOutcome, error) {
	mu := o.sessionLock(sessionID)
	for {
		mu.Lock()
		outcome, waitReq, err := o.advanceLocked(ctx, sessionID)
		if waitReq != nil {
			// Register before releasing the lock so the resolver
			// always finds the waiter.
			o.guard.RegisterWaiter(waitReq.ID)
		}
		mu.Unlock()
		if err != nil || waitReq == nil {
			return outcome, err
		}

		// The session lock is NOT held across the human wait; the
		// decision API needs it to record the resolution.
		if _, ok := o.guard.WaitForDecision(ctx, waitReq.ID); !ok {
			return outcome, nil
		}
		// Decision recorded durably by the resolver; loop to apply it.
	}
}

// advanceLocked runs one advancement attempt with the session lock held. A
// non-nil request means the caller should wait for its resolution and retry.
func (o *Orchestrator) advanceLocked(ctx context.Context, sessionID string) (*StepOutcome, *approval.Request, error) {
	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("advance: %w", err)
	}
	if sess.Plan == nil {
		return nil, nil, fmt.Errorf("advance: session %s has no plan: %w", sessionID, domain.ErrNotFound)
	}

	switch sess.Plan.Status {
	case plan.StatusDraft, plan.StatusAwaitingApproval:
		return &StepOutcome{SessionID: sess.ID, Kind: OutcomeAwaitingPlanApproval, PlanStatus: sess.Plan.Status}, nil, nil
	case plan.StatusCompleted:
		return &StepOutcome{SessionID: sess.ID, Kind: OutcomePlanCompleted, PlanStatus: sess.Plan.Status}, nil, nil
	case plan.StatusFailed:
		return &StepOutcome{SessionID: sess.ID, Kind: OutcomePlanFailed, PlanStatus: sess.Plan.Status}, nil, nil
	case plan.StatusReplanning:
		// A crash between entering replanning and activating the new
		// steps leaves the plan here; finish the replan before running.
		if err := o.planner.Replan(ctx, sess.Plan, sess.Messages, nil); err != nil {
			return nil, nil, fmt.Errorf("advance: resume replan: %w", err)
		}
		sess.Plan.Status = plan.StatusActive
		if err := o.saveSession(ctx, sess); err != nil {
			return nil, nil, fmt.Errorf("advance: %w", err)
		}
		o.broadcastPlan(ctx, sess)
	}

	step := firstOpenStep(sess.Plan)
	if step == nil {
		outcome, err := o.finalizePlan(ctx, sess)
		return outcome, nil, err
	}

	switch step.Status {
	case plan.StepStatusNeedsApproval:
		if req := sess.PendingApproval(step.ID); req != nil {
			return &StepOutcome{
				SessionID:  sess.ID,
				StepID:     step.ID,
				Kind:       OutcomeNeedsApproval,
				PlanStatus: sess.Plan.Status,
			}, req, nil
		}
		req := lastApprovalForStep(sess, step.ID)
		if req == nil {
			return nil, nil, fmt.Errorf("advance: step %s parked without an approval request", step.ID)
		}
		return o.applyDecision(ctx, sess, step, req)

	case plan.StepStatusDispatched:
		// Crash recovery: the step was dispatched but no outcome was
		// persisted. Resume its turn loop with whatever budget the
		// persisted step already consumed.
		return o.runStep(ctx, sess, step)

	default: // pending
		return o.executeStep(ctx, sess, step)
	}
}

// executeStep transitions a pending step to dispatched, persists, then runs
// its agent turns.
func (o *Orchestrator) executeStep(ctx context.Context, sess *session.Session, step *plan.Step) (*StepOutcome, *approval.Request, error) {
	if err := o.setStepStatus(step, plan.StepStatusDispatched); err != nil {
		return nil, nil, fmt.Errorf("execute step: %w", err)
	}
	sess.Plan.CurrentStep = step.Index
	if err := o.saveSession(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("execute step: %w", err)
	}
	o.broadcastStep(ctx, sess, step)
	if o.metrics != nil {
		o.metrics.StepsDispatched.Add(ctx, 1)
	}
	return o.runStep(ctx, sess, step)
}

// runStep drives the agent turn loop for a dispatched step and records the
// step duration once it reaches a terminal state.
func (o *Orchestrator) runStep(ctx context.Context, sess *session.Session, step *plan.Step) (*StepOutcome, *approval.Request, error) {
	ctx, span := otel.StartStepSpan(ctx, sess.ID, step.ID, string(step.Role))
	defer span.End()

	start := time.Now()
	outcome, waitReq, err := o.runTurns(ctx, sess, step)
	if o.metrics != nil && step.Status.IsTerminal() {
		o.metrics.StepDuration.Record(ctx, time.Since(start).Seconds())
	}
	return outcome, waitReq, err
}

// runTurns loops agent turns for the step until a terminal outcome, an
// approval parks it, or the turn limit trips. The agent never reaches the
// gateway directly; every tool call goes through the guard first.
//
// The budget lives on the step itself, so a loop resumed after an approval
// park or a crash keeps the turns it already spent instead of starting a
// fresh count.
func (o *Orchestrator) runTurns(ctx context.Context, sess *session.Session, step *plan.Step) (*StepOutcome, *approval.Request, error) {
	agent, ok := o.agents[step.Role]
	if !ok {
		outcome, err := o.failStructurally(ctx, sess, step, fmt.Sprintf("no agent registered for role %q", step.Role))
		return outcome, nil, err
	}

	for {
		if step.TurnsUsed >= o.cfg.TurnLimit {
			outcome, err := o.failTerminally(ctx, sess, step, "turn limit exceeded")
			return outcome, nil, err
		}
		step.TurnsUsed++

		res, err := agent.Handle(ctx, step, sess.Messages)
		if err != nil {
			outcome, retryErr := o.failTransiently(ctx, sess, step, err.Error())
			return outcome, nil, retryErr
		}

		switch res.Kind {
		case AgentFinal:
			o.appendMessage(ctx, sess, message.RoleAgent, res.Payload, step.ID, nil)
			step.Result = res.Payload
			if err := o.setStepStatus(step, plan.StepStatusSucceeded); err != nil {
				return nil, nil, err
			}
			outcome, err := o.concludeStep(ctx, sess, step, &StepOutcome{
				SessionID: sess.ID,
				StepID:    step.ID,
				Kind:      OutcomeStepSucceeded,
			})
			return outcome, nil, err

		case AgentClarification:
			// The question is the step's deliverable; the answer
			// arrives as a new user message before the next step.
			o.appendMessage(ctx, sess, message.RoleOrchestrator, res.Question, step.ID, nil)
			step.Result = res.Question
			if err := o.setStepStatus(step, plan.StepStatusSucceeded); err != nil {
				return nil, nil, err
			}
			outcome, err := o.concludeStep(ctx, sess, step, &StepOutcome{
				SessionID: sess.ID,
				StepID:    step.ID,
				Kind:      OutcomeClarification,
				Question:  res.Question,
			})
			return outcome, nil, err

		case AgentToolCall:
			done, outcome, waitReq, err := o.handleToolCall(ctx, sess, step, res.Action)
			if done || err != nil {
				return outcome, waitReq, err
			}
			// Action executed; loop for the agent's next turn.

		default:
			outcome, retryErr := o.failTransiently(ctx, sess, step, fmt.Sprintf("agent returned unknown result kind %q", res.Kind))
			return outcome, nil, retryErr
		}
	}
}

// handleToolCall guards and executes one action. done is false only when the
// action succeeded and the turn loop should continue.
func (o *Orchestrator) handleToolCall(ctx context.Context, sess *session.Session, step *plan.Step, d *action.Descriptor) (done bool, _ *StepOutcome, _ *approval.Request, _ error) {
	raw, _ := json.Marshal(d)
	o.appendMessage(ctx, sess, message.RoleAgent, d.Description, step.ID, raw)

	guardCtx, guardSpan := otel.StartGuardSpan(ctx, sess.ID, step.ID, string(d.Risk))
	verdict, req, err := o.guard.Evaluate(guardCtx, sess, step, d)
	guardSpan.End()
	if err != nil {
		outcome, failErr := o.failTerminally(ctx, sess, step, err.Error())
		return true, outcome, nil, failErr
	}

	switch verdict {
	case approval.VerdictDenied:
		if o.metrics != nil {
			o.metrics.ApprovalsDenied.Add(ctx, 1)
		}
		outcome, failErr := o.failStructurally(ctx, sess, step, "denied by policy")
		return true, outcome, nil, failErr

	case approval.VerdictPendingHuman:
		// A step resumed after an earlier approval may gate again and is
		// already in needs_approval.
		if step.Status != plan.StepStatusNeedsApproval {
			if err := o.setStepStatus(step, plan.StepStatusNeedsApproval); err != nil {
				return true, nil, nil, err
			}
		}
		if err := o.saveSession(ctx, sess); err != nil {
			return true, nil, nil, fmt.Errorf("park step for approval: %w", err)
		}
		o.broadcastStep(ctx, sess, step)
		o.hub.BroadcastEvent(ctx, ws.EventApprovalRequested, ws.ApprovalRequestedEvent{
			SessionID:  sess.ID,
			RequestID:  req.ID,
			StepID:     step.ID,
			ActionDesc: req.ActionDesc,
			Risk:       string(req.Risk),
		})
		if o.metrics != nil {
			o.metrics.ApprovalsRequired.Add(ctx, 1)
		}
		o.log.Info("step parked for approval",
			"session_id", sess.ID, "step_id", step.ID, "request_id", req.ID, "risk", d.Risk)
		return true, &StepOutcome{
			SessionID:  sess.ID,
			StepID:     step.ID,
			Kind:       OutcomeNeedsApproval,
			PlanStatus: sess.Plan.Status,
		}, req, nil

	default: // allowed
		return o.invokeAction(ctx, sess, step, d)
	}
}

// invokeAction runs one approved or allowed action through the gateway and
// folds the result into the session.
func (o *Orchestrator) invokeAction(ctx context.Context, sess *session.Session, step *plan.Step, d *action.Descriptor) (done bool, _ *StepOutcome, _ *approval.Request, _ error) {
	invokeCtx, invokeSpan := otel.StartInvokeSpan(ctx, sess.ID, step.ID, string(d.Type))
	result, err := o.gateway.Invoke(invokeCtx, sess.ID, step.ID, d)
	invokeSpan.End()

	if err != nil {
		outcome, retryErr := o.failTransiently(ctx, sess, step, fmt.Sprintf("gateway invoke: %v", err))
		return true, outcome, nil, retryErr
	}
	if result.Status != action.StatusSuccess {
		cause := result.Error
		if cause == "" {
			cause = fmt.Sprintf("action %s ended with status %s", d.Type, result.Status)
		}
		if ClassifyResult(result) == SignalStructural {
			outcome, failErr := o.failStructurally(ctx, sess, step, cause)
			return true, outcome, nil, failErr
		}
		outcome, retryErr := o.failTransiently(ctx, sess, step, cause)
		return true, outcome, nil, retryErr
	}

	o.appendMessage(ctx, sess, message.RoleSystem,
		fmt.Sprintf("action %s result: %s", d.Type, string(result.Payload)), step.ID, nil)
	if err := o.saveSession(ctx, sess); err != nil {
		return true, nil, nil, fmt.Errorf("persist action result: %w", err)
	}
	return false, nil, nil, nil
}

// applyDecision carries out the consequence of a resolved approval request
// for a parked step: execute the approved action and keep running turns, or
// fail the step as denied.
func (o *Orchestrator) applyDecision(ctx context.Context, sess *session.Session, step *plan.Step, req *approval.Request) (*StepOutcome, *approval.Request, error) {
	if o.metrics != nil && !req.ResolvedAt.IsZero() {
		o.metrics.ApprovalWait.Record(ctx, req.ResolvedAt.Sub(req.CreatedAt).Seconds())
	}

	if req.Decision == approval.DecisionDenied {
		if o.metrics != nil {
			o.metrics.ApprovalsDenied.Add(ctx, 1)
		}
		outcome, err := o.failStructurally(ctx, sess, step, "denied by approver")
		return outcome, nil, err
	}

	var d action.Descriptor
	if err := json.Unmarshal([]byte(req.ActionDesc), &d); err != nil {
		outcome, failErr := o.failTerminally(ctx, sess, step, fmt.Sprintf("approved action unreadable: %v", err))
		return outcome, nil, failErr
	}

	done, outcome, waitReq, err := o.invokeAction(ctx, sess, step, &d)
	if done || err != nil {
		return outcome, waitReq, err
	}
	// The approved action succeeded; resume the agent turn loop. The step
	// stays in needs_approval until it reaches a terminal state.
	return o.runStep(ctx, sess, step)
}

// ResolveApproval records a human decision and, unless a blocked Advance call
// is waiting to take over, applies the step consequence immediately.
func (o *Orchestrator) ResolveApproval(ctx context.Context, sessionID, requestID string, decision approval.Decision, by approval.DecidedBy) (*StepOutcome, error) {
	mu := o.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}

	req, delivered, err := o.guard.Resolve(ctx, sess, requestID, decision, by)
	if err != nil {
		return nil, err
	}
	// The decision must be durable before any consequence runs.
	if err := o.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}

	if delivered || sess.Plan == nil || sess.Plan.Status.IsTerminal() {
		return &StepOutcome{
			SessionID:  sess.ID,
			StepID:     req.StepID,
			Kind:       OutcomeDecisionRecorded,
			PlanStatus: planStatus(sess),
		}, nil
	}

	step := sess.Plan.StepByID(req.StepID)
	if step == nil || step.Status != plan.StepStatusNeedsApproval {
		return &StepOutcome{
			SessionID:  sess.ID,
			StepID:     req.StepID,
			Kind:       OutcomeDecisionRecorded,
			PlanStatus: planStatus(sess),
		}, nil
	}

	outcome, _, err := o.applyDecision(ctx, sess, step, req)
	return outcome, err
}

// Cancel fails the plan with cause "user cancelled", skips all open steps,
// and interrupts in-flight gateway work best-effort. Cancelling a terminal
// plan is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	mu := o.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if sess.Plan == nil || sess.Plan.Status.IsTerminal() {
		return nil
	}

	for i := range sess.Plan.Steps {
		step := &sess.Plan.Steps[i]
		if step.Status.IsTerminal() {
			continue
		}
		if step.Status == plan.StepStatusDispatched || step.Status == plan.StepStatusNeedsApproval {
			if err := o.gateway.Cancel(ctx, sess.ID, step.ID); err != nil {
				o.log.Warn("cancel in-flight action", "session_id", sess.ID, "step_id", step.ID, "error", err)
			}
		}
		if err := o.setStepStatus(step, plan.StepStatusSkipped); err != nil {
			return err
		}
	}
	o.failPlan(ctx, sess)
	if err := o.saveSession(ctx, sess); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	o.broadcastPlan(ctx, sess)
	o.log.Info("session cancelled", "session_id", sessionID)
	return nil
}

// DeleteSession removes a session and everything under it. Sessions are only
// ever deleted by explicit user action.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	mu := o.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := o.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := o.cache.Delete(ctx, ristretto.SnapshotKey(sessionID)); err != nil {
		o.log.Warn("invalidate snapshot cache", "session_id", sessionID, "error", err)
	}
	o.locks.Delete(sessionID)
	o.hub.BroadcastEvent(ctx, ws.EventSessionDeleted, map[string]string{"session_id": sessionID})
	return nil
}

// failTransiently applies the retry policy: the step resets to pending with
// an incremented retry count, unless the bound is reached, in which case the
// plan fails and halts.
func (o *Orchestrator) failTransiently(ctx context.Context, sess *session.Session, step *plan.Step, cause string) (*StepOutcome, error) {
	step.FailCause = cause
	step.RetryCount++
	if err := o.setStepStatus(step, plan.StepStatusFailed); err != nil {
		return nil, err
	}

	if step.RetryCount >= o.cfg.MaxRetries {
		o.failPlan(ctx, sess)
		if err := o.saveSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("persist retry exhaustion: %w", err)
		}
		o.broadcastStep(ctx, sess, step)
		o.broadcastPlan(ctx, sess)
		o.log.Warn("retries exhausted, plan failed",
			"session_id", sess.ID, "step_id", step.ID, "retries", step.RetryCount, "cause", cause)
		return &StepOutcome{
			SessionID:  sess.ID,
			StepID:     step.ID,
			Kind:       OutcomePlanFailed,
			FailCause:  cause,
			PlanStatus: sess.Plan.Status,
		}, nil
	}

	if err := o.setStepStatus(step, plan.StepStatusPending); err != nil {
		return nil, err
	}
	if err := o.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist retry: %w", err)
	}
	o.broadcastStep(ctx, sess, step)
	if o.metrics != nil {
		o.metrics.StepsRetried.Add(ctx, 1)
	}
	o.log.Info("step scheduled for retry",
		"session_id", sess.ID, "step_id", step.ID, "retry", step.RetryCount, "cause", cause)
	return &StepOutcome{
		SessionID:  sess.ID,
		StepID:     step.ID,
		Kind:       OutcomeRetryScheduled,
		FailCause:  cause,
		PlanStatus: sess.Plan.Status,
	}, nil
}

// failStructurally fails the step and either replans (when enabled) or fails
// the plan. Approval denials and "plan invalid" signals land here.
func (o *Orchestrator) failStructurally(ctx context.Context, sess *session.Session, step *plan.Step, cause string) (*StepOutcome, error) {
	step.FailCause = cause
	if err := o.setStepStatus(step, plan.StepStatusFailed); err != nil {
		return nil, err
	}

	if !o.cfg.ReplanningEnabled {
		return o.haltPlan(ctx, sess, step, cause)
	}

	sess.Plan.Status = plan.StatusReplanning
	sess.Plan.UpdatedAt = time.Now().UTC()
	if err := o.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist replanning: %w", err)
	}
	o.broadcastStep(ctx, sess, step)
	o.broadcastPlan(ctx, sess)

	if err := o.planner.Replan(ctx, sess.Plan, sess.Messages, nil); err != nil {
		o.log.Warn("replan failed", "session_id", sess.ID, "error", err)
		return o.haltPlan(ctx, sess, step, fmt.Sprintf("replan failed: %v", err))
	}
	sess.Plan.Status = plan.StatusActive
	sess.Plan.UpdatedAt = time.Now().UTC()
	if err := o.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist replanned steps: %w", err)
	}
	o.broadcastPlan(ctx, sess)
	o.log.Info("plan re-derived after structural failure",
		"session_id", sess.ID, "step_id", step.ID, "cause", cause, "steps", len(sess.Plan.Steps))
	return &StepOutcome{
		SessionID:  sess.ID,
		StepID:     step.ID,
		Kind:       OutcomeReplanned,
		FailCause:  cause,
		PlanStatus: sess.Plan.Status,
	}, nil
}

// failTerminally fails the step and the plan with no retry and no replan.
// Turn-limit exhaustion and configuration errors land here.
func (o *Orchestrator) failTerminally(ctx context.Context, sess *session.Session, step *plan.Step, cause string) (*StepOutcome, error) {
	step.FailCause = cause
	if err := o.setStepStatus(step, plan.StepStatusFailed); err != nil {
		return nil, err
	}
	return o.haltPlan(ctx, sess, step, cause)
}

func (o *Orchestrator) haltPlan(ctx context.Context, sess *session.Session, step *plan.Step, cause string) (*StepOutcome, error) {
	o.failPlan(ctx, sess)
	if err := o.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist plan failure: %w", err)
	}
	o.broadcastStep(ctx, sess, step)
	o.broadcastPlan(ctx, sess)
	o.log.Warn("plan failed",
		"session_id", sess.ID, "step_id", step.ID, "cause", cause)
	return &StepOutcome{
		SessionID:  sess.ID,
		StepID:     step.ID,
		Kind:       OutcomePlanFailed,
		FailCause:  cause,
		PlanStatus: sess.Plan.Status,
	}, nil
}

// concludeStep persists a succeeded step and finalizes the plan when it was
// the last open one.
func (o *Orchestrator) concludeStep(ctx context.Context, sess *session.Session, step *plan.Step, outcome *StepOutcome) (*StepOutcome, error) {
	if err := o.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist step outcome: %w", err)
	}
	o.broadcastStep(ctx, sess, step)
	o.log.Info("step finished",
		"session_id", sess.ID, "step_id", step.ID, "index", step.Index, "status", step.Status)

	if sess.Plan.AllTerminal() {
		return o.finalizePlan(ctx, sess)
	}
	outcome.PlanStatus = sess.Plan.Status
	return outcome, nil
}

// finalizePlan moves a plan with no open steps to its terminal status.
func (o *Orchestrator) finalizePlan(ctx context.Context, sess *session.Session) (*StepOutcome, error) {
	if sess.Plan.AllSucceeded() {
		sess.Plan.Status = plan.StatusCompleted
		if o.metrics != nil {
			o.metrics.PlansCompleted.Add(ctx, 1)
		}
	} else {
		o.failPlan(ctx, sess)
	}
	sess.Plan.UpdatedAt = time.Now().UTC()
	if err := o.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("finalize plan: %w", err)
	}
	o.broadcastPlan(ctx, sess)
	o.log.Info("plan finished", "session_id", sess.ID, "status", sess.Plan.Status)

	kind := OutcomePlanCompleted
	if sess.Plan.Status == plan.StatusFailed {
		kind = OutcomePlanFailed
	}
	return &StepOutcome{SessionID: sess.ID, Kind: kind, PlanStatus: sess.Plan.Status}, nil
}

// failPlan marks the plan failed. The failure cause lives on the failing
// step; the plan status carries no text.
func (o *Orchestrator) failPlan(ctx context.Context, sess *session.Session) {
	if sess.Plan.Status == plan.StatusFailed {
		return
	}
	sess.Plan.Status = plan.StatusFailed
	sess.Plan.UpdatedAt = time.Now().UTC()
	if o.metrics != nil {
		o.metrics.PlansFailed.Add(ctx, 1)
	}
}

func (o *Orchestrator) setStepStatus(step *plan.Step, to plan.StepStatus) error {
	if !plan.CanTransition(step.Status, to) {
		return fmt.Errorf("step %s: illegal transition %s -> %s", step.ID, step.Status, to)
	}
	step.Status = to
	step.UpdatedAt = time.Now().UTC()
	return nil
}

// saveSession persists write-through and invalidates the snapshot cache.
// An invalidation failure does not fail the save, but it means a shared
// cache level may keep serving the previous snapshot, so it is logged.
func (o *Orchestrator) saveSession(ctx context.Context, sess *session.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	if err := o.store.Save(ctx, sess); err != nil {
		return err
	}
	if err := o.cache.Delete(ctx, ristretto.SnapshotKey(sess.ID)); err != nil {
		o.log.Warn("invalidate snapshot cache", "session_id", sess.ID, "error", err)
	}
	return nil
}

// appendMessage adds one history entry in memory; durability comes with the
// next saveSession.
func (o *Orchestrator) appendMessage(ctx context.Context, sess *session.Session, role message.Role, content, stepID string, toolCall json.RawMessage) {
	m := message.AgentMessage{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StepID:    stepID,
		Role:      role,
		Content:   content,
		ToolCall:  toolCall,
		Seq:       len(sess.Messages) + 1,
		CreatedAt: time.Now().UTC(),
	}
	sess.Messages = append(sess.Messages, m)
	o.hub.BroadcastEvent(ctx, ws.EventMessageAppended, ws.MessageAppendedEvent{
		SessionID: sess.ID,
		MessageID: m.ID,
		Role:      string(role),
		Seq:       m.Seq,
	})
}

func (o *Orchestrator) broadcastPlan(ctx context.Context, sess *session.Session) {
	o.hub.BroadcastEvent(ctx, ws.EventPlanStatus, ws.PlanStatusEvent{
		SessionID: sess.ID,
		PlanID:    sess.Plan.ID,
		Status:    string(sess.Plan.Status),
	})
}

func (o *Orchestrator) broadcastStep(ctx context.Context, sess *session.Session, step *plan.Step) {
	o.hub.BroadcastEvent(ctx, ws.EventStepStatus, ws.StepStatusEvent{
		SessionID:  sess.ID,
		StepID:     step.ID,
		Index:      step.Index,
		Role:       string(step.Role),
		Status:     string(step.Status),
		FailCause:  step.FailCause,
		RetryCount: step.RetryCount,
	})
}

// firstOpenStep returns the first step that has not reached a terminal
// state. Step ordering is strict, so this is always the current step.
func firstOpenStep(p *plan.Plan) *plan.Step {
	for i := range p.Steps {
		if !p.Steps[i].Status.IsTerminal() {
			return &p.Steps[i]
		}
	}
	return nil
}

// lastApprovalForStep returns the most recent approval request for the step.
func lastApprovalForStep(sess *session.Session, stepID string) *approval.Request {
	for i := len(sess.Approvals) - 1; i >= 0; i-- {
		if sess.Approvals[i].StepID == stepID {
			return &sess.Approvals[i]
		}
	}
	return nil
}

func planStatus(sess *session.Session) plan.Status {
	if sess.Plan == nil {
		return ""
	}
	return sess.Plan.Status
}
