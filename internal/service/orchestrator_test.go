package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/magnetar-ai/magnetar/internal/adapter/ws"
	"github.com/magnetar-ai/magnetar/internal/config"
	"github.com/magnetar-ai/magnetar/internal/domain"
	"github.com/magnetar-ai/magnetar/internal/domain/action"
	"github.com/magnetar-ai/magnetar/internal/domain/approval"
	"github.com/magnetar-ai/magnetar/internal/domain/message"
	"github.com/magnetar-ai/magnetar/internal/domain/plan"
	"github.com/magnetar-ai/magnetar/internal/domain/session"
	"github.com/magnetar-ai/magnetar/internal/port/completion"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory session store with memstore's version semantics.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
	versions map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string][]byte), versions: make(map[string]int)}
}

func (s *fakeStore) Load(ctx context.Context, sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *fakeStore) Save(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := s.versions[sess.ID]
	switch {
	case sess.Version == 0 && exists:
		return domain.ErrConflict
	case sess.Version != 0 && !exists:
		return fmt.Errorf("session %s: %w", sess.ID, domain.ErrNotFound)
	case sess.Version != 0 && stored != sess.Version:
		return domain.ErrConflict
	}
	sess.Version++
	data, err := json.Marshal(sess)
	if err != nil {
		sess.Version--
		return err
	}
	s.sessions[sess.ID] = data
	s.versions[sess.ID] = sess.Version
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	delete(s.sessions, sessionID)
	delete(s.versions, sessionID)
	return nil
}

// fakeCache implements the cache port with a plain map. TTLs are ignored.
// A non-nil delErr makes every Delete fail, like an unreachable shared level.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	delErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delErr != nil {
		return c.delErr
	}
	delete(c.entries, key)
	return nil
}

// fakeClient scripts completion replies by call number.
type fakeClient struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, msgs []completion.Message) (*completion.Result, error)
}

func (c *fakeClient) Complete(ctx context.Context, msgs []completion.Message) (*completion.Result, error) {
	c.mu.Lock()
	call := c.calls
	c.calls++
	c.mu.Unlock()
	return c.fn(call, msgs)
}

// plannerClient returns the same planned steps on every call.
func plannerClient(steps ...plannedStep) *fakeClient {
	data, _ := json.Marshal(steps)
	return &fakeClient{fn: func(int, []completion.Message) (*completion.Result, error) {
		return &completion.Result{Text: string(data)}, nil
	}}
}

// fakeGateway records invocations and answers with a scripted result.
type fakeGateway struct {
	mu        sync.Mutex
	invoked   []action.Descriptor
	cancelled []string
	fn        func(d *action.Descriptor) (*action.Result, error)
}

func (g *fakeGateway) Invoke(ctx context.Context, sessionID, stepID string, d *action.Descriptor) (*action.Result, error) {
	g.mu.Lock()
	g.invoked = append(g.invoked, *d)
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(d)
	}
	return &action.Result{Status: action.StatusSuccess, Payload: json.RawMessage(`"ok"`)}, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, sessionID, stepID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, stepID)
	return nil
}

func (g *fakeGateway) invocations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.invoked)
}

// fakeAgent scripts Handle results by call number.
type fakeAgent struct {
	role  plan.Role
	mu    sync.Mutex
	calls int
	fn    func(call int, step *plan.Step, history []message.AgentMessage) (*AgentResult, error)
}

func (a *fakeAgent) Role() plan.Role { return a.role }

func (a *fakeAgent) Handle(ctx context.Context, step *plan.Step, history []message.AgentMessage) (*AgentResult, error) {
	a.mu.Lock()
	call := a.calls
	a.calls++
	a.mu.Unlock()
	return a.fn(call, step, history)
}

func (a *fakeAgent) handleCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fixture struct {
	orch    *Orchestrator
	store   *fakeStore
	cache   *fakeCache
	gateway *fakeGateway
	guard   *GuardService
}

type fixtureOpts struct {
	cfg      config.Orchestrator
	policy   approval.Policy
	agents   map[plan.Role]Agent
	planner  *fakeClient
	approval time.Duration
	log      *slog.Logger
}

func newFixture(opts fixtureOpts) *fixture {
	if opts.cfg.MaxRetries == 0 {
		opts.cfg.MaxRetries = 3
	}
	if opts.cfg.TurnLimit == 0 {
		opts.cfg.TurnLimit = 10
	}
	if opts.policy.Mode == "" {
		opts.policy = approval.Policy{Mode: approval.ModeNeverRequire, WebsiteMode: approval.WebsiteAllAllowed}
	}
	if opts.planner == nil {
		opts.planner = plannerClient(plannedStep{Description: "do the work", Role: "coder"})
	}
	if opts.approval == 0 {
		opts.approval = 20 * time.Millisecond
	}

	log := opts.log
	if log == nil {
		log = discardLogger()
	}
	hub := ws.NewHub()
	store := newFakeStore()
	cach := newFakeCache()
	gw := &fakeGateway{}
	guard := NewGuardService(nil, hub, opts.approval, log)

	orch := NewOrchestrator(
		store, cach,
		NewPlannerService(opts.planner),
		guard,
		opts.agents,
		gw, hub, nil,
		opts.cfg, opts.policy,
		time.Minute, log,
	)
	return &fixture{orch: orch, store: store, cache: cach, gateway: gw, guard: guard}
}

func finalAgent(role plan.Role) *fakeAgent {
	return &fakeAgent{role: role, fn: func(int, *plan.Step, []message.AgentMessage) (*AgentResult, error) {
		return &AgentResult{Kind: AgentFinal, Payload: "done"}, nil
	}}
}

func TestSubmitTaskDerivesPlan(t *testing.T) {
	t.Parallel()
	fx := newFixture(fixtureOpts{agents: map[plan.Role]Agent{plan.RoleCoder: finalAgent(plan.RoleCoder)}})

	sess, err := fx.orch.SubmitTask(context.Background(), "write a script", nil, nil)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if sess.Plan == nil || sess.Plan.Status != plan.StatusActive {
		t.Fatalf("expected active plan, got %+v", sess.Plan)
	}
	if len(sess.Messages) != 1 || sess.Messages[0].Role != message.RoleUser || sess.Messages[0].Seq != 1 {
		t.Fatalf("expected one user message with seq 1, got %+v", sess.Messages)
	}

	stored, err := fx.store.Load(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Load after submit: %v", err)
	}
	if stored.Plan.Task != "write a script" {
		t.Fatalf("task = %q", stored.Plan.Task)
	}
}

func TestAdvanceRunsPlanToCompletion(t *testing.T) {
	t.Parallel()
	planner := plannerClient(
		plannedStep{Description: "one", Role: "coder"},
		plannedStep{Description: "two", Role: "coder"},
		plannedStep{Description: "three", Role: "coder"},
	)
	fx := newFixture(fixtureOpts{
		planner: planner,
		agents:  map[plan.Role]Agent{plan.RoleCoder: finalAgent(plan.RoleCoder)},
	})

	ctx := context.Background()
	sess, err := fx.orch.SubmitTask(ctx, "three things", nil, nil)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	for i, want := range []OutcomeKind{OutcomeStepSucceeded, OutcomeStepSucceeded, OutcomePlanCompleted} {
		outcome, err := fx.orch.Advance(ctx, sess.ID)
		if err != nil {
			t.Fatalf("Advance %d: %v", i, err)
		}
		if outcome.Kind != want {
			t.Fatalf("Advance %d: kind = %s, want %s", i, outcome.Kind, want)
		}
	}

	stored, _ := fx.store.Load(ctx, sess.ID)
	if stored.Plan.Status != plan.StatusCompleted {
		t.Fatalf("plan status = %s, want completed", stored.Plan.Status)
	}
	if len(stored.Approvals) != 0 {
		t.Fatalf("expected zero approval requests, got %d", len(stored.Approvals))
	}
}

func TestAdvanceRetryBound(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{role: plan.RoleCoder, fn: func(int, *plan.Step, []message.AgentMessage) (*AgentResult, error) {
		return nil, errors.New("model unavailable")
	}}
	fx := newFixture(fixtureOpts{
		cfg:    config.Orchestrator{MaxRetries: 2, TurnLimit: 10},
		agents: map[plan.Role]Agent{plan.RoleCoder: agent},
	})

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "flaky", nil, nil)

	outcome, err := fx.orch.Advance(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Advance 1: %v", err)
	}
	if outcome.Kind != OutcomeRetryScheduled {
		t.Fatalf("Advance 1: kind = %s, want retry_scheduled", outcome.Kind)
	}

	outcome, err = fx.orch.Advance(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Advance 2: %v", err)
	}
	if outcome.Kind != OutcomePlanFailed {
		t.Fatalf("Advance 2: kind = %s, want plan_failed", outcome.Kind)
	}

	// Exactly max_retries executions, never one more.
	if got := agent.handleCalls(); got != 2 {
		t.Fatalf("agent executed %d times, want 2", got)
	}
	if _, err := fx.orch.Advance(ctx, sess.ID); err != nil {
		t.Fatalf("Advance on failed plan: %v", err)
	}
	if got := agent.handleCalls(); got != 2 {
		t.Fatalf("failed plan still dispatching: %d executions", got)
	}
}

func TestToolCallRunsThroughGateway(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{role: plan.RoleCoder, fn: func(call int, _ *plan.Step, _ []message.AgentMessage) (*AgentResult, error) {
		if call == 0 {
			return &AgentResult{Kind: AgentToolCall, Action: &action.Descriptor{
				Type: action.TypeCodeExecute, Risk: approval.RiskNone, Description: "run tests",
			}}, nil
		}
		return &AgentResult{Kind: AgentFinal, Payload: "tests pass"}, nil
	}}
	fx := newFixture(fixtureOpts{agents: map[plan.Role]Agent{plan.RoleCoder: agent}})

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "run the tests", nil, nil)
	outcome, err := fx.orch.Advance(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if outcome.Kind != OutcomePlanCompleted {
		t.Fatalf("kind = %s, want plan_completed", outcome.Kind)
	}
	if fx.gateway.invocations() != 1 {
		t.Fatalf("gateway invoked %d times, want 1", fx.gateway.invocations())
	}
}

func TestNoInvokeBeforeApprovalAndDenialFailsStep(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{role: plan.RoleCoder, fn: func(int, *plan.Step, []message.AgentMessage) (*AgentResult, error) {
		return &AgentResult{Kind: AgentToolCall, Action: &action.Descriptor{
			Type: action.TypeFileDelete, Risk: approval.RiskAlways, Description: "delete file X",
		}}, nil
	}}
	fx := newFixture(fixtureOpts{
		policy: approval.Policy{Mode: approval.ModeAlwaysRequire, WebsiteMode: approval.WebsiteAllAllowed},
		agents: map[plan.Role]Agent{plan.RoleCoder: agent},
	})

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "delete file X", nil, nil)

	outcome, err := fx.orch.Advance(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if outcome.Kind != OutcomeNeedsApproval {
		t.Fatalf("kind = %s, want needs_approval", outcome.Kind)
	}
	if fx.gateway.invocations() != 0 {
		t.Fatalf("gateway invoked before approval")
	}

	stored, _ := fx.store.Load(ctx, sess.ID)
	if len(stored.Approvals) != 1 || stored.Approvals[0].Decision != approval.DecisionPending {
		t.Fatalf("expected one pending approval, got %+v", stored.Approvals)
	}
	step := stored.Plan.Steps[0]
	if step.Status != plan.StepStatusNeedsApproval {
		t.Fatalf("step status = %s, want needs_approval", step.Status)
	}

	reqID := stored.Approvals[0].ID
	res, err := fx.orch.ResolveApproval(ctx, sess.ID, reqID, approval.DecisionDenied, approval.ByHuman)
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if res.Kind != OutcomePlanFailed {
		t.Fatalf("resolution kind = %s, want plan_failed", res.Kind)
	}

	stored, _ = fx.store.Load(ctx, sess.ID)
	if stored.Plan.Steps[0].Status != plan.StepStatusFailed {
		t.Fatalf("step status = %s, want failed", stored.Plan.Steps[0].Status)
	}
	if stored.Plan.Steps[0].FailCause != "denied by approver" {
		t.Fatalf("fail cause = %q", stored.Plan.Steps[0].FailCause)
	}
	if fx.gateway.invocations() != 0 {
		t.Fatalf("denied action reached the gateway")
	}

	// The original decision stands; a second resolution is rejected.
	if _, err := fx.orch.ResolveApproval(ctx, sess.ID, reqID, approval.DecisionApproved, approval.ByHuman); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("second resolve error = %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveApprovalApprovedExecutesAction(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{role: plan.RoleCoder, fn: func(call int, _ *plan.Step, _ []message.AgentMessage) (*AgentResult, error) {
		if call == 0 {
			return &AgentResult{Kind: AgentToolCall, Action: &action.Descriptor{
				Type: action.TypeFileWrite, Risk: approval.RiskAlways, Description: "write config",
			}}, nil
		}
		return &AgentResult{Kind: AgentFinal, Payload: "written"}, nil
	}}
	fx := newFixture(fixtureOpts{
		policy: approval.Policy{Mode: approval.ModeAlwaysRequire, WebsiteMode: approval.WebsiteAllAllowed},
		agents: map[plan.Role]Agent{plan.RoleCoder: agent},
	})

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "write config", nil, nil)
	if _, err := fx.orch.Advance(ctx, sess.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	stored, _ := fx.store.Load(ctx, sess.ID)
	res, err := fx.orch.ResolveApproval(ctx, sess.ID, stored.Approvals[0].ID, approval.DecisionApproved, approval.ByHuman)
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if res.Kind != OutcomePlanCompleted {
		t.Fatalf("resolution kind = %s, want plan_completed", res.Kind)
	}
	if fx.gateway.invocations() != 1 {
		t.Fatalf("gateway invoked %d times, want 1", fx.gateway.invocations())
	}
	if fx.gateway.invoked[0].Type != action.TypeFileWrite {
		t.Fatalf("invoked action type = %s", fx.gateway.invoked[0].Type)
	}
}

func TestAdvanceWaitsForInProcessDecision(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{role: plan.RoleCoder, fn: func(call int, _ *plan.Step, _ []message.AgentMessage) (*AgentResult, error) {
		if call == 0 {
			return &AgentResult{Kind: AgentToolCall, Action: &action.Descriptor{
				Type: action.TypeCodeExecute, Risk: approval.RiskAlways, Description: "run migration",
			}}, nil
		}
		return &AgentResult{Kind: AgentFinal, Payload: "migrated"}, nil
	}}
	fx := newFixture(fixtureOpts{
		policy:   approval.Policy{Mode: approval.ModeAlwaysRequire, WebsiteMode: approval.WebsiteAllAllowed},
		agents:   map[plan.Role]Agent{plan.RoleCoder: agent},
		approval: 2 * time.Second,
	})

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "migrate", nil, nil)

	done := make(chan *StepOutcome, 1)
	go func() {
		outcome, err := fx.orch.Advance(ctx, sess.ID)
		if err != nil {
			t.Errorf("Advance: %v", err)
		}
		done <- outcome
	}()

	// Wait for the approval request to become durable, then resolve it
	// while Advance is blocked.
	var reqID string
	for i := 0; i < 100; i++ {
		stored, err := fx.store.Load(ctx, sess.ID)
		if err == nil && len(stored.Approvals) > 0 {
			reqID = stored.Approvals[0].ID
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if reqID == "" {
		t.Fatal("approval request never appeared")
	}
	res, err := fx.orch.ResolveApproval(ctx, sess.ID, reqID, approval.DecisionApproved, approval.ByHuman)
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if res.Kind != OutcomeDecisionRecorded {
		t.Fatalf("resolution kind = %s, want decision_recorded", res.Kind)
	}

	select {
	case outcome := <-done:
		if outcome.Kind != OutcomePlanCompleted {
			t.Fatalf("Advance kind = %s, want plan_completed", outcome.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Advance did not return after resolution")
	}
	if fx.gateway.invocations() != 1 {
		t.Fatalf("gateway invoked %d times, want 1", fx.gateway.invocations())
	}
}

func TestStructuralFailureReplans(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{role: plan.RoleCoder, fn: func(call int, _ *plan.Step, _ []message.AgentMessage) (*AgentResult, error) {
		if call == 0 {
			return &AgentResult{Kind: AgentToolCall, Action: &action.Descriptor{
				Type: action.TypeCodeExecute, Risk: approval.RiskNone, Description: "clone repo",
			}}, nil
		}
		return &AgentResult{Kind: AgentFinal, Payload: "done"}, nil
	}}
	fx := newFixture(fixtureOpts{
		cfg:    config.Orchestrator{MaxRetries: 3, TurnLimit: 10, ReplanningEnabled: true},
		agents: map[plan.Role]Agent{plan.RoleCoder: agent},
		planner: plannerClient(
			plannedStep{Description: "fresh step", Role: "coder"},
		),
	})
	fx.gateway.fn = func(d *action.Descriptor) (*action.Result, error) {
		return &action.Result{Status: action.StatusError, Error: "plan invalid: repository does not exist"}, nil
	}

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "clone and build", nil, nil)
	outcome, err := fx.orch.Advance(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if outcome.Kind != OutcomeReplanned {
		t.Fatalf("kind = %s, want replanned", outcome.Kind)
	}

	stored, _ := fx.store.Load(ctx, sess.ID)
	if stored.Plan.Status != plan.StatusActive {
		t.Fatalf("plan status = %s, want active after replan", stored.Plan.Status)
	}
	var failed, pending int
	for _, st := range stored.Plan.Steps {
		switch st.Status {
		case plan.StepStatusFailed:
			failed++
		case plan.StepStatusPending:
			pending++
		}
	}
	if failed != 1 || pending == 0 {
		t.Fatalf("steps after replan: %d failed, %d pending", failed, pending)
	}
}

func TestTurnLimitFailsPlan(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{role: plan.RoleCoder, fn: func(int, *plan.Step, []message.AgentMessage) (*AgentResult, error) {
		return &AgentResult{Kind: AgentToolCall, Action: &action.Descriptor{
			Type: action.TypeCodeExecute, Risk: approval.RiskNone, Description: "spin",
		}}, nil
	}}
	fx := newFixture(fixtureOpts{
		cfg:    config.Orchestrator{MaxRetries: 3, TurnLimit: 2},
		agents: map[plan.Role]Agent{plan.RoleCoder: agent},
	})

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "loop forever", nil, nil)
	outcome, err := fx.orch.Advance(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if outcome.Kind != OutcomePlanFailed || outcome.FailCause != "turn limit exceeded" {
		t.Fatalf("outcome = %+v, want plan_failed with turn limit cause", outcome)
	}
	if fx.gateway.invocations() != 2 {
		t.Fatalf("gateway invoked %d times, want 2", fx.gateway.invocations())
	}
}

func pendingApprovalID(t *testing.T, store *fakeStore, sessionID string) string {
	t.Helper()
	stored, err := store.Load(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, r := range stored.Approvals {
		if r.Decision == approval.DecisionPending {
			return r.ID
		}
	}
	t.Fatal("no pending approval request")
	return ""
}

func TestTurnLimitSpansApprovalResumptions(t *testing.T) {
	t.Parallel()
	// Every turn asks for a gated action, so each approval resumption
	// re-enters the turn loop. The budget must carry across resumptions
	// instead of restarting with each one.
	agent := &fakeAgent{role: plan.RoleCoder, fn: func(int, *plan.Step, []message.AgentMessage) (*AgentResult, error) {
		return &AgentResult{Kind: AgentToolCall, Action: &action.Descriptor{
			Type: action.TypeCodeExecute, Risk: approval.RiskAlways, Description: "next command",
		}}, nil
	}}
	fx := newFixture(fixtureOpts{
		cfg:    config.Orchestrator{MaxRetries: 3, TurnLimit: 2},
		policy: approval.Policy{Mode: approval.ModeAlwaysRequire, WebsiteMode: approval.WebsiteAllAllowed},
		agents: map[plan.Role]Agent{plan.RoleCoder: agent},
	})

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "two gated turns", nil, nil)

	outcome, err := fx.orch.Advance(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if outcome.Kind != OutcomeNeedsApproval {
		t.Fatalf("kind = %s, want needs_approval", outcome.Kind)
	}

	res, err := fx.orch.ResolveApproval(ctx, sess.ID, pendingApprovalID(t, fx.store, sess.ID), approval.DecisionApproved, approval.ByHuman)
	if err != nil {
		t.Fatalf("ResolveApproval 1: %v", err)
	}
	if res.Kind != OutcomeNeedsApproval {
		t.Fatalf("resolution 1 kind = %s, want needs_approval", res.Kind)
	}

	res, err = fx.orch.ResolveApproval(ctx, sess.ID, pendingApprovalID(t, fx.store, sess.ID), approval.DecisionApproved, approval.ByHuman)
	if err != nil {
		t.Fatalf("ResolveApproval 2: %v", err)
	}
	if res.Kind != OutcomePlanFailed || res.FailCause != "turn limit exceeded" {
		t.Fatalf("resolution 2 = %+v, want plan_failed with turn limit cause", res)
	}

	if got := agent.handleCalls(); got != 2 {
		t.Fatalf("agent ran %d turns, want exactly the limit of 2", got)
	}
	stored, _ := fx.store.Load(ctx, sess.ID)
	if st := stored.Plan.Steps[0]; st.TurnsUsed != 2 || st.Status != plan.StepStatusFailed {
		t.Fatalf("step = turns %d status %s, want 2 turns and failed", st.TurnsUsed, st.Status)
	}
}

// recordingHandler captures log messages for assertions.
type recordingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, r.Message)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) saw(msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func TestSnapshotInvalidationFailureIsLogged(t *testing.T) {
	t.Parallel()
	rec := &recordingHandler{}
	fx := newFixture(fixtureOpts{
		agents: map[plan.Role]Agent{plan.RoleCoder: finalAgent(plan.RoleCoder)},
		log:    slog.New(rec),
	})
	fx.cache.delErr = errors.New("kv delete: connection reset")

	ctx := context.Background()
	sess, err := fx.orch.SubmitTask(ctx, "persist anyway", nil, nil)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	// The save went through even though the invalidation did not.
	if _, err := fx.store.Load(ctx, sess.ID); err != nil {
		t.Fatalf("Load after failed invalidation: %v", err)
	}
	if !rec.saw("invalidate snapshot cache") {
		t.Fatalf("invalidation failure not logged; messages: %v", rec.msgs)
	}
}

func TestCoPlanningGate(t *testing.T) {
	t.Parallel()
	fx := newFixture(fixtureOpts{
		cfg:    config.Orchestrator{MaxRetries: 3, TurnLimit: 10, CoPlanningEnabled: true},
		agents: map[plan.Role]Agent{plan.RoleCoder: finalAgent(plan.RoleCoder)},
	})

	ctx := context.Background()
	sess, err := fx.orch.SubmitTask(ctx, "careful work", nil, nil)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if sess.Plan.Status != plan.StatusAwaitingApproval {
		t.Fatalf("plan status = %s, want awaiting_approval", sess.Plan.Status)
	}

	outcome, err := fx.orch.Advance(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Advance before approval: %v", err)
	}
	if outcome.Kind != OutcomeAwaitingPlanApproval {
		t.Fatalf("kind = %s, want awaiting_plan_approval", outcome.Kind)
	}

	if _, err := fx.orch.ApprovePlan(ctx, sess.ID, true); err != nil {
		t.Fatalf("ApprovePlan: %v", err)
	}
	outcome, err = fx.orch.Advance(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Advance after approval: %v", err)
	}
	if outcome.Kind != OutcomePlanCompleted {
		t.Fatalf("kind = %s, want plan_completed", outcome.Kind)
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	t.Parallel()
	fx := newFixture(fixtureOpts{agents: map[plan.Role]Agent{plan.RoleCoder: finalAgent(plan.RoleCoder)}})

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "snapshot me", nil, nil)

	first, err := fx.orch.Resume(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Resume 1: %v", err)
	}
	second, err := fx.orch.Resume(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Resume 2: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshots differ:\n%+v\n%+v", first, second)
	}

	if _, err := fx.orch.Advance(ctx, sess.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	third, err := fx.orch.Resume(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Resume 3: %v", err)
	}
	if reflect.DeepEqual(first, third) {
		t.Fatal("snapshot unchanged after Advance")
	}
}

func TestCancelFailsPlanAndSkipsOpenSteps(t *testing.T) {
	t.Parallel()
	planner := plannerClient(
		plannedStep{Description: "one", Role: "coder"},
		plannedStep{Description: "two", Role: "coder"},
	)
	fx := newFixture(fixtureOpts{
		planner: planner,
		agents:  map[plan.Role]Agent{plan.RoleCoder: finalAgent(plan.RoleCoder)},
	})

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "cancel me", nil, nil)
	if _, err := fx.orch.Advance(ctx, sess.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if err := fx.orch.Cancel(ctx, sess.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	stored, _ := fx.store.Load(ctx, sess.ID)
	if stored.Plan.Status != plan.StatusFailed {
		t.Fatalf("plan status = %s, want failed", stored.Plan.Status)
	}
	if stored.Plan.Steps[1].Status != plan.StepStatusSkipped {
		t.Fatalf("open step status = %s, want skipped", stored.Plan.Steps[1].Status)
	}

	// Cancelling a terminal plan is a no-op.
	if err := fx.orch.Cancel(ctx, sess.ID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}

func TestClarificationSurfacesQuestion(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{role: plan.RoleUserProxy, fn: func(int, *plan.Step, []message.AgentMessage) (*AgentResult, error) {
		return &AgentResult{Kind: AgentClarification, Question: "which branch?"}, nil
	}}
	fx := newFixture(fixtureOpts{
		planner: plannerClient(plannedStep{Description: "ask", Role: "user_proxy"}),
		agents:  map[plan.Role]Agent{plan.RoleUserProxy: agent},
	})

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "ambiguous", nil, nil)
	outcome, err := fx.orch.Advance(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if outcome.Kind != OutcomePlanCompleted && outcome.Kind != OutcomeClarification {
		t.Fatalf("kind = %s", outcome.Kind)
	}

	stored, _ := fx.store.Load(ctx, sess.ID)
	if stored.Plan.Steps[0].Result != "which branch?" {
		t.Fatalf("step result = %q, want the question", stored.Plan.Steps[0].Result)
	}
}

func TestDeleteSessionRemovesState(t *testing.T) {
	t.Parallel()
	fx := newFixture(fixtureOpts{agents: map[plan.Role]Agent{plan.RoleCoder: finalAgent(plan.RoleCoder)}})

	ctx := context.Background()
	sess, _ := fx.orch.SubmitTask(ctx, "ephemeral", nil, nil)
	if err := fx.orch.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := fx.store.Load(ctx, sess.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Load after delete error = %v, want ErrNotFound", err)
	}
}
