package http

import (
	"context"
	"net/http"

	"github.com/magnetar-ai/magnetar/internal/adapter/ws"
	"github.com/magnetar-ai/magnetar/internal/domain/approval"
	"github.com/magnetar-ai/magnetar/internal/domain/session"
	"github.com/magnetar-ai/magnetar/internal/port/messagequeue"
	"github.com/magnetar-ai/magnetar/internal/resilience"
	"github.com/magnetar-ai/magnetar/internal/service"
)

// Orchestrator is the service surface the REST handlers drive.
type Orchestrator interface {
	SubmitTask(ctx context.Context, task string, policy *approval.Policy, hints []string) (*session.Session, error)
	ApprovePlan(ctx context.Context, sessionID string, approved bool) (*session.Session, error)
	Resume(ctx context.Context, sessionID string) (session.Snapshot, error)
	Advance(ctx context.Context, sessionID string) (*service.StepOutcome, error)
	ResolveApproval(ctx context.Context, sessionID, requestID string, decision approval.Decision, by approval.DecidedBy) (*service.StepOutcome, error)
	Cancel(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Limits holds request processing limits.
type Limits struct {
	MaxRequestBodySize int64
}

// Handlers bundles the dependencies of all REST handlers.
type Handlers struct {
	Orch     Orchestrator
	Hub      *ws.Hub
	Queue    messagequeue.Queue // nil when no worker transport is configured
	Breakers *resilience.Group
	Auth     func(http.Handler) http.Handler // applied to mutating routes; nil disables
	Limits   Limits
}

// NewHandlers creates the handler set with default limits filled in.
func NewHandlers(orch Orchestrator, hub *ws.Hub) *Handlers {
	return &Handlers{
		Orch:   orch,
		Hub:    hub,
		Limits: Limits{MaxRequestBodySize: 1 << 20},
	}
}

type createSessionRequest struct {
	Task   string           `json:"task"`
	Policy *approval.Policy `json:"policy,omitempty"`
	Hints  []string         `json:"hints,omitempty"`
}

type createSessionResponse struct {
	SessionID string           `json:"session_id"`
	Snapshot  session.Snapshot `json:"snapshot"`
}

// CreateSession handles POST /api/v1/sessions
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createSessionRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.Task, "task") {
		return
	}

	sess, err := h.Orch.SubmitTask(r.Context(), req.Task, req.Policy, req.Hints)
	if err != nil {
		writeDomainError(w, err, "task submission failed")
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		Snapshot:  sess.Snapshot(),
	})
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	snap, err := h.Orch.Resume(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListApprovals handles GET /api/v1/sessions/{id}/approvals
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	snap, err := h.Orch.Resume(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	approvals := snap.Approvals
	if approvals == nil {
		approvals = []approval.Request{}
	}
	writeJSON(w, http.StatusOK, approvals)
}

// AdvanceSession handles POST /api/v1/sessions/{id}/advance
func (h *Handlers) AdvanceSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	outcome, err := h.Orch.Advance(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type approvePlanRequest struct {
	Approved bool `json:"approved"`
}

// ApprovePlan handles POST /api/v1/sessions/{id}/plan/approve
func (h *Handlers) ApprovePlan(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[approvePlanRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}

	sess, err := h.Orch.ApprovePlan(r.Context(), id, req.Approved)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"` // "approved" or "denied"
}

// ResolveApproval handles POST /api/v1/sessions/{id}/approvals/{requestID}
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	requestID := urlParam(r, "requestID")
	req, ok := readJSON[resolveApprovalRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}

	decision := approval.Decision(req.Decision)
	if decision != approval.DecisionApproved && decision != approval.DecisionDenied {
		writeError(w, http.StatusBadRequest, `decision must be "approved" or "denied"`)
		return
	}

	outcome, err := h.Orch.ResolveApproval(r.Context(), id, requestID, decision, approval.ByHuman)
	if err != nil {
		writeDomainError(w, err, "approval request not found")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// CancelSession handles POST /api/v1/sessions/{id}/cancel
func (h *Handlers) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Orch.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// DeleteSession handles DELETE /api/v1/sessions/{id}
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Orch.DeleteSession(r.Context(), id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.Queue != nil {
		resp["queue_connected"] = h.Queue.IsConnected()
	}
	if h.Breakers != nil {
		resp["breakers"] = h.Breakers.States()
	}
	if h.Hub != nil {
		resp["ws_connections"] = h.Hub.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleWS handles GET /ws
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.Hub.HandleWS(w, r)
}
