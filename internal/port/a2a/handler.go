package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/magnetar-ai/magnetar/internal/domain"
	"github.com/magnetar-ai/magnetar/internal/domain/approval"
	"github.com/magnetar-ai/magnetar/internal/domain/plan"
	"github.com/magnetar-ai/magnetar/internal/domain/session"
)

// Orchestrator is the slice of the orchestration service the A2A port needs.
type Orchestrator interface {
	SubmitTask(ctx context.Context, task string, policy *approval.Policy, hints []string) (*session.Session, error)
	Resume(ctx context.Context, sessionID string) (session.Snapshot, error)
}

// Handler serves the A2A protocol endpoints.
type Handler struct {
	baseURL string
	orch    Orchestrator
}

// NewHandler creates an A2A handler bridging to the orchestrator.
func NewHandler(baseURL string, orch Orchestrator) *Handler {
	return &Handler{baseURL: baseURL, orch: orch}
}

// MountRoutes registers A2A routes on the given chi router.
// These are mounted at the root level, not under /api/v1.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.Post("/a2a/tasks", h.handleCreateTask)
	r.Get("/a2a/tasks/{id}", h.handleGetTask)
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	card := BuildAgentCard(h.baseURL)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	task, _ := req.Input["task"].(string)
	if task == "" {
		http.Error(w, `{"error":"input.task is required"}`, http.StatusBadRequest)
		return
	}

	sess, err := h.orch.SubmitTask(r.Context(), task, nil, nil)
	if err != nil {
		slog.Error("a2a task submission failed", "error", err)
		http.Error(w, `{"error":"task submission failed"}`, http.StatusInternalServerError)
		return
	}
	slog.Info("a2a task created", "session_id", sess.ID, "skill", req.Skill)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(&TaskResponse{
		ID:     sess.ID,
		Status: taskStatus(sess.Plan.Status),
	})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := h.orch.Resume(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error":"task lookup failed"}`, http.StatusInternalServerError)
		return
	}

	resp := &TaskResponse{
		ID:     id,
		Status: taskStatus(snap.Plan.Status),
		Output: map[string]any{
			"steps_total": len(snap.Plan.Steps),
			"steps_done":  doneSteps(snap.Plan.Steps),
		},
	}
	if resp.Status == "failed" {
		resp.Error = failCause(snap.Plan.Steps)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// taskStatus maps plan statuses onto the four A2A task states.
func taskStatus(s plan.Status) string {
	switch s {
	case plan.StatusCompleted:
		return "completed"
	case plan.StatusFailed:
		return "failed"
	case plan.StatusActive, plan.StatusReplanning:
		return "running"
	default: // draft, awaiting_approval
		return "queued"
	}
}

func doneSteps(steps []plan.Step) int {
	n := 0
	for _, st := range steps {
		if st.Status == plan.StepStatusSucceeded || st.Status == plan.StepStatusSkipped {
			n++
		}
	}
	return n
}

func failCause(steps []plan.Step) string {
	for _, st := range steps {
		if st.Status == plan.StepStatusFailed && st.FailCause != "" {
			return st.FailCause
		}
	}
	return ""
}
