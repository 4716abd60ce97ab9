package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/magnetar-ai/magnetar/internal/domain"
	"github.com/magnetar-ai/magnetar/internal/domain/approval"
	"github.com/magnetar-ai/magnetar/internal/domain/plan"
	"github.com/magnetar-ai/magnetar/internal/domain/session"
)

type fakeOrchestrator struct {
	sessions map[string]session.Snapshot
}

func (f *fakeOrchestrator) SubmitTask(ctx context.Context, task string, policy *approval.Policy, hints []string) (*session.Session, error) {
	sess := &session.Session{
		ID: "sess-1",
		Plan: &plan.Plan{
			ID: "plan-1", SessionID: "sess-1", Task: task, Status: plan.StatusActive,
			Steps: []plan.Step{{ID: "st-1", Status: plan.StepStatusPending}},
		},
	}
	f.sessions[sess.ID] = sess.Snapshot()
	return sess, nil
}

func (f *fakeOrchestrator) Resume(ctx context.Context, sessionID string) (session.Snapshot, error) {
	snap, ok := f.sessions[sessionID]
	if !ok {
		return session.Snapshot{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return snap, nil
}

func newTestRouter() *chi.Mux {
	h := NewHandler("http://localhost:8080", &fakeOrchestrator{sessions: make(map[string]session.Snapshot)})
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func TestAgentCard(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/.well-known/agent.json", http.NoBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var card AgentCard
	if err := json.NewDecoder(w.Body).Decode(&card); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if card.Name != "Magnetar" {
		t.Fatalf("expected name Magnetar, got %s", card.Name)
	}
	if len(card.Skills) != 2 {
		t.Fatalf("expected 2 skills, got %d", len(card.Skills))
	}
}

func TestCreateAndGetTask(t *testing.T) {
	r := newTestRouter()

	body := `{"skill":"orchestrate-task","input":{"task":"summarize the report"}}`
	req := httptest.NewRequest(http.MethodPost, "/a2a/tasks", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp TaskResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "running" {
		t.Fatalf("expected running, got %s", resp.Status)
	}
	if resp.ID == "" {
		t.Fatal("expected a session id")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/a2a/tasks/"+resp.ID, http.NoBody)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)

	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w2.Code)
	}
	var got TaskResponse
	if err := json.NewDecoder(w2.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Output["steps_total"].(float64) != 1 {
		t.Fatalf("output = %+v", got.Output)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/a2a/tasks/nonexistent", http.NoBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateTaskInvalidBody(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/a2a/tasks", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateTaskMissingTask(t *testing.T) {
	r := newTestRouter()
	body := `{"skill":"orchestrate-task","input":{}}`
	req := httptest.NewRequest(http.MethodPost, "/a2a/tasks", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestTaskStatusMapping(t *testing.T) {
	tests := []struct {
		status plan.Status
		want   string
	}{
		{plan.StatusDraft, "queued"},
		{plan.StatusAwaitingApproval, "queued"},
		{plan.StatusActive, "running"},
		{plan.StatusReplanning, "running"},
		{plan.StatusCompleted, "completed"},
		{plan.StatusFailed, "failed"},
	}
	for _, tt := range tests {
		if got := taskStatus(tt.status); got != tt.want {
			t.Fatalf("taskStatus(%s) = %s, want %s", tt.status, got, tt.want)
		}
	}
}
