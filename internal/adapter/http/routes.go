package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. Read-only
// routes stay open; mutating routes go through the API-key middleware when
// one is configured.
func MountRoutes(r chi.Router, h *Handlers) {
	if h.Hub != nil {
		r.Get("/ws", h.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})
		r.Get("/health", h.Health)

		r.Get("/sessions/{id}", h.GetSession)
		r.Get("/sessions/{id}/approvals", h.ListApprovals)

		r.Group(func(r chi.Router) {
			if h.Auth != nil {
				r.Use(h.Auth)
			}
			r.Post("/sessions", h.CreateSession)
			r.Post("/sessions/{id}/advance", h.AdvanceSession)
			r.Post("/sessions/{id}/plan/approve", h.ApprovePlan)
			r.Post("/sessions/{id}/approvals/{requestID}", h.ResolveApproval)
			r.Post("/sessions/{id}/cancel", h.CancelSession)
			r.Delete("/sessions/{id}", h.DeleteSession)
		})
	})
}
