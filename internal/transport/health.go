package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-labs/internal/session"
)

// HealthHandler reports the broker core's liveness and a shallow view of its
// session count.
type HealthHandler struct {
	mgr *session.Manager
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(mgr *session.Manager) *HealthHandler {
	return &HealthHandler{mgr: mgr}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":        "healthy",
		"session_count": len(h.mgr.ListSessions()),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
