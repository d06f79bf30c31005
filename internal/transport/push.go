package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-labs/internal/notify"
)

// PushHandler exposes the REST surface browsers use to register for Web
// Push notifications.
type PushHandler struct {
	store *notify.SubscriptionStore
	vapid *notify.KeyManager
}

// NewPushHandler creates a PushHandler.
func NewPushHandler(store *notify.SubscriptionStore, vapid *notify.KeyManager) *PushHandler {
	return &PushHandler{store: store, vapid: vapid}
}

// RegisterRoutes mounts the push subscription endpoints.
func (h *PushHandler) RegisterRoutes(r chi.Router) {
	r.Get("/push/vapid-public-key", h.PublicKey)
	r.Post("/push/subscriptions", h.Subscribe)
	r.Delete("/push/subscriptions/{id}", h.Unsubscribe)
}

func jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// PublicKey returns the server's VAPID public key for the browser to pass to
// PushManager.subscribe.
func (h *PushHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"public_key": h.vapid.PublicKey()})
}

type subscribeRequest struct {
	Endpoint string      `json:"endpoint"`
	Keys     notify.Keys `json:"keys"`
}

// Subscribe registers a new push subscription (or replaces an existing one
// for the same endpoint) and returns its server-assigned id.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "malformed subscription payload")
		return
	}
	if req.Endpoint == "" {
		jsonError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	id, err := h.store.Add(req.Endpoint, req.Keys)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to persist subscription")
		return
	}
	jsonResponse(w, http.StatusCreated, map[string]string{"id": id})
}

// Unsubscribe removes a push subscription by its server-assigned id.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Remove(id); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to remove subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
