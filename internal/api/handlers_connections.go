package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meridianhq/calsync/internal/accounts"
	"github.com/meridianhq/calsync/internal/api/respond"
	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/store"
)

// ConnectionsHandler manages sync connection lifecycle over HTTP.
type ConnectionsHandler struct {
	mgr   *accounts.Manager
	store store.Store
}

func NewConnectionsHandler(mgr *accounts.Manager, s store.Store) *ConnectionsHandler {
	return &ConnectionsHandler{mgr: mgr, store: s}
}

// CreateConnection POST /api/accounts/{accountId}/connections
func (h *ConnectionsHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	var req struct {
		Settings model.SyncSettings `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	conn, err := h.mgr.CreateConnection(r.Context(), accountID, req.Settings)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, conn)
}

// ListConnections GET /api/users/{userId}/connections
func (h *ConnectionsHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.mgr.ListConnections(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"connections": conns, "count": len(conns)})
}

// GetConnection GET /api/connections/{connectionId}
func (h *ConnectionsHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.mgr.GetConnection(r.Context(), mux.Vars(r)["connectionId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, conn)
}

// UpdateSettings PUT /api/connections/{connectionId}/settings
func (h *ConnectionsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.SyncSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	conn, err := h.mgr.UpdateConnectionSettings(r.Context(), mux.Vars(r)["connectionId"], settings)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, conn)
}

// RemoveConnection DELETE /api/connections/{connectionId}
func (h *ConnectionsHandler) RemoveConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.RemoveConnection(r.Context(), mux.Vars(r)["connectionId"]); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListResults GET /api/connections/{connectionId}/results?limit=N
func (h *ConnectionsHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := parsePositive(raw, &limit); err != nil {
			respond.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
	}
	results, err := h.store.Results().List(r.Context(), mux.Vars(r)["connectionId"], limit)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"results": results, "count": len(results)})
}
