package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meridianhq/calsync/internal/api/respond"
	"github.com/meridianhq/calsync/internal/engine"
	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/store"
)

// ConflictsHandler lists open conflicts and applies manual resolutions.
type ConflictsHandler struct {
	engine *engine.Engine
	store  store.Store
}

func NewConflictsHandler(eng *engine.Engine, s store.Store) *ConflictsHandler {
	return &ConflictsHandler{engine: eng, store: s}
}

// ListConflicts GET /api/connections/{connectionId}/conflicts?unresolved=1
func (h *ConflictsHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	connectionID := mux.Vars(r)["connectionId"]
	var (
		conflicts []*model.SyncConflict
		err       error
	)
	if r.URL.Query().Get("unresolved") == "1" {
		conflicts, err = h.store.Conflicts().ListUnresolved(r.Context(), connectionID)
	} else {
		conflicts, err = h.store.Conflicts().List(r.Context(), connectionID)
	}
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts, "count": len(conflicts)})
}

// GetConflict GET /api/conflicts/{conflictId}
func (h *ConflictsHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Conflicts().Get(r.Context(), mux.Vars(r)["conflictId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, c)
}

// ResolveConflict POST /api/conflicts/{conflictId}/resolve
func (h *ConflictsHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy model.ConflictStrategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	switch req.Strategy {
	case model.StrategyKeepLocal, model.StrategyKeepRemote, model.StrategyMerge, model.StrategyCreateBoth:
	default:
		respond.WriteBadRequest(w, "unknown resolution strategy")
		return
	}
	resolved, err := h.engine.ResolveConflict(r.Context(), mux.Vars(r)["conflictId"], req.Strategy)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, resolved)
}
