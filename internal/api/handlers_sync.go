package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/meridianhq/calsync/internal/api/respond"
	"github.com/meridianhq/calsync/internal/engine"
)

// SyncHandler triggers sync cycles through the engine.
type SyncHandler struct {
	engine *engine.Engine
}

func NewSyncHandler(eng *engine.Engine) *SyncHandler { return &SyncHandler{engine: eng} }

// TriggerSync POST /api/connections/{connectionId}/sync?force=1
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	connectionID := mux.Vars(r)["connectionId"]
	force := r.URL.Query().Get("force") == "1" || r.URL.Query().Get("force") == "true"

	var (
		result interface{}
		err    error
	)
	if force {
		result, err = h.engine.ForceSync(r.Context(), connectionID)
	} else {
		result, err = h.engine.Sync(r.Context(), connectionID)
	}
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, result)
}

// SyncAll POST /api/users/{userId}/sync
func (h *SyncHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.engine.SyncAll(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"results": results, "count": len(results)})
}

// parsePositive parses raw into *out, rejecting zero and negatives.
func parsePositive(raw string, out *int) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	*out = n
	return n, nil
}
