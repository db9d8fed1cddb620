package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meridianhq/calsync/internal/api/respond"
	"github.com/meridianhq/calsync/internal/offline"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/ratelimit"
)

// StatusHandler exposes provider, rate limit and offline queue introspection.
type StatusHandler struct {
	registry *provider.Registry
	limiters *ratelimit.Scheduler
	queue    *offline.Queue
}

func NewStatusHandler(reg *provider.Registry, limiters *ratelimit.Scheduler, queue *offline.Queue) *StatusHandler {
	return &StatusHandler{registry: reg, limiters: limiters, queue: queue}
}

// ListProviders GET /api/providers
func (h *StatusHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	type providerInfo struct {
		ID           string                `json:"id"`
		Capabilities provider.Capabilities `json:"capabilities"`
	}
	var out []providerInfo
	for _, id := range h.registry.IDs() {
		a, err := h.registry.Get(id)
		if err != nil {
			continue
		}
		out = append(out, providerInfo{ID: id, Capabilities: a.Capabilities()})
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"providers": out, "count": len(out)})
}

// RateLimitStats GET /api/ratelimits
func (h *StatusHandler) RateLimitStats(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, http.StatusOK, h.limiters.Stats())
}

// QueueStats GET /api/connections/{connectionId}/queue
func (h *StatusHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	connectionID := mux.Vars(r)["connectionId"]
	n, err := h.queue.Count(r.Context(), connectionID)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"connectionId": connectionID, "pending": n})
}
