// Package api exposes the service's HTTP surface: account and connection
// management, sync triggers, conflict resolution and introspection endpoints.
// Handlers are thin transports over the injected collaborators.
package api

import (
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/meridianhq/calsync/internal/accounts"
	"github.com/meridianhq/calsync/internal/api/recovery"
	"github.com/meridianhq/calsync/internal/engine"
	"github.com/meridianhq/calsync/internal/offline"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/ratelimit"
	"github.com/meridianhq/calsync/internal/store"
)

// Deps bundles the collaborators the router wires into handlers.
type Deps struct {
	Store    store.Store
	Manager  *accounts.Manager
	Engine   *engine.Engine
	Registry *provider.Registry
	Limiters *ratelimit.Scheduler
	Queue    *offline.Queue
	Logger   zerolog.Logger
}

// NewRouter builds the mux router with all API routes.
func NewRouter(d Deps) *mux.Router {
	root := mux.NewRouter()
	root.Use(recovery.Middleware(d.Logger))

	// Accounts
	acct := NewAccountsHandler(d.Manager)
	root.HandleFunc("/api/users/{userId}/accounts", acct.AddAccount).Methods("POST")
	root.HandleFunc("/api/users/{userId}/accounts", acct.ListAccounts).Methods("GET")
	root.HandleFunc("/api/accounts/{accountId}", acct.GetAccount).Methods("GET")
	root.HandleFunc("/api/accounts/{accountId}", acct.RemoveAccount).Methods("DELETE")
	root.HandleFunc("/api/accounts/{accountId}/default", acct.SetDefaultAccount).Methods("POST")
	root.HandleFunc("/api/accounts/{accountId}/calendars/refresh", acct.RefreshCalendars).Methods("POST")
	root.HandleFunc("/api/accounts/{accountId}/auth/validate", acct.ValidateAuth).Methods("POST")

	// Connections
	conn := NewConnectionsHandler(d.Manager, d.Store)
	root.HandleFunc("/api/accounts/{accountId}/connections", conn.CreateConnection).Methods("POST")
	root.HandleFunc("/api/users/{userId}/connections", conn.ListConnections).Methods("GET")
	root.HandleFunc("/api/connections/{connectionId}", conn.GetConnection).Methods("GET")
	root.HandleFunc("/api/connections/{connectionId}", conn.RemoveConnection).Methods("DELETE")
	root.HandleFunc("/api/connections/{connectionId}/settings", conn.UpdateSettings).Methods("PUT")
	root.HandleFunc("/api/connections/{connectionId}/results", conn.ListResults).Methods("GET")

	// Sync
	sync := NewSyncHandler(d.Engine)
	root.HandleFunc("/api/connections/{connectionId}/sync", sync.TriggerSync).Methods("POST")
	root.HandleFunc("/api/users/{userId}/sync", sync.SyncAll).Methods("POST")

	// Conflicts
	conf := NewConflictsHandler(d.Engine, d.Store)
	root.HandleFunc("/api/connections/{connectionId}/conflicts", conf.ListConflicts).Methods("GET")
	root.HandleFunc("/api/conflicts/{conflictId}", conf.GetConflict).Methods("GET")
	root.HandleFunc("/api/conflicts/{conflictId}/resolve", conf.ResolveConflict).Methods("POST")

	// Introspection
	status := NewStatusHandler(d.Registry, d.Limiters, d.Queue)
	root.HandleFunc("/api/providers", status.ListProviders).Methods("GET")
	root.HandleFunc("/api/ratelimits", status.RateLimitStats).Methods("GET")
	root.HandleFunc("/api/connections/{connectionId}/queue", status.QueueStats).Methods("GET")

	// Health
	health := NewHealthHandler()
	root.HandleFunc("/api/health", health.CheckHealth).Methods("GET")

	return root
}
