package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meridianhq/calsync/internal/accounts"
	"github.com/meridianhq/calsync/internal/api/respond"
	"github.com/meridianhq/calsync/internal/model"
)

// AccountsHandler is a thin HTTP transport over the account manager.
type AccountsHandler struct {
	mgr *accounts.Manager
}

func NewAccountsHandler(mgr *accounts.Manager) *AccountsHandler { return &AccountsHandler{mgr: mgr} }

// AddAccount POST /api/users/{userId}/accounts
func (h *AccountsHandler) AddAccount(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	var req struct {
		ProviderID  string         `json:"providerId"`
		Credentials model.AuthInfo `json:"credentials"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	if req.ProviderID == "" {
		respond.WriteBadRequest(w, "providerId is required")
		return
	}
	acc, err := h.mgr.AddAccount(r.Context(), userID, req.ProviderID, req.Credentials)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, acc)
}

// ListAccounts GET /api/users/{userId}/accounts
func (h *AccountsHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	accs, err := h.mgr.ListAccounts(r.Context(), userID)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"accounts": accs, "count": len(accs)})
}

// GetAccount GET /api/accounts/{accountId}
func (h *AccountsHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.mgr.GetAccount(r.Context(), mux.Vars(r)["accountId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, acc)
}

// RemoveAccount DELETE /api/accounts/{accountId}
func (h *AccountsHandler) RemoveAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.RemoveAccount(r.Context(), mux.Vars(r)["accountId"]); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetDefaultAccount POST /api/accounts/{accountId}/default
func (h *AccountsHandler) SetDefaultAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.SetDefaultAccount(r.Context(), mux.Vars(r)["accountId"]); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshCalendars POST /api/accounts/{accountId}/calendars/refresh
func (h *AccountsHandler) RefreshCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := h.mgr.RefreshAccountCalendars(r.Context(), mux.Vars(r)["accountId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"calendars": cals, "count": len(cals)})
}

// ValidateAuth POST /api/accounts/{accountId}/auth/validate
func (h *AccountsHandler) ValidateAuth(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	valid := h.mgr.ValidateAccountAuth(r.Context(), accountID)
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"accountId": accountID, "valid": valid})
}
