// Package accounts manages the lifecycle of provider accounts and sync
// connections: authentication, calendar discovery, credential custody, and
// default-account bookkeeping.
package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/meridianhq/calsync/internal/credvault"
	"github.com/meridianhq/calsync/internal/events"
	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/store"
)

// refreshWindow is how close to expiry tokens are proactively refreshed.
const refreshWindow = 5 * time.Minute

// Manager owns account and connection lifecycle. Credentials live only in
// the vault; the relational store never sees token material.
type Manager struct {
	store    store.Store
	vault    credvault.Vault
	registry *provider.Registry
	bus      *events.Bus
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager wires the account manager.
func NewManager(s store.Store, v credvault.Vault, reg *provider.Registry, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    s,
		vault:    v,
		registry: reg,
		bus:      bus,
		logger:   logger.With().Str("component", "accounts").Logger(),
		now:      time.Now,
	}
}

// AddAccount authenticates against the provider, discovers calendars, and
// persists the account. All-or-nothing: any failure leaves no account and no
// stored credential behind. The first account for a (user, provider) pair
// becomes the default.
func (m *Manager) AddAccount(ctx context.Context, userID, providerID string, credentials model.AuthInfo) (*model.CalendarAccount, error) {
	ad, err := m.registry.Get(providerID)
	if err != nil {
		return nil, err
	}

	res, err := ad.Authenticate(ctx, credentials)
	if err != nil {
		m.publishAccountError(userID, "", "authentication failed: "+err.Error())
		return nil, model.WrapSyncError(model.CodeAuthenticationFailed, err)
	}
	if !res.Success {
		m.publishAccountError(userID, "", "authentication rejected by provider "+providerID)
		return nil, model.NewSyncError(model.CodeAuthenticationFailed, "provider rejected credentials")
	}

	cals, err := ad.DiscoverCalendars(ctx, res.Auth)
	if err != nil {
		return nil, model.WrapSyncError(model.CodeAPIError, errors.Wrap(err, "calendar discovery failed"))
	}
	for i := range cals {
		cals[i].IsVisible = true
		// Only the primary calendar syncs until the user opts others in.
		cals[i].SyncEnabled = cals[i].IsPrimary
	}

	accountID := uuid.New().String()
	if err := m.vault.Store(accountID, res.Auth); err != nil {
		return nil, errors.Wrap(err, "store credentials")
	}

	existing, err := m.store.Accounts().ListByProvider(ctx, userID, providerID)
	if err != nil {
		_ = m.vault.Remove(accountID)
		return nil, err
	}

	acc := &model.CalendarAccount{
		ID:          accountID,
		ProviderID:  providerID,
		UserID:      userID,
		AccountName: res.AccountName,
		Calendars:   cals,
		IsDefault:   len(existing) == 0,
		IsActive:    true,
	}
	created, err := m.store.Accounts().Create(ctx, acc)
	if err != nil {
		_ = m.vault.Remove(accountID)
		return nil, errors.Wrap(err, "persist account")
	}

	m.logger.Info().
		Str("accountId", created.ID).
		Str("provider", providerID).
		Int("calendars", len(cals)).
		Bool("isDefault", created.IsDefault).
		Msg("account added")
	return created, nil
}

// GetAccount fetches one account.
func (m *Manager) GetAccount(ctx context.Context, accountID string) (*model.CalendarAccount, error) {
	return m.store.Accounts().Get(ctx, accountID)
}

// ListAccounts returns all accounts for a user.
func (m *Manager) ListAccounts(ctx context.Context, userID string) ([]*model.CalendarAccount, error) {
	return m.store.Accounts().List(ctx, userID)
}

// RemoveAccount revokes tokens (best-effort), erases stored credentials,
// deletes the account with its connections, and re-promotes a default
// within the provider group when needed.
func (m *Manager) RemoveAccount(ctx context.Context, accountID string) error {
	acc, err := m.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return err
	}

	if ad, regErr := m.registry.Get(acc.ProviderID); regErr == nil && ad.Capabilities().SupportsRevocation {
		if auth, vErr := m.vault.Retrieve(accountID); vErr == nil {
			if rErr := ad.RevokeToken(ctx, auth); rErr != nil {
				m.logger.Warn().Err(rErr).Str("accountId", accountID).Msg("token revocation failed, continuing removal")
			}
		}
	}
	if err := m.vault.Remove(accountID); err != nil {
		m.logger.Warn().Err(err).Str("accountId", accountID).Msg("credential removal failed, continuing")
	}

	conns, err := m.store.Connections().ListByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if err := m.RemoveConnection(ctx, conn.ID); err != nil {
			return errors.Wrapf(err, "remove connection %s", conn.ID)
		}
	}
	if err := m.store.Accounts().Delete(ctx, accountID); err != nil {
		return err
	}

	if acc.IsDefault {
		if err := m.promoteDefault(ctx, acc.UserID, acc.ProviderID); err != nil {
			return err
		}
	}
	m.logger.Info().Str("accountId", accountID).Str("provider", acc.ProviderID).Msg("account removed")
	return nil
}

func (m *Manager) promoteDefault(ctx context.Context, userID, providerID string) error {
	remaining, err := m.store.Accounts().ListByProvider(ctx, userID, providerID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return nil
	}
	return m.store.Accounts().SetDefault(ctx, userID, providerID, remaining[0].ID)
}

// SetDefaultAccount atomically flips the default flag within the account's
// provider group only.
func (m *Manager) SetDefaultAccount(ctx context.Context, accountID string) error {
	acc, err := m.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return err
	}
	return m.store.Accounts().SetDefault(ctx, acc.UserID, acc.ProviderID, accountID)
}

// RefreshAccountCalendars re-runs discovery and merges the result into the
// stored calendar list, preserving user-set SyncEnabled and IsVisible on
// calendars that still exist. New calendars arrive with SyncEnabled=false.
func (m *Manager) RefreshAccountCalendars(ctx context.Context, accountID string) ([]model.CalendarInfo, error) {
	acc, err := m.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	ad, err := m.registry.Get(acc.ProviderID)
	if err != nil {
		return nil, err
	}
	auth, err := m.vault.Retrieve(accountID)
	if err != nil {
		return nil, errors.Wrap(err, "retrieve credentials")
	}

	discovered, err := ad.DiscoverCalendars(ctx, auth)
	if err != nil {
		return nil, model.WrapSyncError(model.CodeAPIError, errors.Wrap(err, "calendar discovery failed"))
	}

	known := make(map[string]model.CalendarInfo, len(acc.Calendars))
	for _, c := range acc.Calendars {
		known[c.ID] = c
	}
	merged := make([]model.CalendarInfo, 0, len(discovered))
	for _, c := range discovered {
		if prev, ok := known[c.ID]; ok {
			c.SyncEnabled = prev.SyncEnabled
			c.IsVisible = prev.IsVisible
		} else {
			c.SyncEnabled = false
			c.IsVisible = true
		}
		merged = append(merged, c)
	}

	acc.Calendars = merged
	if err := m.store.Accounts().Update(ctx, acc); err != nil {
		return nil, err
	}
	return merged, nil
}

// ValidateAccountAuth probes credential validity via the adapter's
// lightweight check. It never returns an error; any failure is reflected as
// false and recorded on the account's connections.
func (m *Manager) ValidateAccountAuth(ctx context.Context, accountID string) bool {
	acc, err := m.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return false
	}
	ad, err := m.registry.Get(acc.ProviderID)
	if err != nil {
		return false
	}
	auth, err := m.vault.Retrieve(accountID)
	if err != nil {
		m.recordAuthStatus(ctx, accountID, model.AuthStatusInvalid)
		return false
	}

	if err := ad.CheckAuth(ctx, auth); err != nil {
		m.publishAccountError(acc.UserID, accountID, "auth check failed: "+err.Error())
		m.recordAuthStatus(ctx, accountID, model.AuthStatusInvalid)
		return false
	}
	m.recordAuthStatus(ctx, accountID, model.AuthStatusValid)
	return true
}

func (m *Manager) recordAuthStatus(ctx context.Context, accountID string, status model.AuthStatus) {
	conns, err := m.store.Connections().ListByAccount(ctx, accountID)
	if err != nil {
		m.logger.Error().Err(err).Str("accountId", accountID).Msg("failed to load connections for auth status update")
		return
	}
	for _, conn := range conns {
		conn.AuthStatus = status
		if err := m.store.Connections().Update(ctx, conn); err != nil {
			m.logger.Error().Err(err).Str("connectionId", conn.ID).Msg("failed to record auth status")
		}
	}
}

// RefreshAccountAuth exchanges the refresh token for a new access token and
// persists it to the vault. Without force the exchange is skipped unless the
// token expires within five minutes; force is for the path where a provider
// just rejected the current token regardless of its recorded expiry.
func (m *Manager) RefreshAccountAuth(ctx context.Context, accountID string, force bool) error {
	acc, err := m.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return err
	}
	ad, err := m.registry.Get(acc.ProviderID)
	if err != nil {
		return err
	}
	auth, err := m.vault.Retrieve(accountID)
	if err != nil {
		return errors.Wrap(err, "retrieve credentials")
	}
	if !auth.SupportsRefresh() {
		return nil
	}
	if !force && !auth.ExpiresWithin(m.now(), refreshWindow) {
		return nil
	}

	refreshed, err := ad.RefreshAccessToken(ctx, auth)
	if err != nil {
		m.publishAccountError(acc.UserID, accountID, "token refresh failed: "+err.Error())
		return model.WrapSyncError(model.CodeAuthenticationFailed, err)
	}
	if err := m.vault.Store(accountID, refreshed); err != nil {
		return errors.Wrap(err, "persist refreshed credentials")
	}
	m.logger.Info().Str("accountId", accountID).Msg("access token refreshed")
	return nil
}

// Credentials exposes vault material to the sync engine.
func (m *Manager) Credentials(_ context.Context, accountID string) (model.AuthInfo, error) {
	return m.vault.Retrieve(accountID)
}

// CreateConnection persists a new sync connection for an account. Settings
// default when zero-valued; the first sync is due immediately.
func (m *Manager) CreateConnection(ctx context.Context, accountID string, settings model.SyncSettings) (*model.SyncConnection, error) {
	acc, err := m.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if settings.Direction == "" {
		settings = model.DefaultSyncSettings()
	}
	now := m.now().UTC()
	conn := &model.SyncConnection{
		ID:           uuid.New().String(),
		AccountID:    acc.ID,
		ProviderID:   acc.ProviderID,
		UserID:       acc.UserID,
		Settings:     settings,
		AuthStatus:   model.AuthStatusUnchecked,
		HealthStatus: model.HealthOK,
		NextSyncTime: &now,
	}
	return m.store.Connections().Create(ctx, conn)
}

// GetConnection fetches one connection.
func (m *Manager) GetConnection(ctx context.Context, connectionID string) (*model.SyncConnection, error) {
	return m.store.Connections().Get(ctx, connectionID)
}

// ListConnections returns all connections for a user.
func (m *Manager) ListConnections(ctx context.Context, userID string) ([]*model.SyncConnection, error) {
	return m.store.Connections().List(ctx, userID)
}

// UpdateConnectionSettings replaces the connection's sync policy.
func (m *Manager) UpdateConnectionSettings(ctx context.Context, connectionID string, settings model.SyncSettings) (*model.SyncConnection, error) {
	conn, err := m.store.Connections().Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	conn.Settings = settings
	if err := m.store.Connections().Update(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// RemoveConnection deletes the connection and cascades its mappings, queued
// operations, and conflicts.
func (m *Manager) RemoveConnection(ctx context.Context, connectionID string) error {
	if _, err := m.store.Connections().Get(ctx, connectionID); err != nil {
		return err
	}
	if err := m.store.Mappings().DeleteByConnection(ctx, connectionID); err != nil {
		return fmt.Errorf("cascade mappings: %w", err)
	}
	if err := m.store.Queue().DeleteByConnection(ctx, connectionID); err != nil {
		return fmt.Errorf("cascade queue: %w", err)
	}
	if err := m.store.Conflicts().DeleteByConnection(ctx, connectionID); err != nil {
		return fmt.Errorf("cascade conflicts: %w", err)
	}
	return m.store.Connections().Delete(ctx, connectionID)
}

func (m *Manager) publishAccountError(userID, accountID, msg string) {
	m.bus.Publish(events.Event{
		Kind:      events.KindAccountError,
		UserID:    userID,
		AccountID: accountID,
		Message:   msg,
	})
}
