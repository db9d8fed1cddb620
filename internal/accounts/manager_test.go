package accounts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/calsync/internal/credvault"
	"github.com/meridianhq/calsync/internal/events"
	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/provider/providertest"
	"github.com/meridianhq/calsync/internal/store"
	"github.com/meridianhq/calsync/internal/store/sqlite"
)

type fixture struct {
	manager *Manager
	store   store.Store
	vault   credvault.Vault
	fake    *providertest.Fake
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := sqlite.New(filepath.Join(dir, "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	keyHex, err := credvault.GenerateKeyHex()
	require.NoError(t, err)
	v, err := credvault.Open(filepath.Join(dir, "vault.db"), keyHex)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	fake := providertest.New("fake")
	reg := provider.NewRegistry()
	reg.Register(fake)
	bus := events.NewBus(16)

	return &fixture{
		manager: NewManager(s, v, reg, bus, zerolog.Nop()),
		store:   s,
		vault:   v,
		fake:    fake,
		bus:     bus,
	}
}

func oauthCreds() model.AuthInfo {
	return model.AuthInfo{Type: model.AuthOAuth2, AccessToken: "tok", RefreshToken: "ref"}
}

func TestAddAccountPersistsAndStoresCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acc, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.NoError(t, err)
	assert.True(t, acc.IsDefault, "first account for provider is default")
	assert.True(t, acc.IsActive)
	require.Len(t, acc.Calendars, 1)
	assert.True(t, acc.Calendars[0].SyncEnabled, "primary calendar syncs by default")

	auth, err := f.vault.Retrieve(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok", auth.AccessToken)

	second, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.NoError(t, err)
	assert.False(t, second.IsDefault)
}

func TestAddAccountAuthFailureIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AuthenticateFn = func(model.AuthInfo) (provider.AuthResult, error) {
		return provider.AuthResult{}, errors.New("bad credentials")
	}

	_, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.Error(t, err)
	assert.Equal(t, model.CodeAuthenticationFailed, model.CodeOf(err))

	accs, err := f.store.Accounts().List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, accs)

	select {
	case evt := <-f.bus.Subscribe():
		assert.Equal(t, events.KindAccountError, evt.Kind)
	default:
		t.Fatal("expected an account error event")
	}
}

func TestAddAccountDiscoveryFailureUnwindsCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.DiscoverFn = func(model.AuthInfo) ([]model.CalendarInfo, error) {
		return nil, errors.New("discovery timeout")
	}

	_, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.Error(t, err)

	accs, err := f.store.Accounts().List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, accs, "account must not be persisted on discovery failure")
}

func TestRemoveAccountRevokesAndRepromotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.NoError(t, err)
	second, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.NoError(t, err)

	require.NoError(t, f.manager.RemoveAccount(ctx, first.ID))
	assert.Equal(t, 1, f.fake.RevokeCalls)

	_, err = f.vault.Retrieve(first.ID)
	assert.Error(t, err)

	promoted, err := f.store.Accounts().Get(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, promoted.IsDefault, "remaining account is re-promoted to default")
}

func TestRemoveAccountUnknownID(t *testing.T) {
	f := newFixture(t)
	err := f.manager.RemoveAccount(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRemoveAccountCascadesConnections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acc, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.NoError(t, err)
	conn, err := f.manager.CreateConnection(ctx, acc.ID, model.SyncSettings{})
	require.NoError(t, err)
	require.NoError(t, f.store.Mappings().Upsert(ctx, &model.EventMapping{
		ConnectionID: conn.ID, LocalEventID: "l1", ExternalEventID: "e1",
		CalendarID: "cal-1", LastSyncTime: time.Now(),
	}))

	require.NoError(t, f.manager.RemoveAccount(ctx, acc.ID))

	_, err = f.store.Connections().Get(ctx, conn.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	ms, err := f.store.Mappings().List(ctx, conn.ID)
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestRefreshAccountCalendarsPreservesUserFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acc, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.NoError(t, err)

	// User disables sync on the primary calendar.
	acc.Calendars[0].SyncEnabled = false
	acc.Calendars[0].IsVisible = false
	require.NoError(t, f.store.Accounts().Update(ctx, acc))

	f.fake.DiscoverFn = func(model.AuthInfo) ([]model.CalendarInfo, error) {
		return []model.CalendarInfo{
			{ID: "cal-1", Name: "Primary", IsWritable: true, IsPrimary: true},
			{ID: "cal-2", Name: "Team"},
		}, nil
	}

	merged, err := f.manager.RefreshAccountCalendars(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.False(t, merged[0].SyncEnabled, "user choice preserved")
	assert.False(t, merged[0].IsVisible)
	assert.False(t, merged[1].SyncEnabled, "new calendar defaults to disabled")
	assert.True(t, merged[1].IsVisible)
}

func TestValidateAccountAuthNeverErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acc, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.NoError(t, err)
	conn, err := f.manager.CreateConnection(ctx, acc.ID, model.SyncSettings{})
	require.NoError(t, err)

	assert.True(t, f.manager.ValidateAccountAuth(ctx, acc.ID))
	got, err := f.store.Connections().Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AuthStatusValid, got.AuthStatus)

	f.fake.CheckAuthFn = func(model.AuthInfo) error { return errors.New("revoked") }
	assert.False(t, f.manager.ValidateAccountAuth(ctx, acc.ID))
	got, err = f.store.Connections().Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AuthStatusInvalid, got.AuthStatus)

	assert.False(t, f.manager.ValidateAccountAuth(ctx, "unknown-account"))
}

func TestRefreshAccountAuthOnlyNearExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	farOut := time.Now().Add(time.Hour)
	creds := oauthCreds()
	creds.ExpiresAt = &farOut
	acc, err := f.manager.AddAccount(ctx, "u1", "fake", creds)
	require.NoError(t, err)

	require.NoError(t, f.manager.RefreshAccountAuth(ctx, acc.ID, false))
	assert.Zero(t, f.fake.RefreshCalls, "token far from expiry is not refreshed")

	soon := time.Now().Add(2 * time.Minute)
	auth, err := f.vault.Retrieve(acc.ID)
	require.NoError(t, err)
	auth.ExpiresAt = &soon
	require.NoError(t, f.vault.Store(acc.ID, auth))

	require.NoError(t, f.manager.RefreshAccountAuth(ctx, acc.ID, false))
	assert.Equal(t, 1, f.fake.RefreshCalls)

	refreshed, err := f.vault.Retrieve(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-refreshed", refreshed.AccessToken)
}

// A provider can reject a token the vault still considers fresh; the forced
// path refreshes anyway so the retry carries a genuinely new token.
func TestRefreshAccountAuthForcedIgnoresExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	farOut := time.Now().Add(time.Hour)
	creds := oauthCreds()
	creds.ExpiresAt = &farOut
	acc, err := f.manager.AddAccount(ctx, "u1", "fake", creds)
	require.NoError(t, err)

	require.NoError(t, f.manager.RefreshAccountAuth(ctx, acc.ID, true))
	assert.Equal(t, 1, f.fake.RefreshCalls)

	refreshed, err := f.vault.Retrieve(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-refreshed", refreshed.AccessToken)
}

func TestSetDefaultAccountFlipsWithinProviderGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.NoError(t, err)
	second, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.NoError(t, err)

	require.NoError(t, f.manager.SetDefaultAccount(ctx, second.ID))

	a, err := f.store.Accounts().Get(ctx, first.ID)
	require.NoError(t, err)
	b, err := f.store.Accounts().Get(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, a.IsDefault)
	assert.True(t, b.IsDefault)
}

func TestConnectionSettingsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acc, err := f.manager.AddAccount(ctx, "u1", "fake", oauthCreds())
	require.NoError(t, err)
	conn, err := f.manager.CreateConnection(ctx, acc.ID, model.SyncSettings{})
	require.NoError(t, err)
	assert.Equal(t, model.DirectionBidirectional, conn.Settings.Direction, "zero settings default")
	require.NotNil(t, conn.NextSyncTime, "first sync due immediately")

	settings := conn.Settings
	settings.Direction = model.DirectionImportOnly
	settings.ConflictStrategy = model.StrategyManualResolution
	updated, err := f.manager.UpdateConnectionSettings(ctx, conn.ID, settings)
	require.NoError(t, err)
	assert.Equal(t, model.DirectionImportOnly, updated.Settings.Direction)

	conns, err := f.manager.ListConnections(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, conns, 1)

	require.NoError(t, f.manager.RemoveConnection(ctx, conn.ID))
	_, err = f.manager.GetConnection(ctx, conn.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
