package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/calsync/internal/accounts"
	"github.com/meridianhq/calsync/internal/credvault"
	"github.com/meridianhq/calsync/internal/events"
	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/offline"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/provider/providertest"
	"github.com/meridianhq/calsync/internal/ratelimit"
	"github.com/meridianhq/calsync/internal/store/sqlite"
	"github.com/meridianhq/calsync/internal/validator"
)

type fixture struct {
	engine   *Engine
	store    *sqlite.SqliteStore
	manager  *accounts.Manager
	fake     *providertest.Fake
	bus      *events.Bus
	limiters *ratelimit.Scheduler
	conn     *model.SyncConnection
	acc      *model.CalendarAccount
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
	bus := events.NewBus(128)
	logger := zerolog.Nop()

	mgr := accounts.NewManager(s, v, reg, bus, logger)
	limiters := ratelimit.NewScheduler(reg, time.Second, logger)
	queue := offline.New(s, logger)
	eng := New(s, s, mgr, reg, limiters, queue, validator.NewDefault(), bus, Config{}, logger)

	ctx := context.Background()
	acc, err := mgr.AddAccount(ctx, "u1", "fake", model.AuthInfo{Type: model.AuthOAuth2, AccessToken: "tok", RefreshToken: "ref"})
	require.NoError(t, err)
	conn, err := mgr.CreateConnection(ctx, acc.ID, model.SyncSettings{})
	require.NoError(t, err)

	return &fixture{engine: eng, store: s, manager: mgr, fake: fake, bus: bus, limiters: limiters, conn: conn, acc: acc}
}

func remoteEvent(externalID, title string, updated time.Time) model.CalendarEvent {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	return model.CalendarEvent{
		ExternalID: externalID,
		CalendarID: "cal-1",
		Title:      title,
		StartTime:  start,
		EndTime:    start.Add(time.Hour),
		UpdatedAt:  updated,
	}
}

func (f *fixture) scriptRemote(evs ...model.CalendarEvent) {
	f.fake.PerformSyncFn = func(provider.SyncRequest) (provider.SyncOutput, error) {
		return provider.SyncOutput{Events: evs, NextSyncToken: "tok-1"}, nil
	}
}

// Initial sync with three remote events imports all three, creates three
// mappings, and detects zero conflicts. A second unchanged sync is a no-op.
// A third sync where one remote title changed updates exactly that event
// without a conflict.
func TestSyncScenarioThreeRemoteEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)

	evs := []model.CalendarEvent{
		remoteEvent("ext-1", "One", base),
		remoteEvent("ext-2", "Two", base),
		remoteEvent("ext-3", "Three", base),
	}
	f.scriptRemote(evs...)

	res, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.EventsImported)
	assert.Empty(t, res.Conflicts)

	ms, err := f.store.Mappings().List(ctx, f.conn.ID)
	require.NoError(t, err)
	require.Len(t, ms, 3)
	seen := map[string]bool{}
	for _, m := range ms {
		assert.False(t, seen[m.ExternalEventID], "no duplicate external mapping")
		seen[m.ExternalEventID] = true
	}

	res, err = f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Zero(t, res.EventsImported)
	assert.Zero(t, res.EventsExported)
	assert.Zero(t, res.EventsUpdated)
	assert.Zero(t, res.EventsDeleted)

	evs[1].Title = "Two renamed"
	evs[1].UpdatedAt = time.Now()
	f.scriptRemote(evs...)

	res, err = f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsUpdated)
	assert.Empty(t, res.Conflicts)

	m, err := f.store.Mappings().GetByExternal(ctx, f.conn.ID, "ext-2")
	require.NoError(t, err)
	assert.Equal(t, evs[1].SyncHash(), m.SyncHash)
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	proceed := make(chan struct{})
	f.fake.PerformSyncFn = func(provider.SyncRequest) (provider.SyncOutput, error) {
		close(started)
		<-proceed
		return provider.SyncOutput{}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.engine.Sync(ctx, f.conn.ID)
	}()
	<-started

	_, err := f.engine.Sync(ctx, f.conn.ID)
	assert.ErrorIs(t, err, model.ErrSyncInProgress)

	close(proceed)
	wg.Wait()

	_, err = f.engine.Sync(ctx, f.conn.ID)
	assert.NoError(t, err, "slot released after the first run")
}

func TestSyncValidationGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := remoteEvent("ext-bad", "", time.Now().Add(-time.Hour))
	good := remoteEvent("ext-good", "Fine", time.Now().Add(-time.Hour))
	f.scriptRemote(bad, good)

	res, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsImported)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, model.CodeValidationError, res.Errors[0].Code)
	assert.False(t, res.Errors[0].CanRetry)
	assert.False(t, res.Success)

	locals, err := f.store.ListLocalEvents(ctx, f.conn.ID)
	require.NoError(t, err)
	require.Len(t, locals, 1, "invalid event never becomes a local event")
	assert.Equal(t, "Fine", locals[0].Title)
}

func TestSyncExportsUnmappedLocalEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	localID, err := f.store.CreateLocalEvent(ctx, &model.CalendarEvent{
		Title:     "Locally created",
		StartTime: time.Now().Add(24 * time.Hour),
		EndTime:   time.Now().Add(25 * time.Hour),
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	res, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsExported)
	require.Len(t, f.fake.Created, 1)

	m, err := f.store.Mappings().GetByLocal(ctx, f.conn.ID, localID)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ExternalEventID)
}

func TestSyncModifiedBothDefaultsToKeepRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)

	f.scriptRemote(remoteEvent("ext-1", "Original", base))
	_, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)

	m, err := f.store.Mappings().GetByExternal(ctx, f.conn.ID, "ext-1")
	require.NoError(t, err)

	// Both sides change after the mapping's last sync.
	local, err := f.store.GetLocalEvent(ctx, m.LocalEventID)
	require.NoError(t, err)
	local.Title = "Local edit"
	local.UpdatedAt = time.Now()
	require.NoError(t, f.store.UpdateLocalEventData(ctx, m.LocalEventID, local))

	remote := remoteEvent("ext-1", "Remote edit", time.Now())
	f.scriptRemote(remote)

	res, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, model.ConflictModifiedBoth, res.Conflicts[0].Type)
	assert.True(t, res.Conflicts[0].IsResolved)
	assert.Equal(t, model.StrategyKeepRemote, res.Conflicts[0].Resolution)

	got, err := f.store.GetLocalEvent(ctx, m.LocalEventID)
	require.NoError(t, err)
	assert.Equal(t, "Remote edit", got.Title)
}

func TestSyncManualResolutionPersistsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)

	settings := f.conn.Settings
	settings.ConflictStrategy = model.StrategyManualResolution
	_, err := f.manager.UpdateConnectionSettings(ctx, f.conn.ID, settings)
	require.NoError(t, err)

	f.scriptRemote(remoteEvent("ext-1", "Original", base))
	_, err = f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)

	m, err := f.store.Mappings().GetByExternal(ctx, f.conn.ID, "ext-1")
	require.NoError(t, err)
	local, err := f.store.GetLocalEvent(ctx, m.LocalEventID)
	require.NoError(t, err)
	local.Title = "Local edit"
	local.UpdatedAt = time.Now()
	require.NoError(t, f.store.UpdateLocalEventData(ctx, m.LocalEventID, local))
	f.scriptRemote(remoteEvent("ext-1", "Remote edit", time.Now()))

	res, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.False(t, res.Conflicts[0].IsResolved)

	open, err := f.store.Conflicts().ListUnresolved(ctx, f.conn.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Neither side applied.
	got, err := f.store.GetLocalEvent(ctx, m.LocalEventID)
	require.NoError(t, err)
	assert.Equal(t, "Local edit", got.Title)

	// Explicit resolution closes it.
	resolved, err := f.engine.ResolveConflict(ctx, open[0].ID, model.StrategyKeepLocal)
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)
	require.Len(t, f.fake.Updated, 1)
	assert.Equal(t, "Local edit", f.fake.Updated[0].Title)

	open, err = f.store.Conflicts().ListUnresolved(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSyncAuthRetryThenInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fake.PerformSyncFn = func(provider.SyncRequest) (provider.SyncOutput, error) {
		return provider.SyncOutput{}, model.NewSyncError(model.CodeAuthenticationFailed, "token rejected")
	}

	res, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 2, f.fake.SyncCalls, "exactly one retry after refresh")
	assert.Equal(t, 1, f.fake.RefreshCalls, "refresh attempted even though the token has no recorded expiry")

	conn, err := f.store.Connections().Get(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AuthStatusInvalid, conn.AuthStatus)

	_, err = f.engine.Sync(ctx, f.conn.ID)
	require.Error(t, err, "invalid connections stop syncing until re-auth")
	assert.Equal(t, model.CodeAuthenticationFailed, model.CodeOf(err))
}

func TestSyncTransientExportFailureQueuesOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fake.CreateFn = func(string, model.CalendarEvent) (string, error) {
		return "", model.NewSyncError(model.CodeNetworkError, "provider unreachable")
	}
	_, err := f.store.CreateLocalEvent(ctx, &model.CalendarEvent{
		Title:     "Offline creation",
		StartTime: time.Now().Add(time.Hour),
		EndTime:   time.Now().Add(2 * time.Hour),
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	res, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Zero(t, res.EventsExported)
	assert.True(t, res.Success, "queued operations are not sync errors")

	n, err := f.store.Queue().Count(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Connectivity restored: the next cycle drains the queue.
	f.fake.CreateFn = nil
	res, err = f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsExported)

	n, err = f.store.Queue().Count(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncRemoteDeletionPropagates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)

	f.scriptRemote(remoteEvent("ext-1", "Doomed", base))
	_, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	m, err := f.store.Mappings().GetByExternal(ctx, f.conn.ID, "ext-1")
	require.NoError(t, err)

	f.fake.PerformSyncFn = func(provider.SyncRequest) (provider.SyncOutput, error) {
		return provider.SyncOutput{DeletedIDs: []string{"ext-1"}}, nil
	}
	res, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsDeleted)

	_, err = f.store.GetLocalEvent(ctx, m.LocalEventID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.store.Mappings().GetByExternal(ctx, f.conn.ID, "ext-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSyncAllContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	second, err := f.manager.CreateConnection(ctx, f.acc.ID, model.SyncSettings{})
	require.NoError(t, err)
	_ = second

	calls := 0
	var mu sync.Mutex
	f.fake.PerformSyncFn = func(provider.SyncRequest) (provider.SyncOutput, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return provider.SyncOutput{}, errors.New("boom")
		}
		return provider.SyncOutput{}, nil
	}

	results, err := f.engine.SyncAll(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	successes := 0
	for _, r := range results {
		if r.Success {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "one failed result, batch not aborted")
}

func TestSyncPersistsResultAndMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.scriptRemote(remoteEvent("ext-1", "One", time.Now().Add(-time.Hour)))

	_, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)

	conn, err := f.store.Connections().Get(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", conn.SyncToken)
	require.NotNil(t, conn.LastSyncTime)
	require.NotNil(t, conn.NextSyncTime)
	assert.True(t, conn.NextSyncTime.After(*conn.LastSyncTime))
	assert.Equal(t, model.HealthOK, conn.HealthStatus)

	history, err := f.store.Results().List(ctx, f.conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].EventsImported)
}

// A locally deleted event whose remote copy is unchanged is the one-sided
// change; the deletion propagates to the provider and the mapping is
// dropped.
func TestSyncLocalDeletionPropagatesToProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)

	ev := remoteEvent("ext-1", "Doomed", base)
	f.scriptRemote(ev)
	_, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	m, err := f.store.Mappings().GetByExternal(ctx, f.conn.ID, "ext-1")
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteLocalEvent(ctx, m.LocalEventID))

	// Remote still serves the unchanged event.
	f.scriptRemote(ev)
	res, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.EventsDeleted)
	assert.Equal(t, []string{"ext-1"}, f.fake.Deleted)

	_, err = f.store.Mappings().GetByExternal(ctx, f.conn.ID, "ext-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// Import-only connections never write outward; a local deletion is instead
// overwritten by the provider's unchanged copy.
func TestSyncLocalDeletionImportOnlyRestores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)

	settings := f.conn.Settings
	settings.Direction = model.DirectionImportOnly
	_, err := f.manager.UpdateConnectionSettings(ctx, f.conn.ID, settings)
	require.NoError(t, err)

	ev := remoteEvent("ext-1", "Keeper", base)
	f.scriptRemote(ev)
	_, err = f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	m, err := f.store.Mappings().GetByExternal(ctx, f.conn.ID, "ext-1")
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteLocalEvent(ctx, m.LocalEventID))

	f.scriptRemote(ev)
	res, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsImported)
	assert.Empty(t, f.fake.Deleted)

	restored, err := f.store.GetLocalEvent(ctx, m.LocalEventID)
	require.NoError(t, err)
	assert.Equal(t, "Keeper", restored.Title)
}

// A provider-reported 429 forces the limiter exhausted until the advertised
// Retry-After, so the next sync is rejected before any provider call.
func TestSyncProviderRateLimitExhaustsLimiter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.Caps.RateLimits = []provider.RateLimitSpec{
		{Type: "requests_per_minute", Limit: 100, Window: time.Minute},
	}

	retryAt := time.Now().Add(90 * time.Second)
	f.fake.PerformSyncFn = func(provider.SyncRequest) (provider.SyncOutput, error) {
		se := model.NewSyncError(model.CodeRateLimitExceeded, "too many requests")
		se.RetryAfter = &retryAt
		return provider.SyncOutput{}, se
	}

	res, err := f.engine.Sync(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)

	assert.False(t, f.limiters.Limiter("fake").CanMakeRequest())

	_, err = f.engine.Sync(ctx, f.conn.ID)
	require.Error(t, err)
	assert.Equal(t, model.CodeRateLimitExceeded, model.CodeOf(err))
}
