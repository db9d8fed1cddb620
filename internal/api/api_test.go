package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/calsync/internal/accounts"
	"github.com/meridianhq/calsync/internal/credvault"
	"github.com/meridianhq/calsync/internal/engine"
	"github.com/meridianhq/calsync/internal/events"
	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/offline"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/provider/providertest"
	"github.com/meridianhq/calsync/internal/ratelimit"
	"github.com/meridianhq/calsync/internal/store/sqlite"
	"github.com/meridianhq/calsync/internal/validator"
)

type apiFixture struct {
	srv  *httptest.Server
	fake *providertest.Fake
}

func newAPIFixture(t *testing.T) *apiFixture {
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
	eng := engine.New(s, s, mgr, reg, limiters, queue, validator.NewDefault(), bus, engine.Config{}, logger)

	router := NewRouter(Deps{
		Store:    s,
		Manager:  mgr,
		Engine:   eng,
		Registry: reg,
		Limiters: limiters,
		Queue:    queue,
		Logger:   logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, fake: fake}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func (f *apiFixture) addAccount(t *testing.T) model.CalendarAccount {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/users/u1/accounts", map[string]interface{}{
		"providerId": "fake",
		"credentials": map[string]string{
			"type":        "oauth2",
			"accessToken": "tok",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var acc model.CalendarAccount
	require.NoError(t, json.Unmarshal(body, &acc))
	return acc
}

func (f *apiFixture) addConnection(t *testing.T, accountID string) model.SyncConnection {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/accounts/"+accountID+"/connections",
		map[string]interface{}{"settings": map[string]interface{}{}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var conn model.SyncConnection
	require.NoError(t, json.Unmarshal(body, &conn))
	return conn
}

func TestAccountLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	acc := f.addAccount(t)
	assert.Equal(t, "fake", acc.ProviderID)
	assert.True(t, acc.IsDefault)

	resp, body := f.do(t, http.MethodGet, "/api/users/u1/accounts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)

	resp, _ = f.do(t, http.MethodGet, "/api/accounts/"+acc.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/accounts/"+acc.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/accounts/"+acc.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddAccountRejectsMissingProvider(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/users/u1/accounts", map[string]interface{}{
		"credentials": map[string]string{"accessToken": "tok"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddAccountAuthFailureIsUnauthorized(t *testing.T) {
	f := newAPIFixture(t)
	f.fake.AuthenticateFn = func(model.AuthInfo) (provider.AuthResult, error) {
		return provider.AuthResult{}, model.NewSyncError(model.CodeAuthenticationFailed, "bad token")
	}
	resp, _ := f.do(t, http.MethodPost, "/api/users/u1/accounts", map[string]interface{}{
		"providerId":  "fake",
		"credentials": map[string]string{"accessToken": "nope"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectionSettingsRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	acc := f.addAccount(t)
	conn := f.addConnection(t, acc.ID)
	assert.Equal(t, model.DirectionBidirectional, conn.Settings.Direction)

	settings := conn.Settings
	settings.Direction = model.DirectionImportOnly
	resp, body := f.do(t, http.MethodPut, "/api/connections/"+conn.ID+"/settings", settings)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated model.SyncConnection
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, model.DirectionImportOnly, updated.Settings.Direction)
}

func TestTriggerSyncReturnsResult(t *testing.T) {
	f := newAPIFixture(t)
	acc := f.addAccount(t)
	conn := f.addConnection(t, acc.ID)

	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	f.fake.PerformSyncFn = func(provider.SyncRequest) (provider.SyncOutput, error) {
		return provider.SyncOutput{Events: []model.CalendarEvent{{
			ExternalID: "ext-1",
			CalendarID: "cal-1",
			Title:      "Remote",
			StartTime:  start,
			EndTime:    start.Add(time.Hour),
			UpdatedAt:  time.Now().Add(-time.Hour),
		}}}, nil
	}

	resp, body := f.do(t, http.MethodPost, "/api/connections/"+conn.ID+"/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res model.SyncResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.EventsImported)

	resp, body = f.do(t, http.MethodGet, "/api/connections/"+conn.ID+"/results", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &hist))
	assert.Equal(t, 1, hist.Count)
}

func TestTriggerSyncUnknownConnectionIs404(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/connections/nope/sync", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveConflictRejectsUnknownStrategy(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/conflicts/c1/resolve",
		map[string]string{"strategy": "coin_flip"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProvidersAndRateLimitEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/providers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var provs struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &provs))
	assert.Equal(t, 1, provs.Count)

	resp, _ = f.do(t, http.MethodGet, "/api/ratelimits", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQueueStatsEmpty(t *testing.T) {
	f := newAPIFixture(t)
	acc := f.addAccount(t)
	conn := f.addConnection(t, acc.ID)

	resp, body := f.do(t, http.MethodGet, fmt.Sprintf("/api/connections/%s/queue", conn.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats struct {
		Pending int `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Zero(t, stats.Pending)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	BindServiceHealth(func() bool { return true })
	t.Cleanup(func() { BindServiceHealth(func() bool { return false }) })

	resp, body := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"healthy"`)
}
