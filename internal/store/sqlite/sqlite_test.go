package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/store"
	"github.com/meridianhq/calsync/internal/store/storetest"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCompliance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestHealthPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.HealthPing(context.Background()))
}

func TestLocalCalendarRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	ev := &model.CalendarEvent{
		Title:     "dentist",
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		UpdatedAt: start,
	}
	id, err := s.CreateLocalEvent(ctx, ev)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.GetLocalEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "dentist", got.Title)
	assert.True(t, got.StartTime.Equal(start))

	got.Title = "dentist (moved)"
	got.UpdatedAt = start.Add(time.Hour)
	require.NoError(t, s.UpdateLocalEventData(ctx, id, got))

	again, err := s.GetLocalEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "dentist (moved)", again.Title)

	all, err := s.ListLocalEvents(ctx, "any-connection")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteLocalEvent(ctx, id))
	_, err = s.GetLocalEvent(ctx, id)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMappingUpsertUpdatesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	em := &model.EventMapping{
		ConnectionID:    "conn-1",
		LocalEventID:    "l1",
		ExternalEventID: "e1",
		CalendarID:      "cal",
		LastSyncTime:    now,
		SyncHash:        "h1",
		ConflictStatus:  model.ConflictNone,
	}
	require.NoError(t, s.Mappings().Upsert(ctx, em))

	em.SyncHash = "h2"
	em.LastSyncTime = now.Add(time.Minute)
	require.NoError(t, s.Mappings().Upsert(ctx, em))

	got, err := s.Mappings().GetByLocal(ctx, "conn-1", "l1")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.SyncHash)

	lst, err := s.Mappings().List(ctx, "conn-1")
	require.NoError(t, err)
	assert.Len(t, lst, 1)
}

func TestQueueBackoffFieldsSurvive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	op := &model.QueuedOperation{
		ID:            "op-1",
		ConnectionID:  "conn-1",
		Type:          model.OpUpdate,
		LocalEventID:  "l1",
		ExternalEventID: "e1",
		CalendarID:    "cal",
		RetryCount:    2,
		NextAttemptAt: now.Add(2 * time.Minute),
		LastError:     "NETWORK_ERROR: conn reset",
		CreatedAt:     now,
	}
	require.NoError(t, s.Queue().Enqueue(ctx, op))

	// Not yet due.
	due, err := s.Queue().Due(ctx, "conn-1", now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.Queue().Due(ctx, "conn-1", now.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].RetryCount)
	assert.Equal(t, "NETWORK_ERROR: conn reset", due[0].LastError)
	assert.Nil(t, due[0].Event)
}
