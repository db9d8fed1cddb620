// Package storetest exercises a compliance suite against a store.Store
// implementation. Adapters call Run from their own tests with a clean,
// isolated store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/store"
)

// Run exercises a minimal compliance suite against a store.Store implementation.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	s := makeStore(t)
	ctx := context.Background()

	userID := "u-" + uuid.New().String()

	// Accounts
	acc := &model.CalendarAccount{
		ID:          uuid.New().String(),
		ProviderID:  "google",
		UserID:      userID,
		AccountName: "primary@example.test",
		Calendars:   []model.CalendarInfo{{ID: "cal-1", Name: "Primary", IsWritable: true, SyncEnabled: true, IsVisible: true}},
		IsDefault:   true,
		IsActive:    true,
	}
	if _, err := s.Accounts().Create(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	got, err := s.Accounts().Get(ctx, acc.ID)
	if err != nil || got.AccountName != acc.AccountName || len(got.Calendars) != 1 {
		t.Fatalf("GetAccount: got=%+v err=%v", got, err)
	}
	if lst, err := s.Accounts().ListByProvider(ctx, userID, "google"); err != nil || len(lst) != 1 {
		t.Fatalf("ListByProvider: n=%d err=%v", len(lst), err)
	}
	if _, err := s.Accounts().Get(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("GetAccount missing: want ErrNotFound, got %v", err)
	}

	// Default flag flip within the provider group
	acc2 := &model.CalendarAccount{ID: uuid.New().String(), ProviderID: "google", UserID: userID, AccountName: "second@example.test", IsActive: true}
	if _, err := s.Accounts().Create(ctx, acc2); err != nil {
		t.Fatalf("CreateAccount 2: %v", err)
	}
	if err := s.Accounts().SetDefault(ctx, userID, "google", acc2.ID); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	one, _ := s.Accounts().Get(ctx, acc.ID)
	two, _ := s.Accounts().Get(ctx, acc2.ID)
	if one.IsDefault || !two.IsDefault {
		t.Fatalf("SetDefault: flags not flipped (one=%v two=%v)", one.IsDefault, two.IsDefault)
	}

	// Connections
	conn := &model.SyncConnection{
		ID:         uuid.New().String(),
		AccountID:  acc.ID,
		ProviderID: "google",
		UserID:     userID,
		Settings:   model.DefaultSyncSettings(),
		AuthStatus: model.AuthStatusValid,
	}
	if _, err := s.Connections().Create(ctx, conn); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	due := time.Now().UTC().Add(-time.Minute)
	conn.NextSyncTime = &due
	if err := s.Connections().Update(ctx, conn); err != nil {
		t.Fatalf("UpdateConnection: %v", err)
	}
	if lst, err := s.Connections().ListDue(ctx, time.Now().UTC()); err != nil || len(lst) != 1 {
		t.Fatalf("ListDue: n=%d err=%v", len(lst), err)
	}

	// Mappings: round trip + injectivity on ExternalEventID
	now := time.Now().UTC().Truncate(time.Second)
	em := &model.EventMapping{
		ConnectionID:    conn.ID,
		LocalEventID:    "local-1",
		ExternalEventID: "ext-1",
		CalendarID:      "cal-1",
		LastSyncTime:    now,
		SyncHash:        "h1",
		ConflictStatus:  model.ConflictNone,
	}
	if err := s.Mappings().Upsert(ctx, em); err != nil {
		t.Fatalf("UpsertMapping: %v", err)
	}
	if got, err := s.Mappings().GetByExternal(ctx, conn.ID, "ext-1"); err != nil || got.LocalEventID != "local-1" {
		t.Fatalf("GetByExternal: got=%+v err=%v", got, err)
	}
	dup := &model.EventMapping{ConnectionID: conn.ID, LocalEventID: "local-2", ExternalEventID: "ext-1", CalendarID: "cal-1", LastSyncTime: now}
	if err := s.Mappings().Upsert(ctx, dup); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("UpsertMapping duplicate external: want ErrConflict, got %v", err)
	}

	// Queue
	op := &model.QueuedOperation{
		ID:           uuid.New().String(),
		ConnectionID: conn.ID,
		Type:         model.OpCreate,
		LocalEventID: "local-1",
		CalendarID:   "cal-1",
		Event:        &model.CalendarEvent{ID: "local-1", Title: "queued", StartTime: now, EndTime: now.Add(time.Hour)},
		NextAttemptAt: now.Add(-time.Minute),
		CreatedAt:    now,
	}
	if err := s.Queue().Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	dueOps, err := s.Queue().Due(ctx, conn.ID, time.Now().UTC())
	if err != nil || len(dueOps) != 1 || dueOps[0].Event == nil || dueOps[0].Event.Title != "queued" {
		t.Fatalf("QueueDue: ops=%+v err=%v", dueOps, err)
	}
	if n, err := s.Queue().Count(ctx, conn.ID); err != nil || n != 1 {
		t.Fatalf("QueueCount: n=%d err=%v", n, err)
	}
	if err := s.Queue().Remove(ctx, op.ID); err != nil {
		t.Fatalf("QueueRemove: %v", err)
	}

	// Conflicts
	sc := &model.SyncConflict{
		ID:           uuid.New().String(),
		ConnectionID: conn.ID,
		EventID:      "local-1",
		Type:         model.ConflictModifiedBoth,
		LocalEvent:   &model.CalendarEvent{ID: "local-1", Title: "local"},
		RemoteEvent:  &model.CalendarEvent{ExternalID: "ext-1", Title: "remote"},
		DetectedAt:   now,
	}
	if err := s.Conflicts().Upsert(ctx, sc); err != nil {
		t.Fatalf("UpsertConflict: %v", err)
	}
	if lst, err := s.Conflicts().ListUnresolved(ctx, conn.ID); err != nil || len(lst) != 1 {
		t.Fatalf("ListUnresolved: n=%d err=%v", len(lst), err)
	}
	resolvedAt := now.Add(time.Minute)
	sc.IsResolved = true
	sc.Resolution = model.StrategyKeepLocal
	sc.ResolvedAt = &resolvedAt
	if err := s.Conflicts().Upsert(ctx, sc); err != nil {
		t.Fatalf("UpsertConflict resolve: %v", err)
	}
	if lst, err := s.Conflicts().ListUnresolved(ctx, conn.ID); err != nil || len(lst) != 0 {
		t.Fatalf("ListUnresolved after resolve: n=%d err=%v", len(lst), err)
	}

	// Results
	res := &model.SyncResult{
		ConnectionID:   conn.ID,
		EventsImported: 3,
		Success:        true,
		StartedAt:      now,
		Duration:       1200 * time.Millisecond,
		LastSyncTime:   now,
	}
	if err := s.Results().Insert(ctx, res); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}
	if lst, err := s.Results().List(ctx, conn.ID, 10); err != nil || len(lst) != 1 || lst[0].EventsImported != 3 {
		t.Fatalf("ListResults: lst=%+v err=%v", lst, err)
	}

	// Cascade cleanup
	if err := s.Mappings().DeleteByConnection(ctx, conn.ID); err != nil {
		t.Fatalf("DeleteMappings: %v", err)
	}
	if err := s.Connections().Delete(ctx, conn.ID); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	if err := s.Accounts().Delete(ctx, acc.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if err := s.Accounts().Delete(ctx, acc.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("DeleteAccount twice: want ErrNotFound, got %v", err)
	}
}
