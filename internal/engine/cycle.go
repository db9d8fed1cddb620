package engine

import (
	"context"
	"strings"

	"github.com/meridianhq/calsync/internal/conflict"
	"github.com/meridianhq/calsync/internal/events"
	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/ratelimit"
	"github.com/meridianhq/calsync/internal/validator"
)

// syncCycle carries per-run state through the pipeline phases.
type syncCycle struct {
	engine *Engine
	conn   *model.SyncConnection
	acc    *model.CalendarAccount
	ad     provider.Adapter
	auth   model.AuthInfo
	lim    *ratelimit.Limiter
	force  bool
	result *model.SyncResult

	// conflicts detected during import/export, resolved in phase 5.
	pending []*model.SyncConflict
	// conflicted local IDs are excluded from the plain export path.
	conflicted map[string]struct{}
}

// drainQueue replays due offline operations before any fresh work so the
// rest of the cycle observes post-drain mapping state.
func (c *syncCycle) drainQueue(ctx context.Context) {
	report, err := c.engine.queue.Drain(ctx, c.conn, c.ad, c.auth, c.lim)
	if err != nil {
		c.recordError(err, "")
		return
	}
	c.result.EventsExported += report.Created
	c.result.EventsUpdated += report.Updated
	c.result.EventsDeleted += report.Deleted
	c.result.Errors = append(c.result.Errors, report.Terminal...)
}

// runImport fetches remote changes and applies them locally. Incremental
// when a sync token exists and the adapter supports it, otherwise bounded
// to the configured import window.
func (c *syncCycle) runImport(ctx context.Context) {
	if !c.conn.Settings.Direction.ImportsEnabled() {
		return
	}

	req := provider.SyncRequest{CalendarIDs: c.enabledCalendarIDs()}
	if c.conn.SyncToken != "" && c.ad.Capabilities().SupportsIncremental {
		req.SyncToken = c.conn.SyncToken
	} else {
		days := c.conn.Settings.ImportWindowDays
		if days <= 0 {
			days = 30
		}
		now := c.engine.now().UTC()
		req.WindowStart = now.AddDate(0, 0, -days)
		req.WindowEnd = now.AddDate(0, 0, days)
	}

	var output provider.SyncOutput
	err := c.authRetry(ctx, func(ctx context.Context, auth model.AuthInfo) error {
		var callErr error
		output, callErr = c.ad.PerformSync(ctx, auth, req)
		return callErr
	})
	if err != nil {
		c.recordError(err, "")
		return
	}
	c.result.Errors = append(c.result.Errors, output.Errors...)
	if output.NextSyncToken != "" {
		c.conn.SyncToken = output.NextSyncToken
	}

	for _, externalID := range output.DeletedIDs {
		c.applyRemoteDeletion(ctx, externalID)
	}
	for i := range output.Events {
		c.applyRemoteEvent(ctx, &output.Events[i])
	}
}

func (c *syncCycle) applyRemoteDeletion(ctx context.Context, externalID string) {
	m, err := c.engine.store.Mappings().GetByExternal(ctx, c.conn.ID, externalID)
	if err != nil {
		// Never mapped locally; nothing to delete.
		return
	}
	local, _ := c.engine.local.GetLocalEvent(ctx, m.LocalEventID)

	det := c.engine.detector.Detect(m, local, nil)
	if det.Conflict != nil {
		c.addConflict(det.Conflict)
		return
	}
	if local != nil {
		if err := c.engine.local.DeleteLocalEvent(ctx, m.LocalEventID); err != nil {
			c.recordError(err, m.LocalEventID)
			return
		}
	}
	if err := c.engine.store.Mappings().Delete(ctx, m.ConnectionID, m.LocalEventID); err != nil {
		c.recordError(err, m.LocalEventID)
		return
	}
	c.result.EventsDeleted++
}

// applyRemoteEvent runs the validator gate, then imports the event as new
// or routes it through conflict detection when a mapping exists.
func (c *syncCycle) applyRemoteEvent(ctx context.Context, ev *model.CalendarEvent) {
	if report := c.engine.valid.ValidateEvent(ev); !report.IsValid {
		se := model.NewSyncError(model.CodeValidationError, validationMessage(report.Issues))
		se.EventID = ev.ExternalID
		se.CanRetry = false
		c.result.Errors = append(c.result.Errors, *se)
		return
	}

	m, err := c.engine.store.Mappings().GetByExternal(ctx, c.conn.ID, ev.ExternalID)
	if err != nil {
		// New remote event: import and record the mapping.
		localID, createErr := c.engine.local.CreateLocalEvent(ctx, ev)
		if createErr != nil {
			c.recordError(createErr, ev.ExternalID)
			return
		}
		if upErr := c.engine.store.Mappings().Upsert(ctx, &model.EventMapping{
			ConnectionID:    c.conn.ID,
			LocalEventID:    localID,
			ExternalEventID: ev.ExternalID,
			CalendarID:      ev.CalendarID,
			LastSyncTime:    c.engine.now().UTC(),
			SyncHash:        ev.SyncHash(),
			ConflictStatus:  model.ConflictNone,
		}); upErr != nil {
			c.recordError(upErr, localID)
			return
		}
		c.result.EventsImported++
		return
	}

	local, _ := c.engine.local.GetLocalEvent(ctx, m.LocalEventID)
	det := c.engine.detector.Detect(m, local, ev)
	if det.Conflict != nil {
		det.Conflict.Type = refineConflictType(det)
		c.addConflict(det.Conflict)
		return
	}

	// Deleted locally while the remote copy is unchanged: the local
	// deletion is the only change, so it wins and propagates outward.
	// Import-only connections mirror the provider instead.
	if local == nil {
		if c.conn.Settings.Direction.ExportsEnabled() && c.ad.Capabilities().SupportsDelete {
			c.propagateLocalDeletion(ctx, m)
		} else {
			c.restoreLocalCopy(ctx, m, ev)
		}
		return
	}

	// One-sided remote change: the remote value wins silently.
	if ev.SyncHash() == m.SyncHash {
		return
	}
	if err := c.engine.local.UpdateLocalEventData(ctx, m.LocalEventID, ev); err != nil {
		c.recordError(err, m.LocalEventID)
		return
	}
	m.SyncHash = ev.SyncHash()
	m.LastSyncTime = c.engine.now().UTC()
	if err := c.engine.store.Mappings().Upsert(ctx, m); err != nil {
		c.recordError(err, m.LocalEventID)
		return
	}
	c.result.EventsUpdated++
}

// propagateLocalDeletion deletes the remote copy and drops the mapping.
// A transient provider failure is queued for offline replay instead, and
// the mapping stays until the replay removes it.
func (c *syncCycle) propagateLocalDeletion(ctx context.Context, m *model.EventMapping) {
	callErr := c.authRetry(ctx, func(ctx context.Context, auth model.AuthInfo) error {
		return c.ad.DeleteEvent(ctx, auth, m.CalendarID, m.ExternalEventID)
	})
	if callErr != nil {
		c.deferOrFail(ctx, model.OpDelete, m.CalendarID, m.LocalEventID, m.ExternalEventID, nil, callErr)
		return
	}
	if err := c.engine.store.Mappings().Delete(ctx, m.ConnectionID, m.LocalEventID); err != nil {
		c.recordError(err, m.LocalEventID)
		return
	}
	c.result.EventsDeleted++
}

// restoreLocalCopy recreates a locally deleted event under its mapped ID
// from the unchanged remote copy.
func (c *syncCycle) restoreLocalCopy(ctx context.Context, m *model.EventMapping, ev *model.CalendarEvent) {
	restored := *ev
	restored.ID = m.LocalEventID
	if _, err := c.engine.local.CreateLocalEvent(ctx, &restored); err != nil {
		c.recordError(err, m.LocalEventID)
		return
	}
	m.SyncHash = ev.SyncHash()
	m.LastSyncTime = c.engine.now().UTC()
	if err := c.engine.store.Mappings().Upsert(ctx, m); err != nil {
		c.recordError(err, m.LocalEventID)
		return
	}
	c.result.EventsImported++
}

// refineConflictType upgrades a modified_both classification when the only
// material divergence is attendees or timezone.
func refineConflictType(det conflict.Detection) model.ConflictType {
	t := det.Conflict.Type
	if t != model.ConflictModifiedBoth {
		return t
	}
	l, r := det.Conflict.LocalEvent, det.Conflict.RemoteEvent
	if l != nil && r != nil && l.SyncHash() == r.SyncHash() {
		if det.AttendeeMismatch {
			return model.ConflictAttendeeMismatch
		}
		if det.TimezoneMismatch {
			return model.ConflictTimezoneMismatch
		}
	}
	return t
}

// runExport pushes local events to the provider: unmapped events are
// created remotely, mapped conflict-free events with hash drift are pushed
// as updates. Transient provider failures are queued for offline replay.
func (c *syncCycle) runExport(ctx context.Context) {
	if !c.conn.Settings.Direction.ExportsEnabled() || !c.ad.Capabilities().Bidirectional {
		return
	}
	calendarID := c.exportCalendarID()
	if calendarID == "" {
		return
	}

	locals, err := c.engine.local.ListLocalEvents(ctx, c.conn.ID)
	if err != nil {
		c.recordError(err, "")
		return
	}
	for _, ev := range locals {
		if _, inConflict := c.conflicted[ev.ID]; inConflict {
			continue
		}
		c.exportEvent(ctx, ev, calendarID)
	}
}

func (c *syncCycle) exportEvent(ctx context.Context, ev *model.CalendarEvent, calendarID string) {
	m, err := c.engine.store.Mappings().GetByLocal(ctx, c.conn.ID, ev.ID)
	if err != nil {
		// Unmapped local event: create remotely.
		var externalID string
		callErr := c.authRetry(ctx, func(ctx context.Context, auth model.AuthInfo) error {
			var createErr error
			externalID, createErr = c.ad.CreateEvent(ctx, auth, calendarID, *ev)
			return createErr
		})
		if callErr != nil {
			c.deferOrFail(ctx, model.OpCreate, calendarID, ev.ID, "", ev, callErr)
			return
		}
		if upErr := c.engine.store.Mappings().Upsert(ctx, &model.EventMapping{
			ConnectionID:    c.conn.ID,
			LocalEventID:    ev.ID,
			ExternalEventID: externalID,
			CalendarID:      calendarID,
			LastSyncTime:    c.engine.now().UTC(),
			SyncHash:        ev.SyncHash(),
			ConflictStatus:  model.ConflictNone,
		}); upErr != nil {
			c.recordError(upErr, ev.ID)
			return
		}
		c.result.EventsExported++
		return
	}

	if m.ConflictStatus != model.ConflictNone || ev.SyncHash() == m.SyncHash {
		return
	}
	callErr := c.authRetry(ctx, func(ctx context.Context, auth model.AuthInfo) error {
		return c.ad.UpdateEvent(ctx, auth, m.CalendarID, m.ExternalEventID, *ev)
	})
	if callErr != nil {
		c.deferOrFail(ctx, model.OpUpdate, m.CalendarID, ev.ID, m.ExternalEventID, ev, callErr)
		return
	}
	m.SyncHash = ev.SyncHash()
	m.LastSyncTime = c.engine.now().UTC()
	if err := c.engine.store.Mappings().Upsert(ctx, m); err != nil {
		c.recordError(err, ev.ID)
		return
	}
	c.result.EventsUpdated++
}

// deferOrFail queues a failed provider write for offline replay when the
// failure is transient, otherwise records it as a sync error.
func (c *syncCycle) deferOrFail(ctx context.Context, opType model.OperationType,
	calendarID, localID, externalID string, ev *model.CalendarEvent, cause error) {

	if !model.IsRetryable(cause) {
		c.recordError(cause, localID)
		return
	}
	op, err := c.engine.queue.Enqueue(ctx, c.conn.ID, opType, calendarID, localID, externalID, ev, cause)
	if err != nil {
		c.recordError(err, localID)
		return
	}
	c.engine.bus.Publish(events.Event{
		Kind:         events.KindOperationQueued,
		UserID:       c.conn.UserID,
		ConnectionID: c.conn.ID,
		OperationID:  op.ID,
		Message:      "provider write deferred: " + cause.Error(),
	})
}

// addConflict registers a detected conflict for the resolution phase and
// announces it on the bus.
func (c *syncCycle) addConflict(sc *model.SyncConflict) {
	c.pending = append(c.pending, sc)
	if c.conflicted == nil {
		c.conflicted = make(map[string]struct{})
	}
	c.conflicted[sc.EventID] = struct{}{}
	c.engine.bus.Publish(events.Event{
		Kind:         events.KindConflictDetected,
		UserID:       c.conn.UserID,
		ConnectionID: c.conn.ID,
		ConflictID:   sc.ID,
		Message:      string(sc.Type),
	})
}

// resolveConflicts applies the configured strategy to every conflict
// detected this run. Only manual_resolution conflicts survive unresolved.
func (c *syncCycle) resolveConflicts(ctx context.Context) {
	for _, sc := range c.pending {
		plan := c.engine.resolver.Resolve(sc, c.conn.Settings)
		c.executePlan(ctx, sc, plan)
		c.result.Conflicts = append(c.result.Conflicts, *sc)
	}
}

func (c *syncCycle) executePlan(ctx context.Context, sc *model.SyncConflict, plan conflict.Plan) {
	mappings := c.engine.store.Mappings()
	m, mapErr := mappings.GetByLocal(ctx, c.conn.ID, sc.EventID)

	if plan.LeaveOpen {
		if mapErr == nil {
			m.ConflictStatus = model.ConflictPending
			if err := mappings.Upsert(ctx, m); err != nil {
				c.recordError(err, sc.EventID)
			}
		}
		if err := c.engine.store.Conflicts().Upsert(ctx, sc); err != nil {
			c.recordError(err, sc.EventID)
		}
		return
	}

	ok := true
	switch {
	case plan.PushToRemote != nil:
		ok = c.applyPushToRemote(ctx, sc, plan.PushToRemote, m, mapErr)
	case plan.WriteLocal != nil:
		ok = c.applyWriteLocal(ctx, sc, plan.WriteLocal, m, mapErr)
	case plan.DuplicateLocal != nil:
		ok = c.applyDuplicate(ctx, sc, plan.DuplicateLocal, m, mapErr)
	case plan.DeleteLocal:
		ok = c.applyDeleteLocal(ctx, sc, m, mapErr)
	case plan.DeleteRemote:
		ok = c.applyDeleteRemote(ctx, sc, m, mapErr)
	}
	if !ok {
		return
	}

	now := c.engine.now().UTC()
	sc.IsResolved = true
	sc.Resolution = plan.Strategy
	sc.ResolvedAt = &now
	if err := c.engine.store.Conflicts().Upsert(ctx, sc); err != nil {
		c.recordError(err, sc.EventID)
	}
}

func (c *syncCycle) applyPushToRemote(ctx context.Context, sc *model.SyncConflict,
	ev *model.CalendarEvent, m *model.EventMapping, mapErr error) bool {

	if mapErr != nil {
		c.recordError(mapErr, sc.EventID)
		return false
	}
	var callErr error
	if sc.Type == model.ConflictDeletedRemote {
		// The remote copy is gone; recreate it.
		var externalID string
		callErr = c.authRetry(ctx, func(ctx context.Context, auth model.AuthInfo) error {
			var err error
			externalID, err = c.ad.CreateEvent(ctx, auth, m.CalendarID, *ev)
			return err
		})
		if callErr == nil {
			m.ExternalEventID = externalID
		}
	} else {
		callErr = c.authRetry(ctx, func(ctx context.Context, auth model.AuthInfo) error {
			return c.ad.UpdateEvent(ctx, auth, m.CalendarID, m.ExternalEventID, *ev)
		})
	}
	if callErr != nil {
		c.recordError(callErr, sc.EventID)
		return false
	}
	if ev != sc.LocalEvent {
		// Merged result also lands locally.
		if err := c.engine.local.UpdateLocalEventData(ctx, m.LocalEventID, ev); err != nil {
			c.recordError(err, sc.EventID)
			return false
		}
	}
	m.SyncHash = ev.SyncHash()
	m.LastSyncTime = c.engine.now().UTC()
	m.ConflictStatus = model.ConflictNone
	if err := c.engine.store.Mappings().Upsert(ctx, m); err != nil {
		c.recordError(err, sc.EventID)
		return false
	}
	c.result.EventsUpdated++
	return true
}

func (c *syncCycle) applyWriteLocal(ctx context.Context, sc *model.SyncConflict,
	ev *model.CalendarEvent, m *model.EventMapping, mapErr error) bool {

	if mapErr != nil {
		c.recordError(mapErr, sc.EventID)
		return false
	}
	if sc.LocalEvent == nil {
		// Local copy was deleted; recreate it under the mapped ID.
		restored := *ev
		restored.ID = m.LocalEventID
		if _, err := c.engine.local.CreateLocalEvent(ctx, &restored); err != nil {
			c.recordError(err, sc.EventID)
			return false
		}
	} else if err := c.engine.local.UpdateLocalEventData(ctx, m.LocalEventID, ev); err != nil {
		c.recordError(err, sc.EventID)
		return false
	}
	m.SyncHash = ev.SyncHash()
	m.LastSyncTime = c.engine.now().UTC()
	m.ConflictStatus = model.ConflictNone
	if err := c.engine.store.Mappings().Upsert(ctx, m); err != nil {
		c.recordError(err, sc.EventID)
		return false
	}
	c.result.EventsUpdated++
	return true
}

// applyDuplicate stores the remote version as a new unmanaged local event
// and repoints the existing mapping at the untouched local original with
// the remote's hash so neither side is pushed again this conflict.
func (c *syncCycle) applyDuplicate(ctx context.Context, sc *model.SyncConflict,
	dup *model.CalendarEvent, m *model.EventMapping, mapErr error) bool {

	if _, err := c.engine.local.CreateLocalEvent(ctx, dup); err != nil {
		c.recordError(err, sc.EventID)
		return false
	}
	c.result.EventsImported++
	if mapErr == nil && sc.RemoteEvent != nil {
		m.SyncHash = sc.RemoteEvent.SyncHash()
		m.LastSyncTime = c.engine.now().UTC()
		m.ConflictStatus = model.ConflictNone
		if err := c.engine.store.Mappings().Upsert(ctx, m); err != nil {
			c.recordError(err, sc.EventID)
			return false
		}
	}
	return true
}

func (c *syncCycle) applyDeleteLocal(ctx context.Context, sc *model.SyncConflict,
	m *model.EventMapping, mapErr error) bool {

	if mapErr != nil {
		c.recordError(mapErr, sc.EventID)
		return false
	}
	if sc.LocalEvent != nil {
		if err := c.engine.local.DeleteLocalEvent(ctx, m.LocalEventID); err != nil {
			c.recordError(err, sc.EventID)
			return false
		}
	}
	if err := c.engine.store.Mappings().Delete(ctx, m.ConnectionID, m.LocalEventID); err != nil {
		c.recordError(err, sc.EventID)
		return false
	}
	c.result.EventsDeleted++
	return true
}

func (c *syncCycle) applyDeleteRemote(ctx context.Context, sc *model.SyncConflict,
	m *model.EventMapping, mapErr error) bool {

	if mapErr != nil {
		c.recordError(mapErr, sc.EventID)
		return false
	}
	callErr := c.authRetry(ctx, func(ctx context.Context, auth model.AuthInfo) error {
		return c.ad.DeleteEvent(ctx, auth, m.CalendarID, m.ExternalEventID)
	})
	if callErr != nil {
		c.recordError(callErr, sc.EventID)
		return false
	}
	if err := c.engine.store.Mappings().Delete(ctx, m.ConnectionID, m.LocalEventID); err != nil {
		c.recordError(err, sc.EventID)
		return false
	}
	c.result.EventsDeleted++
	return true
}

// enabledCalendarIDs returns the account calendars the user opted into
// syncing.
func (c *syncCycle) enabledCalendarIDs() []string {
	var ids []string
	for _, cal := range c.acc.Calendars {
		if cal.SyncEnabled {
			ids = append(ids, cal.ID)
		}
	}
	return ids
}

// exportCalendarID picks the target for exported events: the primary
// writable sync-enabled calendar, else the first writable sync-enabled one.
func (c *syncCycle) exportCalendarID() string {
	first := ""
	for _, cal := range c.acc.Calendars {
		if !cal.SyncEnabled || !cal.IsWritable {
			continue
		}
		if cal.IsPrimary {
			return cal.ID
		}
		if first == "" {
			first = cal.ID
		}
	}
	return first
}

func (c *syncCycle) recordError(err error, eventID string) {
	se := model.WrapSyncError(model.CodeOf(err), err)
	se.EventID = eventID
	c.result.Errors = append(c.result.Errors, *se)
	c.engine.logger.Error().Err(err).
		Str("connectionId", c.conn.ID).
		Str("eventId", eventID).
		Msg("sync step failed")
}

func validationMessage(issues []validator.Issue) string {
	if len(issues) == 0 {
		return "event failed validation"
	}
	msgs := make([]string, 0, len(issues))
	for _, is := range issues {
		msgs = append(msgs, is.Message)
	}
	return "event failed validation: " + strings.Join(msgs, "; ")
}
