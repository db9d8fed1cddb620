// Package offline persists provider writes that failed transiently and
// replays them with exponential backoff at the start of each sync run.
package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/ratelimit"
	"github.com/meridianhq/calsync/internal/store"
)

// Queue wraps the persisted operation queue with enqueue helpers and the
// replay loop.
type Queue struct {
	ops      store.Queue
	mappings store.Mappings
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs a Queue over the store.
func New(s store.Store, logger zerolog.Logger) *Queue {
	return &Queue{
		ops:      s.Queue(),
		mappings: s.Mappings(),
		logger:   logger.With().Str("component", "offline").Logger(),
		now:      time.Now,
	}
}

// Enqueue persists a deferred write for later replay. The first attempt is
// due immediately; backoff applies only after replay failures.
func (q *Queue) Enqueue(ctx context.Context, connectionID string, opType model.OperationType,
	calendarID, localEventID, externalEventID string, event *model.CalendarEvent, cause error) (*model.QueuedOperation, error) {

	op := &model.QueuedOperation{
		ID:              uuid.New().String(),
		ConnectionID:    connectionID,
		Type:            opType,
		LocalEventID:    localEventID,
		ExternalEventID: externalEventID,
		CalendarID:      calendarID,
		Event:           event,
		RetryCount:      0,
		NextAttemptAt:   q.now().UTC(),
		CreatedAt:       q.now().UTC(),
	}
	if cause != nil {
		op.LastError = cause.Error()
	}
	if err := q.ops.Enqueue(ctx, op); err != nil {
		return nil, fmt.Errorf("enqueue %s for connection %s: %w", opType, connectionID, err)
	}
	q.logger.Info().
		Str("connectionId", connectionID).
		Str("opType", string(opType)).
		Str("localEventId", localEventID).
		Msg("operation queued for offline replay")
	return op, nil
}

// Count reports pending operations for a connection.
func (q *Queue) Count(ctx context.Context, connectionID string) (int, error) {
	return q.ops.Count(ctx, connectionID)
}

// DrainReport summarizes one replay pass.
type DrainReport struct {
	Replayed int
	Created  int
	Updated  int
	Deleted  int
	// Terminal holds operations dropped after exhausting retries or hitting
	// a non-retryable error.
	Terminal []model.SyncError
}

// Drain replays every due operation for the connection through the adapter,
// oldest first. Successful creates record the returned external ID as a new
// mapping so the rest of the sync cycle sees post-drain state. Transient
// failures reschedule with exponential backoff; exhausted or non-retryable
// operations are removed and surface as terminal errors.
func (q *Queue) Drain(ctx context.Context, conn *model.SyncConnection, ad provider.Adapter,
	auth model.AuthInfo, lim *ratelimit.Limiter) (DrainReport, error) {

	var report DrainReport
	due, err := q.ops.Due(ctx, conn.ID, q.now())
	if err != nil {
		return report, fmt.Errorf("list due operations: %w", err)
	}
	for _, op := range due {
		opErr := lim.Do(ctx, ratelimit.Options{Priority: ratelimit.PriorityNormal}, func(ctx context.Context) error {
			return q.dispatch(ctx, op, ad, auth, &report)
		})
		if opErr == nil {
			report.Replayed++
			if err := q.ops.Remove(ctx, op.ID); err != nil {
				return report, fmt.Errorf("remove replayed operation %s: %w", op.ID, err)
			}
			continue
		}
		q.retryOrDrop(ctx, conn, op, opErr, &report)
	}
	return report, nil
}

func (q *Queue) dispatch(ctx context.Context, op *model.QueuedOperation, ad provider.Adapter,
	auth model.AuthInfo, report *DrainReport) error {

	switch op.Type {
	case model.OpCreate:
		if op.Event == nil {
			return model.NewSyncError(model.CodeValidationError, "queued create has no event payload")
		}
		// An op replayed after a mapping write failure already carries the
		// external ID; creating again would duplicate the remote event.
		if op.ExternalEventID == "" {
			externalID, err := ad.CreateEvent(ctx, auth, op.CalendarID, *op.Event)
			if err != nil {
				return err
			}
			op.ExternalEventID = externalID
			if err := q.ops.Update(ctx, op); err != nil {
				q.logger.Error().Err(err).Str("opId", op.ID).Msg("failed to record created external id")
			}
			report.Created++
		}
		return q.mappings.Upsert(ctx, &model.EventMapping{
			ConnectionID:    op.ConnectionID,
			LocalEventID:    op.LocalEventID,
			ExternalEventID: op.ExternalEventID,
			CalendarID:      op.CalendarID,
			LastSyncTime:    q.now().UTC(),
			SyncHash:        op.Event.SyncHash(),
			ConflictStatus:  model.ConflictNone,
		})
	case model.OpUpdate:
		if op.Event == nil {
			return model.NewSyncError(model.CodeValidationError, "queued update has no event payload")
		}
		if err := ad.UpdateEvent(ctx, auth, op.CalendarID, op.ExternalEventID, *op.Event); err != nil {
			return err
		}
		report.Updated++
		return q.mappings.Upsert(ctx, &model.EventMapping{
			ConnectionID:    op.ConnectionID,
			LocalEventID:    op.LocalEventID,
			ExternalEventID: op.ExternalEventID,
			CalendarID:      op.CalendarID,
			LastSyncTime:    q.now().UTC(),
			SyncHash:        op.Event.SyncHash(),
			ConflictStatus:  model.ConflictNone,
		})
	case model.OpDelete:
		if err := ad.DeleteEvent(ctx, auth, op.CalendarID, op.ExternalEventID); err != nil {
			return err
		}
		report.Deleted++
		if op.LocalEventID != "" {
			if err := q.mappings.Delete(ctx, op.ConnectionID, op.LocalEventID); err != nil && !errors.Is(err, model.ErrNotFound) {
				return err
			}
		}
		return nil
	default:
		return model.NewSyncError(model.CodeValidationError, fmt.Sprintf("unknown queued operation type %q", op.Type))
	}
}

func (q *Queue) retryOrDrop(ctx context.Context, conn *model.SyncConnection,
	op *model.QueuedOperation, opErr error, report *DrainReport) {

	maxRetries := conn.Settings.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if model.IsRetryable(opErr) && op.RetryCount+1 <= maxRetries {
		op.RetryCount++
		op.NextAttemptAt = q.now().UTC().Add(model.BackoffDelay(op.RetryCount))
		op.LastError = opErr.Error()
		if err := q.ops.Update(ctx, op); err != nil {
			q.logger.Error().Err(err).Str("opId", op.ID).Msg("failed to reschedule queued operation")
		}
		q.logger.Info().
			Str("opId", op.ID).
			Int("retryCount", op.RetryCount).
			Time("nextAttemptAt", op.NextAttemptAt).
			Msg("queued operation rescheduled after transient failure")
		return
	}

	se := model.WrapSyncError(model.CodeOf(opErr), opErr)
	se.EventID = op.LocalEventID
	se.CanRetry = false
	report.Terminal = append(report.Terminal, *se)
	if err := q.ops.Remove(ctx, op.ID); err != nil {
		q.logger.Error().Err(err).Str("opId", op.ID).Msg("failed to remove terminal queued operation")
	}
	q.logger.Warn().
		Str("opId", op.ID).
		Str("opType", string(op.Type)).
		Int("retryCount", op.RetryCount).
		Err(opErr).
		Msg("queued operation dropped as terminal")
}
