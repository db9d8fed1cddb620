package store

import (
	"context"
	"time"

	"github.com/meridianhq/calsync/internal/model"
)

// Store exposes persistence operations required by the account manager and
// sync engine. Implementations live under internal/store/<driver>/
// (e.g., sqlite, postgres).
type Store interface {
	Accounts() Accounts
	Connections() Connections
	Mappings() Mappings
	Queue() Queue
	Conflicts() Conflicts
	Results() Results
}

type Accounts interface {
	Create(ctx context.Context, a *model.CalendarAccount) (*model.CalendarAccount, error)
	Get(ctx context.Context, accountID string) (*model.CalendarAccount, error)
	List(ctx context.Context, userID string) ([]*model.CalendarAccount, error)
	ListByProvider(ctx context.Context, userID, providerID string) ([]*model.CalendarAccount, error)
	Update(ctx context.Context, a *model.CalendarAccount) error
	// SetDefault atomically makes accountID the sole default within its
	// (user, provider) group.
	SetDefault(ctx context.Context, userID, providerID, accountID string) error
	Delete(ctx context.Context, accountID string) error
}

type Connections interface {
	Create(ctx context.Context, c *model.SyncConnection) (*model.SyncConnection, error)
	Get(ctx context.Context, connectionID string) (*model.SyncConnection, error)
	List(ctx context.Context, userID string) ([]*model.SyncConnection, error)
	ListByAccount(ctx context.Context, accountID string) ([]*model.SyncConnection, error)
	// ListDue returns active connections whose NextSyncTime is at or before
	// now; used by the periodic scheduler.
	ListDue(ctx context.Context, now time.Time) ([]*model.SyncConnection, error)
	Update(ctx context.Context, c *model.SyncConnection) error
	Delete(ctx context.Context, connectionID string) error
}

type Mappings interface {
	// Upsert inserts or updates a mapping. Violating per-connection
	// uniqueness of LocalEventID or ExternalEventID yields model.ErrConflict.
	Upsert(ctx context.Context, m *model.EventMapping) error
	GetByLocal(ctx context.Context, connectionID, localEventID string) (*model.EventMapping, error)
	GetByExternal(ctx context.Context, connectionID, externalEventID string) (*model.EventMapping, error)
	List(ctx context.Context, connectionID string) ([]*model.EventMapping, error)
	Delete(ctx context.Context, connectionID, localEventID string) error
	DeleteByConnection(ctx context.Context, connectionID string) error
}

type Queue interface {
	Enqueue(ctx context.Context, op *model.QueuedOperation) error
	// Due returns queued operations for the connection whose NextAttemptAt
	// is at or before now, oldest first.
	Due(ctx context.Context, connectionID string, now time.Time) ([]*model.QueuedOperation, error)
	Update(ctx context.Context, op *model.QueuedOperation) error
	Remove(ctx context.Context, opID string) error
	Count(ctx context.Context, connectionID string) (int, error)
	DeleteByConnection(ctx context.Context, connectionID string) error
}

type Conflicts interface {
	Upsert(ctx context.Context, c *model.SyncConflict) error
	Get(ctx context.Context, conflictID string) (*model.SyncConflict, error)
	List(ctx context.Context, connectionID string) ([]*model.SyncConflict, error)
	ListUnresolved(ctx context.Context, connectionID string) ([]*model.SyncConflict, error)
	DeleteByConnection(ctx context.Context, connectionID string) error
}

type Results interface {
	Insert(ctx context.Context, r *model.SyncResult) error
	List(ctx context.Context, connectionID string, limit int) ([]*model.SyncResult, error)
}

// LocalCalendar is the local event storage collaborator the engine consumes.
// The sqlite adapter ships a default implementation so the service runs end
// to end, but any embedding application may supply its own.
type LocalCalendar interface {
	CreateLocalEvent(ctx context.Context, event *model.CalendarEvent) (string, error)
	GetLocalEvent(ctx context.Context, localEventID string) (*model.CalendarEvent, error)
	UpdateLocalEventData(ctx context.Context, localEventID string, event *model.CalendarEvent) error
	DeleteLocalEvent(ctx context.Context, localEventID string) error
	// ListLocalEvents enumerates the local events considered for export on a
	// connection.
	ListLocalEvents(ctx context.Context, connectionID string) ([]*model.CalendarEvent, error)
}
