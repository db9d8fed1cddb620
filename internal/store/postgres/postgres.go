// Package postgres implements store.Store on PostgreSQL via the pgx stdlib
// driver. Schema migrations are expected to be applied out of band (compose
// or deploy tooling); EnsureSchema exists for development setups.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/store"
)

// Open opens a PostgreSQL connection using the pgx stdlib driver and
// verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewWithDB constructs a Postgres store backed directly by database/sql.
func NewWithDB(db *sql.DB) *PgStore { return &PgStore{db: db} }

// PgStore implements store.Store.
type PgStore struct{ db *sql.DB }

var (
	_ store.Store         = (*PgStore)(nil)
	_ store.LocalCalendar = (*PgStore)(nil)
)

func (s *PgStore) Accounts() store.Accounts       { return &accounts{db: s.db} }
func (s *PgStore) Connections() store.Connections { return &connections{db: s.db} }
func (s *PgStore) Mappings() store.Mappings       { return &mappings{db: s.db} }
func (s *PgStore) Queue() store.Queue             { return &queue{db: s.db} }
func (s *PgStore) Conflicts() store.Conflicts     { return &conflicts{db: s.db} }
func (s *PgStore) Results() store.Results         { return &results{db: s.db} }

// HealthPing implements health.HealthPinger.
func (s *PgStore) HealthPing(ctx context.Context) error { return s.db.PingContext(ctx) }

// EnsureSchema applies the DDL for development environments.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id    TEXT PRIMARY KEY,
    provider_id   TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    account_name  TEXT NOT NULL,
    calendars     JSONB NOT NULL DEFAULT '[]',
    is_default    BOOLEAN NOT NULL DEFAULT FALSE,
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts (user_id, provider_id);
CREATE TABLE IF NOT EXISTS connections (
    connection_id  TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL REFERENCES accounts (account_id) ON DELETE CASCADE,
    provider_id    TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    settings       JSONB NOT NULL,
    auth_status    TEXT NOT NULL DEFAULT 'unchecked',
    health_status  TEXT NOT NULL DEFAULT 'ok',
    sync_token     TEXT NOT NULL DEFAULT '',
    last_sync_time TIMESTAMPTZ,
    next_sync_time TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_user ON connections (user_id);
CREATE INDEX IF NOT EXISTS idx_connections_due ON connections (next_sync_time);
CREATE TABLE IF NOT EXISTS event_mappings (
    connection_id     TEXT NOT NULL REFERENCES connections (connection_id) ON DELETE CASCADE,
    local_event_id    TEXT NOT NULL,
    external_event_id TEXT NOT NULL,
    calendar_id       TEXT NOT NULL,
    last_sync_time    TIMESTAMPTZ NOT NULL,
    sync_hash         TEXT NOT NULL,
    conflict_status   TEXT NOT NULL DEFAULT 'none',
    PRIMARY KEY (connection_id, local_event_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_external
    ON event_mappings (connection_id, external_event_id);
CREATE TABLE IF NOT EXISTS queued_operations (
    op_id             TEXT PRIMARY KEY,
    connection_id     TEXT NOT NULL REFERENCES connections (connection_id) ON DELETE CASCADE,
    op_type           TEXT NOT NULL,
    local_event_id    TEXT NOT NULL DEFAULT '',
    external_event_id TEXT NOT NULL DEFAULT '',
    calendar_id       TEXT NOT NULL DEFAULT '',
    payload           JSONB,
    retry_count       INTEGER NOT NULL DEFAULT 0,
    next_attempt_at   TIMESTAMPTZ NOT NULL,
    last_error        TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_due ON queued_operations (connection_id, next_attempt_at);
CREATE TABLE IF NOT EXISTS sync_conflicts (
    conflict_id   TEXT PRIMARY KEY,
    connection_id TEXT NOT NULL REFERENCES connections (connection_id) ON DELETE CASCADE,
    event_id      TEXT NOT NULL,
    conflict_type TEXT NOT NULL,
    local_event   JSONB,
    remote_event  JSONB,
    options       JSONB NOT NULL DEFAULT '[]',
    is_resolved   BOOLEAN NOT NULL DEFAULT FALSE,
    resolution    TEXT NOT NULL DEFAULT '',
    detected_at   TIMESTAMPTZ NOT NULL,
    resolved_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_conflicts_connection ON sync_conflicts (connection_id, is_resolved);
CREATE TABLE IF NOT EXISTS sync_results (
    connection_id   TEXT NOT NULL,
    started_at      TIMESTAMPTZ NOT NULL,
    duration_ms     BIGINT NOT NULL,
    imported        INTEGER NOT NULL,
    exported        INTEGER NOT NULL,
    updated         INTEGER NOT NULL,
    deleted         INTEGER NOT NULL,
    success         BOOLEAN NOT NULL,
    conflicts       JSONB NOT NULL DEFAULT '[]',
    errors          JSONB NOT NULL DEFAULT '[]',
    last_sync_time  TIMESTAMPTZ NOT NULL,
    next_sync_time  TIMESTAMPTZ,
    PRIMARY KEY (connection_id, started_at)
);
CREATE TABLE IF NOT EXISTS local_events (
    local_event_id TEXT PRIMARY KEY,
    payload        JSONB NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
)`

// --- Accounts ---

type accounts struct{ db *sql.DB }

func (a *accounts) Create(ctx context.Context, acc *model.CalendarAccount) (*model.CalendarAccount, error) {
	now := time.Now().UTC()
	acc.CreatedAt, acc.UpdatedAt = now, now
	cals, err := json.Marshal(acc.Calendars)
	if err != nil {
		return nil, err
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id, provider_id, user_id, account_name, calendars, is_default, is_active, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		acc.ID, acc.ProviderID, acc.UserID, acc.AccountName, cals, acc.IsDefault, acc.IsActive, now, now)
	if err != nil {
		return nil, err
	}
	return acc, nil
}

const accountColumns = `account_id, provider_id, user_id, account_name, calendars, is_default, is_active, created_at, updated_at`

func (a *accounts) Get(ctx context.Context, accountID string) (*model.CalendarAccount, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`, accountID)
	return scanAccount(row)
}

func (a *accounts) List(ctx context.Context, userID string) ([]*model.CalendarAccount, error) {
	return a.query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (a *accounts) ListByProvider(ctx context.Context, userID, providerID string) ([]*model.CalendarAccount, error) {
	return a.query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 AND provider_id = $2 ORDER BY created_at`, userID, providerID)
}

func (a *accounts) query(ctx context.Context, q string, args ...any) ([]*model.CalendarAccount, error) {
	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.CalendarAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (a *accounts) Update(ctx context.Context, acc *model.CalendarAccount) error {
	acc.UpdatedAt = time.Now().UTC()
	cals, err := json.Marshal(acc.Calendars)
	if err != nil {
		return err
	}
	res, err := a.db.ExecContext(ctx,
		`UPDATE accounts SET account_name = $1, calendars = $2, is_default = $3, is_active = $4, updated_at = $5
		 WHERE account_id = $6`,
		acc.AccountName, cals, acc.IsDefault, acc.IsActive, acc.UpdatedAt, acc.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (a *accounts) SetDefault(ctx context.Context, userID, providerID, accountID string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET is_default = FALSE WHERE user_id = $1 AND provider_id = $2`, userID, providerID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET is_default = TRUE WHERE account_id = $1 AND user_id = $2 AND provider_id = $3`,
		accountID, userID, providerID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *accounts) Delete(ctx context.Context, accountID string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = $1`, accountID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanAccount(row rowScanner) (*model.CalendarAccount, error) {
	var acc model.CalendarAccount
	var cals []byte
	err := row.Scan(&acc.ID, &acc.ProviderID, &acc.UserID, &acc.AccountName, &cals,
		&acc.IsDefault, &acc.IsActive, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cals, &acc.Calendars); err != nil {
		return nil, fmt.Errorf("decode calendars: %w", err)
	}
	return &acc, nil
}

// --- Connections ---

type connections struct{ db *sql.DB }

const connectionColumns = `connection_id, account_id, provider_id, user_id, settings, auth_status, health_status, sync_token, last_sync_time, next_sync_time, created_at, updated_at`

func (c *connections) Create(ctx context.Context, conn *model.SyncConnection) (*model.SyncConnection, error) {
	now := time.Now().UTC()
	conn.CreatedAt, conn.UpdatedAt = now, now
	settings, err := json.Marshal(conn.Settings)
	if err != nil {
		return nil, err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO connections (connection_id, account_id, provider_id, user_id, settings, auth_status, health_status, sync_token, last_sync_time, next_sync_time, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		conn.ID, conn.AccountID, conn.ProviderID, conn.UserID, settings,
		conn.AuthStatus, conn.HealthStatus, conn.SyncToken, conn.LastSyncTime, conn.NextSyncTime, now, now)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *connections) Get(ctx context.Context, connectionID string) (*model.SyncConnection, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE connection_id = $1`, connectionID)
	return scanConnection(row)
}

func (c *connections) List(ctx context.Context, userID string) ([]*model.SyncConnection, error) {
	return c.query(ctx, `SELECT `+connectionColumns+` FROM connections WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (c *connections) ListByAccount(ctx context.Context, accountID string) ([]*model.SyncConnection, error) {
	return c.query(ctx, `SELECT `+connectionColumns+` FROM connections WHERE account_id = $1 ORDER BY created_at`, accountID)
}

func (c *connections) ListDue(ctx context.Context, now time.Time) ([]*model.SyncConnection, error) {
	return c.query(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE auth_status != 'invalid' AND next_sync_time IS NOT NULL AND next_sync_time <= $1
		 ORDER BY next_sync_time`, now.UTC())
}

func (c *connections) query(ctx context.Context, q string, args ...any) ([]*model.SyncConnection, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.SyncConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

func (c *connections) Update(ctx context.Context, conn *model.SyncConnection) error {
	conn.UpdatedAt = time.Now().UTC()
	settings, err := json.Marshal(conn.Settings)
	if err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE connections SET settings = $1, auth_status = $2, health_status = $3, sync_token = $4, last_sync_time = $5, next_sync_time = $6, updated_at = $7
		 WHERE connection_id = $8`,
		settings, conn.AuthStatus, conn.HealthStatus, conn.SyncToken,
		conn.LastSyncTime, conn.NextSyncTime, conn.UpdatedAt, conn.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (c *connections) Delete(ctx context.Context, connectionID string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = $1`, connectionID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanConnection(row rowScanner) (*model.SyncConnection, error) {
	var conn model.SyncConnection
	var settings []byte
	err := row.Scan(&conn.ID, &conn.AccountID, &conn.ProviderID, &conn.UserID, &settings,
		&conn.AuthStatus, &conn.HealthStatus, &conn.SyncToken,
		&conn.LastSyncTime, &conn.NextSyncTime, &conn.CreatedAt, &conn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &conn.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &conn, nil
}

// --- Mappings ---

type mappings struct{ db *sql.DB }

const mappingColumns = `connection_id, local_event_id, external_event_id, calendar_id, last_sync_time, sync_hash, conflict_status`

func (m *mappings) Upsert(ctx context.Context, em *model.EventMapping) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO event_mappings (connection_id, local_event_id, external_event_id, calendar_id, last_sync_time, sync_hash, conflict_status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (connection_id, local_event_id) DO UPDATE SET
		   external_event_id = excluded.external_event_id,
		   calendar_id = excluded.calendar_id,
		   last_sync_time = excluded.last_sync_time,
		   sync_hash = excluded.sync_hash,
		   conflict_status = excluded.conflict_status`,
		em.ConnectionID, em.LocalEventID, em.ExternalEventID, em.CalendarID,
		em.LastSyncTime.UTC(), em.SyncHash, em.ConflictStatus)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return fmt.Errorf("%w: external event %s already mapped", model.ErrConflict, em.ExternalEventID)
	}
	return err
}

func (m *mappings) GetByLocal(ctx context.Context, connectionID, localEventID string) (*model.EventMapping, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM event_mappings WHERE connection_id = $1 AND local_event_id = $2`,
		connectionID, localEventID)
	return scanMapping(row)
}

func (m *mappings) GetByExternal(ctx context.Context, connectionID, externalEventID string) (*model.EventMapping, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM event_mappings WHERE connection_id = $1 AND external_event_id = $2`,
		connectionID, externalEventID)
	return scanMapping(row)
}

func (m *mappings) List(ctx context.Context, connectionID string) ([]*model.EventMapping, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+mappingColumns+` FROM event_mappings WHERE connection_id = $1 ORDER BY local_event_id`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.EventMapping
	for rows.Next() {
		em, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, em)
	}
	return out, rows.Err()
}

func (m *mappings) Delete(ctx context.Context, connectionID, localEventID string) error {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM event_mappings WHERE connection_id = $1 AND local_event_id = $2`, connectionID, localEventID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (m *mappings) DeleteByConnection(ctx context.Context, connectionID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM event_mappings WHERE connection_id = $1`, connectionID)
	return err
}

func scanMapping(row rowScanner) (*model.EventMapping, error) {
	var em model.EventMapping
	err := row.Scan(&em.ConnectionID, &em.LocalEventID, &em.ExternalEventID, &em.CalendarID,
		&em.LastSyncTime, &em.SyncHash, &em.ConflictStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &em, nil
}

// --- Queue ---

type queue struct{ db *sql.DB }

func (q *queue) Enqueue(ctx context.Context, op *model.QueuedOperation) error {
	payload, err := json.Marshal(op.Event)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO queued_operations (op_id, connection_id, op_type, local_event_id, external_event_id, calendar_id, payload, retry_count, next_attempt_at, last_error, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		op.ID, op.ConnectionID, op.Type, op.LocalEventID, op.ExternalEventID, op.CalendarID,
		payload, op.RetryCount, op.NextAttemptAt.UTC(), op.LastError, op.CreatedAt.UTC())
	return err
}

func (q *queue) Due(ctx context.Context, connectionID string, now time.Time) ([]*model.QueuedOperation, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT op_id, connection_id, op_type, local_event_id, external_event_id, calendar_id, payload, retry_count, next_attempt_at, last_error, created_at
		 FROM queued_operations
		 WHERE connection_id = $1 AND next_attempt_at <= $2
		 ORDER BY created_at`, connectionID, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.QueuedOperation
	for rows.Next() {
		var op model.QueuedOperation
		var payload []byte
		if err := rows.Scan(&op.ID, &op.ConnectionID, &op.Type, &op.LocalEventID, &op.ExternalEventID,
			&op.CalendarID, &payload, &op.RetryCount, &op.NextAttemptAt, &op.LastError, &op.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 && string(payload) != "null" {
			var ev model.CalendarEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				return nil, fmt.Errorf("decode queued payload: %w", err)
			}
			op.Event = &ev
		}
		out = append(out, &op)
	}
	return out, rows.Err()
}

func (q *queue) Update(ctx context.Context, op *model.QueuedOperation) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queued_operations SET retry_count = $1, next_attempt_at = $2, last_error = $3, external_event_id = $4 WHERE op_id = $5`,
		op.RetryCount, op.NextAttemptAt.UTC(), op.LastError, op.ExternalEventID, op.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (q *queue) Remove(ctx context.Context, opID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queued_operations WHERE op_id = $1`, opID)
	return err
}

func (q *queue) Count(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_operations WHERE connection_id = $1`, connectionID).Scan(&n)
	return n, err
}

func (q *queue) DeleteByConnection(ctx context.Context, connectionID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queued_operations WHERE connection_id = $1`, connectionID)
	return err
}

// --- Conflicts ---

type conflicts struct{ db *sql.DB }

const conflictColumns = `conflict_id, connection_id, event_id, conflict_type, local_event, remote_event, options, is_resolved, resolution, detected_at, resolved_at`

func (c *conflicts) Upsert(ctx context.Context, sc *model.SyncConflict) error {
	local, err := json.Marshal(sc.LocalEvent)
	if err != nil {
		return err
	}
	remote, err := json.Marshal(sc.RemoteEvent)
	if err != nil {
		return err
	}
	options, err := json.Marshal(sc.ResolutionOptions)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO sync_conflicts (conflict_id, connection_id, event_id, conflict_type, local_event, remote_event, options, is_resolved, resolution, detected_at, resolved_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (conflict_id) DO UPDATE SET
		   local_event = excluded.local_event,
		   remote_event = excluded.remote_event,
		   is_resolved = excluded.is_resolved,
		   resolution = excluded.resolution,
		   resolved_at = excluded.resolved_at`,
		sc.ID, sc.ConnectionID, sc.EventID, sc.Type, local, remote, options,
		sc.IsResolved, sc.Resolution, sc.DetectedAt.UTC(), sc.ResolvedAt)
	return err
}

func (c *conflicts) Get(ctx context.Context, conflictID string) (*model.SyncConflict, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE conflict_id = $1`, conflictID)
	return scanConflict(row)
}

func (c *conflicts) List(ctx context.Context, connectionID string) ([]*model.SyncConflict, error) {
	return c.query(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE connection_id = $1 ORDER BY detected_at`, connectionID)
}

func (c *conflicts) ListUnresolved(ctx context.Context, connectionID string) ([]*model.SyncConflict, error) {
	return c.query(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE connection_id = $1 AND NOT is_resolved ORDER BY detected_at`,
		connectionID)
}

func (c *conflicts) query(ctx context.Context, q string, args ...any) ([]*model.SyncConflict, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.SyncConflict
	for rows.Next() {
		sc, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (c *conflicts) DeleteByConnection(ctx context.Context, connectionID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM sync_conflicts WHERE connection_id = $1`, connectionID)
	return err
}

func scanConflict(row rowScanner) (*model.SyncConflict, error) {
	var sc model.SyncConflict
	var local, remote, options []byte
	err := row.Scan(&sc.ID, &sc.ConnectionID, &sc.EventID, &sc.Type, &local, &remote, &options,
		&sc.IsResolved, &sc.Resolution, &sc.DetectedAt, &sc.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(local) > 0 && string(local) != "null" {
		if err := json.Unmarshal(local, &sc.LocalEvent); err != nil {
			return nil, err
		}
	}
	if len(remote) > 0 && string(remote) != "null" {
		if err := json.Unmarshal(remote, &sc.RemoteEvent); err != nil {
			return nil, err
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &sc.ResolutionOptions); err != nil {
			return nil, err
		}
	}
	return &sc, nil
}

// --- Results ---

type results struct{ db *sql.DB }

func (r *results) Insert(ctx context.Context, sr *model.SyncResult) error {
	conflictsJSON, err := json.Marshal(sr.Conflicts)
	if err != nil {
		return err
	}
	errorsJSON, err := json.Marshal(sr.Errors)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sync_results (connection_id, started_at, duration_ms, imported, exported, updated, deleted, success, conflicts, errors, last_sync_time, next_sync_time)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		sr.ConnectionID, sr.StartedAt.UTC(), sr.Duration.Milliseconds(),
		sr.EventsImported, sr.EventsExported, sr.EventsUpdated, sr.EventsDeleted,
		sr.Success, conflictsJSON, errorsJSON, sr.LastSyncTime.UTC(), sr.NextSyncTime)
	return err
}

func (r *results) List(ctx context.Context, connectionID string, limit int) ([]*model.SyncResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT connection_id, started_at, duration_ms, imported, exported, updated, deleted, success, conflicts, errors, last_sync_time, next_sync_time
		 FROM sync_results WHERE connection_id = $1 ORDER BY started_at DESC LIMIT $2`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.SyncResult
	for rows.Next() {
		var sr model.SyncResult
		var durationMS int64
		var conflictsJSON, errorsJSON []byte
		if err := rows.Scan(&sr.ConnectionID, &sr.StartedAt, &durationMS,
			&sr.EventsImported, &sr.EventsExported, &sr.EventsUpdated, &sr.EventsDeleted,
			&sr.Success, &conflictsJSON, &errorsJSON, &sr.LastSyncTime, &sr.NextSyncTime); err != nil {
			return nil, err
		}
		sr.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal(conflictsJSON, &sr.Conflicts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(errorsJSON, &sr.Errors); err != nil {
			return nil, err
		}
		out = append(out, &sr)
	}
	return out, rows.Err()
}

// --- Local events (store.LocalCalendar) ---

func (s *PgStore) CreateLocalEvent(ctx context.Context, event *model.CalendarEvent) (string, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO local_events (local_event_id, payload, updated_at) VALUES ($1,$2,$3)`,
		event.ID, payload, event.UpdatedAt.UTC())
	if err != nil {
		return "", err
	}
	return event.ID, nil
}

func (s *PgStore) GetLocalEvent(ctx context.Context, localEventID string) (*model.CalendarEvent, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM local_events WHERE local_event_id = $1`, localEventID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ev model.CalendarEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *PgStore) UpdateLocalEventData(ctx context.Context, localEventID string, event *model.CalendarEvent) error {
	event.ID = localEventID
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE local_events SET payload = $1, updated_at = $2 WHERE local_event_id = $3`,
		payload, event.UpdatedAt.UTC(), localEventID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PgStore) DeleteLocalEvent(ctx context.Context, localEventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM local_events WHERE local_event_id = $1`, localEventID)
	return err
}

// ListLocalEvents returns every local event; the shared local calendar has no
// per-connection partitioning.
func (s *PgStore) ListLocalEvents(ctx context.Context, _ string) ([]*model.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM local_events ORDER BY local_event_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.CalendarEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev model.CalendarEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
