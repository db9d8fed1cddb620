// Package sqlite implements store.Store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/store"
)

//go:embed schema.sql
var ddl string

// New opens (or creates) a SQLite-backed store at path and applies the
// schema.
func New(path string) (*SqliteStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db)
}

// NewWithDB wires a store over an existing connection and applies the
// schema.
func NewWithDB(db *sql.DB) (*SqliteStore, error) {
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SqliteStore{db: db}, nil
}

// SqliteStore implements store.Store and store.LocalCalendar.
type SqliteStore struct {
	db *sql.DB
}

var _ store.Store = (*SqliteStore)(nil)
var _ store.LocalCalendar = (*SqliteStore)(nil)

func (s *SqliteStore) Accounts() store.Accounts       { return &accounts{db: s.db} }
func (s *SqliteStore) Connections() store.Connections { return &connections{db: s.db} }
func (s *SqliteStore) Mappings() store.Mappings       { return &mappings{db: s.db} }
func (s *SqliteStore) Queue() store.Queue             { return &queue{db: s.db} }
func (s *SqliteStore) Conflicts() store.Conflicts     { return &conflicts{db: s.db} }
func (s *SqliteStore) Results() store.Results         { return &results{db: s.db} }

// HealthPing implements health.HealthPinger.
func (s *SqliteStore) HealthPing(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the underlying connection.
func (s *SqliteStore) Close() error { return s.db.Close() }

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
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		acc.ID, acc.ProviderID, acc.UserID, acc.AccountName, string(cals), acc.IsDefault, acc.IsActive, now, now)
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (a *accounts) Get(ctx context.Context, accountID string) (*model.CalendarAccount, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT account_id, provider_id, user_id, account_name, calendars, is_default, is_active, created_at, updated_at
		 FROM accounts WHERE account_id = ?`, accountID)
	return scanAccount(row)
}

func (a *accounts) List(ctx context.Context, userID string) ([]*model.CalendarAccount, error) {
	return a.query(ctx, `SELECT account_id, provider_id, user_id, account_name, calendars, is_default, is_active, created_at, updated_at
		 FROM accounts WHERE user_id = ? ORDER BY created_at`, userID)
}

func (a *accounts) ListByProvider(ctx context.Context, userID, providerID string) ([]*model.CalendarAccount, error) {
	return a.query(ctx, `SELECT account_id, provider_id, user_id, account_name, calendars, is_default, is_active, created_at, updated_at
		 FROM accounts WHERE user_id = ? AND provider_id = ? ORDER BY created_at`, userID, providerID)
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
		`UPDATE accounts SET account_name = ?, calendars = ?, is_default = ?, is_active = ?, updated_at = ?
		 WHERE account_id = ?`,
		acc.AccountName, string(cals), acc.IsDefault, acc.IsActive, acc.UpdatedAt, acc.ID)
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
		`UPDATE accounts SET is_default = 0 WHERE user_id = ? AND provider_id = ?`, userID, providerID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET is_default = 1 WHERE account_id = ? AND user_id = ? AND provider_id = ?`,
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
	res, err := a.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = ?`, accountID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanAccount(row rowScanner) (*model.CalendarAccount, error) {
	var acc model.CalendarAccount
	var cals string
	err := row.Scan(&acc.ID, &acc.ProviderID, &acc.UserID, &acc.AccountName, &cals,
		&acc.IsDefault, &acc.IsActive, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cals), &acc.Calendars); err != nil {
		return nil, fmt.Errorf("decode calendars: %w", err)
	}
	return &acc, nil
}

// --- Connections ---

type connections struct{ db *sql.DB }

func (c *connections) Create(ctx context.Context, conn *model.SyncConnection) (*model.SyncConnection, error) {
	now := time.Now().UTC()
	conn.CreatedAt, conn.UpdatedAt = now, now
	settings, err := json.Marshal(conn.Settings)
	if err != nil {
		return nil, err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO connections (connection_id, account_id, provider_id, user_id, settings, auth_status, health_status, sync_token, last_sync_time, next_sync_time, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		conn.ID, conn.AccountID, conn.ProviderID, conn.UserID, string(settings),
		conn.AuthStatus, conn.HealthStatus, conn.SyncToken, conn.LastSyncTime, conn.NextSyncTime, now, now)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

const connectionColumns = `connection_id, account_id, provider_id, user_id, settings, auth_status, health_status, sync_token, last_sync_time, next_sync_time, created_at, updated_at`

func (c *connections) Get(ctx context.Context, connectionID string) (*model.SyncConnection, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE connection_id = ?`, connectionID)
	return scanConnection(row)
}

func (c *connections) List(ctx context.Context, userID string) ([]*model.SyncConnection, error) {
	return c.query(ctx, `SELECT `+connectionColumns+` FROM connections WHERE user_id = ? ORDER BY created_at`, userID)
}

func (c *connections) ListByAccount(ctx context.Context, accountID string) ([]*model.SyncConnection, error) {
	return c.query(ctx, `SELECT `+connectionColumns+` FROM connections WHERE account_id = ? ORDER BY created_at`, accountID)
}

func (c *connections) ListDue(ctx context.Context, now time.Time) ([]*model.SyncConnection, error) {
	return c.query(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE auth_status != 'invalid' AND next_sync_time IS NOT NULL AND next_sync_time <= ?
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
		`UPDATE connections SET settings = ?, auth_status = ?, health_status = ?, sync_token = ?, last_sync_time = ?, next_sync_time = ?, updated_at = ?
		 WHERE connection_id = ?`,
		string(settings), conn.AuthStatus, conn.HealthStatus, conn.SyncToken,
		conn.LastSyncTime, conn.NextSyncTime, conn.UpdatedAt, conn.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (c *connections) Delete(ctx context.Context, connectionID string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = ?`, connectionID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanConnection(row rowScanner) (*model.SyncConnection, error) {
	var conn model.SyncConnection
	var settings string
	err := row.Scan(&conn.ID, &conn.AccountID, &conn.ProviderID, &conn.UserID, &settings,
		&conn.AuthStatus, &conn.HealthStatus, &conn.SyncToken,
		&conn.LastSyncTime, &conn.NextSyncTime, &conn.CreatedAt, &conn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settings), &conn.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &conn, nil
}

// --- Mappings ---

type mappings struct{ db *sql.DB }

func (m *mappings) Upsert(ctx context.Context, em *model.EventMapping) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO event_mappings (connection_id, local_event_id, external_event_id, calendar_id, last_sync_time, sync_hash, conflict_status)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT (connection_id, local_event_id) DO UPDATE SET
		   external_event_id = excluded.external_event_id,
		   calendar_id = excluded.calendar_id,
		   last_sync_time = excluded.last_sync_time,
		   sync_hash = excluded.sync_hash,
		   conflict_status = excluded.conflict_status`,
		em.ConnectionID, em.LocalEventID, em.ExternalEventID, em.CalendarID,
		em.LastSyncTime.UTC(), em.SyncHash, em.ConflictStatus)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return fmt.Errorf("%w: external event %s already mapped", model.ErrConflict, em.ExternalEventID)
	}
	return err
}

const mappingColumns = `connection_id, local_event_id, external_event_id, calendar_id, last_sync_time, sync_hash, conflict_status`

func (m *mappings) GetByLocal(ctx context.Context, connectionID, localEventID string) (*model.EventMapping, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM event_mappings WHERE connection_id = ? AND local_event_id = ?`,
		connectionID, localEventID)
	return scanMapping(row)
}

func (m *mappings) GetByExternal(ctx context.Context, connectionID, externalEventID string) (*model.EventMapping, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM event_mappings WHERE connection_id = ? AND external_event_id = ?`,
		connectionID, externalEventID)
	return scanMapping(row)
}

func (m *mappings) List(ctx context.Context, connectionID string) ([]*model.EventMapping, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+mappingColumns+` FROM event_mappings WHERE connection_id = ? ORDER BY local_event_id`, connectionID)
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
		`DELETE FROM event_mappings WHERE connection_id = ? AND local_event_id = ?`, connectionID, localEventID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (m *mappings) DeleteByConnection(ctx context.Context, connectionID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM event_mappings WHERE connection_id = ?`, connectionID)
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
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		op.ID, op.ConnectionID, op.Type, op.LocalEventID, op.ExternalEventID, op.CalendarID,
		string(payload), op.RetryCount, op.NextAttemptAt.UTC(), op.LastError, op.CreatedAt.UTC())
	return err
}

func (q *queue) Due(ctx context.Context, connectionID string, now time.Time) ([]*model.QueuedOperation, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT op_id, connection_id, op_type, local_event_id, external_event_id, calendar_id, payload, retry_count, next_attempt_at, last_error, created_at
		 FROM queued_operations
		 WHERE connection_id = ? AND next_attempt_at <= ?
		 ORDER BY created_at`, connectionID, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.QueuedOperation
	for rows.Next() {
		var op model.QueuedOperation
		var payload sql.NullString
		if err := rows.Scan(&op.ID, &op.ConnectionID, &op.Type, &op.LocalEventID, &op.ExternalEventID,
			&op.CalendarID, &payload, &op.RetryCount, &op.NextAttemptAt, &op.LastError, &op.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "null" {
			var ev model.CalendarEvent
			if err := json.Unmarshal([]byte(payload.String), &ev); err != nil {
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
		`UPDATE queued_operations SET retry_count = ?, next_attempt_at = ?, last_error = ?, external_event_id = ? WHERE op_id = ?`,
		op.RetryCount, op.NextAttemptAt.UTC(), op.LastError, op.ExternalEventID, op.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (q *queue) Remove(ctx context.Context, opID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queued_operations WHERE op_id = ?`, opID)
	return err
}

func (q *queue) Count(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_operations WHERE connection_id = ?`, connectionID).Scan(&n)
	return n, err
}

func (q *queue) DeleteByConnection(ctx context.Context, connectionID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queued_operations WHERE connection_id = ?`, connectionID)
	return err
}

// --- Conflicts ---

type conflicts struct{ db *sql.DB }

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
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (conflict_id) DO UPDATE SET
		   local_event = excluded.local_event,
		   remote_event = excluded.remote_event,
		   is_resolved = excluded.is_resolved,
		   resolution = excluded.resolution,
		   resolved_at = excluded.resolved_at`,
		sc.ID, sc.ConnectionID, sc.EventID, sc.Type, string(local), string(remote), string(options),
		sc.IsResolved, sc.Resolution, sc.DetectedAt.UTC(), sc.ResolvedAt)
	return err
}

const conflictColumns = `conflict_id, connection_id, event_id, conflict_type, local_event, remote_event, options, is_resolved, resolution, detected_at, resolved_at`

func (c *conflicts) Get(ctx context.Context, conflictID string) (*model.SyncConflict, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE conflict_id = ?`, conflictID)
	return scanConflict(row)
}

func (c *conflicts) List(ctx context.Context, connectionID string) ([]*model.SyncConflict, error) {
	return c.query(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE connection_id = ? ORDER BY detected_at`, connectionID)
}

func (c *conflicts) ListUnresolved(ctx context.Context, connectionID string) ([]*model.SyncConflict, error) {
	return c.query(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE connection_id = ? AND is_resolved = 0 ORDER BY detected_at`,
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
	_, err := c.db.ExecContext(ctx, `DELETE FROM sync_conflicts WHERE connection_id = ?`, connectionID)
	return err
}

func scanConflict(row rowScanner) (*model.SyncConflict, error) {
	var sc model.SyncConflict
	var local, remote, options sql.NullString
	err := row.Scan(&sc.ID, &sc.ConnectionID, &sc.EventID, &sc.Type, &local, &remote, &options,
		&sc.IsResolved, &sc.Resolution, &sc.DetectedAt, &sc.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if local.Valid && local.String != "null" {
		if err := json.Unmarshal([]byte(local.String), &sc.LocalEvent); err != nil {
			return nil, err
		}
	}
	if remote.Valid && remote.String != "null" {
		if err := json.Unmarshal([]byte(remote.String), &sc.RemoteEvent); err != nil {
			return nil, err
		}
	}
	if options.Valid {
		if err := json.Unmarshal([]byte(options.String), &sc.ResolutionOptions); err != nil {
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
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		sr.ConnectionID, sr.StartedAt.UTC(), sr.Duration.Milliseconds(),
		sr.EventsImported, sr.EventsExported, sr.EventsUpdated, sr.EventsDeleted,
		sr.Success, string(conflictsJSON), string(errorsJSON), sr.LastSyncTime.UTC(), sr.NextSyncTime)
	return err
}

func (r *results) List(ctx context.Context, connectionID string, limit int) ([]*model.SyncResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT connection_id, started_at, duration_ms, imported, exported, updated, deleted, success, conflicts, errors, last_sync_time, next_sync_time
		 FROM sync_results WHERE connection_id = ? ORDER BY started_at DESC LIMIT ?`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.SyncResult
	for rows.Next() {
		var sr model.SyncResult
		var durationMS int64
		var conflictsJSON, errorsJSON string
		if err := rows.Scan(&sr.ConnectionID, &sr.StartedAt, &durationMS,
			&sr.EventsImported, &sr.EventsExported, &sr.EventsUpdated, &sr.EventsDeleted,
			&sr.Success, &conflictsJSON, &errorsJSON, &sr.LastSyncTime, &sr.NextSyncTime); err != nil {
			return nil, err
		}
		sr.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal([]byte(conflictsJSON), &sr.Conflicts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(errorsJSON), &sr.Errors); err != nil {
			return nil, err
		}
		out = append(out, &sr)
	}
	return out, rows.Err()
}

// --- Local events (store.LocalCalendar) ---

func (s *SqliteStore) CreateLocalEvent(ctx context.Context, event *model.CalendarEvent) (string, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO local_events (local_event_id, payload, updated_at) VALUES (?,?,?)`,
		event.ID, string(payload), event.UpdatedAt.UTC())
	if err != nil {
		return "", err
	}
	return event.ID, nil
}

func (s *SqliteStore) GetLocalEvent(ctx context.Context, localEventID string) (*model.CalendarEvent, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM local_events WHERE local_event_id = ?`, localEventID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ev model.CalendarEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *SqliteStore) UpdateLocalEventData(ctx context.Context, localEventID string, event *model.CalendarEvent) error {
	event.ID = localEventID
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE local_events SET payload = ?, updated_at = ? WHERE local_event_id = ?`,
		string(payload), event.UpdatedAt.UTC(), localEventID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SqliteStore) DeleteLocalEvent(ctx context.Context, localEventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM local_events WHERE local_event_id = ?`, localEventID)
	return err
}

// ListLocalEvents returns every local event. The default local calendar is a
// single shared store, so all local events are export candidates on any
// connection; embedding applications with per-connection partitions supply
// their own LocalCalendar.
func (s *SqliteStore) ListLocalEvents(ctx context.Context, _ string) ([]*model.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM local_events ORDER BY local_event_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.CalendarEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev model.CalendarEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
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
