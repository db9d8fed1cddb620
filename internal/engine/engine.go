// Package engine implements the synchronization pipeline: queue drain,
// import, export, conflict resolution, and sync metadata persistence.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/meridianhq/calsync/internal/accounts"
	"github.com/meridianhq/calsync/internal/conflict"
	"github.com/meridianhq/calsync/internal/events"
	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/offline"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/ratelimit"
	"github.com/meridianhq/calsync/internal/store"
	"github.com/meridianhq/calsync/internal/validator"
	"golang.org/x/sync/errgroup"
)

// Config tunes engine behavior.
type Config struct {
	// Parallelism bounds concurrent connections in SyncAll.
	Parallelism int
	// AdapterTimeout caps every provider call.
	AdapterTimeout time.Duration
}

// Engine coordinates one sync cycle per connection. All collaborators are
// injected; the engine holds no global state beyond the single-flight set.
type Engine struct {
	store    store.Store
	local    store.LocalCalendar
	accounts *accounts.Manager
	registry *provider.Registry
	limiters *ratelimit.Scheduler
	queue    *offline.Queue
	detector *conflict.Detector
	resolver *conflict.Resolver
	valid    validator.Validator
	bus      *events.Bus
	logger   zerolog.Logger
	cfg      Config
	now      func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// New wires the engine.
func New(s store.Store, local store.LocalCalendar, mgr *accounts.Manager, reg *provider.Registry,
	limiters *ratelimit.Scheduler, queue *offline.Queue, valid validator.Validator,
	bus *events.Bus, cfg Config, logger zerolog.Logger) *Engine {

	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 30 * time.Second
	}
	return &Engine{
		store:    s,
		local:    local,
		accounts: mgr,
		registry: reg,
		limiters: limiters,
		queue:    queue,
		detector: conflict.NewDetector(),
		resolver: conflict.NewResolver(),
		valid:    valid,
		bus:      bus,
		logger:   logger.With().Str("component", "engine").Logger(),
		cfg:      cfg,
		now:      time.Now,
		active:   make(map[string]struct{}),
	}
}

// Sync runs one cycle for the connection, rejecting when the provider is
// currently rate-limited.
func (e *Engine) Sync(ctx context.Context, connectionID string) (*model.SyncResult, error) {
	return e.run(ctx, connectionID, false)
}

// ForceSync bypasses the up-front rate limit check. Usage is still recorded
// against the limiter.
func (e *Engine) ForceSync(ctx context.Context, connectionID string) (*model.SyncResult, error) {
	return e.run(ctx, connectionID, true)
}

// SyncAll syncs every connection of the user with bounded parallelism.
// Individual failures become failed SyncResults; the batch never aborts.
func (e *Engine) SyncAll(ctx context.Context, userID string) ([]*model.SyncResult, error) {
	conns, err := e.store.Connections().List(ctx, userID)
	if err != nil {
		return nil, err
	}

	results := make([]*model.SyncResult, len(conns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i, conn := range conns {
		i, conn := i, conn
		g.Go(func() error {
			res, err := e.run(gctx, conn.ID, false)
			if err != nil {
				res = e.failedResult(conn.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (e *Engine) failedResult(connectionID string, cause error) *model.SyncResult {
	se := model.WrapSyncError(model.CodeOf(cause), cause)
	return &model.SyncResult{
		ConnectionID: connectionID,
		Errors:       []model.SyncError{*se},
		Success:      false,
		StartedAt:    e.now().UTC(),
		LastSyncTime: e.now().UTC(),
	}
}

func (e *Engine) run(ctx context.Context, connectionID string, force bool) (*model.SyncResult, error) {
	if !e.acquire(connectionID) {
		return nil, model.ErrSyncInProgress
	}
	defer e.release(connectionID)

	conn, err := e.store.Connections().Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.AuthStatus == model.AuthStatusInvalid {
		return nil, model.NewSyncError(model.CodeAuthenticationFailed,
			"connection requires re-authentication")
	}

	lim := e.limiters.Limiter(conn.ProviderID)
	if !force && !lim.CanMakeRequest() {
		return nil, model.NewSyncError(model.CodeRateLimitExceeded,
			"provider "+conn.ProviderID+" is rate limited")
	}

	ad, err := e.registry.Get(conn.ProviderID)
	if err != nil {
		return nil, err
	}
	acc, err := e.accounts.GetAccount(ctx, conn.AccountID)
	if err != nil {
		return nil, err
	}
	auth, err := e.accounts.Credentials(ctx, conn.AccountID)
	if err != nil {
		return nil, errors.Wrap(err, "load credentials")
	}

	started := e.now().UTC()
	result := &model.SyncResult{ConnectionID: conn.ID, StartedAt: started}
	cycle := &syncCycle{
		engine: e,
		conn:   conn,
		acc:    acc,
		ad:     ad,
		auth:   auth,
		lim:    lim,
		force:  force,
		result: result,
	}

	e.logger.Info().
		Str("connectionId", conn.ID).
		Str("provider", conn.ProviderID).
		Bool("force", force).
		Msg("sync cycle started")

	cycle.drainQueue(ctx)
	cycle.runImport(ctx)
	cycle.runExport(ctx)
	cycle.resolveConflicts(ctx)
	e.finish(ctx, cycle)

	e.logger.Info().
		Str("connectionId", conn.ID).
		Bool("success", result.Success).
		Int("imported", result.EventsImported).
		Int("exported", result.EventsExported).
		Int("updated", result.EventsUpdated).
		Int("deleted", result.EventsDeleted).
		Int("conflicts", len(result.Conflicts)).
		Int("errors", len(result.Errors)).
		Msg("sync cycle finished")
	return result, nil
}

// ResolveConflict applies an explicitly chosen strategy to a stored
// conflict, typically one left open by manual_resolution.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy model.ConflictStrategy) (*model.SyncConflict, error) {
	sc, err := e.store.Conflicts().Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if sc.IsResolved {
		return sc, nil
	}
	conn, err := e.store.Connections().Get(ctx, sc.ConnectionID)
	if err != nil {
		return nil, err
	}
	ad, err := e.registry.Get(conn.ProviderID)
	if err != nil {
		return nil, err
	}
	acc, err := e.accounts.GetAccount(ctx, conn.AccountID)
	if err != nil {
		return nil, err
	}
	auth, err := e.accounts.Credentials(ctx, conn.AccountID)
	if err != nil {
		return nil, err
	}

	sc.Resolution = strategy
	cycle := &syncCycle{
		engine: e,
		conn:   conn,
		acc:    acc,
		ad:     ad,
		auth:   auth,
		lim:    e.limiters.Limiter(conn.ProviderID),
		result: &model.SyncResult{ConnectionID: conn.ID, StartedAt: e.now().UTC()},
	}
	plan := e.resolver.Resolve(sc, conn.Settings)
	cycle.executePlan(ctx, sc, plan)
	if len(cycle.result.Errors) > 0 {
		return sc, &cycle.result.Errors[0]
	}
	return sc, nil
}

func (e *Engine) acquire(connectionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.active[connectionID]; running {
		return false
	}
	e.active[connectionID] = struct{}{}
	return true
}

func (e *Engine) release(connectionID string) {
	e.mu.Lock()
	delete(e.active, connectionID)
	e.mu.Unlock()
}

// finish persists sync metadata and the run result, and emits the
// completion event. success reflects errors only; conflicts and queued
// operations do not fail a run.
func (e *Engine) finish(ctx context.Context, c *syncCycle) {
	now := e.now().UTC()
	result := c.result
	result.Duration = now.Sub(result.StartedAt)
	result.Success = len(result.Errors) == 0
	result.LastSyncTime = now

	interval := time.Duration(c.conn.Settings.SyncIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	next := now.Add(interval)
	result.NextSyncTime = &next

	c.conn.LastSyncTime = &now
	c.conn.NextSyncTime = &next
	switch {
	case result.Success:
		c.conn.HealthStatus = model.HealthOK
	case result.EventsImported+result.EventsExported+result.EventsUpdated > 0:
		c.conn.HealthStatus = model.HealthDegraded
	default:
		c.conn.HealthStatus = model.HealthFailing
	}
	if err := e.store.Connections().Update(ctx, c.conn); err != nil {
		e.logger.Error().Err(err).Str("connectionId", c.conn.ID).Msg("failed to persist sync metadata")
	}
	if err := e.store.Results().Insert(ctx, result); err != nil {
		e.logger.Error().Err(err).Str("connectionId", c.conn.ID).Msg("failed to persist sync result")
	}

	e.bus.Publish(events.Event{
		Kind:         events.KindSyncCompleted,
		UserID:       c.conn.UserID,
		AccountID:    c.conn.AccountID,
		ConnectionID: c.conn.ID,
		Message:      fmt.Sprintf("sync completed, success=%t", result.Success),
	})
}

// adapterCall runs fn under the per-call timeout and the provider limiter.
// Forced syncs dispatch at high priority. A deadline hit surfaces as a
// NETWORK_ERROR through the error taxonomy.
func (c *syncCycle) adapterCall(ctx context.Context, fn func(ctx context.Context) error) error {
	prio := ratelimit.PriorityNormal
	if c.force {
		prio = ratelimit.PriorityHigh
	}
	err := c.lim.Do(ctx, ratelimit.Options{Priority: prio}, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.engine.cfg.AdapterTimeout)
		defer cancel()
		return fn(callCtx)
	})
	// A provider-reported 429 overrides the limiter's own estimates: no
	// more dispatches until the advertised backoff (or the window reset).
	if model.CodeOf(err) == model.CodeRateLimitExceeded {
		c.lim.MarkExhausted(c.providerBackoff(err))
	}
	return err
}

// providerBackoff extracts the provider-advertised retry delay from a rate
// limit error; zero keeps each window's own reset time.
func (c *syncCycle) providerBackoff(err error) time.Duration {
	var se *model.SyncError
	if errors.As(err, &se) && se.RetryAfter != nil {
		if d := se.RetryAfter.Sub(c.engine.now()); d > 0 {
			return d
		}
	}
	return 0
}

// authRetry runs fn and, on an authentication failure, performs exactly one
// token refresh followed by one retry. A second failure marks the
// connection invalid so future scheduled syncs skip it until re-auth.
func (c *syncCycle) authRetry(ctx context.Context, fn func(ctx context.Context, auth model.AuthInfo) error) error {
	err := c.adapterCall(ctx, func(ctx context.Context) error { return fn(ctx, c.auth) })
	if err == nil || model.CodeOf(err) != model.CodeAuthenticationFailed {
		return err
	}

	if refreshErr := c.engine.accounts.RefreshAccountAuth(ctx, c.conn.AccountID, true); refreshErr != nil {
		c.engine.logger.Warn().Err(refreshErr).Str("accountId", c.conn.AccountID).Msg("token refresh failed")
	}
	refreshed, credErr := c.engine.accounts.Credentials(ctx, c.conn.AccountID)
	if credErr == nil {
		c.auth = refreshed
	}

	err = c.adapterCall(ctx, func(ctx context.Context) error { return fn(ctx, c.auth) })
	if model.CodeOf(err) == model.CodeAuthenticationFailed {
		c.conn.AuthStatus = model.AuthStatusInvalid
		c.engine.bus.Publish(events.Event{
			Kind:         events.KindAccountError,
			UserID:       c.conn.UserID,
			AccountID:    c.conn.AccountID,
			ConnectionID: c.conn.ID,
			Message:      "authentication failed after token refresh",
		})
	}
	return err
}
