// Package syncservice wires the full service: storage, credential vault,
// provider registry, sync engine, periodic scheduler and the HTTP API.
package syncservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/meridianhq/calsync/internal/accounts"
	"github.com/meridianhq/calsync/internal/api"
	"github.com/meridianhq/calsync/internal/config"
	"github.com/meridianhq/calsync/internal/credvault"
	"github.com/meridianhq/calsync/internal/engine"
	"github.com/meridianhq/calsync/internal/events"
	"github.com/meridianhq/calsync/internal/health"
	"github.com/meridianhq/calsync/internal/logger"
	"github.com/meridianhq/calsync/internal/offline"
	"github.com/meridianhq/calsync/internal/provider"
	"github.com/meridianhq/calsync/internal/provider/caldav"
	"github.com/meridianhq/calsync/internal/provider/feed"
	"github.com/meridianhq/calsync/internal/provider/googlecal"
	"github.com/meridianhq/calsync/internal/ratelimit"
	"github.com/meridianhq/calsync/internal/scheduler"
	"github.com/meridianhq/calsync/internal/store"
	"github.com/meridianhq/calsync/internal/store/postgres"
	"github.com/meridianhq/calsync/internal/store/sqlite"
	"github.com/meridianhq/calsync/internal/validator"
)

// Run starts the sync service HTTP server and blocks until shutdown or error.
func Run() error {
	log := logger.New("calsync-service")

	cfg, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	log.Info().
		Str("db_driver", cfg.DBDriver).
		Int("http_port", cfg.HTTPPort).
		Bool("cron_enabled", cfg.CronEnabled).
		Msg("Sync service starting")

	// Cancellable root context bound to SIGINT/SIGTERM.
	ctx, stop := newServerContext()
	defer stop()

	st, local, closeStore, err := initStore(cfg)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Store unavailable")
		return err
	}
	defer closeStore()

	vault, err := initVault(cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Credential vault unavailable")
		return err
	}
	defer func() { _ = vault.Close() }()

	registry := buildRegistry(cfg, log)
	bus := events.NewBus(256)
	go logBusEvents(ctx, bus, log)

	mgr := accounts.NewManager(st, vault, registry, bus, log)
	limiters := ratelimit.NewScheduler(registry, time.Duration(cfg.SchedulerTickSeconds)*time.Second, log)
	go limiters.Run(ctx)
	wireRateLimitObservers(registry, limiters)

	queue := offline.New(st, log)
	eng := engine.New(st, local, mgr, registry, limiters, queue, validator.NewDefault(), bus, engine.Config{
		Parallelism:    cfg.SyncParallelism,
		AdapterTimeout: time.Duration(cfg.AdapterTimeoutMS) * time.Millisecond,
	}, log)

	if cfg.CronEnabled {
		cron := scheduler.New(st, eng, cfg.CronSpec, log)
		if err := cron.Start(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("Periodic scheduler failed to start")
			return err
		}
		defer cron.Stop()
	}

	router := buildRouter(st, mgr, eng, registry, limiters, queue, log)

	svcHealth := startHealthCheckers(ctx, cfg, log, st, registry)
	if err := waitUntilHealthy(ctx, cfg, svcHealth); err != nil {
		log.Error().Stack().Err(err).Msg("startup health check failed")
		return err
	}

	server := newHTTPServer(ctx, cfg, router)
	errCh := serveHTTP(server, log, cfg)

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error().Stack().Err(err).Msg("Server forced to shutdown")
			return err
		}
		log.Info().Msg("Server exited")
		return nil
	case err := <-errCh:
		log.Error().Stack().Err(err).Msg("HTTP server failed")
		return err
	}
}

// initStore opens the configured storage driver. Both drivers also serve as
// the default local calendar.
func initStore(cfg *config.Config) (store.Store, store.LocalCalendar, func(), error) {
	switch cfg.DBDriver {
	case "postgres":
		db, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		pg := postgres.NewWithDB(db)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return pg, pg, func() { _ = db.Close() }, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() { _ = s.Close() }, nil
	}
}

// initVault opens the encrypted credential store. Outside production an
// absent key falls back to an ephemeral one, which invalidates stored
// credentials across restarts.
func initVault(cfg *config.Config, log zerolog.Logger) (*credvault.BoltVault, error) {
	keyHex := cfg.VaultKey
	if keyHex == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("CALSYNC_VAULT_KEY is required in production")
		}
		generated, err := credvault.GenerateKeyHex()
		if err != nil {
			return nil, err
		}
		keyHex = generated
		log.Warn().Msg("CALSYNC_VAULT_KEY not set, using an ephemeral key; stored credentials will not survive restart")
	}
	return credvault.Open(cfg.VaultPath, keyHex)
}

// wireRateLimitObservers connects each adapter's response headers back to
// its limiter so provider-reported quotas override local estimates.
func wireRateLimitObservers(reg *provider.Registry, limiters *ratelimit.Scheduler) {
	for _, id := range reg.IDs() {
		ad, err := reg.Get(id)
		if err != nil {
			continue
		}
		if obs, ok := ad.(provider.RateLimitObserver); ok {
			obs.ObserveRateLimits(limiters.Limiter(id).ApplyResponseHeaders)
		}
	}
}

// buildRegistry registers every configured provider adapter.
func buildRegistry(cfg *config.Config, log zerolog.Logger) *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(caldav.New(log))
	reg.Register(feed.New(log))
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		reg.Register(googlecal.New(cfg.GoogleClientID, cfg.GoogleClientSecret, log))
	} else {
		log.Info().Msg("Google OAuth client not configured, google provider disabled")
	}
	return reg
}

func buildRouter(st store.Store, mgr *accounts.Manager, eng *engine.Engine,
	reg *provider.Registry, limiters *ratelimit.Scheduler, queue *offline.Queue,
	log zerolog.Logger) *mux.Router {
	return api.NewRouter(api.Deps{
		Store:    st,
		Manager:  mgr,
		Engine:   eng,
		Registry: reg,
		Limiters: limiters,
		Queue:    queue,
		Logger:   log,
	})
}

// logBusEvents drains the event bus into the service log.
func logBusEvents(ctx context.Context, bus *events.Bus, log zerolog.Logger) {
	ch := bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			log.Info().
				Str("kind", string(ev.Kind)).
				Str("user_id", ev.UserID).
				Str("account_id", ev.AccountID).
				Str("connection_id", ev.ConnectionID).
				Str("message", ev.Message).
				Msg("sync event")
		}
	}
}

// startHealthCheckers starts component checkers and the service aggregator.
func startHealthCheckers(ctx context.Context, cfg *config.Config, log zerolog.Logger,
	st store.Store, reg *provider.Registry) *health.ServiceHealthChecker {
	probeTimeout := time.Duration(cfg.HealthProbeTimeoutSeconds) * time.Second
	interval := time.Duration(cfg.HealthIntervalSeconds) * time.Second

	storeChecker := store.NewStoreHealthChecker(st, log, probeTimeout)
	go storeChecker.Start(ctx, interval)

	registryChecker := provider.NewRegistryHealthChecker(reg)
	go registryChecker.Start(ctx, interval)

	svcHealth := health.NewServiceHealthChecker(log, storeChecker, registryChecker)
	go svcHealth.Start(ctx, interval)
	api.BindServiceHealth(svcHealth.IsHealthy)
	return svcHealth
}

func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func serveHTTP(server *http.Server, log zerolog.Logger, cfg *config.Config) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// calculateStartupHealthTimeout returns the startup health timeout in seconds,
// calculated as interval*2 with a minimum of 60 seconds.
func calculateStartupHealthTimeout(healthIntervalSeconds int) int {
	timeout := healthIntervalSeconds * 2
	if timeout < 60 {
		return 60
	}
	return timeout
}

// waitUntilHealthy blocks until service health is healthy or the startup window expires.
func waitUntilHealthy(ctx context.Context, cfg *config.Config, svcHealth *health.ServiceHealthChecker) error {
	timeoutSeconds := calculateStartupHealthTimeout(cfg.HealthIntervalSeconds)
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if svcHealth.IsHealthy() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("startup aborted: dependencies not healthy within %d seconds", timeoutSeconds)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// newServerContext returns a cancellable context that is cancelled on SIGINT/SIGTERM.
func newServerContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
