package provider

import (
	"context"
	"sync/atomic"
	"time"
)

// RegistryHealthChecker reports ready while at least one adapter is
// registered. A service with an empty registry can persist state but never
// sync, so it stays out of rotation until a provider comes up.
type RegistryHealthChecker struct {
	registry *Registry
	healthy  atomic.Bool
}

func NewRegistryHealthChecker(r *Registry) *RegistryHealthChecker {
	return &RegistryHealthChecker{registry: r}
}

func (rc *RegistryHealthChecker) Name() string { return "providers" }

func (rc *RegistryHealthChecker) IsHealthy() bool { return rc.healthy.Load() }

// Start re-checks on the interval; registration is normally static after
// boot but optional adapters may appear when their config is reloaded.
func (rc *RegistryHealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rc.healthy.Store(len(rc.registry.IDs()) > 0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.healthy.Store(len(rc.registry.IDs()) > 0)
		}
	}
}
