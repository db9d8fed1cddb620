// Package health rolls component readiness up into the single flag read by
// the /api/health endpoint and the startup gate. Components (store
// connectivity, provider registry) each run their own checker and cache a
// status; the aggregator only reads those caches.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HealthChecker is one component's cached readiness probe.
type HealthChecker interface {
	Name() string
	IsHealthy() bool
	Start(ctx context.Context, interval time.Duration)
}

// ServiceHealthChecker aggregates component checkers. The service is
// healthy only while every component is.
type ServiceHealthChecker struct {
	healthy atomic.Bool
	deps    []HealthChecker
	log     zerolog.Logger
}

func NewServiceHealthChecker(log zerolog.Logger, deps ...HealthChecker) *ServiceHealthChecker {
	return &ServiceHealthChecker{deps: deps, log: log}
}

// IsHealthy returns the cached aggregate without touching any component.
func (h *ServiceHealthChecker) IsHealthy() bool { return h.healthy.Load() }

// Start re-evaluates the aggregate every interval until ctx is canceled.
// Transitions are logged with the names of the failing components.
func (h *ServiceHealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasHealthy := false
	eval := func() {
		var failing []string
		for _, c := range h.deps {
			if !c.IsHealthy() {
				failing = append(failing, c.Name())
			}
		}
		ok := len(failing) == 0
		h.healthy.Store(ok)
		if ok != wasHealthy {
			if ok {
				h.log.Info().Msg("service health: UP")
			} else {
				h.log.Error().Strs("failing", failing).Msg("service health: DOWN")
			}
			wasHealthy = ok
		}
	}

	eval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eval()
		}
	}
}
