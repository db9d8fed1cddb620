package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/calsync/internal/provider"
)

// Scheduler owns one Limiter per provider and periodically drains the
// deferred-request queues. Limiters are created lazily from each provider's
// declared capabilities.
type Scheduler struct {
	registry *provider.Registry
	logger   zerolog.Logger
	tick     time.Duration

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewScheduler constructs a Scheduler draining queues every tick.
func NewScheduler(registry *provider.Registry, tick time.Duration, logger zerolog.Logger) *Scheduler {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	return &Scheduler{
		registry: registry,
		logger:   logger.With().Str("component", "ratelimit").Logger(),
		tick:     tick,
		limiters: make(map[string]*Limiter),
	}
}

// Limiter returns the limiter for providerID, creating it from the
// provider's capabilities on first use. Unknown providers get a
// pass-through limiter with no windows.
func (s *Scheduler) Limiter(providerID string) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[providerID]; ok {
		return l
	}
	var specs []provider.RateLimitSpec
	if ad, err := s.registry.Get(providerID); err == nil {
		specs = ad.Capabilities().RateLimits
	}
	l := NewLimiter(providerID, specs, s.logger)
	s.limiters[providerID] = l
	return l
}

// Run drains all provider queues every tick until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info().Dur("tick", s.tick).Msg("rate limit scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("rate limit scheduler stopped")
			return
		case <-ticker.C:
			s.DrainAll()
		}
	}
}

// DrainAll performs one drain pass across every known provider queue.
func (s *Scheduler) DrainAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.limiters))
	for id := range s.limiters {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		s.Limiter(id).drain()
	}
}

// Stats reports per-provider queue depth and window usage.
func (s *Scheduler) Stats() map[string]ProviderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ProviderStats, len(s.limiters))
	for id, l := range s.limiters {
		out[id] = ProviderStats{QueueDepth: l.QueueDepth(), Windows: l.Usage()}
	}
	return out
}

// ProviderStats is one provider's limiter state for the monitoring surface.
type ProviderStats struct {
	QueueDepth int                 `json:"queueDepth"`
	Windows    map[string]Snapshot `json:"windows"`
}
