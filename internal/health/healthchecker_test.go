package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	name string
	ok   atomic.Bool
}

func (s *stubChecker) Name() string                               { return s.name }
func (s *stubChecker) IsHealthy() bool                            { return s.ok.Load() }
func (s *stubChecker) Start(ctx context.Context, _ time.Duration) {}

func TestServiceHealthFollowsComponents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &stubChecker{name: "store"}
	providers := &stubChecker{name: "providers"}
	store.ok.Store(true)
	providers.ok.Store(true)

	svc := NewServiceHealthChecker(zerolog.Nop(), store, providers)
	go svc.Start(ctx, 10*time.Millisecond)

	require.Eventually(t, svc.IsHealthy, time.Second, 5*time.Millisecond)

	providers.ok.Store(false)
	require.Eventually(t, func() bool { return !svc.IsHealthy() }, time.Second, 5*time.Millisecond)

	providers.ok.Store(true)
	require.Eventually(t, svc.IsHealthy, time.Second, 5*time.Millisecond)
}

func TestServiceHealthStartsUnhealthy(t *testing.T) {
	svc := NewServiceHealthChecker(zerolog.Nop(), &stubChecker{name: "store"})
	require.False(t, svc.IsHealthy())
}
