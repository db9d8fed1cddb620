// Package scheduler fires periodic syncs for connections whose next sync
// time has passed.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/meridianhq/calsync/internal/engine"
	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/store"
)

// Scheduler runs a cron entry that syncs every due connection.
type Scheduler struct {
	connections store.Connections
	engine      *engine.Engine
	spec        string
	logger      zerolog.Logger
	cron        *cron.Cron
}

// New constructs a Scheduler. spec is a cron expression, e.g. "@every 1m".
func New(s store.Store, eng *engine.Engine, spec string, logger zerolog.Logger) *Scheduler {
	if spec == "" {
		spec = "@every 1m"
	}
	return &Scheduler{
		connections: s.Connections(),
		engine:      eng,
		spec:        spec,
		logger:      logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the cron entry and begins firing. The entry runs until
// Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.logger.Info().Str("spec", s.spec).Msg("sync scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron loop, waiting for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("sync scheduler stopped")
}

// tick syncs every connection whose NextSyncTime has passed. Connections
// already syncing or currently rate limited are skipped; they come due
// again on a later tick.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.connections.ListDue(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list due connections")
		return
	}
	for _, conn := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.engine.Sync(ctx, conn.ID); err != nil {
			if errors.Is(err, model.ErrSyncInProgress) {
				continue
			}
			s.logger.Warn().Err(err).Str("connectionId", conn.ID).Msg("scheduled sync failed")
		}
	}
}
