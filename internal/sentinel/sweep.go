package sentinel

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// StaleSweeper forces a periodic read of the connected view. Eviction of
// silent builders normally happens lazily when an observer reads the
// view; with no observers active, a dead builder could linger in the
// liveness table indefinitely. The sweep is just another observer and
// introduces no new state transitions.
type StaleSweeper struct {
	log   zerolog.Logger
	store *Store
}

// NewStaleSweeper builds a sweeper over the store.
func NewStaleSweeper(log zerolog.Logger, store *Store) *StaleSweeper {
	return &StaleSweeper{
		log:   log.With().Str("component", "stale-sweep").Logger(),
		store: store,
	}
}

// Run sweeps once a minute until ctx is cancelled.
func (s *StaleSweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		connected := s.store.Connected()
		s.log.Debug().Int("connected", len(connected)).Msg("swept liveness table")
	}); err != nil {
		return err
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
