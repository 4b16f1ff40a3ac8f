package sentinel

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nathanregner/hydra-sentinel/internal/hydra"
	"github.com/nathanregner/hydra-sentinel/internal/model"
)

// How often the Hydra queue is refreshed.
const queuePollInterval = 15 * time.Second

// QueuePoller periodically refreshes the store's queued-systems set from
// the Hydra queue. Poll failures skip the tick and leave state untouched.
type QueuePoller struct {
	log    zerolog.Logger
	store  *Store
	client hydra.Client
}

// NewQueuePoller builds a poller over the store and Hydra client.
func NewQueuePoller(log zerolog.Logger, store *Store, client hydra.Client) *QueuePoller {
	return &QueuePoller{
		log:    log.With().Str("component", "queue-poller").Logger(),
		store:  store,
		client: client,
	}
}

// Run polls immediately and then every queuePollInterval until ctx is
// cancelled.
func (p *QueuePoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		p.poll(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *QueuePoller) poll(ctx context.Context) {
	builds, err := p.client.GetQueue(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to poll queue")
		return
	}

	// Every entry counts, finished or not; the queue endpoint is the
	// source of truth for which system types have pending demand.
	systems := make([]model.System, len(builds))
	for i, build := range builds {
		systems[i] = build.System
	}
	p.log.Debug().Int("builds", len(builds)).Msg("polled queue")
	p.store.UpdateQueued(systems)
}
