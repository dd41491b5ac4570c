package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/assistkit/agentgate/internal/config"
	"github.com/assistkit/agentgate/internal/models"
	"github.com/assistkit/agentgate/internal/storage"
)

// Pool polls the store for eligible entries and hands each claimed entry
// to the dispatcher, with at most `workers` deliveries in flight. Claimed
// entries carry this pool's worker id in their lease; a pool that dies
// mid-dispatch loses nothing, the lease expires and another poller
// reclaims the rows.
type Pool struct {
	store      storage.Storage
	dispatcher *Dispatcher
	workerID   string
	workers    int
	batchSize  int
	pollRate   time.Duration
	log        zerolog.Logger
	stop       chan struct{}
	wg         sync.WaitGroup
}

func NewPool(cfg config.DeliveryConfig, store storage.Storage, dispatcher *Dispatcher, log zerolog.Logger) *Pool {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = cfg.Workers
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 1 * time.Second
	}

	return &Pool{
		store:      store,
		dispatcher: dispatcher,
		workerID:   models.NewWorkerID(),
		workers:    cfg.Workers,
		batchSize:  batch,
		pollRate:   poll,
		log:        log,
		stop:       make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().
		Str("worker_id", p.workerID).
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Msg("starting dispatch pool")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop(ctx)
	}()
}

func (p *Pool) Stop() {
	p.log.Info().Msg("stopping dispatch pool")
	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("dispatch pool stopped")
}

func (p *Pool) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollRate)
	defer ticker.Stop()

	sem := make(chan struct{}, p.workers)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := p.store.ClaimPending(ctx, p.workerID, p.batchSize)
			if err != nil {
				p.log.Error().Err(err).Msg("failed to claim pending entries")
				continue
			}

			for _, e := range entries {
				e := e
				sem <- struct{}{}
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					defer func() { <-sem }()
					if _, err := p.dispatcher.Dispatch(ctx, e); err != nil {
						p.log.Error().Err(err).Str("entry_id", e.ID).Msg("failed to record dispatch outcome")
					}
				}()
			}
		}
	}
}
