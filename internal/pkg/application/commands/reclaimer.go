package commands

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

type Reclaimer interface {
	Start(ctx context.Context)
	Stop()
}

type reclaimer struct {
	svc      CommandService
	interval time.Duration
	done     chan bool
	stopOnce sync.Once
}

func NewReclaimer(svc CommandService, cfg Config) Reclaimer {
	return &reclaimer{
		svc:      svc,
		interval: cfg.withDefaults().reclaimInterval(),
		done:     make(chan bool),
	}
}

func (r *reclaimer) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *reclaimer) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *reclaimer) run(ctx context.Context) {
	log := logging.GetFromContext(ctx)
	log.Info().Str("interval", r.interval.String()).Msg("starting command reclaimer")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.svc.Reclaim(ctx); err != nil {
				log.Error().Err(err).Msg("failed to reclaim stale commands")
			}
		}
	}
}
