package publisher

import (
	"context"
	"sync"
	"time"

	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/outbox"
	"inviqa/entitlement-pipeline/poller"

	nr "github.com/newrelic/go-agent/v3/newrelic"
)

// Start polls the outbox for claimable events and publishes them with
// WriteConcurrency workers until ctx is cancelled. Events are only claimed
// once a worker has signalled it is idle. The returned func blocks until every
// worker has finished its current batch.
func Start(ctx context.Context, cfg *config.Config, repo outbox.Repository, pub broker.Publisher, nrApp *nr.Application) (wait func()) {
	log.Logger.WithField("config", cfg).Info("starting outbox publisher polling")

	bp := NewBatchPublisher(repo, pub, clock.System{}, OptionsFromConfig(cfg), nrApp)
	return run(ctx, repo, bp, cfg.WriteConcurrency, cfg.OutboxPollInterval)
}

func run(ctx context.Context, src poller.Source[*outbox.Batch], bp BatchPublisher, workers int, interval time.Duration) (wait func()) {
	batchCh := make(chan *outbox.Batch)
	ready := make(chan struct{})
	go poller.New[*outbox.Batch](src, batchCh, ready, clock.System{}, outbox.ErrNoEvents).Poll(ctx, interval)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bp.ListenAndProcess(ctx, batchCh, ready)
		}()
	}

	return wg.Wait
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Subject:               cfg.Subject,
		MaxAttempts:           cfg.OutboxMaxAttempts,
		ErrorMessageMaxLength: cfg.ErrorMessageMaxLength,
		Backoff:               cfg.OutboxBackoff(),
	}
}
