package delivery

import (
	"context"
	"sync"

	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/notification"
	"inviqa/entitlement-pipeline/poller"

	nr "github.com/newrelic/go-agent/v3/newrelic"
)

// Start claims notifications for idle workers and hands each batch to one of
// WriteConcurrency workers until ctx is cancelled. The returned func blocks
// until every worker has stopped.
func Start(ctx context.Context, cfg *config.Config, st notification.Store, s notification.Sender, nrApp *nr.Application) (wait func()) {
	log.Logger.WithField("config", cfg).Info("starting notification delivery polling")

	batchCh := make(chan *notification.Batch)
	ready := make(chan struct{})
	go poller.New[*notification.Batch](st, batchCh, ready, clock.System{}, notification.ErrNoNotifications).Poll(ctx, cfg.DeliveryPollInterval)

	var wg sync.WaitGroup
	w := NewWorker(st, s, clock.System{}, OptionsFromConfig(cfg), nrApp)
	for i := 0; i < cfg.WriteConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.ListenAndProcess(ctx, batchCh, ready)
		}()
	}

	return wg.Wait
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxAttempts:           cfg.DeliveryMaxAttempts,
		ErrorMessageMaxLength: cfg.ErrorMessageMaxLength,
		Backoff:               cfg.DeliveryBackoff(),
	}
}
