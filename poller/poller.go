package poller

import (
	"context"
	"time"

	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/log"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Poller interface {
	Poll(ctx context.Context, interval time.Duration)
}

// Source claims the next batch of work. It returns its empty sentinel error
// when there is nothing due.
type Source[B any] interface {
	GetBatch(ctx context.Context, now time.Time) (B, error)
}

// New creates a fixed-delay poller that claims batches from src and hands them
// to ch. A batch is only claimed after a worker has sent a token on ready and
// is therefore waiting on ch. empty is the error src returns when nothing was
// claimed.
func New[B any](src Source[B], ch chan<- B, ready <-chan struct{}, clk clock.Clock, empty error) Poller {
	return &batchPoller[B]{
		ch:    ch,
		ready: ready,
		src:   src,
		clock: clk,
		empty: empty,
	}
}

type batchPoller[B any] struct {
	ch    chan<- B
	ready <-chan struct{}
	src   Source[B]
	clock clock.Clock
	empty error
}

func (p batchPoller[B]) Poll(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-p.ready:
		case <-ctx.Done():
			return
		}

		if !p.claim(ctx, interval) {
			return
		}
	}
}

// claim polls until one batch has been handed to the idle worker, keeping
// the worker's token across empty polls and errors. It returns false once ctx
// is done.
func (p batchPoller[B]) claim(ctx context.Context, interval time.Duration) bool {
	for {
		handed := false
		batch, err := p.src.GetBatch(ctx, p.clock.Now())
		switch {
		case err == nil:
			select {
			case p.ch <- batch:
				handed = true
			case <-ctx.Done():
				return false
			}
		case errors.Is(err, p.empty):
			log.Logger.Debug("nothing to claim, waiting for the next poll")
		case ctx.Err() != nil:
			return false
		default:
			log.Logger.WithError(err).WithFields(logrus.Fields{"interval": interval.String()}).
				Error("an unexpected error occurred when polling for a batch")
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return false
		}

		if handed {
			return true
		}
	}
}
