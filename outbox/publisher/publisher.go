package publisher

import (
	"context"
	"fmt"
	"time"

	"inviqa/entitlement-pipeline/backoff"
	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/event"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/newrelic"
	"inviqa/entitlement-pipeline/outbox"
	"inviqa/entitlement-pipeline/prometheus"

	nr "github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const unknownError = "unknown error"

var errNonRetryable = errors.New("outbox event can never be published")

type repository interface {
	MarkPublished(ctx context.Context, b *outbox.Batch, e *outbox.Event, now time.Time) (bool, error)
	MarkFailure(ctx context.Context, b *outbox.Batch, e *outbox.Event, res outbox.Resolution) (bool, error)
	CountFailed(ctx context.Context) (uint, error)
}

type Options struct {
	Subject               string
	MaxAttempts           int
	ErrorMessageMaxLength int
	Backoff               backoff.Policy
}

func NewBatchPublisher(r repository, p broker.Publisher, clk clock.Clock, opts Options, nrApp *nr.Application) BatchPublisher {
	return BatchPublisher{
		repo:      r,
		publisher: p,
		clock:     clk,
		opts:      opts,
		nrApp:     nrApp,
	}
}

// BatchPublisher sends claimed outbox events to the broker and resolves each
// of them individually, so one bad event never holds back the rest of a batch.
type BatchPublisher struct {
	repo      repository
	publisher broker.Publisher
	clock     clock.Clock
	opts      Options
	nrApp     *nr.Application
}

// ListenAndProcess signals on ready each time it is idle, then publishes the
// next batch received from batches.
func (bp BatchPublisher) ListenAndProcess(parent context.Context, batches <-chan *outbox.Batch, ready chan<- struct{}) {
	for {
		select {
		case ready <- struct{}{}:
		case <-parent.Done():
			return
		}

		select {
		case b := <-batches:
			if b == nil || len(b.Events) == 0 {
				break
			}

			ctx, txn := newrelic.ContextWithTxn(parent, "publisher: BatchPublisher.ListenAndProcess()", bp.nrApp)
			bp.Publish(ctx, b)
			txn.End()
		case <-parent.Done():
			return
		}
	}
}

// Publish publishes and resolves every event of a claimed batch.
func (bp BatchPublisher) Publish(ctx context.Context, b *outbox.Batch) {
	txn := nr.FromContext(ctx)

	for _, e := range b.Events {
		now := bp.clock.Now()
		occurredAt, err := bp.publishEvent(ctx, e, now)
		if err != nil {
			txn.NoticeError(err)
			bp.handleFailure(ctx, b, e, err)
			continue
		}

		ok, err := bp.repo.MarkPublished(ctx, b, e, now)
		switch {
		case err != nil:
			// the lease will run out and the event gets published again under the same dedup id
			log.Logger.WithError(err).WithFields(logrus.Fields{"event_id": e.Id}).
				Error("event was published but could not be marked as published")
			txn.NoticeError(err)
		case !ok:
			log.Logger.WithFields(logrus.Fields{"event_id": e.Id, "batch_id": b.Id}).
				Warn("outbox publish succeeded but the lease was lost")
			prometheus.RecordOutboxOutcome(prometheus.OutcomeLeaseLost)
		default:
			prometheus.RecordOutboxOutcome(prometheus.OutcomePublished)
			if !occurredAt.IsZero() {
				prometheus.ObserveOutboxPublishDelay(occurredAt, now)
			}
		}
	}

	failed, err := bp.repo.CountFailed(ctx)
	if err != nil {
		log.Logger.WithError(err).Error("an error occurred counting failed outbox events")
		return
	}
	prometheus.SetOutboxFailed(failed)
}

func (bp BatchPublisher) publishEvent(ctx context.Context, e *outbox.Event, now time.Time) (time.Time, error) {
	ev, err := event.ParseEntitlement(e.Payload)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", errNonRetryable, err)
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, ev.OccurredAt)
	if err == nil {
		prometheus.ObserveOutboxBacklogAge(occurredAt, now)
	}

	msg := &broker.Message{
		Subject: bp.opts.Subject,
		DedupID: e.Id.String(),
		Key:     e.AggregateKey,
		Headers: map[string]string{
			broker.HeaderEventType:    e.Type,
			broker.HeaderAggregateKey: e.AggregateKey,
			broker.HeaderOccurredAt:   ev.OccurredAt,
			broker.HeaderTraceID:      ev.TraceID,
		},
		Payload: e.Payload,
	}

	log.Logger.WithFields(logrus.Fields{"event_id": e.Id, "event_type": e.Type}).Debug("sending event to the broker")
	ack, err := bp.publisher.Publish(ctx, msg)
	if err != nil {
		return time.Time{}, err
	}
	if ack == nil {
		return time.Time{}, broker.ErrMissingAck
	}

	if ack.Duplicate {
		log.Logger.WithFields(logrus.Fields{"event_id": e.Id, "stream": ack.Stream, "sequence": ack.Sequence}).
			Info("broker reported the event as a duplicate of an earlier publish")
	}

	return occurredAt, nil
}

func (bp BatchPublisher) handleFailure(ctx context.Context, b *outbox.Batch, e *outbox.Event, cause error) {
	nonRetryable := errors.Is(cause, errNonRetryable)

	attempt := e.AttemptCount + 1
	if nonRetryable {
		attempt = bp.opts.MaxAttempts
	}
	failed := nonRetryable || attempt >= bp.opts.MaxAttempts

	res := outbox.Resolution{
		Status:       outbox.StatusPending,
		AttemptCount: attempt,
		LastError:    truncateError(cause, bp.opts.ErrorMessageMaxLength),
	}
	if failed {
		res.Status = outbox.StatusFailed
	} else {
		res.NextRetryAt.Time = bp.clock.Now().Add(bp.opts.Backoff.Delay(attempt))
		res.NextRetryAt.Valid = true
	}

	fields := logrus.Fields{"event_id": e.Id, "attempt": attempt, "batch_id": b.Id}
	ok, err := bp.repo.MarkFailure(ctx, b, e, res)
	switch {
	case err != nil:
		log.Logger.WithError(err).WithFields(fields).Error("an error occurred recording a failed publish")
		return
	case !ok:
		log.Logger.WithFields(fields).Warn("outbox retry skipped because the lease was lost")
		prometheus.RecordOutboxOutcome(prometheus.OutcomeLeaseLost)
		return
	}

	switch {
	case nonRetryable:
		log.Logger.WithError(cause).WithFields(fields).Error("outbox payload cannot be published and was moved to FAILED")
		prometheus.RecordOutboxOutcome(prometheus.OutcomeFailed)
	case failed:
		log.Logger.WithError(cause).WithFields(fields).Warn("outbox publish moved to FAILED")
		prometheus.RecordOutboxOutcome(prometheus.OutcomeFailed)
	default:
		log.Logger.WithError(cause).WithFields(fields).WithField("next_retry_at", res.NextRetryAt.Time).
			Warn("outbox publish retry scheduled")
		prometheus.RecordOutboxOutcome(prometheus.OutcomeRetried)
	}
}

func truncateError(err error, max int) string {
	if err == nil || err.Error() == "" {
		return unknownError
	}

	msg := []rune(err.Error())
	if max > 0 && len(msg) > max {
		return string(msg[:max])
	}

	return string(msg)
}
