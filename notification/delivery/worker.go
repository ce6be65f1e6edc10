package delivery

import (
	"context"
	"time"

	"inviqa/entitlement-pipeline/backoff"
	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/newrelic"
	"inviqa/entitlement-pipeline/notification"
	"inviqa/entitlement-pipeline/prometheus"

	"github.com/google/uuid"
	nr "github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

const unknownError = "unknown error"

type store interface {
	MarkSent(ctx context.Context, b *notification.Batch, n *notification.Notification, now time.Time) (bool, error)
	MarkRetry(ctx context.Context, b *notification.Batch, n *notification.Notification, r notification.Resolution) (bool, error)
	FailWithDeadLetter(ctx context.Context, b *notification.Batch, n *notification.Notification, r notification.Resolution, dl notification.DeadLetter) (bool, error)
}

type Options struct {
	MaxAttempts           int
	ErrorMessageMaxLength int
	Backoff               backoff.Policy
}

// Worker sends claimed notifications and resolves each one on its own.
type Worker struct {
	store  store
	sender notification.Sender
	clock  clock.Clock
	opts   Options
	nrApp  *nr.Application
}

func NewWorker(st store, s notification.Sender, clk clock.Clock, opts Options, nrApp *nr.Application) Worker {
	return Worker{
		store:  st,
		sender: s,
		clock:  clk,
		opts:   opts,
		nrApp:  nrApp,
	}
}

func (w Worker) ListenAndProcess(parent context.Context, batches <-chan *notification.Batch, ready chan<- struct{}) {
	for {
		select {
		case ready <- struct{}{}:
		case <-parent.Done():
			return
		}

		select {
		case b := <-batches:
			if b == nil || len(b.Notifications) == 0 {
				break
			}

			ctx, txn := newrelic.ContextWithTxn(parent, "delivery: Worker.ListenAndProcess()", w.nrApp)
			w.Deliver(ctx, b)
			txn.End()
		case <-parent.Done():
			return
		}
	}
}

func (w Worker) Deliver(ctx context.Context, b *notification.Batch) {
	txn := nr.FromContext(ctx)

	for _, n := range b.Notifications {
		if err := w.sender.Send(ctx, n); err != nil {
			txn.NoticeError(err)
			w.handleFailure(ctx, b, n, err)
			continue
		}

		fields := logrus.Fields{"notification_id": n.Id, "batch_id": b.Id}
		ok, err := w.store.MarkSent(ctx, b, n, w.clock.Now())
		switch {
		case err != nil:
			log.Logger.WithError(err).WithFields(fields).Error("notification was sent but could not be marked as sent")
			txn.NoticeError(err)
		case !ok:
			log.Logger.WithFields(fields).Warn("notification was sent but the lease was lost")
			prometheus.RecordDeliveryOutcome(prometheus.OutcomeLeaseLost)
		default:
			prometheus.RecordDeliveryOutcome(prometheus.OutcomeSent)
		}
	}
}

func (w Worker) handleFailure(ctx context.Context, b *notification.Batch, n *notification.Notification, cause error) {
	now := w.clock.Now()
	attempt := n.AttemptCount + 1
	res := notification.Resolution{
		Status:       notification.StatusPending,
		AttemptCount: attempt,
		LastError:    truncateError(cause, w.opts.ErrorMessageMaxLength),
	}

	fields := logrus.Fields{"notification_id": n.Id, "attempt": attempt, "batch_id": b.Id}

	if attempt >= w.opts.MaxAttempts {
		res.Status = notification.StatusFailed
		dl := notification.DeadLetter{
			Id:             uuid.New(),
			NotificationId: n.Id,
			EventId:        n.EventId,
			Payload:        n.Payload,
			ErrorMessage:   res.LastError,
			CreatedAt:      now,
		}

		ok, err := w.store.FailWithDeadLetter(ctx, b, n, res, dl)
		switch {
		case err != nil:
			log.Logger.WithError(err).WithFields(fields).Error("an error occurred dead-lettering a notification")
		case !ok:
			log.Logger.WithFields(fields).Warn("notification dead-letter skipped because the lease was lost")
			prometheus.RecordDeliveryOutcome(prometheus.OutcomeLeaseLost)
		default:
			log.Logger.WithError(cause).WithFields(fields).Error("notification delivery moved to FAILED")
			prometheus.RecordDeliveryOutcome(prometheus.OutcomeFailed)
			prometheus.RecordDeadLettered()
		}
		return
	}

	res.NextRetryAt.Time = now.Add(w.opts.Backoff.Delay(attempt))
	res.NextRetryAt.Valid = true

	ok, err := w.store.MarkRetry(ctx, b, n, res)
	switch {
	case err != nil:
		log.Logger.WithError(err).WithFields(fields).Error("an error occurred scheduling a notification retry")
	case !ok:
		log.Logger.WithFields(fields).Warn("notification retry skipped because the lease was lost")
		prometheus.RecordDeliveryOutcome(prometheus.OutcomeLeaseLost)
	default:
		log.Logger.WithError(cause).WithFields(fields).WithField("next_retry_at", res.NextRetryAt.Time).
			Warn("notification delivery retry scheduled")
		prometheus.RecordDeliveryOutcome(prometheus.OutcomeRetried)
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
