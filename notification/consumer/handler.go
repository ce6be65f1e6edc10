package consumer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/data"
	"inviqa/entitlement-pipeline/event"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/notification"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrPermanent marks an event that can never be processed, however often it
// is redelivered.
var ErrPermanent = errors.New("consumer: event can never be processed")

type ledger interface {
	InsertIfAbsent(ctx context.Context, q data.Querier, eventID uuid.UUID, now time.Time) (bool, error)
}

type store interface {
	Insert(ctx context.Context, q data.Querier, n *notification.Notification) error
}

// Handler turns entitlement events into PENDING notifications, exactly once per
// event id.
type Handler struct {
	db     *sql.DB
	ledger ledger
	store  store
	clock  clock.Clock
}

func NewHandler(db *sql.DB, l ledger, st store, clk clock.Clock) *Handler {
	return &Handler{
		db:     db,
		ledger: l,
		store:  st,
		clock:  clk,
	}
}

func (h *Handler) Handle(ctx context.Context, raw []byte) (o broker.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Logger.WithField("panic", p).Error("recovered from a panic while handling an event")
			o = broker.Nak
		}
	}()

	e, err := event.ParseEntitlement(raw)
	if err != nil {
		log.Logger.WithError(err).Error("dropping an event that cannot be decoded")
		return broker.Term
	}

	fields := logrus.Fields{"event_id": e.EventID, "event_type": e.EventType}

	err = h.process(ctx, e)
	switch {
	case errors.Is(err, ErrPermanent):
		log.Logger.WithError(err).WithFields(fields).Error("dropping an event that can never be processed")
		return broker.Term
	case err != nil:
		log.Logger.WithError(err).WithFields(fields).Warn("event processing failed and will be redelivered")
		return broker.Nak
	}

	return broker.Ack
}

func (h *Handler) process(ctx context.Context, e *event.Entitlement) error {
	eventID, err := uuid.Parse(e.EventID)
	if err != nil {
		return fmt.Errorf("%w: invalid event_id %q", ErrPermanent, e.EventID)
	}

	occurredAt, err := time.Parse(time.RFC3339, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("%w: invalid occurred_at %q", ErrPermanent, e.OccurredAt)
	}

	if e.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrPermanent)
	}

	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPermanent, err)
	}

	return data.InTx(ctx, h.db, func(tx *sql.Tx) error {
		now := h.clock.Now()

		fresh, err := h.ledger.InsertIfAbsent(ctx, tx, eventID, now)
		if err != nil {
			return err
		}
		if !fresh {
			log.Logger.WithField("event_id", eventID).Debug("event was already processed")
			return nil
		}

		return h.store.Insert(ctx, tx, &notification.Notification{
			Id:         uuid.New(),
			EventId:    eventID,
			UserId:     e.UserID,
			Type:       e.EventType,
			OccurredAt: occurredAt.UTC(),
			Payload:    payload,
			Status:     notification.StatusPending,
			CreatedAt:  now,
		})
	})
}
