package kafka

import (
	"context"
	"time"

	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/prometheus"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type SubscriberOptions struct {
	Topic      string
	AckWait    time.Duration
	MaxDeliver int
}

// Subscriber consumes the events topic as a consumer group and settles every
// record through a broker.Handler. Kafka has no per-message nak or term, so a
// Nak is redelivered in-process after AckWait, up to MaxDeliver deliveries,
// and abandoned or terminated records are written to the dead letter
// recorder before their offset is committed.
type Subscriber struct {
	group     sarama.ConsumerGroup
	handler   broker.Handler
	dedup     broker.DedupWindow
	recorder  broker.DeadLetterRecorder
	opts      SubscriberOptions
	lifecycle broker.Lifecycle
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewSubscriber(kafkaHost []string, groupID string, cfg *sarama.Config, h broker.Handler, dedup broker.DedupWindow, rec broker.DeadLetterRecorder, opts SubscriberOptions) (*Subscriber, error) {
	group, err := sarama.NewConsumerGroup(kafkaHost, groupID, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "kafka: could not create consumer group %s", groupID)
	}

	return NewSubscriberWithGroup(group, h, dedup, rec, opts), nil
}

// NewSubscriberWithGroup builds a subscriber over an existing consumer group.
// dedup may be nil, in which case every record is dispatched.
func NewSubscriberWithGroup(group sarama.ConsumerGroup, h broker.Handler, dedup broker.DedupWindow, rec broker.DeadLetterRecorder, opts SubscriberOptions) *Subscriber {
	return &Subscriber{
		group:    group,
		handler:  h,
		dedup:    dedup,
		recorder: rec,
		opts:     opts,
	}
}

func (s *Subscriber) Start(ctx context.Context) error {
	return s.lifecycle.Start(func() error {
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.done = make(chan struct{})

		go s.consume(ctx)

		log.Logger.WithFields(logrus.Fields{"topic": s.opts.Topic, "max_deliver": s.opts.MaxDeliver}).
			Info("kafka subscriber started")

		return nil
	})
}

func (s *Subscriber) State() broker.State {
	return s.lifecycle.State()
}

func (s *Subscriber) Stop() error {
	return s.lifecycle.Stop(func() error {
		s.cancel()
		<-s.done

		return s.group.Close()
	})
}

func (s *Subscriber) consume(ctx context.Context) {
	defer close(s.done)

	for {
		// Consume returns on every rebalance, so it is called in a loop
		if err := s.group.Consume(ctx, []string{s.opts.Topic}, s); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			log.Logger.WithError(err).WithField("topic", s.opts.Topic).Error("kafka consumer group returned an error")

			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Subscriber) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (s *Subscriber) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (s *Subscriber) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if !s.deliver(session.Context(), msg) {
				// the session ended mid-delivery, leave the offset for the next owner
				return nil
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// deliver dispatches one record until it is settled. It returns false when ctx
// ended before the record could be settled.
func (s *Subscriber) deliver(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	id := header(msg, broker.HeaderMsgID)
	fields := logrus.Fields{"topic": msg.Topic, "partition": msg.Partition, "offset": msg.Offset, "dedup_id": id}

	if s.dedup != nil {
		seen, err := s.dedup.Seen(ctx, id)
		if err != nil {
			log.Logger.WithError(err).WithFields(fields).Warn("dedup window unavailable, dispatching anyway")
		} else if seen {
			log.Logger.WithFields(fields).Debug("skipping record already settled within the dedup window")
			return true
		}
	}

	for delivery := 1; ; delivery++ {
		outcome := s.handler.Handle(ctx, msg.Value)
		prometheus.RecordConsumerOutcome(outcome)

		switch outcome {
		case broker.Ack:
			s.markSettled(ctx, id, fields)
			return true
		case broker.Term:
			s.recordDeadLetter(ctx, msg, broker.ReasonTerminated, fields)
			s.markSettled(ctx, id, fields)
			return true
		}

		if delivery >= s.opts.MaxDeliver {
			log.Logger.WithFields(fields).WithField("deliveries", delivery).Error("record exhausted its deliveries")
			s.recordDeadLetter(ctx, msg, broker.ReasonMaxDeliveries, fields)
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.opts.AckWait):
		}
	}
}

func (s *Subscriber) markSettled(ctx context.Context, id string, fields logrus.Fields) {
	if s.dedup == nil {
		return
	}

	if err := s.dedup.Mark(ctx, id); err != nil {
		log.Logger.WithError(err).WithFields(fields).Warn("could not remember settled record in the dedup window")
	}
}

func (s *Subscriber) recordDeadLetter(ctx context.Context, msg *sarama.ConsumerMessage, reason string, fields logrus.Fields) {
	prometheus.RecordBrokerDeadLetter(reason)

	if s.recorder == nil {
		return
	}

	err := s.recorder.RecordDeadLetter(ctx, broker.DeadLetter{
		Source:    msg.Topic,
		Partition: msg.Partition,
		Sequence:  uint64(msg.Offset),
		Reason:    reason,
	})
	if err != nil {
		log.Logger.WithError(err).WithFields(fields).WithField("reason", reason).
			Error("could not record broker dead letter")
	}
}
