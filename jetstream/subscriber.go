package jetstream

import (
	"context"

	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/prometheus"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// settler is the part of *nats.Msg used to settle a delivery.
type settler interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// Subscriber binds to a provisioned durable push consumer and settles each
// delivery with the outcome of its handler. JetStream itself redelivers naks
// after the consumer's ack wait and gives up after max deliver.
type Subscriber struct {
	js        JetStream
	subject   string
	stream    string
	durable   string
	handler   broker.Handler
	lifecycle broker.Lifecycle
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewSubscriber(js JetStream, subject, stream, durable string, h broker.Handler) *Subscriber {
	return &Subscriber{
		js:      js,
		subject: subject,
		stream:  stream,
		durable: durable,
		handler: h,
	}
}

func (s *Subscriber) Start(ctx context.Context) error {
	return s.lifecycle.Start(func() error {
		s.ctx, s.cancel = context.WithCancel(ctx)

		sub, err := s.js.QueueSubscribe(s.subject, s.durable, s.handleMessage, nats.Bind(s.stream, s.durable), nats.ManualAck())
		if err != nil {
			s.cancel()
			return errors.Wrapf(err, "jetstream: failed to subscribe to %s", s.subject)
		}
		s.sub = sub

		log.Logger.WithFields(logrus.Fields{"subject": s.subject, "stream": s.stream, "durable": s.durable}).
			Info("jetstream subscriber started")

		return nil
	})
}

func (s *Subscriber) State() broker.State {
	return s.lifecycle.State()
}

func (s *Subscriber) Stop() error {
	return s.lifecycle.Stop(func() error {
		s.cancel()
		if s.sub == nil {
			return nil
		}

		return s.sub.Unsubscribe()
	})
}

func (s *Subscriber) handleMessage(msg *nats.Msg) {
	s.settle(s.ctx, msg.Data, msg, messageFields(msg))
}

func (s *Subscriber) settle(ctx context.Context, data []byte, m settler, fields logrus.Fields) {
	outcome := s.handler.Handle(ctx, data)
	prometheus.RecordConsumerOutcome(outcome)

	var err error
	switch outcome {
	case broker.Ack:
		err = m.Ack()
	case broker.Term:
		err = m.Term()
	default:
		err = m.Nak()
	}

	if err != nil {
		log.Logger.WithError(err).WithFields(fields).WithField("outcome", outcome.String()).
			Warn("failed to settle jetstream message")
	}
}

func messageFields(msg *nats.Msg) logrus.Fields {
	fields := logrus.Fields{"subject": msg.Subject}
	if msg.Header != nil {
		fields["dedup_id"] = msg.Header.Get(nats.MsgIdHdr)
	}

	if md, err := msg.Metadata(); err == nil {
		fields["stream_seq"] = md.Sequence.Stream
		fields["delivered"] = md.NumDelivered
	}

	return fields
}
