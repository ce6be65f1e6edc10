package jetstream

import (
	"context"
	"encoding/json"
	"strings"

	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/prometheus"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	maxDeliveriesAdvisory = "$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES"
	terminatedAdvisory    = "$JS.EVENT.ADVISORY.CONSUMER.MSG_TERMINATED"
)

// AdvisorySubjects are the subjects on which the server announces that it
// stopped redelivering a message of stream's durable consumer.
func AdvisorySubjects(stream, durable string) []string {
	return []string{
		maxDeliveriesAdvisory + "." + stream + "." + durable,
		terminatedAdvisory + "." + stream + "." + durable,
	}
}

// AdvisoryStream captures the advisories of a consumer so they survive while
// no subscriber is running.
func AdvisoryStream(name, stream, durable string) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      name,
		Subjects:  AdvisorySubjects(stream, durable),
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}
}

type advisory struct {
	Stream    string `json:"stream"`
	Consumer  string `json:"consumer"`
	StreamSeq int64  `json:"stream_seq"`
}

// AdvisorySubscriber turns max-deliveries and terminated advisories into
// broker dead letter records, which point back at the stream sequence of the
// abandoned message.
type AdvisorySubscriber struct {
	js        JetStream
	stream    string
	durable   string
	watched   string
	subject   string
	recorder  broker.DeadLetterRecorder
	lifecycle broker.Lifecycle
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewAdvisorySubscriber reads the advisory stream through its durable
// consumer. watchedStream and watchedDurable name the consumer whose
// advisories are captured.
func NewAdvisorySubscriber(js JetStream, stream, durable, watchedStream, watchedDurable string, rec broker.DeadLetterRecorder) *AdvisorySubscriber {
	return &AdvisorySubscriber{
		js:       js,
		stream:   stream,
		durable:  durable,
		watched:  watchedStream,
		subject:  "$JS.EVENT.ADVISORY.CONSUMER.*." + watchedStream + "." + watchedDurable,
		recorder: rec,
	}
}

func (a *AdvisorySubscriber) Start(ctx context.Context) error {
	return a.lifecycle.Start(func() error {
		a.ctx, a.cancel = context.WithCancel(ctx)

		sub, err := a.js.QueueSubscribe(a.subject, a.durable, a.handleMessage, nats.Bind(a.stream, a.durable), nats.ManualAck())
		if err != nil {
			a.cancel()
			return errors.Wrapf(err, "jetstream: failed to subscribe to advisory stream %s", a.stream)
		}
		a.sub = sub

		log.Logger.WithFields(logrus.Fields{"stream": a.stream, "durable": a.durable}).
			Info("jetstream advisory subscriber started")

		return nil
	})
}

func (a *AdvisorySubscriber) State() broker.State {
	return a.lifecycle.State()
}

func (a *AdvisorySubscriber) Stop() error {
	return a.lifecycle.Stop(func() error {
		a.cancel()
		if a.sub == nil {
			return nil
		}

		return a.sub.Unsubscribe()
	})
}

func (a *AdvisorySubscriber) handleMessage(msg *nats.Msg) {
	a.settle(a.ctx, msg.Subject, msg.Data, msg)
}

func (a *AdvisorySubscriber) settle(ctx context.Context, subject string, data []byte, m settler) {
	fields := logrus.Fields{"subject": subject}

	dl, ok := a.parse(subject, data, fields)
	if !ok {
		// an advisory that cannot point at a message is of no use for replay
		if err := m.Ack(); err != nil {
			log.Logger.WithError(err).WithFields(fields).Warn("failed to ack advisory message")
		}
		return
	}

	if err := a.recorder.RecordDeadLetter(ctx, dl); err != nil {
		log.Logger.WithError(err).WithFields(fields).Warn("temporary failure while recording advisory")
		if err := m.Nak(); err != nil {
			log.Logger.WithError(err).WithFields(fields).Warn("failed to nak advisory message")
		}
		return
	}

	prometheus.RecordBrokerDeadLetter(dl.Reason)
	log.Logger.WithFields(fields).WithFields(logrus.Fields{"stream_seq": dl.Sequence, "reason": dl.Reason}).
		Warn("recorded broker dead letter")

	if err := m.Ack(); err != nil {
		log.Logger.WithError(err).WithFields(fields).Warn("failed to ack advisory message")
	}
}

func (a *AdvisorySubscriber) parse(subject string, data []byte, fields logrus.Fields) (broker.DeadLetter, bool) {
	var adv advisory
	if err := json.Unmarshal(data, &adv); err != nil {
		log.Logger.WithError(err).WithFields(fields).Warn("failed to parse advisory payload")
		return broker.DeadLetter{}, false
	}

	if adv.StreamSeq <= 0 {
		log.Logger.WithFields(fields).Warn("advisory payload missing stream_seq")
		return broker.DeadLetter{}, false
	}

	source := adv.Stream
	if source == "" {
		source = a.watched
	}

	return broker.DeadLetter{
		Source:   source,
		Sequence: uint64(adv.StreamSeq),
		Reason:   advisoryReason(subject),
	}, true
}

func advisoryReason(subject string) string {
	if strings.HasPrefix(subject, terminatedAdvisory) {
		return broker.ReasonTerminated
	}

	return broker.ReasonMaxDeliveries
}
