package jetstream

import (
	"context"
	"reflect"
	"time"

	"inviqa/entitlement-pipeline/log"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ConsumerSpec names a durable consumer and the stream it reads.
type ConsumerSpec struct {
	Stream string
	Config *nats.ConsumerConfig
}

// Provisioner upserts streams and then durable consumers. Stream and consumer
// creation races between instances are resolved by re-reading and updating.
type Provisioner struct {
	js        JetStream
	streams   []*nats.StreamConfig
	consumers []ConsumerSpec
}

func NewProvisioner(js JetStream, streams []*nats.StreamConfig, consumers []ConsumerSpec) Provisioner {
	return Provisioner{js: js, streams: streams, consumers: consumers}
}

// EventStream is the stream the outbox publishes to. duplicates is the window
// in which a repeated Nats-Msg-Id is dropped.
func EventStream(name, subject string, duplicates time.Duration) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       name,
		Subjects:   []string{subject},
		Duplicates: duplicates,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
	}
}

// DurablePushConsumer delivers to a queue group named after the durable, so
// several instances share the work of one consumer.
func DurablePushConsumer(durable, filterSubject string, ackWait time.Duration, maxDeliver int) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:        durable,
		DeliverSubject: "_deliver." + durable,
		DeliverGroup:   durable,
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        ackWait,
		MaxDeliver:     maxDeliver,
		FilterSubject:  filterSubject,
	}
}

func (p Provisioner) Provision(ctx context.Context) error {
	for _, s := range p.streams {
		if err := p.ensureStream(ctx, s); err != nil {
			return err
		}
	}

	for _, c := range p.consumers {
		if err := p.ensureConsumer(ctx, c); err != nil {
			return err
		}
	}

	return nil
}

func (p Provisioner) ensureStream(ctx context.Context, cfg *nats.StreamConfig) error {
	fields := logrus.Fields{"stream": cfg.Name, "subjects": cfg.Subjects, "duplicates": cfg.Duplicates}

	info, err := p.js.StreamInfo(cfg.Name, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = p.js.AddStream(cfg, nats.Context(ctx))
		if err == nil {
			log.Logger.WithFields(fields).Info("created jetstream stream")
			return nil
		}
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return errors.Wrapf(err, "jetstream: could not add stream %s", cfg.Name)
		}
		// another instance created it first
		if info, err = p.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
			return errors.Wrapf(err, "jetstream: could not read stream %s", cfg.Name)
		}
	case err != nil:
		return errors.Wrapf(err, "jetstream: could not read stream %s", cfg.Name)
	}

	if streamUpToDate(info, cfg) {
		log.Logger.WithFields(fields).Debug("jetstream stream is up to date")
		return nil
	}

	if _, err := p.js.UpdateStream(cfg, nats.Context(ctx)); err != nil {
		return errors.Wrapf(err, "jetstream: could not update stream %s", cfg.Name)
	}
	log.Logger.WithFields(fields).Info("updated jetstream stream")

	return nil
}

func (p Provisioner) ensureConsumer(ctx context.Context, spec ConsumerSpec) error {
	cfg := spec.Config
	fields := logrus.Fields{"stream": spec.Stream, "durable": cfg.Durable, "ack_wait": cfg.AckWait, "max_deliver": cfg.MaxDeliver}

	info, err := p.js.ConsumerInfo(spec.Stream, cfg.Durable, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrConsumerNotFound):
		_, err = p.js.AddConsumer(spec.Stream, cfg, nats.Context(ctx))
		if err == nil {
			log.Logger.WithFields(fields).Info("created jetstream consumer")
			return nil
		}
		if !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
			return errors.Wrapf(err, "jetstream: could not add consumer %s", cfg.Durable)
		}
		if info, err = p.js.ConsumerInfo(spec.Stream, cfg.Durable, nats.Context(ctx)); err != nil {
			return errors.Wrapf(err, "jetstream: could not read consumer %s", cfg.Durable)
		}
	case err != nil:
		return errors.Wrapf(err, "jetstream: could not read consumer %s", cfg.Durable)
	}

	if consumerUpToDate(info, cfg) {
		log.Logger.WithFields(fields).Debug("jetstream consumer is up to date")
		return nil
	}

	if _, err := p.js.UpdateConsumer(spec.Stream, cfg, nats.Context(ctx)); err != nil {
		return errors.Wrapf(err, "jetstream: could not update consumer %s", cfg.Durable)
	}
	log.Logger.WithFields(fields).Info("updated jetstream consumer")

	return nil
}

func streamUpToDate(info *nats.StreamInfo, cfg *nats.StreamConfig) bool {
	if info == nil {
		return false
	}

	return reflect.DeepEqual(info.Config.Subjects, cfg.Subjects) && info.Config.Duplicates == cfg.Duplicates
}

func consumerUpToDate(info *nats.ConsumerInfo, cfg *nats.ConsumerConfig) bool {
	if info == nil {
		return false
	}

	c := info.Config
	return c.AckPolicy == cfg.AckPolicy &&
		c.AckWait == cfg.AckWait &&
		c.MaxDeliver == cfg.MaxDeliver &&
		c.FilterSubject == cfg.FilterSubject &&
		c.DeliverSubject == cfg.DeliverSubject &&
		c.DeliverGroup == cfg.DeliverGroup
}
