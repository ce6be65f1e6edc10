package jetstream

import (
	"context"
	"errors"

	"inviqa/entitlement-pipeline/broker"

	"github.com/nats-io/nats.go"
)

type fakeJetStream struct {
	published []*nats.Msg
	pubAck    *nats.PubAck
	pubErr    error

	streams       map[string]*nats.StreamInfo
	addStreamErr  error
	addedStreams  []*nats.StreamConfig
	updateStreams []*nats.StreamConfig

	consumers       map[string]*nats.ConsumerInfo
	addConsumerErr  error
	addedConsumers  []*nats.ConsumerConfig
	updateConsumers []*nats.ConsumerConfig

	subscribeErr error
	subscribed   []string
	handlers     []nats.MsgHandler
}

func newFakeJetStream() *fakeJetStream {
	return &fakeJetStream{
		streams:   map[string]*nats.StreamInfo{},
		consumers: map[string]*nats.ConsumerInfo{},
	}
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if f.pubErr != nil {
		return nil, f.pubErr
	}
	f.published = append(f.published, m)

	return f.pubAck, nil
}

func (f *fakeJetStream) StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	info, ok := f.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}

	return info, nil
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	if f.addStreamErr != nil {
		return nil, f.addStreamErr
	}
	f.addedStreams = append(f.addedStreams, cfg)
	info := &nats.StreamInfo{Config: *cfg}
	f.streams[cfg.Name] = info

	return info, nil
}

func (f *fakeJetStream) UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.updateStreams = append(f.updateStreams, cfg)
	info := &nats.StreamInfo{Config: *cfg}
	f.streams[cfg.Name] = info

	return info, nil
}

func (f *fakeJetStream) ConsumerInfo(stream, name string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	info, ok := f.consumers[stream+"/"+name]
	if !ok {
		return nil, nats.ErrConsumerNotFound
	}

	return info, nil
}

func (f *fakeJetStream) AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	if f.addConsumerErr != nil {
		return nil, f.addConsumerErr
	}
	f.addedConsumers = append(f.addedConsumers, cfg)
	info := &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: *cfg}
	f.consumers[stream+"/"+cfg.Durable] = info

	return info, nil
}

func (f *fakeJetStream) UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	f.updateConsumers = append(f.updateConsumers, cfg)
	info := &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: *cfg}
	f.consumers[stream+"/"+cfg.Durable] = info

	return info, nil
}

func (f *fakeJetStream) QueueSubscribe(subj, queue string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subscribed = append(f.subscribed, subj+"|"+queue)
	f.handlers = append(f.handlers, cb)

	return nil, nil
}

type fakeMsg struct {
	acks, naks, terms int
	err               error
}

func (m *fakeMsg) Ack(opts ...nats.AckOpt) error {
	m.acks++
	return m.err
}

func (m *fakeMsg) Nak(opts ...nats.AckOpt) error {
	m.naks++
	return m.err
}

func (m *fakeMsg) Term(opts ...nats.AckOpt) error {
	m.terms++
	return m.err
}

type fakeRecorder struct {
	letters []broker.DeadLetter
	err     error
}

func (r *fakeRecorder) RecordDeadLetter(ctx context.Context, dl broker.DeadLetter) error {
	if r.err != nil {
		return r.err
	}
	r.letters = append(r.letters, dl)

	return nil
}

var errOops = errors.New("oops")
