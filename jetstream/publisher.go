package jetstream

import (
	"context"

	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/log"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Publisher publishes broker messages and waits for the stream's PubAck. The
// dedup id is sent as Nats-Msg-Id so the stream drops republished events
// inside its duplicate window.
type Publisher struct {
	js    JetStream
	close func()
}

// NewPublisher publishes through js. closer, if not nil, runs on Close.
func NewPublisher(js JetStream, closer func()) Publisher {
	return Publisher{js: js, close: closer}
}

func (p Publisher) Publish(ctx context.Context, m *broker.Message) (*broker.PubAck, error) {
	msg := nats.NewMsg(m.Subject)
	msg.Data = m.Payload
	if m.DedupID != "" {
		msg.Header.Set(nats.MsgIdHdr, m.DedupID)
	}
	for k, v := range m.Headers {
		msg.Header.Set(k, v)
	}

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "jetstream: error publishing to %s", m.Subject)
	}
	if ack == nil {
		return nil, nil
	}

	log.Logger.WithFields(logrus.Fields{"stream": ack.Stream, "sequence": ack.Sequence, "duplicate": ack.Duplicate}).
		Debug("published message to jetstream")

	return &broker.PubAck{
		Stream:    ack.Stream,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
	}, nil
}

func (p Publisher) Close() error {
	if p.close != nil {
		p.close()
	}

	return nil
}
