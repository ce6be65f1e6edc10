// Package jetstream implements the broker contracts on NATS JetStream, the
// transport whose Nats-Msg-Id duplicate window the pipeline's dedup ids map
// onto directly.
package jetstream

import (
	"time"

	"inviqa/entitlement-pipeline/log"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// JetStream is the subset of nats.JetStreamContext the pipeline uses.
type JetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	ConsumerInfo(stream, name string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Connect dials NATS and returns the connection with its JetStream context.
// The connection reconnects forever; callers close it on shutdown.
func Connect(url, name string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Logger.WithError(err).Warn("disconnected from nats")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Logger.WithField("url", c.ConnectedUrlRedacted()).Info("reconnected to nats")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			entry := log.Logger.WithError(err)
			if sub != nil {
				entry = entry.WithField("subject", sub.Subject)
			}
			entry.Error("asynchronous nats error")
		}),
	)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "jetstream: could not connect to %s", url)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "jetstream: could not create a jetstream context")
	}

	return nc, js, nil
}
