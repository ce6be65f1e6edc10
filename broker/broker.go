// Package broker describes the transport the pipeline publishes entitlement
// events to and consumes them from, independent of Kafka or JetStream.
package broker

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

const (
	// HeaderMsgID carries the dedup id. It is the header JetStream itself uses
	// for duplicate detection, and the Kafka subscriber reads the same key.
	HeaderMsgID         = "Nats-Msg-Id"
	HeaderEventType     = "event_type"
	HeaderAggregateKey  = "aggregate_key"
	HeaderOccurredAt    = "occurred_at"
	HeaderTraceID       = "trace_id"
	HeaderDeliveryCount = "delivery_count"
)

var ErrMissingAck = errors.New("broker: publish was not acknowledged")

type Message struct {
	Subject string
	DedupID string
	Key     string
	Headers map[string]string
	Payload []byte
}

// PubAck is the broker's confirmation that a message was stored.
type PubAck struct {
	Stream    string
	Partition int32
	Sequence  uint64
	Duplicate bool
}

type Publisher interface {
	io.Closer
	Publish(ctx context.Context, m *Message) (*PubAck, error)
}

type Subscriber interface {
	Start(ctx context.Context) error
	Stop() error
	State() State
}

// Provisioner creates or reconciles the broker-side resources (stream, topic,
// durable consumer) a publisher or subscriber relies on.
type Provisioner interface {
	Provision(ctx context.Context) error
}

// Outcome is what a handler decided about one delivery.
type Outcome int

const (
	// Ack settles the message.
	Ack Outcome = iota
	// Nak asks for redelivery after the ack wait.
	Nak
	// Term stops redelivery for good.
	Term
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	case Term:
		return "term"
	}

	return "unknown"
}

type Handler interface {
	Handle(ctx context.Context, raw []byte) Outcome
}

type HandlerFunc func(ctx context.Context, raw []byte) Outcome

func (f HandlerFunc) Handle(ctx context.Context, raw []byte) Outcome {
	return f(ctx, raw)
}

// DeadLetter identifies a message the broker gave up delivering.
type DeadLetter struct {
	Source    string
	Partition int32
	Sequence  uint64
	Reason    string
}

const (
	ReasonMaxDeliveries = "MAX_DELIVERIES"
	ReasonTerminated    = "MSG_TERMINATED"
)

// DeadLetterRecorder persists broker dead letters so that an operator can
// replay them from the stream or topic later.
type DeadLetterRecorder interface {
	RecordDeadLetter(ctx context.Context, dl DeadLetter) error
}
