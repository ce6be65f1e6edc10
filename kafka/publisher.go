package kafka

import (
	"context"
	"fmt"
	"sort"

	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/log"

	"github.com/Shopify/sarama"
	"github.com/sirupsen/logrus"
)

// Publisher produces broker messages to the topic named by their subject. The
// dedup id travels in the same header JetStream uses, so consumers can
// recognise republished events regardless of transport.
type Publisher struct {
	producer sarama.SyncProducer
}

func (p Publisher) Publish(ctx context.Context, m *broker.Message) (*broker.PubAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := &sarama.ProducerMessage{
		Topic:   m.Subject,
		Headers: createRecordHeaders(m),
		Value:   sarama.ByteEncoder(m.Payload),
	}
	if m.Key != "" {
		msg.Key = newMessageKey(m.Key, "")
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		wrapErr := fmt.Errorf("error producing message in Kafka: %w", err)
		log.Logger.WithFields(logrus.Fields{"dedup_id": m.DedupID}).Debug(wrapErr)
		return nil, wrapErr
	}

	log.Logger.Debugf("produced message in Kafka (topic: %s, partition: %d, offset: %d)", m.Subject, partition, offset)

	return &broker.PubAck{
		Stream:    m.Subject,
		Partition: partition,
		Sequence:  uint64(offset),
	}, nil
}

func NewPublisher(kafkaHost []string, cfg *sarama.Config) (Publisher, error) {
	producer, err := sarama.NewSyncProducer(kafkaHost, cfg)
	if err != nil {
		return Publisher{}, fmt.Errorf("could not start kafka producer: %w", err)
	}

	return NewPublisherWithProducer(producer), nil
}

func NewPublisherWithProducer(prod sarama.SyncProducer) Publisher {
	return Publisher{
		producer: prod,
	}
}

func (p Publisher) Close() error {
	return p.producer.Close()
}

func createRecordHeaders(m *broker.Message) []sarama.RecordHeader {
	recs := []sarama.RecordHeader{}
	if m.DedupID != "" {
		recs = append(recs, sarama.RecordHeader{Key: []byte(broker.HeaderMsgID), Value: []byte(m.DedupID)})
	}

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		recs = append(recs, sarama.RecordHeader{Key: []byte(k), Value: []byte(m.Headers[k])})
	}

	return recs
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}

	return ""
}
