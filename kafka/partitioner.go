package kafka

import (
	"github.com/Shopify/sarama"
)

// OutboxPartitioner hashes on the aggregate key so that every event for one
// entitlement lands on the same partition and stays in order.
type OutboxPartitioner struct {
	topic           string
	hashPartitioner sarama.Partitioner
}

func NewOutboxPartitioner(topic string) sarama.Partitioner {
	return NewOutboxPartitionerWithCustomPartitioner(topic, sarama.NewHashPartitioner(topic))
}

func NewOutboxPartitionerWithCustomPartitioner(topic string, p sarama.Partitioner) sarama.Partitioner {
	return OutboxPartitioner{
		topic:           topic,
		hashPartitioner: p,
	}
}

func (o OutboxPartitioner) Partition(message *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	mk, ok := message.Key.(MessageKey)
	if !ok {
		return o.hashPartitioner.Partition(message, numPartitions)
	}

	key := mk.KeyForPartitioning()

	// hash on the partition key, then put the original key back for the record
	message.Key = sarama.StringEncoder(key)

	ptn, err := o.hashPartitioner.Partition(message, numPartitions)

	message.Key = mk

	return ptn, err
}

func (o OutboxPartitioner) RequiresConsistency() bool {
	return true
}
