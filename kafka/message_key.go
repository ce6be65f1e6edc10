package kafka

import (
	"github.com/Shopify/sarama"
)

// MessageKey is the record key of a published event. Key is what consumers
// see; PartitionKey, when set, overrides it for partition selection only.
type MessageKey struct {
	Key          string
	PartitionKey string
	sarama.StringEncoder
}

func newMessageKey(key, partitionKey string) MessageKey {
	return MessageKey{
		Key:           key,
		PartitionKey:  partitionKey,
		StringEncoder: sarama.StringEncoder(key),
	}
}

func (mk MessageKey) KeyForPartitioning() string {
	if mk.PartitionKey == "" {
		return mk.Key
	}

	return mk.PartitionKey
}
