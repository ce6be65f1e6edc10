package kafka

import (
	"context"
	"strconv"
	"time"

	"inviqa/entitlement-pipeline/log"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const retentionConfig = "retention.ms"

// Provisioner makes sure the events topic exists with the configured
// retention. Several instances may provision at once; the loser of a create
// race reconciles the topic the winner made.
type Provisioner struct {
	admin       sarama.ClusterAdmin
	topic       string
	partitions  int32
	replication int16
	retention   time.Duration
}

func NewProvisioner(admin sarama.ClusterAdmin, topic string, partitions int32, replication int16, retention time.Duration) Provisioner {
	return Provisioner{
		admin:       admin,
		topic:       topic,
		partitions:  partitions,
		replication: replication,
		retention:   retention,
	}
}

func NewClusterAdmin(kafkaHost []string, cfg *sarama.Config) (sarama.ClusterAdmin, error) {
	return sarama.NewClusterAdmin(kafkaHost, cfg)
}

func (p Provisioner) Provision(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	retention := p.retentionMs()
	err := p.admin.CreateTopic(p.topic, &sarama.TopicDetail{
		NumPartitions:     p.partitions,
		ReplicationFactor: p.replication,
		ConfigEntries:     map[string]*string{retentionConfig: &retention},
	}, false)

	switch {
	case err == nil:
		log.Logger.WithFields(logrus.Fields{"topic": p.topic, "partitions": p.partitions}).Info("created kafka topic")
		return nil
	case !topicExists(err):
		return err
	}

	return p.reconcileRetention(retention)
}

func (p Provisioner) reconcileRetention(retention string) error {
	entries, err := p.admin.DescribeConfig(sarama.ConfigResource{
		Type:        sarama.TopicResource,
		Name:        p.topic,
		ConfigNames: []string{retentionConfig},
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.Name == retentionConfig && e.Value == retention {
			log.Logger.WithField("topic", p.topic).Debug("kafka topic is up to date")
			return nil
		}
	}

	log.Logger.WithFields(logrus.Fields{"topic": p.topic, retentionConfig: retention}).Info("updating kafka topic retention")

	return p.admin.AlterConfig(sarama.TopicResource, p.topic, map[string]*string{retentionConfig: &retention}, false)
}

func (p Provisioner) retentionMs() string {
	return strconv.FormatInt(p.retention.Milliseconds(), 10)
}

func topicExists(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}

	var topicErr *sarama.TopicError
	return errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists
}
