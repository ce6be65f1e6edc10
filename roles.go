package main

import (
	"context"
	"database/sql"

	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/entitlement"
	h "inviqa/entitlement-pipeline/http"
	"inviqa/entitlement-pipeline/idempotency"
	"inviqa/entitlement-pipeline/jetstream"
	"inviqa/entitlement-pipeline/job"
	"inviqa/entitlement-pipeline/kafka"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/notification"
	"inviqa/entitlement-pipeline/notification/consumer"
	"inviqa/entitlement-pipeline/notification/delivery"
	"inviqa/entitlement-pipeline/outbox"
	"inviqa/entitlement-pipeline/outbox/publisher"
	"inviqa/entitlement-pipeline/prometheus"

	"github.com/nats-io/nats.go"
	nr "github.com/newrelic/go-agent/v3/newrelic"
)

const clientName = "entitlement-pipeline"

func runEntitlementRole(ctx context.Context, nrApp *nr.Application, db *sql.DB, cfg *config.Config) {
	pub := newPublisher(ctx, cfg)
	defer func() {
		if err := pub.Close(); err != nil {
			log.Logger.WithError(err).Error("error closing the broker publisher")
		}
	}()

	repo := outbox.NewRepository(db, cfg)
	// publishing workers must finish before the publisher is closed
	defer publisher.Start(ctx, cfg, repo, pub, nrApp)()

	go job.RunRetention(ctx, job.Stores{
		Idempotency: idempotency.NewLedger(db, cfg.DBDriver),
		Outbox:      repo,
	}, cfg)

	go prometheus.ObserveQueueSize(ctx, "outbox_events", repo)
	go prometheus.ObserveTotalSize(ctx, []prometheus.TotalSizer{repo})

	proc := entitlement.NewProcessor(db, cfg, repo)
	prometheus.StartHttpServer(ctx, cfg, db, nil, h.EntitlementRoutes(proc))
}

func runNotificationRole(ctx context.Context, nrApp *nr.Application, db *sql.DB, cfg *config.Config) {
	store := notification.NewStore(db, cfg)
	ledger := notification.NewProcessedEventLedger(db, cfg.DBDriver)
	handler := consumer.NewHandler(db, ledger, store, clock.System{})
	dlStore := notification.NewBrokerDeadLetterStore(db, cfg.DBDriver)

	subs, closeTransport := newSubscribers(ctx, cfg, handler, dlStore)
	defer closeTransport()
	for _, s := range subs {
		if err := s.Start(ctx); err != nil {
			log.Logger.WithError(err).Fatal("unable to start the event consumer")
		}
	}
	defer func() {
		for _, s := range subs {
			if err := s.Stop(); err != nil {
				log.Logger.WithError(err).Error("error stopping the event consumer")
			}
		}
	}()

	defer delivery.Start(ctx, cfg, store, notification.NewSender(cfg.FailureInjectionUserPrefix), nrApp)()

	go job.RunRetention(ctx, job.Stores{
		ProcessedEvents: ledger,
		Notifications:   store,
	}, cfg)

	go prometheus.ObserveQueueSize(ctx, "notifications", store)
	go prometheus.ObserveTotalSize(ctx, []prometheus.TotalSizer{store})

	prometheus.StartHttpServer(ctx, cfg, db, []h.Readiness{h.SubscribersRunning(subs...)}, h.NotificationRoutes(store))
}

func newPublisher(ctx context.Context, cfg *config.Config) broker.Publisher {
	if cfg.BrokerDriver == config.JetStream {
		nc, js, err := jetstream.Connect(cfg.NatsURL, clientName)
		if err != nil {
			log.Logger.WithError(err).Fatal("unable to connect to nats")
		}

		prov := jetstream.NewProvisioner(js, eventStreams(cfg), nil)
		provision(ctx, prov)

		return jetstream.NewPublisher(js, nc.Close)
	}

	scfg := kafka.NewSaramaConfig(cfg.TLSEnable, cfg.TLSSkipVerifyPeer)
	provisionTopic(ctx, cfg)

	pub, err := kafka.NewPublisher(cfg.KafkaHost, scfg)
	if err != nil {
		log.Logger.WithError(err).Fatal("unable to create the kafka publisher")
	}

	return pub
}

// newSubscribers returns the event subscriber plus, on JetStream, the
// advisory subscriber that records broker dead letters. The returned func
// releases the transport connection once the subscribers are stopped.
func newSubscribers(ctx context.Context, cfg *config.Config, handler broker.Handler, dl broker.DeadLetterRecorder) ([]broker.Subscriber, func()) {
	if cfg.BrokerDriver == config.JetStream {
		nc, js, err := jetstream.Connect(cfg.NatsURL, clientName)
		if err != nil {
			log.Logger.WithError(err).Fatal("unable to connect to nats")
		}

		streams := append(eventStreams(cfg), jetstream.AdvisoryStream(cfg.AdvisoryStream, cfg.Stream, cfg.Durable))
		consumers := []jetstream.ConsumerSpec{
			{Stream: cfg.Stream, Config: jetstream.DurablePushConsumer(cfg.Durable, cfg.Subject, cfg.AckWait, cfg.MaxDeliver)},
			{Stream: cfg.AdvisoryStream, Config: jetstream.DurablePushConsumer(cfg.AdvisoryDurable, "", cfg.AckWait, cfg.MaxDeliver)},
		}
		provision(ctx, jetstream.NewProvisioner(js, streams, consumers))

		return []broker.Subscriber{
			jetstream.NewSubscriber(js, cfg.Subject, cfg.Stream, cfg.Durable, handler),
			jetstream.NewAdvisorySubscriber(js, cfg.AdvisoryStream, cfg.AdvisoryDurable, cfg.Stream, cfg.Durable, dl),
		}, nc.Close
	}

	provisionTopic(ctx, cfg)

	var dedup broker.DedupWindow
	closeRedis := func() {}
	if cfg.RedisAddr != "" {
		rdb, err := broker.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Logger.WithError(err).Fatal("unable to connect to redis")
		}
		dedup = broker.NewRedisDedupWindow(rdb, cfg.DedupWindow, cfg.Subject)
		closeRedis = func() {
			if err := rdb.Close(); err != nil {
				log.Logger.WithError(err).Error("error closing the redis client")
			}
		}
	}

	scfg := kafka.NewSaramaConfig(cfg.TLSEnable, cfg.TLSSkipVerifyPeer)
	sub, err := kafka.NewSubscriber(cfg.KafkaHost, cfg.Durable, scfg, handler, dedup, dl, kafka.SubscriberOptions{
		Topic:      cfg.Subject,
		AckWait:    cfg.AckWait,
		MaxDeliver: cfg.MaxDeliver,
	})
	if err != nil {
		log.Logger.WithError(err).Fatal("unable to create the kafka subscriber")
	}

	return []broker.Subscriber{sub}, closeRedis
}

func eventStreams(cfg *config.Config) []*nats.StreamConfig {
	return []*nats.StreamConfig{jetstream.EventStream(cfg.Stream, cfg.Subject, cfg.DedupWindow)}
}

func provisionTopic(ctx context.Context, cfg *config.Config) {
	admin, err := kafka.NewClusterAdmin(cfg.KafkaHost, kafka.NewSaramaConfig(cfg.TLSEnable, cfg.TLSSkipVerifyPeer))
	if err != nil {
		log.Logger.WithError(err).Fatal("unable to connect to the kafka cluster admin")
	}
	defer func() {
		if err := admin.Close(); err != nil {
			log.Logger.WithError(err).Error("error closing the kafka cluster admin")
		}
	}()

	provision(ctx, kafka.NewProvisioner(admin, cfg.Subject, cfg.TopicPartitions, cfg.TopicReplication, cfg.TopicRetention))
}

func provision(ctx context.Context, p broker.Provisioner) {
	if err := p.Provision(ctx); err != nil {
		log.Logger.WithError(err).Fatal("unable to provision the broker")
	}
}
