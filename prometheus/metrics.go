package prometheus

import (
	"time"

	"inviqa/entitlement-pipeline/broker"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomePublished = "published"
	OutcomeSent      = "sent"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeLeaseLost = "lease_lost"
)

var (
	outboxPublishOutcomes = promauto.NewCounterVec(prom.CounterOpts{
		Name: "outbox_publish_total",
		Help: "Outbox publish attempts by outcome",
	}, []string{"outcome"})

	outboxFailedCurrent = promauto.NewGauge(prom.GaugeOpts{
		Name: "outbox_failed_current",
		Help: "The number of outbox events that exhausted their attempts",
	})

	outboxBacklogAge = promauto.NewHistogram(prom.HistogramOpts{
		Name:    "outbox_backlog_age_seconds",
		Help:    "Age of an outbox event when it was picked up for publishing",
		Buckets: prom.ExponentialBuckets(0.05, 2, 14),
	})

	outboxPublishDelay = promauto.NewHistogram(prom.HistogramOpts{
		Name:    "outbox_publish_delay_seconds",
		Help:    "Time between an entitlement change and its event being published",
		Buckets: prom.ExponentialBuckets(0.05, 2, 14),
	})

	deliveryOutcomes = promauto.NewCounterVec(prom.CounterOpts{
		Name: "notification_delivery_total",
		Help: "Notification delivery attempts by outcome",
	}, []string{"outcome"})

	deliveryDeadLettered = promauto.NewCounter(prom.CounterOpts{
		Name: "notification_dlq_total",
		Help: "Notifications moved to the dead letter table",
	})

	consumerOutcomes = promauto.NewCounterVec(prom.CounterOpts{
		Name: "notification_consumer_total",
		Help: "Consumed entitlement events by settlement outcome",
	}, []string{"outcome"})

	entitlementCommands = promauto.NewCounterVec(prom.CounterOpts{
		Name: "entitlement_command_total",
		Help: "Entitlement commands by action and result",
	}, []string{"action", "result"})

	brokerDeadLetters = promauto.NewCounterVec(prom.CounterOpts{
		Name: "broker_dead_letters_total",
		Help: "Messages the broker stopped redelivering, by reason",
	}, []string{"reason"})
)

func RecordOutboxOutcome(outcome string) {
	outboxPublishOutcomes.WithLabelValues(outcome).Inc()
}

func SetOutboxFailed(n uint) {
	outboxFailedCurrent.Set(float64(n))
}

func ObserveOutboxBacklogAge(occurredAt, now time.Time) {
	outboxBacklogAge.Observe(nonNegativeSeconds(now.Sub(occurredAt)))
}

func ObserveOutboxPublishDelay(occurredAt, now time.Time) {
	outboxPublishDelay.Observe(nonNegativeSeconds(now.Sub(occurredAt)))
}

func RecordDeliveryOutcome(outcome string) {
	deliveryOutcomes.WithLabelValues(outcome).Inc()
}

func RecordDeadLettered() {
	deliveryDeadLettered.Inc()
}

func RecordConsumerOutcome(o broker.Outcome) {
	consumerOutcomes.WithLabelValues(o.String()).Inc()
}

func RecordBrokerDeadLetter(reason string) {
	brokerDeadLetters.WithLabelValues(reason).Inc()
}

func RecordCommand(action, result string) {
	entitlementCommands.WithLabelValues(action, result).Inc()
}

func nonNegativeSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}

	return d.Seconds()
}
