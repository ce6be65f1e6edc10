package prometheus

import (
	"context"
	"database/sql"
	"time"

	"inviqa/entitlement-pipeline/log"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const observeInterval = time.Second

var (
	queueSize = promauto.NewGaugeVec(prom.GaugeOpts{
		Name: "pipeline_queue_size",
		Help: "The current size of a queue table (all unfinished rows)",
	}, []string{"queue"})

	oldestPendingAge = promauto.NewGaugeVec(prom.GaugeOpts{
		Name: "pipeline_oldest_pending_age_seconds",
		Help: "Age of the oldest unfinished row in a queue table, 0 when it is empty",
	}, []string{"queue"})
)

type QueueSizer interface {
	GetQueueSize(ctx context.Context) (uint, error)
	GetOldestPending(ctx context.Context) (sql.NullTime, error)
}

// ObserveQueueSize keeps the backlog gauges of one queue table up to date
// until ctx is cancelled.
func ObserveQueueSize(ctx context.Context, queue string, sizer QueueSizer) {
	for {
		size, err := sizer.GetQueueSize(ctx)
		if err != nil {
			log.Logger.WithError(err).WithFields(logrus.Fields{"queue": queue}).
				Error("an error occurred determining the size of the queue")
		} else {
			queueSize.WithLabelValues(queue).Set(float64(size))
		}

		oldest, err := sizer.GetOldestPending(ctx)
		switch {
		case err != nil:
			log.Logger.WithError(err).WithFields(logrus.Fields{"queue": queue}).
				Error("an error occurred determining the oldest pending row")
		case oldest.Valid:
			oldestPendingAge.WithLabelValues(queue).Set(nonNegativeSeconds(time.Since(oldest.Time)))
		default:
			oldestPendingAge.WithLabelValues(queue).Set(0)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(observeInterval):
		}
	}
}
