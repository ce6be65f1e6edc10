package job

import (
	"context"
	"net/http"
	"time"

	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/log"

	"github.com/sirupsen/logrus"
)

type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type PublishedDeleter interface {
	DeletePublished(ctx context.Context, olderThan time.Time) (int64, error)
}

type ProcessedDeleter interface {
	DeleteBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

type ResolvedDeleter interface {
	DeleteResolved(ctx context.Context, olderThan time.Time) (int64, error)
	CountStale(ctx context.Context, olderThan time.Time) (uint, error)
}

// Stores holds the retention targets of one role. Nil stores are skipped.
type Stores struct {
	Idempotency     ExpiredDeleter
	Outbox          PublishedDeleter
	ProcessedEvents ProcessedDeleter
	Notifications   ResolvedDeleter
}

type Retention struct {
	Published      time.Duration
	ProcessedEvent time.Duration
	Notification   time.Duration
}

type cleanup struct {
	stores    Stores
	retention Retention
	clock     clock.Clock
	SidecarQuitter
}

func RunCleanup(ctx context.Context, s Stores, cfg *config.Config) int {
	j := newCleanupWithDefaultClient(s, RetentionFromConfig(cfg))
	if cfg.SidecarProxyUrl != "" {
		j.EnableSideCarProxyQuit(cfg.SidecarProxyUrl)
	}

	_, err := j.Execute(ctx)
	if err != nil {
		return 1
	}

	return 0
}

// RunRetention applies the retention rules every interval until ctx is
// cancelled.
func RunRetention(ctx context.Context, s Stores, cfg *config.Config) {
	j := newCleanupWithDefaultClient(s, RetentionFromConfig(cfg))
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.RetentionInterval):
			_, _ = j.Execute(ctx)
		}
	}
}

func RetentionFromConfig(cfg *config.Config) Retention {
	return Retention{
		Published:      cfg.PublishedRetention,
		ProcessedEvent: cfg.ProcessedEventRetention,
		Notification:   cfg.NotificationRetention,
	}
}

func newCleanupWithDefaultClient(s Stores, r Retention) *cleanup {
	return newCleanup(s, r, http.DefaultClient)
}

func newCleanup(s Stores, r Retention, cl httpPoster) *cleanup {
	return &cleanup{
		stores:    s,
		retention: r,
		clock:     clock.System{},
		SidecarQuitter: SidecarQuitter{
			Client: cl,
		},
	}
}

// Execute runs every retention rule, even when an earlier one failed, and
// returns the number of deleted rows with the first error encountered.
func (c *cleanup) Execute(ctx context.Context) (int64, error) {
	now := c.clock.Now()

	var (
		total    int64
		firstErr error
	)
	record := func(table string, rows int64, err error) {
		if err != nil {
			log.Logger.WithError(err).WithField("table", table).Error("an error occurred whilst applying retention")
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		log.Logger.WithFields(logrus.Fields{"table": table, "rows": rows}).Info("applied retention")
		total += rows
	}

	if c.stores.Idempotency != nil {
		rows, err := c.stores.Idempotency.DeleteExpired(ctx, now)
		record("idempotency_keys", rows, err)
	}

	if c.stores.Outbox != nil {
		rows, err := c.stores.Outbox.DeletePublished(ctx, now.Add(-c.retention.Published))
		record("outbox_events", rows, err)
	}

	if c.stores.ProcessedEvents != nil {
		rows, err := c.stores.ProcessedEvents.DeleteBefore(ctx, now.Add(-c.retention.ProcessedEvent))
		record("processed_events", rows, err)
	}

	if c.stores.Notifications != nil {
		olderThan := now.Add(-c.retention.Notification)
		rows, err := c.stores.Notifications.DeleteResolved(ctx, olderThan)
		record("notifications", rows, err)

		stale, err := c.stores.Notifications.CountStale(ctx, olderThan)
		switch {
		case err != nil:
			record("notifications", 0, err)
		case stale > 0:
			log.Logger.WithFields(logrus.Fields{"rows": stale, "older_than": olderThan}).
				Error("unfinished notifications are older than the retention period and were kept")
		}
	}

	if firstErr != nil {
		return total, firstErr
	}

	if c.QuitSidecar {
		if err := c.Quit(); err != nil {
			return total, err
		}
	}

	return total, nil
}
