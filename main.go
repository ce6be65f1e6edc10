package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/data"
	"inviqa/entitlement-pipeline/idempotency"
	"inviqa/entitlement-pipeline/job"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/newrelic"
	"inviqa/entitlement-pipeline/notification"
	"inviqa/entitlement-pipeline/outbox"

	nr "github.com/newrelic/go-agent/v3/newrelic"
)

func main() {
	nrApp, stopAgent := newrelic.StartAgent()
	defer stopAgent()

	ctx, cancel := context.WithCancel(context.Background())
	cfg, err := config.NewConfig()
	if err != nil {
		log.Logger.Fatalf("unable to create configuration: %s", err)
	}
	log.ForRole(string(cfg.Role))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	db, dbClose := data.NewDB(cfg)
	defer dbClose()

	var exitCode int
	switch {
	case cfg.RunCleanup:
		exitCode = job.RunCleanup(ctx, retentionStores(db, cfg), cfg)
	case cfg.RunOptimize:
		exitCode = job.RunOptimize(ctx, nrApp, db, cfg)
	default:
		runMainApp(ctx, nrApp, db, cfg)
	}

	if exitCode > 0 {
		dbClose() // we call this manually because os.Exit() does not respect defer
		os.Exit(exitCode)
	}
}

func runMainApp(ctx context.Context, nrApp *nr.Application, db *sql.DB, cfg *config.Config) {
	switch cfg.Role {
	case config.RoleNotification:
		runNotificationRole(ctx, nrApp, db, cfg)
	default:
		runEntitlementRole(ctx, nrApp, db, cfg)
	}
}

func retentionStores(db *sql.DB, cfg *config.Config) job.Stores {
	if cfg.Role == config.RoleNotification {
		return job.Stores{
			ProcessedEvents: notification.NewProcessedEventLedger(db, cfg.DBDriver),
			Notifications:   notification.NewStore(db, cfg),
		}
	}

	return job.Stores{
		Idempotency: idempotency.NewLedger(db, cfg.DBDriver),
		Outbox:      outbox.NewRepository(db, cfg),
	}
}
