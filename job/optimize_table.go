package job

import (
	"context"
	"database/sql"
	"net/http"

	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/newrelic"

	nr "github.com/newrelic/go-agent/v3/newrelic"
)

var (
	EntitlementTables  = []string{"entitlements", "entitlement_audit", "idempotency_keys", "outbox_events"}
	NotificationTables = []string{"processed_events", "notifications", "notification_dlq", "broker_dead_letters"}
)

type Optimizer interface {
	Execute(ctx context.Context) error
}

type optimize struct {
	optimizers []Optimizer
	SidecarQuitter
}

// TablesFor returns the tables owned by a role.
func TablesFor(r config.Role) []string {
	if r == config.RoleNotification {
		return NotificationTables
	}

	return EntitlementTables
}

func RunOptimize(ctx context.Context, nrApp *nr.Application, db *sql.DB, cfg *config.Config) int {
	ctx, txn := newrelic.ContextWithTxn(ctx, "job: optimize", nrApp)
	defer txn.End()

	j := newOptimize(db, TablesFor(cfg.Role), cfg.DBDriver, http.DefaultClient)
	if j == nil {
		log.Logger.WithField("driver", cfg.DBDriver).Fatalf("unable to determine the database driver")
		return 1
	}

	if cfg.SidecarProxyUrl != "" {
		j.EnableSideCarProxyQuit(cfg.SidecarProxyUrl)
	}

	if err := j.Execute(ctx); err != nil {
		return 1
	}

	return 0
}

func newOptimize(db *sql.DB, tables []string, dr config.DbDriver, cl httpPoster) *optimize {
	j := &optimize{SidecarQuitter: SidecarQuitter{Client: cl}}
	for _, t := range tables {
		o := newOptimizeTable(db, t, dr)
		if o == nil {
			return nil
		}
		j.optimizers = append(j.optimizers, o)
	}

	return j
}

// Execute optimizes every table, even when an earlier one failed.
func (j *optimize) Execute(ctx context.Context) error {
	var firstErr error
	for _, o := range j.optimizers {
		if err := o.Execute(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return firstErr
	}

	if j.QuitSidecar {
		return j.Quit()
	}

	return nil
}

func newOptimizeTable(db *sql.DB, tableName string, dr config.DbDriver) Optimizer {
	switch true {
	case dr.MySQL():
		return &mysqlOptimizeTable{
			Db:        db,
			TableName: tableName,
		}
	case dr.Postgres():
		return &postgresOptimizeTable{
			Db:        db,
			TableName: tableName,
		}
	}
	return nil
}
