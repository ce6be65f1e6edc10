package job

import (
	"context"
	"database/sql"
	"fmt"

	nr "github.com/newrelic/go-agent/v3/newrelic"

	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/newrelic"
)

type postgresOptimizeTable struct {
	Db        *sql.DB
	TableName string
}

func (o *postgresOptimizeTable) Execute(ctx context.Context) error {
	defer newrelic.DatastoreSegment(ctx, nr.DatastorePostgres, o.TableName, "VACUUM").End()

	_, err := o.Db.ExecContext(ctx, fmt.Sprintf("VACUUM %s;", o.TableName))
	if err != nil {
		log.Logger.WithError(err).WithField("table", o.TableName).Error("an error occurred optimizing the Postgres table")
		return err
	}

	log.Logger.WithField("table", o.TableName).Info("optimized Postgres table successfully")

	return nil
}
