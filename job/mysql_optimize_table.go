package job

import (
	"context"
	"database/sql"
	"fmt"

	nr "github.com/newrelic/go-agent/v3/newrelic"

	"inviqa/entitlement-pipeline/log"
	"inviqa/entitlement-pipeline/newrelic"
)

type mysqlOptimizeTable struct {
	Db        *sql.DB
	TableName string
}

func (o *mysqlOptimizeTable) Execute(ctx context.Context) error {
	defer newrelic.DatastoreSegment(ctx, nr.DatastoreMySQL, o.TableName, "OPTIMIZE TABLE").End()

	_, err := o.Db.ExecContext(ctx, fmt.Sprintf("OPTIMIZE TABLE %s;", o.TableName))
	if err != nil {
		log.Logger.WithError(err).WithField("table", o.TableName).Error("an error occurred optimizing the MySQL table")
		return err
	}

	log.Logger.WithField("table", o.TableName).Info("optimized MySQL table successfully")

	return nil
}
