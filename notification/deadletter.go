package notification

import (
	"context"
	"database/sql"

	"inviqa/entitlement-pipeline/broker"
	"inviqa/entitlement-pipeline/clock"
	"inviqa/entitlement-pipeline/config"
	s "inviqa/entitlement-pipeline/data/sql"
	"inviqa/entitlement-pipeline/log"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var brokerDeadLetterColumns = []string{"id", "source", "partition_id", "sequence", "reason", "created_at"}

type deadLetterQueryProvider interface {
	InsertIfAbsentSql(columns []string, conflict ...string) string
}

// BrokerDeadLetterStore keeps the position of every message the broker gave
// up on, once per position.
type BrokerDeadLetterStore struct {
	db            *sql.DB
	clock         clock.Clock
	queryProvider deadLetterQueryProvider
}

func NewBrokerDeadLetterStore(db *sql.DB, d config.DbDriver) BrokerDeadLetterStore {
	t := s.TableDef{Table: "broker_dead_letters", IDColumn: "id", Columns: brokerDeadLetterColumns}

	return NewBrokerDeadLetterStoreWith(db, clock.System{}, newQueryProvider(d, t))
}

func NewBrokerDeadLetterStoreWith(db *sql.DB, clk clock.Clock, qp deadLetterQueryProvider) BrokerDeadLetterStore {
	return BrokerDeadLetterStore{db: db, clock: clk, queryProvider: qp}
}

func (st BrokerDeadLetterStore) RecordDeadLetter(ctx context.Context, dl broker.DeadLetter) error {
	q := st.queryProvider.InsertIfAbsentSql(brokerDeadLetterColumns, "source", "partition_id", "sequence")
	res, err := st.db.ExecContext(ctx, q, uuid.New(), dl.Source, dl.Partition, int64(dl.Sequence), dl.Reason, st.clock.Now())
	if err != nil {
		return errors.Errorf("notification: error recording broker dead letter %s/%d/%d: %s", dl.Source, dl.Partition, dl.Sequence, err)
	}

	fields := logrus.Fields{"source": dl.Source, "partition": dl.Partition, "sequence": dl.Sequence, "reason": dl.Reason}
	if count, _ := res.RowsAffected(); count < 1 {
		log.Logger.WithFields(fields).Debug("broker dead letter was already recorded")
		return nil
	}
	log.Logger.WithFields(fields).Warn("recorded broker dead letter")

	return nil
}
