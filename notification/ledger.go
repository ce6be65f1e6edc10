package notification

import (
	"context"
	"database/sql"
	"time"

	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/data"
	s "inviqa/entitlement-pipeline/data/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ledgerColumns = []string{"event_id", "processed_at"}

type ledgerQueryProvider interface {
	InsertIfAbsentSql(columns []string, conflict ...string) string
	DeleteBeforeSql(column string, statuses ...string) string
}

// ProcessedEventLedger records which broker events were already turned into
// notifications.
type ProcessedEventLedger struct {
	db            *sql.DB
	queryProvider ledgerQueryProvider
}

func NewProcessedEventLedger(db *sql.DB, d config.DbDriver) ProcessedEventLedger {
	t := s.TableDef{Table: "processed_events", IDColumn: "event_id", Columns: ledgerColumns}

	return NewProcessedEventLedgerWithQueryProvider(db, newQueryProvider(d, t))
}

func NewProcessedEventLedgerWithQueryProvider(db *sql.DB, qp ledgerQueryProvider) ProcessedEventLedger {
	return ProcessedEventLedger{db: db, queryProvider: qp}
}

// InsertIfAbsent returns true when eventID was recorded by this call and false
// when it had been recorded before.
func (l ProcessedEventLedger) InsertIfAbsent(ctx context.Context, q data.Querier, eventID uuid.UUID, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, l.queryProvider.InsertIfAbsentSql(ledgerColumns, "event_id"), eventID, now)
	if err != nil {
		return false, errors.Errorf("notification: error recording processed event %s: %s", eventID, err)
	}

	count, _ := res.RowsAffected()

	return count > 0, nil
}

func (l ProcessedEventLedger) DeleteBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.queryProvider.DeleteBeforeSql("processed_at"), olderThan)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
