package sql

import (
	"fmt"
	"strings"
)

type PostgresQueryProvider struct {
	TableDef
}

func (p PostgresQueryProvider) BatchCreationSql(batchSize int) string {
	q := `UPDATE %s SET %s
		WHERE %s IN (
			SELECT %s FROM %s WHERE %s
			ORDER BY created_at ASC LIMIT %d FOR UPDATE SKIP LOCKED)`

	return Rebind(fmt.Sprintf(q, p.Table, p.claimAssignments(), p.IDColumn, p.IDColumn, p.Table, p.claimPredicate(), batchSize))
}

func (p PostgresQueryProvider) BatchFetchSql() string {
	return Rebind(p.batchFetch(p.Columns))
}

func (p PostgresQueryProvider) MarkDoneSql() string {
	return Rebind(p.markDone())
}

func (p PostgresQueryProvider) MarkFailureSql() string {
	return Rebind(p.markFailure())
}

func (p PostgresQueryProvider) InsertSql(columns []string) string {
	return Rebind(p.insert(columns))
}

// InsertIfAbsentSql inserts a row unless one already exists for the conflict
// column. A duplicate affects zero rows instead of failing, so the surrounding
// transaction stays usable.
func (p PostgresQueryProvider) InsertIfAbsentSql(columns []string, conflict ...string) string {
	return Rebind(fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", p.insert(columns), strings.Join(conflict, ", ")))
}

func (p PostgresQueryProvider) DeleteBeforeSql(column string, statuses ...string) string {
	return Rebind(p.deleteBefore(column, statuses))
}

func (p PostgresQueryProvider) CountByStatusSql(statuses ...string) string {
	return p.countByStatus(statuses)
}

func (p PostgresQueryProvider) CountStaleSql(statuses ...string) string {
	return Rebind(p.countStale(statuses))
}

func (p PostgresQueryProvider) OldestCreatedSql(statuses ...string) string {
	return p.oldestCreated(statuses)
}

func (p PostgresQueryProvider) FindBySql(column string, limit int) string {
	return Rebind(p.findBy(column, p.Columns, limit))
}

func (p PostgresQueryProvider) GetTotalSizeSql() string {
	return p.totalSize()
}
