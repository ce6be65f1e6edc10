package sql

import (
	"fmt"
)

type MysqlQueryProvider struct {
	TableDef
}

// BatchCreationSql claims rows with a single UPDATE ... ORDER BY ... LIMIT.
// MySQL cannot combine SKIP LOCKED with a self-referencing update, so a
// concurrent claimant waits on the row locks instead of skipping them; the
// predicate is re-evaluated once the lock is granted and rows another worker
// already claimed no longer match.
func (m MysqlQueryProvider) BatchCreationSql(batchSize int) string {
	q := `UPDATE %s SET %s
		WHERE %s
		ORDER BY created_at ASC LIMIT %d`

	return fmt.Sprintf(q, m.Table, m.claimAssignments(), m.claimPredicate(), batchSize)
}

func (m MysqlQueryProvider) BatchFetchSql() string {
	return m.batchFetch(m.escapeColumns())
}

func (m MysqlQueryProvider) MarkDoneSql() string {
	return m.markDone()
}

func (m MysqlQueryProvider) MarkFailureSql() string {
	return m.markFailure()
}

func (m MysqlQueryProvider) InsertSql(columns []string) string {
	return m.insert(escape(columns))
}

// InsertIfAbsentSql turns a duplicate key into a no-op assignment. With the
// driver's default clientFoundRows=false an unchanged row reports zero rows
// affected, exactly like a fresh insert that was skipped.
func (m MysqlQueryProvider) InsertIfAbsentSql(columns []string, conflict ...string) string {
	first := "`" + conflict[0] + "`"

	return fmt.Sprintf("%s ON DUPLICATE KEY UPDATE %s = %s", m.insert(escape(columns)), first, first)
}

func (m MysqlQueryProvider) DeleteBeforeSql(column string, statuses ...string) string {
	return m.deleteBefore(column, statuses)
}

func (m MysqlQueryProvider) CountByStatusSql(statuses ...string) string {
	return m.countByStatus(statuses)
}

func (m MysqlQueryProvider) CountStaleSql(statuses ...string) string {
	return m.countStale(statuses)
}

func (m MysqlQueryProvider) OldestCreatedSql(statuses ...string) string {
	return m.oldestCreated(statuses)
}

func (m MysqlQueryProvider) FindBySql(column string, limit int) string {
	return m.findBy(column, m.escapeColumns(), limit)
}

func (m MysqlQueryProvider) GetTotalSizeSql() string {
	return m.totalSize()
}

func (m MysqlQueryProvider) escapeColumns() []string {
	return escape(m.Columns)
}

func escape(columns []string) []string {
	var escaped []string
	for _, c := range columns {
		escaped = append(escaped, "`"+c+"`")
	}

	return escaped
}
