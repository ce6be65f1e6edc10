package sql

import (
	"fmt"
	"strings"
)

const PendingStatus = "PENDING"

// TableDef describes a table the stores read and write. The claim fields only
// matter for lease-claimed work tables: outbox events and notifications share
// the same column layout for claiming and resolving, and only the names of
// their in-flight and done states differ.
type TableDef struct {
	Table         string
	IDColumn      string
	Columns       []string
	ClaimedStatus string
	DoneStatus    string
	DoneAtColumn  string
}

func (t TableDef) claimAssignments() string {
	return fmt.Sprintf(
		"status = '%s', locked_by = ?, locked_at = ?, lease_until = ?, batch_id = ?, last_error = NULL",
		t.ClaimedStatus,
	)
}

func (t TableDef) claimPredicate() string {
	return fmt.Sprintf(
		"(status = '%s' AND (next_retry_at IS NULL OR next_retry_at <= ?)) OR (status = '%s' AND (lease_until IS NULL OR lease_until <= ?))",
		PendingStatus,
		t.ClaimedStatus,
	)
}

func (t TableDef) batchFetch(columns []string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE batch_id = ? ORDER BY created_at ASC", strings.Join(columns, ", "), t.Table)
}

func (t TableDef) ownedBy() string {
	return fmt.Sprintf("%s = ? AND locked_by = ? AND batch_id = ? AND status = '%s'", t.IDColumn, t.ClaimedStatus)
}

func (t TableDef) markDone() string {
	q := `UPDATE %s SET status = '%s', %s = ?, next_retry_at = NULL, last_error = NULL, locked_by = NULL, locked_at = NULL, lease_until = NULL, batch_id = NULL WHERE %s`

	return fmt.Sprintf(q, t.Table, t.DoneStatus, t.DoneAtColumn, t.ownedBy())
}

func (t TableDef) markFailure() string {
	q := `UPDATE %s SET status = ?, attempt_count = ?, next_retry_at = ?, last_error = ?, locked_by = NULL, locked_at = NULL, lease_until = NULL, batch_id = NULL WHERE %s`

	return fmt.Sprintf(q, t.Table, t.ownedBy())
}

func (t TableDef) insert(columns []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Table, strings.Join(columns, ", "), placeholders(len(columns)))
}

func (t TableDef) deleteBefore(column string, statuses []string) string {
	q := fmt.Sprintf("DELETE FROM %s WHERE %s <= ?", t.Table, column)
	if len(statuses) > 0 {
		q += fmt.Sprintf(" AND status IN (%s)", quoteStatuses(statuses))
	}

	return q
}

func (t TableDef) countByStatus(statuses []string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status IN (%s)", t.Table, quoteStatuses(statuses))
}

func (t TableDef) oldestCreated(statuses []string) string {
	return fmt.Sprintf("SELECT MIN(created_at) FROM %s WHERE status IN (%s)", t.Table, quoteStatuses(statuses))
}

func (t TableDef) countStale(statuses []string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status IN (%s) AND created_at <= ?", t.Table, quoteStatuses(statuses))
}

func (t TableDef) findBy(column string, columns []string, limit int) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY created_at DESC LIMIT %d", strings.Join(columns, ", "), t.Table, column, limit)
}

func (t TableDef) totalSize() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", t.Table)
}
