package notification

import (
	"context"
	"database/sql"
	"time"

	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/data"
	s "inviqa/entitlement-pipeline/data/sql"
	"inviqa/entitlement-pipeline/log"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	table    = "notifications"
	dlqTable = "notification_dlq"

	// ListLimit caps the notifications returned for one user.
	ListLimit = 100
)

var (
	ErrNoNotifications = errors.New("no notifications in the batch")

	errLeaseLost = errors.New("notification lease was lost")

	columns       = []string{"notification_id", "event_id", "user_id", "type", "occurred_at", "payload", "status", "attempt_count", "next_retry_at", "locked_by", "lease_until", "batch_id", "last_error", "created_at", "sent_at"}
	insertColumns = []string{"notification_id", "event_id", "user_id", "type", "occurred_at", "payload", "status", "attempt_count", "created_at"}
	dlqColumns    = []string{"dlq_id", "notification_id", "event_id", "payload", "error_message", "created_at"}
)

type queryProvider interface {
	BatchCreationSql(batchSize int) string
	BatchFetchSql() string
	MarkDoneSql() string
	MarkFailureSql() string
	InsertSql(columns []string) string
	DeleteBeforeSql(column string, statuses ...string) string
	CountByStatusSql(statuses ...string) string
	CountStaleSql(statuses ...string) string
	OldestCreatedSql(statuses ...string) string
	FindBySql(column string, limit int) string
	GetTotalSizeSql() string
}

type Store struct {
	db            *sql.DB
	cfg           *config.Config
	workerID      string
	queryProvider queryProvider
	dlqProvider   queryProvider
}

func NewStore(db *sql.DB, cfg *config.Config) Store {
	return NewStoreWithQueryProviders(db, cfg, newQueryProvider(cfg.DBDriver, notificationTable()), newQueryProvider(cfg.DBDriver, dlqTableDef()))
}

func NewStoreWithQueryProviders(db *sql.DB, cfg *config.Config, qp, dlq queryProvider) Store {
	return Store{
		db:            db,
		cfg:           cfg,
		workerID:      cfg.ResolveWorkerID(),
		queryProvider: qp,
		dlqProvider:   dlq,
	}
}

// Insert stages a PENDING notification on the caller's transaction.
func (st Store) Insert(ctx context.Context, q data.Querier, n *Notification) error {
	_, err := q.ExecContext(ctx, st.queryProvider.InsertSql(insertColumns),
		n.Id, n.EventId, n.UserId, n.Type, n.OccurredAt, string(n.Payload), StatusPending.String(), 0, n.CreatedAt)
	if err != nil {
		return errors.Errorf("notification: error inserting notification for event %s: %s", n.EventId, err)
	}

	return nil
}

// GetBatch claims due PENDING notifications, and PROCESSING ones whose lease
// ran out, under a fresh batch id and returns them. ErrNoNotifications is
// returned when nothing was claimed.
func (st Store) GetBatch(ctx context.Context, now time.Time) (*Batch, error) {
	batchId := uuid.New()
	leaseUntil := now.Add(st.cfg.DeliveryLease)

	res, err := st.db.ExecContext(ctx, st.queryProvider.BatchCreationSql(st.cfg.DeliveryBatchSize), st.workerID, now, leaseUntil, batchId, now, now)
	if err != nil {
		return nil, errors.Errorf("notification: error claiming a batch of notifications: %s", err)
	}

	count, _ := res.RowsAffected()
	if count < 1 {
		return nil, ErrNoNotifications
	}

	rows, err := st.db.QueryContext(ctx, st.queryProvider.BatchFetchSql(), batchId)
	if err != nil {
		return nil, errors.Errorf("notification: error fetching the claimed batch: %s", err)
	}
	defer rows.Close()

	batch := &Batch{
		Id:            batchId,
		LockedBy:      st.workerID,
		Notifications: []*Notification{},
	}

	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Errorf("notification: error scanning a claimed notification: %s", err)
		}
		batch.Notifications = append(batch.Notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("notification: error reading the claimed batch: %s", err)
	}

	return batch, nil
}

// MarkSent returns false when the lease was lost.
func (st Store) MarkSent(ctx context.Context, b *Batch, n *Notification, now time.Time) (bool, error) {
	res, err := st.db.ExecContext(ctx, st.queryProvider.MarkDoneSql(), now, n.Id, b.LockedBy, b.Id)
	if err != nil {
		return false, errors.Errorf("notification: error marking %s as sent: %s", n.Id, err)
	}

	return st.owned(res, n), nil
}

// MarkRetry returns the notification to PENDING until NextRetryAt. It returns
// false when the lease was lost.
func (st Store) MarkRetry(ctx context.Context, b *Batch, n *Notification, r Resolution) (bool, error) {
	res, err := st.markFailure(ctx, st.db, b, n, r)
	if err != nil {
		return false, err
	}

	return st.owned(res, n), nil
}

// FailWithDeadLetter writes the dead letter and moves the notification to
// FAILED in one transaction. When the lease was lost the transaction is rolled
// back, no dead letter remains and false is returned.
func (st Store) FailWithDeadLetter(ctx context.Context, b *Batch, n *Notification, r Resolution, dl DeadLetter) (bool, error) {
	err := data.InTx(ctx, st.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, st.dlqProvider.InsertSql(dlqColumns),
			dl.Id, dl.NotificationId, dl.EventId, string(dl.Payload), dl.ErrorMessage, dl.CreatedAt)
		if err != nil {
			return errors.Errorf("notification: error inserting dead letter for %s: %s", n.Id, err)
		}

		res, err := st.markFailure(ctx, tx, b, n, r)
		if err != nil {
			return err
		}

		if !st.owned(res, n) {
			return errLeaseLost
		}

		return nil
	})

	switch {
	case errors.Is(err, errLeaseLost):
		return false, nil
	case err != nil:
		return false, err
	}

	return true, nil
}

// ListByUser returns the latest notifications of a user, newest first.
func (st Store) ListByUser(ctx context.Context, userID string) ([]*Notification, error) {
	rows, err := st.db.QueryContext(ctx, st.queryProvider.FindBySql("user_id", ListLimit), userID)
	if err != nil {
		return nil, errors.Errorf("notification: error listing notifications of %s: %s", userID, err)
	}
	defer rows.Close()

	list := []*Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Errorf("notification: error scanning notification of %s: %s", userID, err)
		}
		list = append(list, n)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("notification: error reading notifications of %s: %s", userID, err)
	}

	return list, nil
}

// DeleteResolved removes SENT and FAILED notifications created before olderThan.
func (st Store) DeleteResolved(ctx context.Context, olderThan time.Time) (int64, error) {
	q := st.queryProvider.DeleteBeforeSql("created_at", StatusSent.String(), StatusFailed.String())
	res, err := st.db.ExecContext(ctx, q, olderThan)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// CountStale counts notifications still PENDING or PROCESSING that were created
// before olderThan. Retention never deletes them.
func (st Store) CountStale(ctx context.Context, olderThan time.Time) (uint, error) {
	var count uint
	q := st.queryProvider.CountStaleSql(StatusPending.String(), StatusProcessing.String())
	if err := st.db.QueryRowContext(ctx, q, olderThan).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (st Store) CountFailed(ctx context.Context) (uint, error) {
	return st.count(ctx, st.queryProvider.CountByStatusSql(StatusFailed.String()))
}

func (st Store) GetQueueSize(ctx context.Context) (uint, error) {
	return st.count(ctx, st.queryProvider.CountByStatusSql(StatusPending.String(), StatusProcessing.String()))
}

func (st Store) GetTotalSize(ctx context.Context) (uint, error) {
	return st.count(ctx, st.queryProvider.GetTotalSizeSql())
}

func (st Store) GetOldestPending(ctx context.Context) (sql.NullTime, error) {
	var oldest sql.NullTime
	q := st.queryProvider.OldestCreatedSql(StatusPending.String(), StatusProcessing.String())
	if err := st.db.QueryRowContext(ctx, q).Scan(&oldest); err != nil {
		return sql.NullTime{}, err
	}

	return oldest, nil
}

func (st Store) markFailure(ctx context.Context, q data.Querier, b *Batch, n *Notification, r Resolution) (sql.Result, error) {
	res, err := q.ExecContext(ctx, st.queryProvider.MarkFailureSql(),
		r.Status.String(), r.AttemptCount, r.NextRetryAt, r.LastError, n.Id, b.LockedBy, b.Id)
	if err != nil {
		return nil, errors.Errorf("notification: error recording the failure of %s: %s", n.Id, err)
	}

	return res, nil
}

func (st Store) count(ctx context.Context, q string) (uint, error) {
	var count uint
	if err := st.db.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (st Store) owned(res sql.Result, n *Notification) bool {
	count, _ := res.RowsAffected()
	if count < 1 {
		log.Logger.WithFields(logrus.Fields{"notification_id": n.Id, "worker_id": st.workerID}).
			Debug("notification was not updated, the lease is no longer held")
		return false
	}

	return true
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row scanner) (*Notification, error) {
	n := &Notification{}
	err := row.Scan(&n.Id, &n.EventId, &n.UserId, &n.Type, &n.OccurredAt, &n.Payload, &n.Status, &n.AttemptCount,
		&n.NextRetryAt, &n.LockedBy, &n.LeaseUntil, &n.BatchId, &n.LastError, &n.CreatedAt, &n.SentAt)
	if err != nil {
		return nil, err
	}

	return n, nil
}

func notificationTable() s.TableDef {
	return s.TableDef{
		Table:         table,
		IDColumn:      "notification_id",
		Columns:       columns,
		ClaimedStatus: StatusProcessing.String(),
		DoneStatus:    StatusSent.String(),
		DoneAtColumn:  "sent_at",
	}
}

func dlqTableDef() s.TableDef {
	return s.TableDef{
		Table:    dlqTable,
		IDColumn: "dlq_id",
		Columns:  dlqColumns,
	}
}

func newQueryProvider(d config.DbDriver, t s.TableDef) queryProvider {
	switch true {
	case d.Postgres():
		return &s.PostgresQueryProvider{TableDef: t}
	case d.MySQL():
		return &s.MysqlQueryProvider{TableDef: t}
	}

	return nil
}
