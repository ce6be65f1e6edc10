package outbox

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

const table = "outbox_events"

var (
	ErrNoEvents = errors.New("no events in the batch")

	columns       = []string{"event_id", "event_type", "aggregate_key", "payload", "status", "attempt_count", "next_retry_at", "locked_by", "lease_until", "batch_id", "last_error", "created_at"}
	insertColumns = []string{"event_id", "event_type", "aggregate_key", "payload", "status", "attempt_count", "created_at"}
)

type queryProvider interface {
	BatchCreationSql(batchSize int) string
	BatchFetchSql() string
	MarkDoneSql() string
	MarkFailureSql() string
	InsertSql(columns []string) string
	DeleteBeforeSql(column string, statuses ...string) string
	CountByStatusSql(statuses ...string) string
	OldestCreatedSql(statuses ...string) string
	GetTotalSizeSql() string
}

type Repository struct {
	db            *sql.DB
	cfg           *config.Config
	workerID      string
	queryProvider queryProvider
}

func NewRepository(db *sql.DB, cfg *config.Config) Repository {
	return NewRepositoryWithQueryProvider(db, cfg, newQueryProvider(cfg.DBDriver))
}

func NewRepositoryWithQueryProvider(db *sql.DB, cfg *config.Config, qp queryProvider) Repository {
	return Repository{
		db:            db,
		cfg:           cfg,
		workerID:      cfg.ResolveWorkerID(),
		queryProvider: qp,
	}
}

// Insert stages an event on the caller's transaction so that it commits or
// rolls back together with the domain change it describes.
func (r Repository) Insert(ctx context.Context, q data.Querier, e *Event) error {
	_, err := q.ExecContext(ctx, r.queryProvider.InsertSql(insertColumns),
		e.Id, e.Type, e.AggregateKey, string(e.Payload), StatusPending.String(), 0, e.CreatedAt)
	if err != nil {
		return errors.Errorf("outbox: error inserting event %s: %s", e.Id, err)
	}

	return nil
}

// GetBatch claims a new batch of events and then returns them. The claim is a
// single statement that moves due PENDING rows, and IN_FLIGHT rows whose lease
// has expired, to IN_FLIGHT under a fresh batch id, so no other process can
// pick up the same events until the lease runs out.
// If no events are claimed then the special ErrNoEvents value will be returned
// as the error.
func (r Repository) GetBatch(ctx context.Context, now time.Time) (*Batch, error) {
	batchId := uuid.New()
	leaseUntil := now.Add(r.cfg.OutboxLease)

	upSql := r.queryProvider.BatchCreationSql(r.cfg.OutboxBatchSize)

	res, err := r.db.ExecContext(ctx, upSql, r.workerID, now, leaseUntil, batchId, now, now)
	if err != nil {
		return nil, errors.Errorf("outbox: error creating a batch of events in repository: %s", err)
	}

	// if there is an error determining the affected rows, we treat it as a failed query
	// as the drivers we use never return an error value here
	count, _ := res.RowsAffected()
	if count < 1 {
		return nil, ErrNoEvents
	}

	rows, err := r.db.QueryContext(ctx, r.queryProvider.BatchFetchSql(), batchId)
	if err != nil {
		return nil, errors.Errorf("outbox: error fetching created event batch in repository: %s", err)
	}
	defer rows.Close()

	batch := &Batch{
		Id:       batchId,
		LockedBy: r.workerID,
		Events:   []*Event{},
	}

	for rows.Next() {
		e := &Event{}
		err := rows.Scan(&e.Id, &e.Type, &e.AggregateKey, &e.Payload, &e.Status, &e.AttemptCount, &e.NextRetryAt, &e.LockedBy, &e.LeaseUntil, &e.BatchId, &e.LastError, &e.CreatedAt)
		if err != nil {
			return nil, errors.Errorf("outbox: error scanning event result into memory in repository: %s", err)
		}
		batch.Events = append(batch.Events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("outbox: error reading created event batch in repository: %s", err)
	}

	return batch, nil
}

// MarkPublished resolves a claimed event as PUBLISHED. It returns false when
// the lease was lost, i.e. another worker reclaimed the event in the meantime.
func (r Repository) MarkPublished(ctx context.Context, b *Batch, e *Event, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.queryProvider.MarkDoneSql(), now, e.Id, b.LockedBy, b.Id)
	if err != nil {
		return false, errors.Errorf("outbox: error marking event %s as published: %s", e.Id, err)
	}

	return r.owned(res, e)
}

// MarkFailure records a failed attempt, either returning the event to PENDING
// for a later retry or moving it to FAILED. It returns false when the lease was
// lost.
func (r Repository) MarkFailure(ctx context.Context, b *Batch, e *Event, res Resolution) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.queryProvider.MarkFailureSql(),
		res.Status.String(), res.AttemptCount, res.NextRetryAt, res.LastError, e.Id, b.LockedBy, b.Id)
	if err != nil {
		return false, errors.Errorf("outbox: error recording the failure of event %s: %s", e.Id, err)
	}

	return r.owned(result, e)
}

func (r Repository) DeletePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	q := r.queryProvider.DeleteBeforeSql("published_at", StatusPublished.String())
	res, err := r.db.ExecContext(ctx, q, olderThan)

	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r Repository) CountFailed(ctx context.Context) (uint, error) {
	return r.count(ctx, r.queryProvider.CountByStatusSql(StatusFailed.String()))
}

func (r Repository) GetQueueSize(ctx context.Context) (uint, error) {
	return r.count(ctx, r.queryProvider.CountByStatusSql(StatusPending.String(), StatusInFlight.String()))
}

func (r Repository) GetTotalSize(ctx context.Context) (uint, error) {
	return r.count(ctx, r.queryProvider.GetTotalSizeSql())
}

// GetOldestPending returns the creation time of the oldest unpublished event,
// which is invalid when the backlog is empty.
func (r Repository) GetOldestPending(ctx context.Context) (sql.NullTime, error) {
	var oldest sql.NullTime
	q := r.queryProvider.OldestCreatedSql(StatusPending.String(), StatusInFlight.String())
	if err := r.db.QueryRowContext(ctx, q).Scan(&oldest); err != nil {
		return sql.NullTime{}, err
	}

	return oldest, nil
}

func (r Repository) count(ctx context.Context, q string) (uint, error) {
	res := r.db.QueryRowContext(ctx, q)

	var count uint
	err := res.Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

func (r Repository) owned(res sql.Result, e *Event) (bool, error) {
	count, _ := res.RowsAffected()
	if count < 1 {
		log.Logger.WithFields(logrus.Fields{"event_id": e.Id, "worker_id": r.workerID}).
			Debug("outbox event was not updated, the lease is no longer held")
		return false, nil
	}

	return true, nil
}

func newQueryProvider(d config.DbDriver) queryProvider {
	t := s.TableDef{
		Table:         table,
		IDColumn:      "event_id",
		Columns:       columns,
		ClaimedStatus: StatusInFlight.String(),
		DoneStatus:    StatusPublished.String(),
		DoneAtColumn:  "published_at",
	}

	switch true {
	case d.Postgres():
		return &s.PostgresQueryProvider{TableDef: t}
	case d.MySQL():
		return &s.MysqlQueryProvider{TableDef: t}
	}

	return nil
}
