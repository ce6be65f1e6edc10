package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"time"

	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/data"
	s "inviqa/entitlement-pipeline/data/sql"

	"github.com/pkg/errors"
)

// lock rows on MySQL are only meaningful while a transaction holds them, so
// anything older than this is swept with the expired records.
const lockRowRetention = time.Hour

var (
	ErrNotFound          = errors.New("idempotency: no live record for key")
	ErrInvariantViolated = errors.New("idempotency: a live record already exists for key")
)

type Record struct {
	Key          string
	RequestHash  string
	ResponseCode int
	ResponseBody []byte
	ExpiresAt    time.Time
}

type queryProvider interface {
	LockSql(key int64, now time.Time) (string, []interface{})
	FindSql() string
	SaveSql() string
	DeleteExpiredSql() string
	DeleteLocksSql() string
}

// Ledger stores the outcome of every command keyed by the caller's idempotency
// key. Lock, Find and Save run on the caller's transaction.
type Ledger struct {
	db            *sql.DB
	queryProvider queryProvider
}

func NewLedger(db *sql.DB, d config.DbDriver) Ledger {
	return NewLedgerWithQueryProvider(db, newQueryProvider(d))
}

func NewLedgerWithQueryProvider(db *sql.DB, qp queryProvider) Ledger {
	return Ledger{
		db:            db,
		queryProvider: qp,
	}
}

// LockKey maps an idempotency key of any length onto the 64-bit key space used
// for locking: the first 8 bytes of its SHA-256 digest, read big-endian.
func LockKey(key string) int64 {
	sum := sha256.Sum256([]byte(key))

	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Lock blocks until the caller's transaction holds the exclusive lock for key.
// The lock is released when that transaction commits or rolls back.
func (l Ledger) Lock(ctx context.Context, q data.Querier, key string, now time.Time) error {
	stmt, args := l.queryProvider.LockSql(LockKey(key), now)
	if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Errorf("idempotency: error acquiring the lock for key %q: %s", key, err)
	}

	return nil
}

// Find returns the live record for key, or ErrNotFound when there is none or
// the stored one has expired.
func (l Ledger) Find(ctx context.Context, q data.Querier, key string, now time.Time) (*Record, error) {
	rec := &Record{}
	row := q.QueryRowContext(ctx, l.queryProvider.FindSql(), key, now)

	err := row.Scan(&rec.Key, &rec.RequestHash, &rec.ResponseCode, &rec.ResponseBody, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Errorf("idempotency: error reading the record for key %q: %s", key, err)
	}

	return rec, nil
}

// Save writes rec, replacing an expired row for the same key if one is still
// stored. Saving over a live row returns ErrInvariantViolated: callers must
// hold the lock and have checked Find first.
func (l Ledger) Save(ctx context.Context, q data.Querier, rec Record, now time.Time) error {
	res, err := q.ExecContext(ctx, l.queryProvider.SaveSql(),
		rec.Key, rec.RequestHash, rec.ResponseCode, string(rec.ResponseBody), rec.ExpiresAt, now)
	if err != nil {
		return errors.Errorf("idempotency: error saving the record for key %q: %s", rec.Key, err)
	}

	if count, _ := res.RowsAffected(); count < 1 {
		return errors.Wrapf(ErrInvariantViolated, "key %q", rec.Key)
	}

	return nil
}

// DeleteExpired removes records whose expiry has passed, plus stale lock rows
// where the dialect keeps any.
func (l Ledger) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.queryProvider.DeleteExpiredSql(), now)
	if err != nil {
		return 0, errors.Errorf("idempotency: error deleting expired records: %s", err)
	}

	if q := l.queryProvider.DeleteLocksSql(); q != "" {
		if _, err := l.db.ExecContext(ctx, q, now.Add(-lockRowRetention)); err != nil {
			return 0, errors.Errorf("idempotency: error deleting stale lock rows: %s", err)
		}
	}

	return res.RowsAffected()
}

func newQueryProvider(d config.DbDriver) queryProvider {
	switch true {
	case d.Postgres():
		return &s.PostgresIdempotencyQueryProvider{}
	case d.MySQL():
		return &s.MysqlIdempotencyQueryProvider{}
	}

	return nil
}
