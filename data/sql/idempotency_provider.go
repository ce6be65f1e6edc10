package sql

import (
	"time"
)

const (
	idempotencyColumns = "idem_key, request_hash, response_code, response_body, expires_at, created_at"
	idempotencyFind    = "SELECT idem_key, request_hash, response_code, response_body, expires_at FROM idempotency_keys WHERE idem_key = ? AND expires_at > ?"
	idempotencyDelete  = "DELETE FROM idempotency_keys WHERE expires_at <= ?"
)

type PostgresIdempotencyQueryProvider struct{}

// LockSql takes a transaction-scoped advisory lock which Postgres releases at
// commit or rollback.
func (PostgresIdempotencyQueryProvider) LockSql(key int64, _ time.Time) (string, []interface{}) {
	return "SELECT pg_advisory_xact_lock($1)", []interface{}{key}
}

func (PostgresIdempotencyQueryProvider) FindSql() string {
	return Rebind(idempotencyFind)
}

// SaveSql only overwrites a row whose expires_at has passed; a live row is left
// untouched and the statement affects zero rows.
func (PostgresIdempotencyQueryProvider) SaveSql() string {
	return `INSERT INTO idempotency_keys (` + idempotencyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idem_key) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			response_code = EXCLUDED.response_code,
			response_body = EXCLUDED.response_body,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at`
}

func (PostgresIdempotencyQueryProvider) DeleteExpiredSql() string {
	return Rebind(idempotencyDelete)
}

// DeleteLocksSql is empty: advisory locks leave nothing behind.
func (PostgresIdempotencyQueryProvider) DeleteLocksSql() string {
	return ""
}

type MysqlIdempotencyQueryProvider struct{}

// LockSql upserts a row in idempotency_locks. The upsert takes an exclusive
// row lock that InnoDB holds until the transaction ends, which gives the same
// semantics as a Postgres transaction-scoped advisory lock.
func (MysqlIdempotencyQueryProvider) LockSql(key int64, now time.Time) (string, []interface{}) {
	q := "INSERT INTO `idempotency_locks` (`lock_key`, `locked_at`) VALUES (?, ?) AS new ON DUPLICATE KEY UPDATE `locked_at` = new.`locked_at`"

	return q, []interface{}{key, now}
}

func (MysqlIdempotencyQueryProvider) FindSql() string {
	return idempotencyFind
}

// SaveSql mirrors the Postgres conditional upsert. expires_at is assigned last
// so every IF() still sees the stored expiry.
func (MysqlIdempotencyQueryProvider) SaveSql() string {
	return `INSERT INTO idempotency_keys (` + idempotencyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?) AS new
		ON DUPLICATE KEY UPDATE
			request_hash = IF(idempotency_keys.expires_at <= new.created_at, new.request_hash, idempotency_keys.request_hash),
			response_code = IF(idempotency_keys.expires_at <= new.created_at, new.response_code, idempotency_keys.response_code),
			response_body = IF(idempotency_keys.expires_at <= new.created_at, new.response_body, idempotency_keys.response_body),
			created_at = IF(idempotency_keys.expires_at <= new.created_at, new.created_at, idempotency_keys.created_at),
			expires_at = IF(idempotency_keys.expires_at <= new.created_at, new.expires_at, idempotency_keys.expires_at)`
}

func (MysqlIdempotencyQueryProvider) DeleteExpiredSql() string {
	return idempotencyDelete
}

func (MysqlIdempotencyQueryProvider) DeleteLocksSql() string {
	return "DELETE FROM `idempotency_locks` WHERE `locked_at` <= ?"
}
