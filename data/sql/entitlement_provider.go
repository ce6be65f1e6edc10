package sql

const (
	entitlementColumns = "user_id, stock_keeping_unit, status, version, updated_at"
	entitlementInsert  = "INSERT INTO entitlements (user_id, stock_keeping_unit, status, granted_at, revoked_at, source, source_id, version, updated_at)"
	entitlementFind    = "SELECT " + entitlementColumns + " FROM entitlements WHERE user_id = ? AND stock_keeping_unit = ?"
	entitlementList    = "SELECT " + entitlementColumns + " FROM entitlements WHERE user_id = ? ORDER BY updated_at DESC"
	auditInsert        = "INSERT INTO entitlement_audit (audit_id, occurred_at, user_id, stock_keeping_unit, action, source, source_id, request_id, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
)

// Both dialects take the same arguments for the conditional upserts:
// user_id, stock_keeping_unit, transition time, source, source_id, updated_at.

type PostgresEntitlementQueryProvider struct{}

func (PostgresEntitlementQueryProvider) SupportsReturning() bool {
	return true
}

// GrantSql activates the entitlement unless it is already ACTIVE, in which case
// no row is returned.
func (PostgresEntitlementQueryProvider) GrantSql() string {
	return entitlementInsert + `
		VALUES ($1, $2, 'ACTIVE', $3, NULL, $4, $5, 0, $6)
		ON CONFLICT (user_id, stock_keeping_unit) DO UPDATE SET
			status = EXCLUDED.status,
			granted_at = EXCLUDED.granted_at,
			revoked_at = NULL,
			source = EXCLUDED.source,
			source_id = EXCLUDED.source_id,
			version = entitlements.version + 1,
			updated_at = EXCLUDED.updated_at
		WHERE entitlements.status <> 'ACTIVE'
		RETURNING ` + entitlementColumns
}

// RevokeSql revokes the entitlement unless it is already REVOKED. granted_at is
// kept so the history of the last grant survives a revoke.
func (PostgresEntitlementQueryProvider) RevokeSql() string {
	return entitlementInsert + `
		VALUES ($1, $2, 'REVOKED', NULL, $3, $4, $5, 0, $6)
		ON CONFLICT (user_id, stock_keeping_unit) DO UPDATE SET
			status = EXCLUDED.status,
			granted_at = entitlements.granted_at,
			revoked_at = EXCLUDED.revoked_at,
			source = EXCLUDED.source,
			source_id = EXCLUDED.source_id,
			version = entitlements.version + 1,
			updated_at = EXCLUDED.updated_at
		WHERE entitlements.status <> 'REVOKED'
		RETURNING ` + entitlementColumns
}

func (PostgresEntitlementQueryProvider) FindSql() string {
	return Rebind(entitlementFind)
}

func (PostgresEntitlementQueryProvider) ListByUserSql() string {
	return Rebind(entitlementList)
}

func (PostgresEntitlementQueryProvider) InsertAuditSql() string {
	return Rebind(auditInsert)
}

type MysqlEntitlementQueryProvider struct{}

func (MysqlEntitlementQueryProvider) SupportsReturning() bool {
	return false
}

// GrantSql is the MySQL form of the conditional upsert. Every assignment is
// guarded by the current status and status itself is assigned last, so an
// already ACTIVE row is left unchanged and the statement affects zero rows.
func (MysqlEntitlementQueryProvider) GrantSql() string {
	return entitlementInsert + `
		VALUES (?, ?, 'ACTIVE', ?, NULL, ?, ?, 0, ?) AS new
		ON DUPLICATE KEY UPDATE
			granted_at = IF(entitlements.status <> 'ACTIVE', new.granted_at, entitlements.granted_at),
			revoked_at = IF(entitlements.status <> 'ACTIVE', NULL, entitlements.revoked_at),
			source = IF(entitlements.status <> 'ACTIVE', new.source, entitlements.source),
			source_id = IF(entitlements.status <> 'ACTIVE', new.source_id, entitlements.source_id),
			version = IF(entitlements.status <> 'ACTIVE', entitlements.version + 1, entitlements.version),
			updated_at = IF(entitlements.status <> 'ACTIVE', new.updated_at, entitlements.updated_at),
			status = IF(entitlements.status <> 'ACTIVE', new.status, entitlements.status)`
}

func (MysqlEntitlementQueryProvider) RevokeSql() string {
	return entitlementInsert + `
		VALUES (?, ?, 'REVOKED', NULL, ?, ?, ?, 0, ?) AS new
		ON DUPLICATE KEY UPDATE
			revoked_at = IF(entitlements.status <> 'REVOKED', new.revoked_at, entitlements.revoked_at),
			source = IF(entitlements.status <> 'REVOKED', new.source, entitlements.source),
			source_id = IF(entitlements.status <> 'REVOKED', new.source_id, entitlements.source_id),
			version = IF(entitlements.status <> 'REVOKED', entitlements.version + 1, entitlements.version),
			updated_at = IF(entitlements.status <> 'REVOKED', new.updated_at, entitlements.updated_at),
			status = IF(entitlements.status <> 'REVOKED', new.status, entitlements.status)`
}

func (MysqlEntitlementQueryProvider) FindSql() string {
	return entitlementFind
}

func (MysqlEntitlementQueryProvider) ListByUserSql() string {
	return entitlementList
}

func (MysqlEntitlementQueryProvider) InsertAuditSql() string {
	return auditInsert
}
