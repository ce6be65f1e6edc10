package entitlement

import (
	"context"
	"database/sql"
	"time"

	"inviqa/entitlement-pipeline/config"
	"inviqa/entitlement-pipeline/data"
	s "inviqa/entitlement-pipeline/data/sql"

	"github.com/pkg/errors"
)

type queryProvider interface {
	SupportsReturning() bool
	GrantSql() string
	RevokeSql() string
	FindSql() string
	ListByUserSql() string
	InsertAuditSql() string
}

type Store struct {
	db            *sql.DB
	queryProvider queryProvider
}

func NewStore(db *sql.DB, d config.DbDriver) Store {
	return NewStoreWithQueryProvider(db, newQueryProvider(d))
}

func NewStoreWithQueryProvider(db *sql.DB, qp queryProvider) Store {
	return Store{
		db:            db,
		queryProvider: qp,
	}
}

// Apply moves the entitlement to the state the action asks for. It returns nil
// without error when the entitlement already is in that state, in which case
// nothing was written.
func (st Store) Apply(ctx context.Context, q data.Querier, a Action, r Request, now time.Time) (*Entitlement, error) {
	stmt := st.queryProvider.GrantSql()
	if a == ActionRevoke {
		stmt = st.queryProvider.RevokeSql()
	}
	args := []interface{}{r.UserID, r.StockKeepingUnit, now, r.Reason, r.PurchaseID, now}

	if st.queryProvider.SupportsReturning() {
		e, err := scanEntitlement(q.QueryRowContext(ctx, stmt, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Errorf("entitlement: error applying %s to %s/%s: %s", a, r.UserID, r.StockKeepingUnit, err)
		}
		return e, nil
	}

	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Errorf("entitlement: error applying %s to %s/%s: %s", a, r.UserID, r.StockKeepingUnit, err)
	}

	if count, _ := res.RowsAffected(); count < 1 {
		return nil, nil
	}

	return st.find(ctx, q, r.UserID, r.StockKeepingUnit)
}

func (st Store) ListByUser(ctx context.Context, userID string) ([]Entitlement, error) {
	rows, err := st.db.QueryContext(ctx, st.queryProvider.ListByUserSql(), userID)
	if err != nil {
		return nil, errors.Errorf("entitlement: error listing entitlements of %s: %s", userID, err)
	}
	defer rows.Close()

	list := []Entitlement{}
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, errors.Errorf("entitlement: error scanning entitlement of %s: %s", userID, err)
		}
		list = append(list, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("entitlement: error reading entitlements of %s: %s", userID, err)
	}

	return list, nil
}

func (st Store) InsertAudit(ctx context.Context, q data.Querier, a Audit) error {
	_, err := q.ExecContext(ctx, st.queryProvider.InsertAuditSql(),
		a.ID, a.OccurredAt, a.UserID, a.StockKeepingUnit, a.Action.String(), a.Source, a.SourceID, a.RequestID, string(a.Detail))
	if err != nil {
		return errors.Errorf("entitlement: error inserting audit record %s: %s", a.ID, err)
	}

	return nil
}

func (st Store) find(ctx context.Context, q data.Querier, userID, sku string) (*Entitlement, error) {
	e, err := scanEntitlement(q.QueryRowContext(ctx, st.queryProvider.FindSql(), userID, sku))
	if err != nil {
		return nil, errors.Errorf("entitlement: error reading %s/%s: %s", userID, sku, err)
	}

	return e, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntitlement(row scanner) (*Entitlement, error) {
	e := &Entitlement{}
	if err := row.Scan(&e.UserID, &e.StockKeepingUnit, &e.Status, &e.Version, &e.UpdatedAt); err != nil {
		return nil, err
	}

	return e, nil
}

func newQueryProvider(d config.DbDriver) queryProvider {
	switch true {
	case d.Postgres():
		return &s.PostgresEntitlementQueryProvider{}
	case d.MySQL():
		return &s.MysqlEntitlementQueryProvider{}
	}

	return nil
}
