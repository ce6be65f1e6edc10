package data

import (
	"context"
	"database/sql"

	"inviqa/entitlement-pipeline/log"

	"github.com/pkg/errors"
)

// InTx runs fn inside a single transaction. The transaction is committed when fn
// returns nil and rolled back otherwise; fn's error is returned unchanged so
// callers can match sentinels with errors.Is.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Errorf("data: error starting a DB transaction: %s", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Logger.WithError(rbErr).Error("error rolling back the DB transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Errorf("data: error committing the DB transaction: %s", err)
	}

	return nil
}
