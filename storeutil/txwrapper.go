package storeutil

import (
	"context"
	"database/sql"
)

// TxOptions changes the options of a transaction started by WithTx.
type TxOptions func(o *sql.TxOptions) *sql.TxOptions

// TxReadonly signals the DB driver that the transaction is read-only.
func TxReadonly() TxOptions {
	return func(o *sql.TxOptions) *sql.TxOptions {
		o.ReadOnly = true
		return o
	}
}

// WithTx runs f in a serializable transaction. The transaction is committed
// if f returns no error, and rolled back otherwise.
func WithTx(ctx context.Context, db *sql.DB, f func(*sql.Tx) error, opts ...TxOptions) (err error) {
	o := &sql.TxOptions{Isolation: sql.LevelSerializable}
	for _, opt := range opts {
		o = opt(o)
	}
	txn, err := db.BeginTx(ctx, o)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = txn.Rollback()
			panic(r)
		}
		if err != nil {
			// the rollback error would hide the one that caused it.
			_ = txn.Rollback()
		} else {
			err = txn.Commit()
		}
	}()
	return f(txn)
}
