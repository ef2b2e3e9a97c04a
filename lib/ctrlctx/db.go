// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ctrlctx

import (
	"context"
	"errors"
	"sync"

	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

var (
	ErrNoTransaction   = errors.New("bug: there is no transaction in this context")
	ErrContextFinished = errors.New("refusing to start a transaction after wrapped function already returned")
	errDBConnection    = errors.New("database connection error")
)

// DBConnector owns a process's database connection pool. The pool is
// opened by the first GetDB call and released by Close.
type DBConnector struct {
	PostgreSQL codehost.PostgreSQL
	pgdb       *sqlx.DB
	mtx        sync.Mutex
}

// GetDB returns the connection pool, connecting if needed.
func (dbc *DBConnector) GetDB(ctx context.Context) (*sqlx.DB, error) {
	dbc.mtx.Lock()
	defer dbc.mtx.Unlock()
	if dbc.pgdb != nil {
		return dbc.pgdb, nil
	}
	db, err := sqlx.Open("postgres", dbc.PostgreSQL.DataSourceName())
	if err != nil {
		ctxlog.FromContext(ctx).WithError(err).Error("postgresql connect failed")
		return nil, errDBConnection
	}
	if p := dbc.PostgreSQL.ConnectionPool; p > 0 {
		db.SetMaxOpenConns(p)
	}
	if err := db.PingContext(ctx); err != nil {
		ctxlog.FromContext(ctx).WithError(err).Error("postgresql connect succeeded but ping failed")
		db.Close()
		return nil, errDBConnection
	}
	dbc.pgdb = db
	return db, nil
}

// SetDB installs an already-open pool, e.g., one backed by a test
// driver. The connector takes ownership and closes it in Close.
func (dbc *DBConnector) SetDB(db *sqlx.DB) {
	dbc.mtx.Lock()
	defer dbc.mtx.Unlock()
	dbc.pgdb = db
}

// Close releases the connection pool. A later GetDB call opens a new
// one.
func (dbc *DBConnector) Close() error {
	dbc.mtx.Lock()
	defer dbc.mtx.Unlock()
	if dbc.pgdb != nil {
		err := dbc.pgdb.Close()
		dbc.pgdb = nil
		return err
	}
	return nil
}

type contextKeyT string

var contextKeyTransaction = contextKeyT("transaction")

type transaction struct {
	tx    *sqlx.Tx
	err   error
	getdb func(context.Context) (*sqlx.DB, error)
	setup sync.Once
}

type finishFunc func(*error)

// New returns a new child context that can be used with
// CurrentTx(). It does not open a database transaction until the
// first call to CurrentTx().
//
// The caller must eventually call the returned finishtx() func to
// commit or rollback the transaction, if any.
//
//	func example(ctx context.Context) (err error) {
//		ctx, finishtx := New(ctx, dber)
//		defer finishtx(&err)
//		// ...
//		tx, err := CurrentTx(ctx)
//		if err != nil {
//			return fmt.Errorf("example: %s", err)
//		}
//		return tx.ExecContext(...)
//	}
//
// If *err is nil, finishtx() commits the transaction and assigns any
// resulting error to *err.
//
// If *err is non-nil, finishtx() rolls back the transaction, and
// does not modify *err.
func New(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) (context.Context, finishFunc) {
	txn := &transaction{getdb: getdb}
	return context.WithValue(ctx, contextKeyTransaction, txn), func(err *error) {
		txn.setup.Do(func() {
			// Using (*sync.Once)Do() prevents a future
			// call to CurrentTx() from opening a
			// transaction which would never get committed
			// or rolled back. If CurrentTx() hasn't been
			// called before now, future calls will return
			// this error.
			txn.err = ErrContextFinished
		})
		if txn.tx == nil {
			// we never [successfully] started a transaction
			return
		}
		if *err != nil {
			ctxlog.FromContext(ctx).Debug("rollback")
			txn.tx.Rollback()
			return
		}
		*err = txn.tx.Commit()
	}
}

// CurrentTx returns a transaction that will be committed or rolled
// back by the finish func returned by New.
func CurrentTx(ctx context.Context) (*sqlx.Tx, error) {
	txn, ok := ctx.Value(contextKeyTransaction).(*transaction)
	if !ok {
		return nil, ErrNoTransaction
	}
	txn.setup.Do(func() {
		if db, err := txn.getdb(ctx); err != nil {
			txn.err = err
		} else {
			txn.tx, txn.err = db.Beginx()
		}
	})
	return txn.tx, txn.err
}

// InTx runs fn in a new transaction, committing if fn returns nil
// and rolling back otherwise.
func InTx(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error), fn func(context.Context, *sqlx.Tx) error) (err error) {
	ctx, finishtx := New(ctx, getdb)
	defer finishtx(&err)
	tx, err := CurrentTx(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, tx)
}
