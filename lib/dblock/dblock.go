// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dblock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
)

var (
	// Held by a dispatcher while it admits a batch of build
	// requests (BuildCluster.SerializeAdmission).
	Admission  = New(20001)
	retryDelay = 250 * time.Millisecond
)

// DBLocker uses pg_advisory_lock to maintain a cluster-wide lock
// shared by all processes connected to the same database.
type DBLocker struct {
	key  int
	mtx  sync.Mutex
	ctx  context.Context
	conn *sql.Conn // != nil if advisory lock has been acquired
}

// New returns an unlocked DBLocker for the given advisory lock key.
func New(key int) *DBLocker {
	return &DBLocker{key: key}
}

// Lock acquires the advisory lock, waiting/reconnecting if needed.
//
// Returns false if ctx is canceled or reaches its deadline before the
// lock is acquired.
func (dbl *DBLocker) Lock(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) bool {
	logger := ctxlog.FromContext(ctx).WithField("ID", dbl.key)
	var lastHeldBy string
	for ; ; time.Sleep(retryDelay) {
		dbl.mtx.Lock()
		if dbl.conn != nil {
			// Another goroutine is already locked/waiting
			// on this lock. Wait for them to release.
			dbl.mtx.Unlock()
			if ctx.Err() != nil {
				return false
			}
			continue
		}
		if ctx.Err() != nil {
			dbl.mtx.Unlock()
			return false
		}
		db, err := getdb(ctx)
		if isContextErr(err) {
			dbl.mtx.Unlock()
			return false
		} else if err != nil {
			logger.WithError(err).Info("error getting database pool")
			dbl.mtx.Unlock()
			continue
		}
		conn, err := db.Conn(ctx)
		if isContextErr(err) {
			dbl.mtx.Unlock()
			return false
		} else if err != nil {
			logger.WithError(err).Info("error getting database connection")
			dbl.mtx.Unlock()
			continue
		}
		var locked bool
		err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, dbl.key).Scan(&locked)
		if isContextErr(err) {
			conn.Close()
			dbl.mtx.Unlock()
			return false
		} else if err != nil {
			logger.WithError(err).Info("error getting pg_try_advisory_lock")
			conn.Close()
			dbl.mtx.Unlock()
			continue
		}
		if !locked {
			var host string
			var port int
			err = conn.QueryRowContext(ctx, `SELECT client_addr, client_port FROM pg_stat_activity WHERE pid IN
				(SELECT pid FROM pg_locks
				 WHERE locktype = $1 AND objid = $2)`, "advisory", dbl.key).Scan(&host, &port)
			if err != nil {
				logger.WithError(err).Debug("error getting other client info")
			} else {
				heldBy := net.JoinHostPort(host, fmt.Sprintf("%d", port))
				if lastHeldBy != heldBy {
					logger.WithField("DBClient", heldBy).Info("waiting for other process to release lock")
					lastHeldBy = heldBy
				}
			}
			conn.Close()
			dbl.mtx.Unlock()
			continue
		}
		logger.Debug("acquired pg_advisory_lock")
		dbl.ctx, dbl.conn = ctx, conn
		dbl.mtx.Unlock()
		return true
	}
}

// Unlock releases the advisory lock. It is a no-op if the lock is not
// held.
func (dbl *DBLocker) Unlock() {
	dbl.mtx.Lock()
	defer dbl.mtx.Unlock()
	if dbl.conn != nil {
		_, err := dbl.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, dbl.key)
		if err != nil {
			ctxlog.FromContext(dbl.ctx).WithError(err).WithField("ID", dbl.key).Info("error releasing pg_advisory_lock")
		} else {
			ctxlog.FromContext(dbl.ctx).WithField("ID", dbl.key).Debug("released pg_advisory_lock")
		}
		dbl.conn.Close()
		dbl.conn = nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
