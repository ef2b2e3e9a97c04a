// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobstate reads and writes build task state in the
// relational store.
package jobstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codehost/codehost/lib/ctrlctx"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when the requested task does not exist.
var ErrNotFound = errors.New("task not found")

// PersistenceError reports a failed database operation. It is an
// infrastructure fault, distinct from any business outcome, and
// callers should let the runtime retry rather than swallow it.
type PersistenceError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s(%s): %s", e.Op, e.TaskID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store is the dispatcher's view of the "Task", "OngoingJob",
// "Project" and "TaskLogs" tables.
type Store struct {
	getdb func(context.Context) (*sqlx.DB, error)
	sink  EventSink
	now   func() time.Time
}

// New returns a Store that obtains connections from getdb and emits
// every applied status change to sink (which may be nil).
func New(getdb func(context.Context) (*sqlx.DB, error), sink EventSink) *Store {
	if sink == nil {
		sink = MultiSink{}
	}
	return &Store{getdb: getdb, sink: sink, now: time.Now}
}

func (st *Store) emit(ctx context.Context, taskID string, status codehost.TaskStatus, reason string, at time.Time) {
	err := st.sink.TaskEvent(ctx, TaskEvent{TaskID: taskID, Status: status, Reason: reason, At: at})
	if err != nil {
		ctxlog.FromContext(ctx).WithError(err).WithField("TaskID", taskID).Warn("error emitting task event")
	}
}

// Get returns the task with the given ID.
func (st *Store) Get(ctx context.Context, taskID string) (codehost.Task, error) {
	var task codehost.Task
	db, err := st.getdb(ctx)
	if err != nil {
		return task, &PersistenceError{Op: "Get", TaskID: taskID, Err: err}
	}
	err = db.GetContext(ctx, &task, `SELECT "id", "projectId", "status", "lastUpdated", "completedAt" FROM "Task" WHERE "id"=$1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return task, ErrNotFound
	} else if err != nil {
		return task, &PersistenceError{Op: "Get", TaskID: taskID, Err: err}
	}
	task.Status = task.Status.Normalize()
	return task, nil
}

// Status returns the current status of the given task.
func (st *Store) Status(ctx context.Context, taskID string) (codehost.TaskStatus, error) {
	task, err := st.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

// UpdateStatus unconditionally sets the task's status and
// lastUpdated timestamp. Repeating the call is harmless.
func (st *Store) UpdateStatus(ctx context.Context, taskID string, status codehost.TaskStatus) error {
	db, err := st.getdb(ctx)
	if err != nil {
		return &PersistenceError{Op: "UpdateStatus", TaskID: taskID, Err: err}
	}
	now := st.now().UTC()
	res, err := db.ExecContext(ctx, `UPDATE "Task" SET "status"=$1, "lastUpdated"=$2 WHERE "id"=$3`, string(status), now, taskID)
	if err != nil {
		return &PersistenceError{Op: "UpdateStatus", TaskID: taskID, Err: err}
	}
	if n, _ := res.RowsAffected(); n > 0 {
		st.emit(ctx, taskID, status, "", now)
	}
	return nil
}

// Transition moves the task to status "to", but only if its current
// status allows that move. It returns false, with no error, if the
// task does not exist or is in a state that cannot move to "to".
//
// Because the check and the update are one statement, of several
// concurrent callers moving a task out of the same state, at most one
// succeeds.
//
// A task already in status "to" is left alone (no update, no event)
// and Transition returns false.
func (st *Store) Transition(ctx context.Context, taskID string, to codehost.TaskStatus, reason string) (bool, error) {
	from := codehost.Predecessors(to)
	if len(from) == 0 {
		return false, nil
	}
	db, err := st.getdb(ctx)
	if err != nil {
		return false, &PersistenceError{Op: "Transition", TaskID: taskID, Err: err}
	}
	now := st.now().UTC()
	q := `UPDATE "Task" SET "status"=$1, "lastUpdated"=$2 WHERE "id"=$3 AND "status"::text = ANY($4) AND "status"::text <> $1`
	if to == codehost.TaskStatusCompleted {
		q = `UPDATE "Task" SET "status"=$1, "lastUpdated"=$2, "completedAt"=$2 WHERE "id"=$3 AND "status"::text = ANY($4) AND "status"::text <> $1`
	}
	res, err := db.ExecContext(ctx, q, string(to), now, taskID, pq.Array(from))
	if err != nil {
		return false, &PersistenceError{Op: "Transition", TaskID: taskID, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &PersistenceError{Op: "Transition", TaskID: taskID, Err: err}
	}
	if n == 0 {
		ctxlog.FromContext(ctx).WithFields(logrus.Fields{
			"TaskID": taskID,
			"Status": to,
		}).Debug("transition not applied")
		return false, nil
	}
	st.emit(ctx, taskID, to, reason, now)
	return true, nil
}

// RemoveOngoingJob deletes the OngoingJob row(s) for the given
// task. The rows are locked before they are deleted, so concurrent
// cleanups of the same job are serialized. Removing a job that does
// not exist is not an error.
func (st *Store) RemoveOngoingJob(ctx context.Context, taskID string) error {
	var removed []string
	err := ctrlctx.InTx(ctx, st.getdb, func(ctx context.Context, tx *sqlx.Tx) error {
		err := tx.SelectContext(ctx, &removed, `SELECT "id" FROM "OngoingJob" WHERE "taskId"=$1 FOR UPDATE`, taskID)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM "OngoingJob" WHERE "id" = ANY($1)`, pq.Array(removed))
		return err
	})
	if err != nil {
		return &PersistenceError{Op: "RemoveOngoingJob", TaskID: taskID, Err: err}
	}
	logger := ctxlog.FromContext(ctx).WithField("TaskID", taskID)
	if len(removed) == 0 {
		logger.Debug("no ongoing job to remove")
	} else {
		logger.WithField("OngoingJobID", removed).Info("removed ongoing job")
	}
	return nil
}

// SetProductionTask makes taskID the project's live deployment.
func (st *Store) SetProductionTask(ctx context.Context, projectID, taskID string) error {
	db, err := st.getdb(ctx)
	if err != nil {
		return &PersistenceError{Op: "SetProductionTask", TaskID: taskID, Err: err}
	}
	_, err = db.ExecContext(ctx, `UPDATE "Project" SET "productionTaskId"=$1 WHERE "id"=$2`, taskID, projectID)
	if err != nil {
		return &PersistenceError{Op: "SetProductionTask", TaskID: taskID, Err: err}
	}
	return nil
}

// CompletedTasks returns up to limit of the project's tasks that
// have a completed deployment, most recently completed first.
func (st *Store) CompletedTasks(ctx context.Context, projectID string, limit int) ([]codehost.Task, error) {
	db, err := st.getdb(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "CompletedTasks", Err: err}
	}
	var tasks []codehost.Task
	err = db.SelectContext(ctx, &tasks, `SELECT "id", "projectId", "status", "lastUpdated", "completedAt" FROM "Task"
		WHERE "projectId"=$1 AND "status"::text = ANY($2)
		ORDER BY "completedAt" DESC NULLS LAST
		LIMIT $3`,
		projectID, pq.Array([]string{string(codehost.TaskStatusCompleted), string(codehost.TaskStatusDeployed)}), limit)
	if err != nil {
		return nil, &PersistenceError{Op: "CompletedTasks", Err: err}
	}
	return tasks, nil
}

// AppendLog adds a line to the task's build log.
func (st *Store) AppendLog(ctx context.Context, taskID, line string, at time.Time) error {
	db, err := st.getdb(ctx)
	if err != nil {
		return &PersistenceError{Op: "AppendLog", TaskID: taskID, Err: err}
	}
	return appendLog(ctx, db, taskID, line, at)
}
