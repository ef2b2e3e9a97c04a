// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// TaskEvent describes a status change that has been written to the
// store.
type TaskEvent struct {
	TaskID string
	Status codehost.TaskStatus
	Reason string
	At     time.Time
}

// An EventSink is told about every applied status change. Errors
// returned by a sink are logged, and never undo the change.
type EventSink interface {
	TaskEvent(context.Context, TaskEvent) error
}

// LogSink logs each event.
type LogSink struct {
	Logger logrus.FieldLogger
}

func (ls LogSink) TaskEvent(ctx context.Context, ev TaskEvent) error {
	logger := ls.Logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	logger.WithFields(logrus.Fields{
		"TaskID": ev.TaskID,
		"Status": ev.Status,
		"Reason": ev.Reason,
	}).Info("task status changed")
	return nil
}

// TaskLogSink appends a line to the task's build log, so the
// dashboard can show why a build is waiting or has failed.
type TaskLogSink struct {
	GetDB func(context.Context) (*sqlx.DB, error)
}

func (tls TaskLogSink) TaskEvent(ctx context.Context, ev TaskEvent) error {
	db, err := tls.GetDB(ctx)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("[dispatcher] status %s", ev.Status)
	if ev.Reason != "" {
		line += ": " + ev.Reason
	}
	return appendLog(ctx, db, ev.TaskID, line, ev.At)
}

// MultiSink sends each event to all of its members, and returns the
// errors from all of them.
type MultiSink []EventSink

func (ms MultiSink) TaskEvent(ctx context.Context, ev TaskEvent) error {
	var errs []error
	for _, sink := range ms {
		if err := sink.TaskEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func appendLog(ctx context.Context, db *sqlx.DB, taskID, line string, at time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT INTO "TaskLogs" ("id", "taskId", "log", "loggedAt") VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), taskID, line, at.UTC())
	if err != nil {
		return &PersistenceError{Op: "AppendLog", TaskID: taskID, Err: err}
	}
	return nil
}
