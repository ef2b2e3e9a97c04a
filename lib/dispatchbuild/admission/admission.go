// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package admission decides, one build request at a time, whether to
// launch it now or leave it on the queue for later.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codehost/codehost/lib/dispatchbuild/intake"
	"github.com/codehost/codehost/lib/dispatchbuild/jobstate"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A CapacityOracle reports the state of the build cluster.
// Implemented by *capacity.Oracle and test stubs.
type CapacityOracle interface {
	HasComputeCapacity(context.Context) (bool, error)
	RunningTaskCount(context.Context) (int, error)
}

// A StateStore reads and updates build task state. Implemented by
// *jobstate.Store and test stubs.
type StateStore interface {
	Status(ctx context.Context, taskID string) (codehost.TaskStatus, error)
	Transition(ctx context.Context, taskID string, to codehost.TaskStatus, reason string) (bool, error)
	RemoveOngoingJob(ctx context.Context, taskID string) error
}

// A Launcher starts build containers. Implemented by
// *launcher.Launcher.
type Launcher interface {
	Launch(context.Context, codehost.DispatchRequest) (string, error)
	Find(ctx context.Context, taskID string) (string, error)
}

// A VisibilityExtender postpones redelivery of a queue record.
// Implemented by *sqsqueue.Queue.
type VisibilityExtender interface {
	ExtendVisibility(context.Context, intake.Record, time.Duration) error
}

// Outcome is the result of admitting one record.
type Outcome string

const (
	// A build container was submitted and accepted.
	Dispatched = Outcome("Dispatched")
	// The cluster has no room. The record stays on the queue
	// and the rest of the batch must not be processed.
	Deferred = Outcome("Deferred")
	// The request can never be dispatched. Its task is FAILED
	// and its OngoingJob is gone.
	Failed = Outcome("Failed")
	// Nothing needed to be done, e.g., the task was already
	// dispatched by an earlier delivery of the same record.
	Skipped = Outcome("Skipped")
)

// Reason qualifies an Outcome.
type Reason string

const (
	NoCapacity       = Reason("NoCapacity")
	ConcurrencyLimit = Reason("ConcurrencyLimit")
	LaunchFailure    = Reason("LaunchFailure")
	Malformed        = Reason("Malformed")
	Duplicate        = Reason("Duplicate")
	NotDispatchable  = Reason("NotDispatchable")
)

// Decision is the explicit result of admitting one record.
type Decision struct {
	Outcome Outcome
	Reason  Reason
	TaskID  string

	// ARN of the build task, if one was launched (Dispatched)
	// or found already running (Skipped/Duplicate).
	TaskARN string

	// Running tasks observed on the cluster, or -1 if not
	// queried.
	RunningTasks int

	// Cause of a Deferred or Failed outcome: a *CapacityError,
	// the launcher's error, or an *intake.DecodeError.
	Err error
}

// Settled returns true if the record that produced the decision
// needs no further processing and can be removed from the queue.
func (d Decision) Settled() bool {
	return d.Outcome != Deferred
}

// CapacityError explains a Deferred decision. It is always
// retryable: the same record may be dispatched after the defer
// window.
type CapacityError struct {
	Reason       Reason
	RunningTasks int
	Limit        int
	Err          error // error querying the cluster, if any
}

func (e *CapacityError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("cannot determine build cluster capacity: %s", e.Err)
	case e.Reason == ConcurrencyLimit:
		return fmt.Sprintf("maximum number of running build tasks reached (%d/%d)", e.RunningTasks, e.Limit)
	default:
		return "no build instances available"
	}
}

func (e *CapacityError) Unwrap() error {
	return e.Err
}

// Retryable implements the interface checked by the batch driver.
func (e *CapacityError) Retryable() bool {
	return true
}

// Config holds the Controller's tunables.
type Config struct {
	// Dispatch is deferred while this many tasks are running.
	MaxRunningTasks int
	// Visibility timeout applied to deferred records.
	DeferVisibilityTimeout time.Duration
}

// Controller admits build requests against a capacity oracle.
//
// The capacity check and the launch are not atomic: a concurrent
// Controller using the same cluster can launch a task in between, so
// MaxRunningTasks is a soft limit. Callers that need a hard limit
// must serialize calls to Admit across processes.
type Controller struct {
	oracle   CapacityOracle
	state    StateStore
	launcher Launcher
	queue    VisibilityExtender
	config   Config

	mLaunchSeconds prometheus.Histogram
}

// New returns a Controller. If reg is not nil, the Controller's
// metrics are registered with it.
func New(oracle CapacityOracle, state StateStore, launcher Launcher, queue VisibilityExtender, config Config, reg *prometheus.Registry) *Controller {
	if config.MaxRunningTasks < 1 {
		config.MaxRunningTasks = 1
	}
	ctrl := &Controller{
		oracle:   oracle,
		state:    state,
		launcher: launcher,
		queue:    queue,
		config:   config,
	}
	ctrl.registerMetrics(reg)
	return ctrl
}

func (ctrl *Controller) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ctrl.mLaunchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codehost",
		Subsystem: "dispatch",
		Name:      "launch_seconds",
		Help:      "Time taken by the build cluster to accept or reject a build task.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
	reg.MustRegister(ctrl.mLaunchSeconds)
}

// Admit decides what to do with req, which was decoded from rec, and
// does it.
//
// The returned error is non-nil only if the task state could not be
// read or written (a *jobstate.PersistenceError). In that case the
// record's fate is unknown and it should be left for redelivery.
func (ctrl *Controller) Admit(ctx context.Context, rec intake.Record, req codehost.DispatchRequest) (Decision, error) {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"TaskID":    req.TaskID,
		"ProjectID": req.ProjectID,
		"MessageID": rec.MessageID,
	})
	ctx = ctxlog.Context(ctx, logger)
	dec := Decision{TaskID: req.TaskID, RunningTasks: -1}

	// A record can be delivered more than once. Only a task that
	// is still waiting, or that we marked STARTING but never
	// launched, is eligible.
	status, err := ctrl.state.Status(ctx, req.TaskID)
	if errors.Is(err, jobstate.ErrNotFound) {
		logger.Info("task does not exist, skipping")
		dec.Outcome, dec.Reason = Skipped, NotDispatchable
		return dec, nil
	} else if err != nil {
		return dec, err
	}
	resume := false
	switch status {
	case codehost.TaskStatusInQueue:
	case codehost.TaskStatusStarting:
		arn, err := ctrl.launcher.Find(ctx, req.TaskID)
		if err != nil {
			return ctrl.deferRecord(ctx, rec, dec, &CapacityError{Reason: NoCapacity, Err: err}), nil
		}
		if arn != "" {
			logger.WithField("TaskARN", arn).Info("build task already launched, skipping duplicate")
			dec.Outcome, dec.Reason, dec.TaskARN = Skipped, Duplicate, arn
			return dec, nil
		}
		logger.Info("task is STARTING but has no build task, launching again")
		resume = true
	case codehost.TaskStatusFailed:
		// Finish cleanup in case an earlier attempt was
		// interrupted.
		if err := ctrl.state.RemoveOngoingJob(ctx, req.TaskID); err != nil {
			return dec, err
		}
		fallthrough
	default:
		logger.WithField("Status", status).Info("task is past dispatch, skipping")
		dec.Outcome, dec.Reason = Skipped, NotDispatchable
		return dec, nil
	}

	avail, err := ctrl.oracle.HasComputeCapacity(ctx)
	if err != nil || !avail {
		return ctrl.deferRecord(ctx, rec, dec, &CapacityError{Reason: NoCapacity, Err: err}), nil
	}
	running, err := ctrl.oracle.RunningTaskCount(ctx)
	if err != nil {
		return ctrl.deferRecord(ctx, rec, dec, &CapacityError{Reason: NoCapacity, Err: err}), nil
	}
	dec.RunningTasks = running
	if running >= ctrl.config.MaxRunningTasks {
		cerr := &CapacityError{Reason: ConcurrencyLimit, RunningTasks: running, Limit: ctrl.config.MaxRunningTasks}
		if _, err := ctrl.state.Transition(ctx, req.TaskID, codehost.TaskStatusInQueue, "waiting for a free build slot"); err != nil {
			return dec, err
		}
		return ctrl.deferRecord(ctx, rec, dec, cerr), nil
	}

	if !resume {
		ok, err := ctrl.state.Transition(ctx, req.TaskID, codehost.TaskStatusStarting, "")
		if err != nil {
			return dec, err
		}
		if !ok {
			// Another dispatcher moved the task since we
			// read its status.
			logger.Info("task was claimed by another dispatcher, skipping")
			dec.Outcome, dec.Reason = Skipped, Duplicate
			return dec, nil
		}
	}

	t0 := time.Now()
	arn, err := ctrl.launcher.Launch(ctx, req)
	ctrl.mLaunchSeconds.Observe(time.Since(t0).Seconds())
	if err != nil {
		if err := ctrl.fail(ctx, req.TaskID, err.Error()); err != nil {
			return dec, err
		}
		dec.Outcome, dec.Reason, dec.Err = Failed, LaunchFailure, err
		return dec, nil
	}
	logger.WithFields(logrus.Fields{
		"TaskARN":      arn,
		"RunningTasks": running,
	}).Info("build task dispatched")
	dec.Outcome, dec.TaskARN = Dispatched, arn
	return dec, nil
}

// Reject handles a record that could not be decoded. If the record
// names a task that is still waiting to be dispatched, the task is
// marked FAILED so it does not stay queued forever.
func (ctrl *Controller) Reject(ctx context.Context, rec intake.Record, derr *intake.DecodeError) (Decision, error) {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"TaskID":    derr.TaskID,
		"MessageID": rec.MessageID,
		"Missing":   derr.Missing,
	})
	logger.Warn("malformed build request")
	dec := Decision{Outcome: Failed, Reason: Malformed, TaskID: derr.TaskID, RunningTasks: -1, Err: derr}
	if derr.TaskID == "" {
		return dec, nil
	}
	status, err := ctrl.state.Status(ctx, derr.TaskID)
	if errors.Is(err, jobstate.ErrNotFound) {
		return dec, nil
	} else if err != nil {
		return dec, err
	}
	if status != codehost.TaskStatusInQueue {
		return dec, nil
	}
	reason := "malformed build request: missing " + strings.Join(derr.Missing, ", ")
	return dec, ctrl.fail(ctx, derr.TaskID, reason)
}

// fail marks the task FAILED and removes its OngoingJob.
func (ctrl *Controller) fail(ctx context.Context, taskID, reason string) error {
	if _, err := ctrl.state.Transition(ctx, taskID, codehost.TaskStatusFailed, reason); err != nil {
		return err
	}
	return ctrl.state.RemoveOngoingJob(ctx, taskID)
}

// deferRecord hides rec for the defer window and returns a Deferred
// decision. Failure to change the visibility is logged but does not
// change the outcome: the record is redelivered after its original
// visibility timeout instead.
func (ctrl *Controller) deferRecord(ctx context.Context, rec intake.Record, dec Decision, cerr *CapacityError) Decision {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"Reason":       cerr.Reason,
		"RunningTasks": cerr.RunningTasks,
		"DeferFor":     ctrl.config.DeferVisibilityTimeout,
	})
	if cerr.Err != nil {
		logger = logger.WithError(cerr.Err)
	}
	logger.Info("deferring build request")
	if err := ctrl.queue.ExtendVisibility(ctx, rec, ctrl.config.DeferVisibilityTimeout); err != nil {
		logger.WithError(err).Warn("error extending visibility of deferred record")
	}
	dec.Outcome, dec.Reason, dec.Err = Deferred, cerr.Reason, cerr
	return dec
}
