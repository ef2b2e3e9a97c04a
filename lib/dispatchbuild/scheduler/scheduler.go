// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler feeds batches of queue records through the
// admission controller, one record at a time, and decides which
// records are finished and which must be redelivered.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codehost/codehost/lib/dispatchbuild/admission"
	"github.com/codehost/codehost/lib/dispatchbuild/intake"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// An Admitter decides the fate of one record. Implemented by
// *admission.Controller.
type Admitter interface {
	Admit(context.Context, intake.Record, codehost.DispatchRequest) (admission.Decision, error)
	Reject(context.Context, intake.Record, *intake.DecodeError) (admission.Decision, error)
}

// An Acknowledger removes settled records from the queue.
// Implemented by *sqsqueue.Queue.
type Acknowledger interface {
	Delete(context.Context, intake.Record) error
}

// A BatchLock serializes admission across dispatcher processes.
type BatchLock interface {
	// Lock returns false if the lock was not acquired before ctx
	// was done.
	Lock(context.Context) bool
	Unlock()
}

// ErrBatchDeferred is matched (using errors.Is) by the error returned
// in BatchResult when processing stopped because the cluster had no
// room.
var ErrBatchDeferred = errors.New("batch deferred")

// DeferredError describes the record that stopped a batch.
type DeferredError struct {
	MessageID string
	TaskID    string
	Reason    admission.Reason
	Err       error
}

func (e *DeferredError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("batch deferred at message %s: %s", e.MessageID, e.Err)
	}
	return fmt.Sprintf("batch deferred at message %s (task %s): %s", e.MessageID, e.TaskID, e.Err)
}

func (e *DeferredError) Is(target error) bool {
	return target == ErrBatchDeferred
}

func (e *DeferredError) Unwrap() error {
	return e.Err
}

// BatchResult reports what happened to each record in a batch.
type BatchResult struct {
	// One decision per record that reached the admission
	// controller, in order.
	Decisions []admission.Decision

	// Records that need no further processing.
	Settled []intake.Record

	// The record whose dispatch was deferred (at most one).
	Deferred []intake.Record

	// Records that were not looked at, because an earlier
	// record was deferred or failed with a persistence error.
	Unprocessed []intake.Record

	// nil if every record was settled. Otherwise a
	// *DeferredError or the persistence error that stopped the
	// batch.
	Err error
}

// Retry returns the records that must be redelivered: the deferred
// record, followed by the unprocessed ones.
func (br BatchResult) Retry() []intake.Record {
	return append(append([]intake.Record(nil), br.Deferred...), br.Unprocessed...)
}

// Scheduler runs batches. It is safe to call RunBatch from multiple
// goroutines, but batches are not coordinated with each other unless
// a BatchLock is used.
type Scheduler struct {
	admitter    Admitter
	acker       Acknowledger
	lock        BatchLock
	lockTimeout time.Duration

	mRecords      *prometheus.CounterVec
	mRunningTasks prometheus.Gauge
	mComputeNodes prometheus.Gauge
	mBatches      *prometheus.CounterVec
}

// New returns a Scheduler.
//
// If acker is nil, settled records are not deleted: the caller is
// responsible for acknowledging them (e.g., by omitting them from a
// Lambda batch item failure list).
//
// If lock is not nil, it is held while each batch is processed. If it
// cannot be obtained within lockTimeout, the whole batch is deferred.
func New(admitter Admitter, acker Acknowledger, lock BatchLock, lockTimeout time.Duration, reg *prometheus.Registry) *Scheduler {
	sch := &Scheduler{
		admitter:    admitter,
		acker:       acker,
		lock:        lock,
		lockTimeout: lockTimeout,
	}
	sch.registerMetrics(reg)
	return sch
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch.mRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codehost",
		Subsystem: "dispatch",
		Name:      "records_total",
		Help:      "Number of queue records processed, by outcome.",
	}, []string{"outcome", "reason"})
	reg.MustRegister(sch.mRecords)
	sch.mRunningTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "codehost",
		Subsystem: "dispatch",
		Name:      "running_tasks",
		Help:      "Number of running build tasks last observed on the build cluster.",
	})
	reg.MustRegister(sch.mRunningTasks)
	sch.mComputeNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "codehost",
		Subsystem: "dispatch",
		Name:      "compute_nodes",
		Help:      "Number of container instances last observed on the build cluster.",
	})
	reg.MustRegister(sch.mComputeNodes)
	sch.mBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codehost",
		Subsystem: "dispatch",
		Name:      "batches_total",
		Help:      "Number of batches processed, by result.",
	}, []string{"result"})
	reg.MustRegister(sch.mBatches)
}

// RunBatch processes recs in order.
//
// Each record is decoded and passed to the admission controller.
// Settled records are acknowledged as soon as they settle. The batch
// stops at the first deferred record, or at the first persistence
// error; the remaining records are returned as Unprocessed.
func (sch *Scheduler) RunBatch(ctx context.Context, recs []intake.Record) BatchResult {
	logger := ctxlog.FromContext(ctx).WithField("BatchSize", len(recs))
	var res BatchResult
	defer func() {
		sch.mBatches.WithLabelValues(batchLabel(res.Err)).Inc()
	}()
	if len(recs) == 0 {
		return res
	}

	if sch.lock != nil {
		lockctx, cancel := context.WithTimeout(ctx, sch.lockTimeout)
		ok := sch.lock.Lock(lockctx)
		cancel()
		if !ok {
			logger.WithField("LockTimeout", sch.lockTimeout).Info("could not obtain admission lock, deferring batch")
			res.Unprocessed = recs
			res.Err = &DeferredError{
				MessageID: recs[0].MessageID,
				Reason:    admission.ConcurrencyLimit,
				Err:       errors.New("admission lock is held by another dispatcher"),
			}
			return res
		}
		defer sch.lock.Unlock()
	}

	for i, rec := range recs {
		dec, err := sch.admit(ctx, rec)
		if err != nil {
			logger.WithError(err).WithField("MessageID", rec.MessageID).Error("error updating task state, abandoning batch")
			res.Unprocessed = recs[i:]
			res.Err = err
			return res
		}
		res.Decisions = append(res.Decisions, dec)
		sch.mRecords.WithLabelValues(string(dec.Outcome), string(dec.Reason)).Inc()
		if dec.RunningTasks >= 0 {
			sch.mRunningTasks.Set(float64(dec.RunningTasks))
		}
		if !dec.Settled() {
			res.Deferred = []intake.Record{rec}
			res.Unprocessed = recs[i+1:]
			res.Err = &DeferredError{
				MessageID: rec.MessageID,
				TaskID:    dec.TaskID,
				Reason:    dec.Reason,
				Err:       dec.Err,
			}
			logger.WithFields(logrus.Fields{
				"MessageID":   rec.MessageID,
				"TaskID":      dec.TaskID,
				"Reason":      dec.Reason,
				"Unprocessed": len(res.Unprocessed),
			}).Info("batch deferred")
			return res
		}
		res.Settled = append(res.Settled, rec)
		sch.ack(ctx, rec)
	}
	logger.WithField("Settled", len(res.Settled)).Debug("batch complete")
	return res
}

func (sch *Scheduler) admit(ctx context.Context, rec intake.Record) (admission.Decision, error) {
	req, err := intake.Decode(rec)
	var derr *intake.DecodeError
	if errors.As(err, &derr) {
		return sch.admitter.Reject(ctx, rec, derr)
	}
	return sch.admitter.Admit(ctx, rec, req)
}

// ack deletes a settled record. Failure is logged but otherwise
// ignored: the record is redelivered later and settles again as a
// duplicate.
func (sch *Scheduler) ack(ctx context.Context, rec intake.Record) {
	if sch.acker == nil {
		return
	}
	if err := sch.acker.Delete(ctx, rec); err != nil {
		ctxlog.FromContext(ctx).WithError(err).WithField("MessageID", rec.MessageID).Warn("error deleting settled record")
	}
}

func batchLabel(err error) string {
	switch {
	case err == nil:
		return "complete"
	case errors.Is(err, ErrBatchDeferred):
		return "deferred"
	default:
		return "error"
	}
}

// ObserveCluster updates the cluster gauges from a snapshot taken
// outside a batch, e.g., while the queue is idle.
func (sch *Scheduler) ObserveCluster(snap codehost.ClusterSnapshot) {
	sch.mRunningTasks.Set(float64(snap.RunningTaskCount))
	sch.mComputeNodes.Set(float64(snap.AvailableComputeNodes))
}
