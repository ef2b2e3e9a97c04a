// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatchbuild launches build containers on an ECS cluster
// for build requests arriving on an SQS queue, either as an
// SQS-triggered Lambda function or as a long-running queue consumer.
package dispatchbuild

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/codehost/codehost/lib/cloud"
	"github.com/codehost/codehost/lib/ctrlctx"
	"github.com/codehost/codehost/lib/dblock"
	"github.com/codehost/codehost/lib/dispatchbuild/admission"
	"github.com/codehost/codehost/lib/dispatchbuild/capacity"
	"github.com/codehost/codehost/lib/dispatchbuild/intake"
	"github.com/codehost/codehost/lib/dispatchbuild/jobstate"
	"github.com/codehost/codehost/lib/dispatchbuild/launcher"
	"github.com/codehost/codehost/lib/dispatchbuild/scheduler"
	"github.com/codehost/codehost/lib/dispatchbuild/sqsqueue"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ECSAPI is the subset of the ECS client used by the dispatcher.
type ECSAPI interface {
	capacity.ECSAPI
	launcher.ECSAPI
}

// Dispatcher wires the dispatch components together. The zero value
// is not usable: Config must be set.
type Dispatcher struct {
	Config   *codehost.Config
	Context  context.Context
	Registry *prometheus.Registry

	// AWS clients. If nil, they are created from Config.AWS.
	ECS ECSAPI
	SQS sqsqueue.SQSAPI

	// Database pool. If nil, one is opened for
	// Config.PostgreSQL on first use.
	DB *ctrlctx.DBConnector

	// Task state. If nil, a *jobstate.Store using DB is used.
	State admission.StateStore

	logger logrus.FieldLogger
	queue  *sqsqueue.Queue
	oracle *capacity.Oracle
	ctrl   *admission.Controller
	sched  *scheduler.Scheduler

	setupOnce sync.Once
	setupErr  error
}

// Start initializes the dispatcher. Start can be called multiple
// times with no ill effect; only the first call's error is reported
// (by every call).
func (disp *Dispatcher) Start() error {
	disp.setupOnce.Do(func() { disp.setupErr = disp.setup() })
	return disp.setupErr
}

// CheckHealth returns the setup error, if any.
func (disp *Dispatcher) CheckHealth() error {
	return disp.Start()
}

// Close releases the database connection pool.
func (disp *Dispatcher) Close() error {
	if disp.DB == nil {
		return nil
	}
	return disp.DB.Close()
}

func checkConfig(cfg *codehost.Config) error {
	if cfg.BuildQueue.URL == "" {
		return errors.New("BuildQueue.URL (SQS_QUEUE_URL) is not configured")
	}
	if cfg.BuildCluster.ARN == "" {
		return errors.New("BuildCluster.ARN (CLUSTER_ARN) is not configured")
	}
	if cfg.BuildCluster.MaxRunningTasks < 1 {
		return fmt.Errorf("BuildCluster.MaxRunningTasks must be at least 1 (got %d)", cfg.BuildCluster.MaxRunningTasks)
	}
	return nil
}

func (disp *Dispatcher) setup() error {
	if disp.Context == nil {
		disp.Context = context.Background()
	}
	disp.logger = ctxlog.FromContext(disp.Context)
	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}
	cfg := disp.Config
	if err := checkConfig(cfg); err != nil {
		return err
	}
	if disp.ECS == nil || disp.SQS == nil {
		awscfg, err := cloud.LoadAWSConfig(disp.Context, cfg.AWS, disp.logger)
		if err != nil {
			return err
		}
		if disp.ECS == nil {
			disp.ECS = ecs.NewFromConfig(awscfg)
		}
		if disp.SQS == nil {
			disp.SQS = sqs.NewFromConfig(awscfg)
		}
	}
	if disp.DB == nil {
		disp.DB = &ctrlctx.DBConnector{PostgreSQL: cfg.PostgreSQL}
	}
	if disp.State == nil {
		disp.State = jobstate.New(disp.DB.GetDB, jobstate.MultiSink{
			jobstate.LogSink{Logger: disp.logger},
			jobstate.TaskLogSink{GetDB: disp.DB.GetDB},
		})
	}

	disp.queue = sqsqueue.New(disp.SQS, cfg.BuildQueue.URL)
	disp.oracle = capacity.New(disp.ECS, cfg.BuildCluster)
	disp.ctrl = admission.New(
		disp.oracle,
		disp.State,
		launcher.New(disp.ECS, cfg.BuildCluster),
		disp.queue,
		admission.Config{
			MaxRunningTasks:        cfg.BuildCluster.MaxRunningTasks,
			DeferVisibilityTimeout: cfg.BuildQueue.DeferVisibilityTimeout.Duration(),
		},
		disp.Registry)

	// In partial-batch mode the Lambda runtime deletes every
	// record not reported as a failure, so deleting them here
	// would be redundant.
	var acker scheduler.Acknowledger = disp.queue
	if cfg.BuildQueue.ReportBatchItemFailures {
		acker = nil
	}
	var lock scheduler.BatchLock
	if cfg.BuildCluster.SerializeAdmission {
		lock = &admissionLock{locker: dblock.Admission, getdb: disp.DB.GetDB}
	}
	disp.sched = scheduler.New(disp.ctrl, acker, lock, cfg.BuildCluster.AdmissionLockTimeout.Duration(), disp.Registry)

	disp.logger.WithFields(logrus.Fields{
		"Queue":                   cfg.BuildQueue.URL,
		"Cluster":                 cfg.BuildCluster.ARN,
		"MaxRunningTasks":         cfg.BuildCluster.MaxRunningTasks,
		"SerializeAdmission":      cfg.BuildCluster.SerializeAdmission,
		"ReportBatchItemFailures": cfg.BuildQueue.ReportBatchItemFailures,
	}).Info("dispatcher ready")
	return nil
}

// observeCluster refreshes the cluster gauges from a fresh capacity
// snapshot.
func (disp *Dispatcher) observeCluster(ctx context.Context) error {
	snap, err := disp.oracle.Snapshot(ctx)
	if err != nil {
		return err
	}
	disp.sched.ObserveCluster(snap)
	return nil
}

// RunBatch processes a batch of records in order. See
// (*scheduler.Scheduler)RunBatch.
func (disp *Dispatcher) RunBatch(ctx context.Context, recs []intake.Record) scheduler.BatchResult {
	if err := disp.Start(); err != nil {
		return scheduler.BatchResult{Unprocessed: recs, Err: err}
	}
	return disp.sched.RunBatch(ctx, recs)
}

// HandleSQSEvent is the Lambda function handler.
//
// It returns a nil error when every record in the batch is settled.
// Otherwise, if ReportBatchItemFailures is enabled, the records that
// must be redelivered are listed in the response; if not, the error
// that stopped the batch is returned and the runtime redelivers the
// records that were not deleted.
func (disp *Dispatcher) HandleSQSEvent(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	logger := disp.baseLogger().WithField("BatchSize", len(ev.Records))
	ctx = ctxlog.Context(ctx, logger)

	recs := make([]intake.Record, 0, len(ev.Records))
	for _, msg := range ev.Records {
		recs = append(recs, intake.FromLambda(msg))
	}
	t0 := time.Now()
	res := disp.RunBatch(ctx, recs)
	logger.WithFields(logrus.Fields{
		"Settled":     len(res.Settled),
		"Deferred":    len(res.Deferred),
		"Unprocessed": len(res.Unprocessed),
		"Elapsed":     time.Since(t0).Seconds(),
	}).Info("batch finished")
	if res.Err == nil {
		return resp, nil
	}
	if !disp.Config.BuildQueue.ReportBatchItemFailures {
		return resp, res.Err
	}
	logger.WithError(res.Err).Info("reporting batch item failures")
	for _, rec := range res.Retry() {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageID})
	}
	return resp, nil
}

func (disp *Dispatcher) baseLogger() logrus.FieldLogger {
	if disp.Context == nil {
		return ctxlog.FromContext(context.Background())
	}
	return ctxlog.FromContext(disp.Context)
}

// admissionLock holds a PostgreSQL advisory lock for the duration of
// a batch.
type admissionLock struct {
	locker *dblock.DBLocker
	getdb  func(context.Context) (*sqlx.DB, error)
}

func (al *admissionLock) Lock(ctx context.Context) bool {
	return al.locker.Lock(ctx, al.getdb)
}

func (al *admissionLock) Unlock() {
	al.locker.Unlock()
}
