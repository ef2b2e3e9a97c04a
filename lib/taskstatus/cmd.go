// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskstatus

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/codehost/codehost/lib/cloud"
	"github.com/codehost/codehost/lib/cmd"
	"github.com/codehost/codehost/lib/ctrlctx"
	"github.com/codehost/codehost/lib/dispatchbuild/jobstate"
	"github.com/codehost/codehost/lib/service"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
)

// Command runs the task status service on Services.TaskStatus.Listen.
var Command cmd.Handler = service.Command("task-status",
	func(cfg *codehost.Config) string { return cfg.Services.TaskStatus.Listen },
	newHandler)

func newHandler(ctx context.Context, cfg *codehost.Config, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	dbc := &ctrlctx.DBConnector{PostgreSQL: cfg.PostgreSQL}
	store := jobstate.New(dbc.GetDB, jobstate.LogSink{Logger: logger})
	h := &Handler{
		Store: store,
		Ping: func(ctx context.Context) error {
			db, err := dbc.GetDB(ctx)
			if err != nil {
				return err
			}
			return db.PingContext(ctx)
		},
	}
	if cfg.Deployments.Bucket != "" {
		s3client, err := newS3Client(ctx, cfg)
		if err != nil {
			return service.ErrorHandler(ctx, err)
		}
		h.Pruner = &Pruner{
			S3:      s3client,
			Tasks:   store,
			Bucket:  cfg.Deployments.Bucket,
			DirName: cfg.Deployments.DirName,
			Keep:    cfg.Deployments.KeepCompleted,
		}
	} else {
		logger.Warn("Deployments.Bucket is not configured, old deployments will not be deleted")
	}
	h.RegisterMetrics(reg)
	return h
}

// newS3Client returns a client for the deployment bucket. A custom
// endpoint (e.g., an S3-compatible service) implies path-style
// addressing.
func newS3Client(ctx context.Context, cfg *codehost.Config) (*s3.Client, error) {
	awscfg, err := cloud.LoadAWSConfig(ctx, cfg.AWS, ctxlog.FromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("deployment bucket: %w", err)
	}
	dcfg := cfg.Deployments
	return s3.NewFromConfig(awscfg, func(o *s3.Options) {
		if dcfg.Region != "" {
			o.Region = dcfg.Region
		}
		if dcfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(dcfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
