// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchbuild

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/codehost/codehost/lib/cmd"
	"github.com/codehost/codehost/lib/config"
	"github.com/codehost/codehost/lib/service"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// PollCommand runs the dispatcher as a long-running queue consumer,
// serving /metrics and /_health/ping on Services.DispatchPoll.Listen.
var PollCommand cmd.Handler = service.Command("dispatch-poll",
	func(cfg *codehost.Config) string { return cfg.Services.DispatchPoll.Listen },
	newPollHandler)

func newPollHandler(ctx context.Context, cfg *codehost.Config, reg *prometheus.Registry) service.Handler {
	p := &Poller{Dispatcher: &Dispatcher{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
	}}
	go p.Start()
	return p
}

// LambdaCommand runs the dispatcher as an AWS Lambda function
// handler for an SQS event source mapping. Configuration normally
// comes from environment variables.
var LambdaCommand cmd.Handler = lambdaCommand{}

// Replaced by tests. StartWithOptions does not return.
var startLambda = lambda.StartWithOptions

type lambdaCommand struct{}

func (lambdaCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "json", "info")
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		logger.WithError(err).Error("error loading config")
		return 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	ctx := ctxlog.Context(context.Background(), logger.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": "dispatch-lambda",
	}))
	disp := &Dispatcher{Config: cfg, Context: ctx}
	if err := disp.Start(); err != nil {
		logger.WithError(err).Error("dispatcher setup failed")
		return 1
	}
	startLambda(disp.HandleSQSEvent,
		lambda.WithContext(ctx),
		lambda.WithEnableSIGTERM(func() {
			disp.Close()
		}))
	return 0
}
