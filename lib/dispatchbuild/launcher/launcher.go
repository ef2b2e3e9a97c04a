// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package launcher starts build containers on the build cluster.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// ECSAPI is the subset of the ECS client used by Launcher.
type ECSAPI interface {
	RunTask(context.Context, *ecs.RunTaskInput, ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	ListTasks(context.Context, *ecs.ListTasksInput, ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
}

// LaunchError is returned by Launch when the cluster does not accept
// a build task. It is never retried by the dispatcher.
type LaunchError struct {
	TaskID string
	// Error code reported by the API, or the first placement
	// failure reason if the call succeeded but started nothing.
	Code string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching build task %s: %s", e.TaskID, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Launcher submits build tasks using a fixed task definition and
// container.
type Launcher struct {
	client         ECSAPI
	cluster        string
	taskDefinition string
	containerName  string
	launchType     types.LaunchType
	network        *types.NetworkConfiguration
}

// New returns a Launcher for the cluster and task definition named in
// cfg.
func New(client ECSAPI, cfg codehost.BuildClusterConfig) *Launcher {
	l := &Launcher{
		client:         client,
		cluster:        cfg.ARN,
		taskDefinition: cfg.TaskDefinition,
		containerName:  cfg.ContainerName,
		launchType:     types.LaunchType(strings.ToUpper(cfg.LaunchType)),
	}
	if len(cfg.Subnets) > 0 {
		assign := types.AssignPublicIpDisabled
		if cfg.AssignPublicIP {
			assign = types.AssignPublicIpEnabled
		}
		l.network = &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        cfg.Subnets,
				SecurityGroups: cfg.SecurityGroups,
				AssignPublicIp: assign,
			},
		}
	}
	return l
}

// Input returns the RunTask request for req: exactly one task, with
// the request's fields passed to the build container as environment
// variables.
func (l *Launcher) Input(req codehost.DispatchRequest) *ecs.RunTaskInput {
	var env []types.KeyValuePair
	for _, kv := range req.BuildEnvironment() {
		env = append(env, types.KeyValuePair{Name: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return &ecs.RunTaskInput{
		Cluster:        aws.String(l.cluster),
		TaskDefinition: aws.String(l.taskDefinition),
		LaunchType:     l.launchType,
		Count:          aws.Int32(1),
		StartedBy:      aws.String(startedBy(req.TaskID)),
		// Required by FARGATE (awsvpc). nil for bridge/host
		// networking on EC2.
		NetworkConfiguration: l.network,
		Overrides: &types.TaskOverride{
			ContainerOverrides: []types.ContainerOverride{{
				Name:        aws.String(l.containerName),
				Environment: env,
			}},
		},
	}
}

// Launch submits a build task for req and returns its ARN once the
// cluster has accepted it. Acceptance does not mean the build has
// started.
func (l *Launcher) Launch(ctx context.Context, req codehost.DispatchRequest) (string, error) {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"TaskID":         req.TaskID,
		"Cluster":        l.cluster,
		"TaskDefinition": l.taskDefinition,
	})
	resp, err := l.client.RunTask(ctx, l.Input(req))
	if err != nil {
		lerr := &LaunchError{TaskID: req.TaskID, Err: err}
		var apierr smithy.APIError
		if errors.As(err, &apierr) {
			lerr.Code = apierr.ErrorCode()
		}
		logger.WithError(err).WithField("ErrorCode", lerr.Code).Warn("RunTask failed")
		return "", lerr
	}
	if len(resp.Tasks) == 0 {
		lerr := &LaunchError{TaskID: req.TaskID, Err: errors.New("no task was started")}
		if len(resp.Failures) > 0 {
			f := resp.Failures[0]
			lerr.Code = aws.ToString(f.Reason)
			lerr.Err = fmt.Errorf("no task was started: %s %s", aws.ToString(f.Reason), aws.ToString(f.Detail))
		}
		logger.WithError(lerr.Err).Warn("RunTask started nothing")
		return "", lerr
	}
	arn := aws.ToString(resp.Tasks[0].TaskArn)
	logger.WithField("TaskARN", arn).Info("build task submitted")
	return arn, nil
}

// Find returns the ARN of a build task previously launched for
// taskID that has not stopped yet, or "" if there is none.
func (l *Launcher) Find(ctx context.Context, taskID string) (string, error) {
	resp, err := l.client.ListTasks(ctx, &ecs.ListTasksInput{
		Cluster:       aws.String(l.cluster),
		StartedBy:     aws.String(startedBy(taskID)),
		DesiredStatus: types.DesiredStatusRunning,
	})
	if err != nil {
		return "", fmt.Errorf("ListTasks: %w", err)
	}
	if len(resp.TaskArns) == 0 {
		return "", nil
	}
	return resp.TaskArns[0], nil
}

const maxStartedBy = 128

// ECS accepts only these characters in "startedBy".
var startedByUnsafe = regexp.MustCompile(`[^A-Za-z0-9/_-]`)

// startedBy returns the ECS "startedBy" tag identifying the build
// task.
func startedBy(taskID string) string {
	s := "codehost/" + startedByUnsafe.ReplaceAllString(taskID, "_")
	if len(s) > maxStartedBy {
		s = s[:maxStartedBy]
	}
	return s
}
