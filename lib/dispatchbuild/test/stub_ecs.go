// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
)

// StubECS is a fake ECS cluster. It implements the client interfaces
// used by the capacity and launcher packages.
type StubECS struct {
	// Number of registered container instances.
	Instances int32
	// If true, DescribeClusters reports the cluster as MISSING.
	Missing bool
	// Tasks per ListTasks page (default 100).
	PageSize int

	DescribeErr   error
	ListErr       error
	RunTaskErr    error
	FailureReason string // if set, RunTask starts nothing and reports this failure

	RunTaskCalls  []*ecs.RunTaskInput
	DescribeCalls int
	ListCalls     int

	running  []stubTask
	launched []string
	serial   int
	mtx      sync.Mutex
}

type stubTask struct {
	arn       string
	startedBy string
}

// AddRunning adds n tasks that were not started by a dispatcher.
func (se *StubECS) AddRunning(n int) {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	for i := 0; i < n; i++ {
		se.serial++
		se.running = append(se.running, stubTask{arn: se.arn()})
	}
}

// StopAll forgets all running tasks.
func (se *StubECS) StopAll() {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.running = nil
}

// Running returns the number of running tasks.
func (se *StubECS) Running() int {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	return len(se.running)
}

// Launched returns the TASK_ID environment value of each successful
// RunTask call, in order.
func (se *StubECS) Launched() []string {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	return append([]string(nil), se.launched...)
}

func taskIDEnv(in *ecs.RunTaskInput) string {
	if in.Overrides == nil {
		return ""
	}
	for _, co := range in.Overrides.ContainerOverrides {
		for _, kv := range co.Environment {
			if aws.ToString(kv.Name) == "TASK_ID" {
				return aws.ToString(kv.Value)
			}
		}
	}
	return ""
}

func (se *StubECS) arn() string {
	return fmt.Sprintf("arn:aws:ecs:us-east-1:000000000000:task/stub/%08d", se.serial)
}

func (se *StubECS) DescribeClusters(ctx context.Context, in *ecs.DescribeClustersInput, _ ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error) {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.DescribeCalls++
	if se.DescribeErr != nil {
		return nil, se.DescribeErr
	}
	out := &ecs.DescribeClustersOutput{}
	for _, name := range in.Clusters {
		if se.Missing {
			out.Failures = append(out.Failures, types.Failure{Arn: aws.String(name), Reason: aws.String("MISSING")})
			continue
		}
		out.Clusters = append(out.Clusters, types.Cluster{
			ClusterArn:                        aws.String(name),
			Status:                            aws.String("ACTIVE"),
			RegisteredContainerInstancesCount: se.Instances,
			RunningTasksCount:                 int32(len(se.running)),
		})
	}
	return out, nil
}

func (se *StubECS) ListTasks(ctx context.Context, in *ecs.ListTasksInput, _ ...func(*ecs.Options)) (*ecs.ListTasksOutput, error) {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.ListCalls++
	if se.ListErr != nil {
		return nil, se.ListErr
	}
	var arns []string
	for _, t := range se.running {
		if in.StartedBy == nil || aws.ToString(in.StartedBy) == t.startedBy {
			arns = append(arns, t.arn)
		}
	}
	start := 0
	if in.NextToken != nil {
		start, _ = strconv.Atoi(*in.NextToken)
	}
	pageSize := se.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	if start > len(arns) {
		start = len(arns)
	}
	end := start + pageSize
	out := &ecs.ListTasksOutput{}
	if end < len(arns) {
		out.NextToken = aws.String(strconv.Itoa(end))
	} else {
		end = len(arns)
	}
	out.TaskArns = append([]string(nil), arns[start:end]...)
	return out, nil
}

func (se *StubECS) RunTask(ctx context.Context, in *ecs.RunTaskInput, _ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.RunTaskCalls = append(se.RunTaskCalls, in)
	if se.RunTaskErr != nil {
		return nil, se.RunTaskErr
	}
	if in.LaunchType == types.LaunchTypeFargate && (in.NetworkConfiguration == nil || in.NetworkConfiguration.AwsvpcConfiguration == nil) {
		return nil, &smithy.GenericAPIError{Code: "InvalidParameterException", Message: "Network Configuration must be provided when networkMode 'awsvpc' is specified."}
	}
	if se.FailureReason != "" {
		return &ecs.RunTaskOutput{Failures: []types.Failure{{Reason: aws.String(se.FailureReason)}}}, nil
	}
	se.launched = append(se.launched, taskIDEnv(in))
	se.serial++
	t := stubTask{arn: se.arn(), startedBy: aws.ToString(in.StartedBy)}
	se.running = append(se.running, t)
	return &ecs.RunTaskOutput{Tasks: []types.Task{{TaskArn: aws.String(t.arn), LastStatus: aws.String("PROVISIONING")}}}, nil
}
