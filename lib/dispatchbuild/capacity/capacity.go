// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package capacity reports how much room the build cluster has for
// new build tasks.
package capacity

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// ECSAPI is the subset of the ECS client used by Oracle. Implemented
// by *ecs.Client and test stubs.
type ECSAPI interface {
	DescribeClusters(context.Context, *ecs.DescribeClustersInput, ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error)
	ListTasks(context.Context, *ecs.ListTasksInput, ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
}

// ClusterNotFoundError is returned when the configured cluster does
// not exist or is not active.
type ClusterNotFoundError struct {
	Cluster string
	Reason  string
}

func (e ClusterNotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("build cluster %q not found", e.Cluster)
	}
	return fmt.Sprintf("build cluster %q not found: %s", e.Cluster, e.Reason)
}

// Oracle answers capacity questions about one ECS cluster. Every
// answer comes from a fresh API call; nothing is cached between
// records.
type Oracle struct {
	client     ECSAPI
	cluster    string
	launchType string
}

// New returns an Oracle for the cluster named in cfg.
func New(client ECSAPI, cfg codehost.BuildClusterConfig) *Oracle {
	return &Oracle{
		client:     client,
		cluster:    cfg.ARN,
		launchType: strings.ToUpper(cfg.LaunchType),
	}
}

// HasComputeCapacity returns true if at least one container instance
// is registered with the cluster.
//
// FARGATE clusters have no registered instances, so they always have
// capacity.
func (o *Oracle) HasComputeCapacity(ctx context.Context) (bool, error) {
	if o.launchType == string(types.LaunchTypeFargate) {
		return true, nil
	}
	n, err := o.registeredInstances(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (o *Oracle) registeredInstances(ctx context.Context) (int, error) {
	resp, err := o.client.DescribeClusters(ctx, &ecs.DescribeClustersInput{
		Clusters: []string{o.cluster},
		Include:  []types.ClusterField{types.ClusterFieldStatistics},
	})
	if err != nil {
		return 0, fmt.Errorf("DescribeClusters: %w", err)
	}
	if len(resp.Failures) > 0 {
		return 0, ClusterNotFoundError{Cluster: o.cluster, Reason: aws.ToString(resp.Failures[0].Reason)}
	}
	if len(resp.Clusters) == 0 {
		return 0, ClusterNotFoundError{Cluster: o.cluster}
	}
	cl := resp.Clusters[0]
	if st := aws.ToString(cl.Status); st != "" && st != "ACTIVE" {
		return 0, ClusterNotFoundError{Cluster: o.cluster, Reason: "status " + st}
	}
	ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"Cluster":             o.cluster,
		"RegisteredInstances": cl.RegisteredContainerInstancesCount,
		"RunningTasks":        cl.RunningTasksCount,
		"PendingTasks":        cl.PendingTasksCount,
	}).Debug("cluster statistics")
	return int(cl.RegisteredContainerInstancesCount), nil
}

// RunningTaskCount returns the number of tasks in the cluster whose
// desired status is RUNNING. This includes tasks that are still
// provisioning or pending.
func (o *Oracle) RunningTaskCount(ctx context.Context) (int, error) {
	n := 0
	pager := ecs.NewListTasksPaginator(o.client, &ecs.ListTasksInput{
		Cluster:       aws.String(o.cluster),
		DesiredStatus: types.DesiredStatusRunning,
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("ListTasks: %w", err)
		}
		n += len(page.TaskArns)
	}
	return n, nil
}

// Snapshot returns both answers together. The result is advisory:
// other dispatchers may launch tasks immediately afterwards.
func (o *Oracle) Snapshot(ctx context.Context) (codehost.ClusterSnapshot, error) {
	var snap codehost.ClusterSnapshot
	if o.launchType == string(types.LaunchTypeFargate) {
		snap.AvailableComputeNodes = 1
	} else {
		n, err := o.registeredInstances(ctx)
		if err != nil {
			return snap, err
		}
		snap.AvailableComputeNodes = n
	}
	n, err := o.RunningTaskCount(ctx)
	if err != nil {
		return snap, err
	}
	snap.RunningTaskCount = n
	return snap, nil
}
