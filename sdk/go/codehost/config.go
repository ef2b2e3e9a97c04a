// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package codehost

const DefaultConfigFile = "/etc/codehost/config.yml"

// Config is the process-wide configuration shared by all codehost
// server commands. It is read once at startup (or Lambda cold start).
type Config struct {
	ManagementToken string
	SystemLogs      struct {
		Format   string
		LogLevel string
	}
	PostgreSQL   PostgreSQL
	AWS          AWSConfig
	BuildQueue   BuildQueueConfig
	BuildCluster BuildClusterConfig
	Deployments  DeploymentsConfig
	Services     struct {
		DispatchPoll Service
		TaskStatus   Service
	}
}

// AWSConfig overrides the defaults found by the AWS SDK's standard
// credential/region chain. Empty fields are left to the SDK.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

type BuildQueueConfig struct {
	// SQS queue URL.
	URL string

	// Visibility timeout applied to a record whose dispatch is
	// deferred.
	DeferVisibilityTimeout Duration

	// If true, the Lambda handler reports deferred and
	// unprocessed records as batch item failures instead of
	// returning an error.
	ReportBatchItemFailures bool

	// Poll mode only: long-poll wait time and batch size for
	// ReceiveMessage.
	ReceiveWaitTime    Duration
	ReceiveMaxMessages int
}

type BuildClusterConfig struct {
	// ECS cluster name or ARN.
	ARN            string
	TaskDefinition string
	ContainerName  string
	LaunchType     string

	// awsvpc network settings for build tasks. Subnets are
	// required when LaunchType is FARGATE.
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool

	// Dispatch is deferred while this many tasks are running.
	// This is a soft limit unless SerializeAdmission is true.
	MaxRunningTasks int

	// Hold a database advisory lock while admitting a batch, so
	// concurrent dispatcher invocations cannot overshoot
	// MaxRunningTasks.
	SerializeAdmission   bool
	AdmissionLockTimeout Duration
}

type DeploymentsConfig struct {
	Bucket   string
	Endpoint string
	Region   string

	// Key prefix under which deployments are stored, as
	// "{DirName}/{projectId}/{taskId}/...".
	DirName string

	// Number of completed deployments kept per project.
	KeepCompleted int
}

type Service struct {
	Listen string
}
