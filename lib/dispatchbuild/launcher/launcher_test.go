// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/codehost/codehost/lib/dispatchbuild/test"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LauncherSuite{})

type LauncherSuite struct {
	ctx context.Context
	ecs *test.StubECS
	lnr *Launcher
}

func (s *LauncherSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.ecs = &test.StubECS{Instances: 1}
	s.lnr = New(s.ecs, codehost.BuildClusterConfig{
		ARN:            "build",
		TaskDefinition: "CodeHost-build-task",
		ContainerName:  "codehost-build-container",
		LaunchType:     "ec2",
	})
}

func (s *LauncherSuite) TestInput(c *check.C) {
	req := test.Request(1)
	in := s.lnr.Input(req)
	c.Check(aws.ToString(in.Cluster), check.Equals, "build")
	c.Check(aws.ToString(in.TaskDefinition), check.Equals, "CodeHost-build-task")
	c.Check(in.LaunchType, check.Equals, types.LaunchTypeEc2)
	c.Check(aws.ToInt32(in.Count), check.Equals, int32(1))
	c.Check(aws.ToString(in.StartedBy), check.Equals, "codehost/task-0001")
	c.Check(in.NetworkConfiguration, check.IsNil)
	c.Assert(in.Overrides.ContainerOverrides, check.HasLen, 1)
	co := in.Overrides.ContainerOverrides[0]
	c.Check(aws.ToString(co.Name), check.Equals, "codehost-build-container")
	env := map[string]string{}
	for _, kv := range co.Environment {
		env[aws.ToString(kv.Name)] = aws.ToString(kv.Value)
	}
	c.Check(env, check.DeepEquals, map[string]string{
		"TASK_ID":         req.TaskID,
		"PROJECT_ID":      req.ProjectID,
		"REPO_URL":        req.RepoURL,
		"BRANCH_NAME":     req.Branch,
		"ROOT_DIR":        req.RootDir,
		"PRESET":          req.Preset,
		"INSTALL_COMMAND": req.InstallCommand,
		"BUILD_COMMAND":   req.BuildCommand,
		"OUTPUT_DIR":      req.OutputDir,
	})
}

func (s *LauncherSuite) TestStartedBy(c *check.C) {
	for _, trial := range []struct {
		taskID string
		expect string
	}{
		{"task-0001", "codehost/task-0001"},
		{"9b2f1c3e-5d4a-4e6b-8f7a-0c1d2e3f4a5b", "codehost/9b2f1c3e-5d4a-4e6b-8f7a-0c1d2e3f4a5b"},
		{"clx9:abc.def", "codehost/clx9_abc_def"},
		{strings.Repeat("a", 200), "codehost/" + strings.Repeat("a", 119)},
	} {
		got := startedBy(trial.taskID)
		c.Check(got, check.Equals, trial.expect)
		c.Check(got, check.Matches, `[A-Za-z0-9/_-]+`)
		c.Check(len(got) <= 128, check.Equals, true)
	}
}

func (s *LauncherSuite) TestFargateNetworkConfiguration(c *check.C) {
	lnr := New(s.ecs, codehost.BuildClusterConfig{
		ARN:            "build",
		TaskDefinition: "CodeHost-build-task",
		ContainerName:  "codehost-build-container",
		LaunchType:     "FARGATE",
		Subnets:        []string{"subnet-0a1b2c", "subnet-3d4e5f"},
		SecurityGroups: []string{"sg-0123"},
		AssignPublicIP: true,
	})
	in := lnr.Input(test.Request(7))
	c.Check(in.LaunchType, check.Equals, types.LaunchTypeFargate)
	c.Assert(in.NetworkConfiguration, check.NotNil)
	vpc := in.NetworkConfiguration.AwsvpcConfiguration
	c.Assert(vpc, check.NotNil)
	c.Check(vpc.Subnets, check.DeepEquals, []string{"subnet-0a1b2c", "subnet-3d4e5f"})
	c.Check(vpc.SecurityGroups, check.DeepEquals, []string{"sg-0123"})
	c.Check(vpc.AssignPublicIp, check.Equals, types.AssignPublicIpEnabled)

	arn, err := lnr.Launch(s.ctx, test.Request(7))
	c.Check(err, check.IsNil)
	c.Check(arn, check.Not(check.Equals), "")
}

func (s *LauncherSuite) TestFargateWithoutNetworkIsRejected(c *check.C) {
	lnr := New(s.ecs, codehost.BuildClusterConfig{
		ARN:            "build",
		TaskDefinition: "CodeHost-build-task",
		ContainerName:  "codehost-build-container",
		LaunchType:     "FARGATE",
	})
	_, err := lnr.Launch(s.ctx, test.Request(8))
	var lerr *LaunchError
	c.Assert(errors.As(err, &lerr), check.Equals, true)
	c.Check(lerr.Code, check.Equals, "InvalidParameterException")
}

func (s *LauncherSuite) TestLaunch(c *check.C) {
	arn, err := s.lnr.Launch(s.ctx, test.Request(2))
	c.Check(err, check.IsNil)
	c.Check(arn, check.Matches, `arn:aws:ecs:.*:task/stub/.*`)
	c.Check(s.ecs.Launched(), check.DeepEquals, []string{"task-0002"})
	c.Check(s.ecs.Running(), check.Equals, 1)
}

func (s *LauncherSuite) TestLaunchAPIError(c *check.C) {
	s.ecs.RunTaskErr = &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not authorized"}
	arn, err := s.lnr.Launch(s.ctx, test.Request(3))
	c.Check(arn, check.Equals, "")
	var lerr *LaunchError
	c.Assert(errors.As(err, &lerr), check.Equals, true)
	c.Check(lerr.TaskID, check.Equals, "task-0003")
	c.Check(lerr.Code, check.Equals, "AccessDeniedException")
	c.Check(err, check.ErrorMatches, `launching build task task-0003: .*not authorized.*`)
	c.Check(errors.Is(err, s.ecs.RunTaskErr), check.Equals, true)
}

func (s *LauncherSuite) TestLaunchPlacementFailure(c *check.C) {
	s.ecs.FailureReason = "RESOURCE:MEMORY"
	_, err := s.lnr.Launch(s.ctx, test.Request(4))
	var lerr *LaunchError
	c.Assert(errors.As(err, &lerr), check.Equals, true)
	c.Check(lerr.Code, check.Equals, "RESOURCE:MEMORY")
	c.Check(err, check.ErrorMatches, `launching build task task-0004: no task was started: RESOURCE:MEMORY.*`)
	c.Check(s.ecs.RunTaskCalls, check.HasLen, 1)
	c.Check(s.ecs.Launched(), check.HasLen, 0)
}

func (s *LauncherSuite) TestFind(c *check.C) {
	arn, err := s.lnr.Find(s.ctx, "task-0005")
	c.Check(err, check.IsNil)
	c.Check(arn, check.Equals, "")

	s.ecs.AddRunning(2)
	launched, err := s.lnr.Launch(s.ctx, test.Request(5))
	c.Assert(err, check.IsNil)
	arn, err = s.lnr.Find(s.ctx, "task-0005")
	c.Check(err, check.IsNil)
	c.Check(arn, check.Equals, launched)

	s.ecs.StopAll()
	arn, err = s.lnr.Find(s.ctx, "task-0005")
	c.Check(err, check.IsNil)
	c.Check(arn, check.Equals, "")
}

func (s *LauncherSuite) TestFindError(c *check.C) {
	s.ecs.ListErr = errors.New("ThrottlingException")
	_, err := s.lnr.Find(s.ctx, "task-0006")
	c.Check(err, check.ErrorMatches, `ListTasks: ThrottlingException`)
}
