// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoadSuite{})

type LoadSuite struct{}

// Return a new Loader that reads config from configdata (instead of
// the usual default /etc/codehost/config.yml) and looks up
// environment variables in env.
func testLoader(c *check.C, configdata string, env map[string]string) *Loader {
	ldr := NewLoader(bytes.NewBufferString(configdata), ctxlog.TestLogger(c))
	ldr.Path = "-"
	ldr.Getenv = func(k string) string { return env[k] }
	return ldr
}

func (s *LoadSuite) TestEmpty(c *check.C) {
	cfg, err := testLoader(c, "", nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.BuildCluster.MaxRunningTasks, check.Equals, 2)
	c.Check(cfg.BuildCluster.TaskDefinition, check.Equals, "CodeHost-build-task")
	c.Check(cfg.BuildCluster.ContainerName, check.Equals, "codehost-build-container")
	c.Check(cfg.BuildCluster.LaunchType, check.Equals, "EC2")
	c.Check(cfg.BuildCluster.SerializeAdmission, check.Equals, false)
	c.Check(cfg.BuildQueue.DeferVisibilityTimeout.Duration(), check.Equals, 10*time.Second)
	c.Check(cfg.BuildQueue.ReceiveMaxMessages, check.Equals, 10)
	c.Check(cfg.Deployments.KeepCompleted, check.Equals, 2)
	c.Check(cfg.Deployments.DirName, check.Equals, "deployments")
	c.Check(cfg.PostgreSQL.Connection["sslmode"], check.Equals, "require")
	c.Check(cfg.Services.TaskStatus.Listen, check.Equals, ":3000")
}

func (s *LoadSuite) TestFileOverridesDefaults(c *check.C) {
	cfg, err := testLoader(c, `
PostgreSQL:
  Connection:
    host: db.internal
    dbname: codehost
BuildCluster:
  ARN: arn:aws:ecs:us-east-1:123456789012:cluster/builds
  MaxRunningTasks: 4
  AdmissionLockTimeout: 1m
`, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.BuildCluster.ARN, check.Equals, "arn:aws:ecs:us-east-1:123456789012:cluster/builds")
	c.Check(cfg.BuildCluster.MaxRunningTasks, check.Equals, 4)
	c.Check(cfg.BuildCluster.AdmissionLockTimeout, check.Equals, codehost.Duration(time.Minute))
	// Unmentioned defaults survive.
	c.Check(cfg.BuildCluster.TaskDefinition, check.Equals, "CodeHost-build-task")
	c.Check(cfg.PostgreSQL.Connection["sslmode"], check.Equals, "require")
	c.Check(cfg.PostgreSQL.DataSourceName(), check.Equals, `dbname='codehost' host='db.internal' sslmode='require'`)
}

func (s *LoadSuite) TestEnvOverridesFile(c *check.C) {
	cfg, err := testLoader(c, `
BuildQueue:
  URL: https://example/from-file
BuildCluster:
  MaxRunningTasks: 4
`, map[string]string{
		"SQS_QUEUE_URL":     "https://example/from-env",
		"CLUSTER_ARN":       "builds",
		"MAX_RUNNING_TASKS": "3",
		"DATABASE_URL":      "postgres://u:p@db/codehost",
	}).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.BuildQueue.URL, check.Equals, "https://example/from-env")
	c.Check(cfg.BuildCluster.ARN, check.Equals, "builds")
	c.Check(cfg.BuildCluster.MaxRunningTasks, check.Equals, 3)
	c.Check(cfg.PostgreSQL.DataSourceName(), check.Equals, "postgres://u:p@db/codehost")
	// Env vars that are not set do not clobber file values.
	c.Check(cfg.Deployments.DirName, check.Equals, "deployments")
}

func (s *LoadSuite) TestSkipEnv(c *check.C) {
	ldr := testLoader(c, "", map[string]string{"MAX_RUNNING_TASKS": "7"})
	ldr.SkipEnv = true
	cfg, err := ldr.Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.BuildCluster.MaxRunningTasks, check.Equals, 2)
}

func (s *LoadSuite) TestInvalid(c *check.C) {
	for _, trial := range []struct {
		yaml string
		env  map[string]string
		err  string
	}{
		{"", map[string]string{"MAX_RUNNING_TASKS": "two"}, `invalid MAX_RUNNING_TASKS "two".*`},
		{"BuildCluster: {MaxRunningTasks: -1}", nil, `BuildCluster.MaxRunningTasks must be at least 1.*`},
		{"BuildQueue: {DeferVisibilityTimeout: 100ms}", nil, `BuildQueue.DeferVisibilityTimeout must be between 1s and 12h.*`},
		{"BuildQueue: {DeferVisibilityTimeout: 10}", nil, `.*missing unit in duration.*`},
		{"BuildQueue: {ReceiveMaxMessages: 11}", nil, `BuildQueue.ReceiveMaxMessages must be between 1 and 10.*`},
		{"Deployments: {KeepCompleted: 0}", nil, `Deployments.KeepCompleted must be at least 1.*`},
		{"BuildCluster: [", nil, `-: .*`},
		{"BuildCluster: {LaunchType: FARGATE}", nil, `BuildCluster.Subnets must not be empty when LaunchType is FARGATE`},
		{"BuildCluster: {LaunchType: EXTERNAL}", nil, `BuildCluster.LaunchType must be EC2 or FARGATE \(got "EXTERNAL"\)`},
	} {
		c.Logf("trial: %+v", trial)
		_, err := testLoader(c, trial.yaml, trial.env).Load()
		c.Check(err, check.ErrorMatches, trial.err)
	}
}

func (s *LoadSuite) TestFargateNetwork(c *check.C) {
	cfg, err := testLoader(c, `
BuildCluster:
  LaunchType: fargate
  Subnets: [subnet-0a1b2c]
  SecurityGroups: [sg-0d4e5f]
  AssignPublicIP: true
`, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.BuildCluster.LaunchType, check.Equals, "FARGATE")
	c.Check(cfg.BuildCluster.Subnets, check.DeepEquals, []string{"subnet-0a1b2c"})
	c.Check(cfg.BuildCluster.SecurityGroups, check.DeepEquals, []string{"sg-0d4e5f"})
	c.Check(cfg.BuildCluster.AssignPublicIP, check.Equals, true)
}

func (s *LoadSuite) TestMissingDefaultFile(c *check.C) {
	ldr := testLoader(c, "", nil)
	ldr.Path = codehost.DefaultConfigFile
	if _, err := os.Stat(ldr.Path); err == nil {
		c.Skip("site config file exists on this host")
	}
	cfg, err := ldr.Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.BuildCluster.MaxRunningTasks, check.Equals, 2)
}

func (s *LoadSuite) TestMissingExplicitFile(c *check.C) {
	ldr := testLoader(c, "", nil)
	ldr.Path = filepath.Join(c.MkDir(), "nonexistent.yml")
	_, err := ldr.Load()
	c.Check(os.IsNotExist(err), check.Equals, true)
}
