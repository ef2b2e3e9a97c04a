// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package codehost

import (
	"sort"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TaskStatusSuite{})

type TaskStatusSuite struct{}

func (s *TaskStatusSuite) TestParse(c *check.C) {
	for _, trial := range []struct {
		in  string
		out TaskStatus
		ok  bool
	}{
		{"IN_QUEUE", TaskStatusInQueue, true},
		{"ON_QUEUE", TaskStatusInQueue, true},
		{"STARTING", TaskStatusStarting, true},
		{"DEPLOYED", TaskStatusDeployed, true},
		{"in_queue", "", false},
		{"", "", false},
	} {
		st, err := ParseTaskStatus(trial.in)
		if trial.ok {
			c.Check(err, check.IsNil)
			c.Check(st, check.Equals, trial.out)
		} else {
			c.Check(err, check.ErrorMatches, `unknown task status.*`)
		}
	}
}

func (s *TaskStatusSuite) TestTransitions(c *check.C) {
	c.Check(TaskStatusInQueue.CanTransition(TaskStatusStarting), check.Equals, true)
	c.Check(taskStatusLegacyOnQueue.CanTransition(TaskStatusStarting), check.Equals, true)
	c.Check(TaskStatusStarting.CanTransition(TaskStatusInQueue), check.Equals, true)
	c.Check(TaskStatusStarting.CanTransition(TaskStatusStarting), check.Equals, false)
	c.Check(TaskStatusBuilding.CanTransition(TaskStatusInQueue), check.Equals, false)
	c.Check(TaskStatusCompleted.CanTransition(TaskStatusDeployed), check.Equals, true)
	c.Check(TaskStatusFailed.CanTransition(TaskStatusStarting), check.Equals, false)
	c.Check(TaskStatusDeployed.CanTransition(TaskStatusFailed), check.Equals, false)
}

func (s *TaskStatusSuite) TestTerminal(c *check.C) {
	c.Check(TaskStatusInQueue.IsTerminal(), check.Equals, false)
	c.Check(TaskStatusBuilding.IsTerminal(), check.Equals, false)
	c.Check(TaskStatusFailed.IsTerminal(), check.Equals, true)
	c.Check(TaskStatusCompleted.IsTerminal(), check.Equals, true)
}

func (s *TaskStatusSuite) TestPredecessors(c *check.C) {
	from := Predecessors(TaskStatusStarting)
	sort.Strings(from)
	c.Check(from, check.DeepEquals, []string{"IN_QUEUE", "ON_QUEUE"})

	from = Predecessors(TaskStatusInQueue)
	sort.Strings(from)
	c.Check(from, check.DeepEquals, []string{"IN_QUEUE", "ON_QUEUE", "STARTING"})
}

func (s *TaskStatusSuite) TestBuildEnvironment(c *check.C) {
	req := DispatchRequest{
		TaskID:         "t1",
		ProjectID:      "p1",
		UserID:         "u1",
		RepoURL:        "https://github.com/a/b",
		Branch:         "main",
		RootDir:        "./",
		Preset:         "VITEJS",
		InstallCommand: "npm install",
		BuildCommand:   "npm run build",
		OutputDir:      "dist",
	}
	env := req.BuildEnvironment()
	c.Check(env, check.HasLen, 9)
	c.Check(env[0], check.Equals, [2]string{"TASK_ID", "t1"})
	c.Check(env[3], check.Equals, [2]string{"BRANCH_NAME", "main"})
	c.Check(env[8], check.Equals, [2]string{"OUTPUT_DIR", "dist"})
	for _, kv := range env {
		c.Check(kv[0], check.Not(check.Equals), "USER_ID")
	}
	c.Check(req.Attributes(), check.HasLen, len(DispatchAttributes))
}
