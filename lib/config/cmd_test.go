// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestDumpBadFlag(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("codehost-server config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments: .*`)
}

func (s *CommandSuite) TestDumpStdin(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
BuildQueue:
  URL: https://sqs.us-east-1.amazonaws.com/123456789012/builds.fifo
BuildCluster:
  MaxRunningTasks: 5
`
	code := DumpCommand.RunCommand("codehost-server config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*MaxRunningTasks: 5\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*TaskDefinition: CodeHost-build-task\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*DeferVisibilityTimeout: 10s\n.*`)
}

func (s *CommandSuite) TestDumpInvalid(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := "BuildCluster: {MaxRunningTasks: 0}\n"
	code := DumpCommand.RunCommand("codehost-server config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*MaxRunningTasks must be at least 1.*`)
}
