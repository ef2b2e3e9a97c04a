// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/codehost/codehost/lib/cmd"
	"github.com/codehost/codehost/lib/config"
	"github.com/codehost/codehost/lib/dispatchbuild"
	"github.com/codehost/codehost/lib/taskstatus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"config-dump":     config.DumpCommand,
		"dispatch-lambda": dispatchbuild.LambdaCommand,
		"dispatch-poll":   dispatchbuild.PollCommand,
		"task-status":     taskstatus.Command,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
