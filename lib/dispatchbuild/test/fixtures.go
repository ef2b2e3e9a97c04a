// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"fmt"

	"github.com/codehost/codehost/lib/dispatchbuild/intake"
	"github.com/codehost/codehost/sdk/go/codehost"
)

// TaskID returns a fake task ID.
func TaskID(i int) string {
	return fmt.Sprintf("task-%04d", i)
}

// Request returns a fake build request for TaskID(i) in project
// "project-{i}".
func Request(i int) codehost.DispatchRequest {
	return codehost.DispatchRequest{
		TaskID:         TaskID(i),
		ProjectID:      fmt.Sprintf("project-%04d", i),
		UserID:         "user-1",
		RepoURL:        fmt.Sprintf("https://github.com/example/site%d", i),
		Branch:         "main",
		RootDir:        "./",
		Preset:         "VITEJS",
		InstallCommand: "npm install",
		BuildCommand:   "npm run build",
		OutputDir:      "dist",
	}
}

// Record returns a queue record carrying Request(i).
func Record(i int) intake.Record {
	return intake.Record{
		MessageID:     fmt.Sprintf("msg-%04d", i),
		ReceiptHandle: fmt.Sprintf("rh-%04d", i),
		Attributes:    Request(i).Attributes(),
	}
}

// Records returns Record(i) for i in [0,n).
func Records(n int) []intake.Record {
	var recs []intake.Record
	for i := 0; i < n; i++ {
		recs = append(recs, Record(i))
	}
	return recs
}
