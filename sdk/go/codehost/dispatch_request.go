// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package codehost

// DispatchRequest is one build request taken from the work queue. It
// is produced once by the dashboard when a build is requested, and is
// never modified afterwards.
type DispatchRequest struct {
	TaskID         string
	ProjectID      string
	UserID         string
	RepoURL        string
	Branch         string
	RootDir        string
	Preset         string
	InstallCommand string
	BuildCommand   string
	OutputDir      string
}

// Queue message attribute names, as written by the dashboard.
const (
	AttrTaskID         = "TaskId"
	AttrProjectID      = "ProjectId"
	AttrUserID         = "UserId"
	AttrRepoURL        = "RepoUrl"
	AttrBranch         = "Branch"
	AttrRootDir        = "RootDir"
	AttrPreset         = "Preset"
	AttrInstallCommand = "InstallCommand"
	AttrBuildCommand   = "BuildCommand"
	AttrOutputDir      = "OutputDir"
)

// DispatchAttributes lists every mandatory message attribute, in the
// order the dashboard writes them.
var DispatchAttributes = []string{
	AttrTaskID,
	AttrProjectID,
	AttrUserID,
	AttrRepoURL,
	AttrBranch,
	AttrRootDir,
	AttrPreset,
	AttrInstallCommand,
	AttrBuildCommand,
	AttrOutputDir,
}

// Attributes returns the request as a map of queue attribute names to
// values.
func (req DispatchRequest) Attributes() map[string]string {
	return map[string]string{
		AttrTaskID:         req.TaskID,
		AttrProjectID:      req.ProjectID,
		AttrUserID:         req.UserID,
		AttrRepoURL:        req.RepoURL,
		AttrBranch:         req.Branch,
		AttrRootDir:        req.RootDir,
		AttrPreset:         req.Preset,
		AttrInstallCommand: req.InstallCommand,
		AttrBuildCommand:   req.BuildCommand,
		AttrOutputDir:      req.OutputDir,
	}
}

// BuildEnvironment returns the environment passed to the build
// container, in a stable order.
func (req DispatchRequest) BuildEnvironment() [][2]string {
	return [][2]string{
		{"TASK_ID", req.TaskID},
		{"PROJECT_ID", req.ProjectID},
		{"REPO_URL", req.RepoURL},
		{"BRANCH_NAME", req.Branch},
		{"ROOT_DIR", req.RootDir},
		{"PRESET", req.Preset},
		{"INSTALL_COMMAND", req.InstallCommand},
		{"BUILD_COMMAND", req.BuildCommand},
		{"OUTPUT_DIR", req.OutputDir},
	}
}
