// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package codehost

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a build task, as stored in
// the "Task"."status" column and shown on the dashboard.
type TaskStatus string

const (
	TaskStatusInQueue   = TaskStatus("IN_QUEUE")
	TaskStatusStarting  = TaskStatus("STARTING")
	TaskStatusBuilding  = TaskStatus("BUILDING")
	TaskStatusCompleted = TaskStatus("COMPLETED")
	TaskStatusFailed    = TaskStatus("FAILED")
	TaskStatusDeployed  = TaskStatus("DEPLOYED")

	// Written by older dashboard versions when a task is
	// created. Treated as IN_QUEUE everywhere.
	taskStatusLegacyOnQueue = TaskStatus("ON_QUEUE")
)

// taskStatusTransitions lists the states each state may move to.
// STARTING -> IN_QUEUE is the deferral reset done by the dispatcher
// when the cluster is at its running-task limit.
var taskStatusTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusInQueue:   {TaskStatusInQueue, TaskStatusStarting, TaskStatusFailed},
	TaskStatusStarting:  {TaskStatusInQueue, TaskStatusBuilding, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusBuilding:  {TaskStatusCompleted, TaskStatusFailed},
	TaskStatusCompleted: {TaskStatusDeployed},
	TaskStatusFailed:    {},
	TaskStatusDeployed:  {},
}

// ParseTaskStatus returns the TaskStatus named by s, or an error if s
// is not a known status.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(s)
	if st == taskStatusLegacyOnQueue {
		return TaskStatusInQueue, nil
	}
	if _, ok := taskStatusTransitions[st]; !ok {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

// Normalize maps legacy spellings to their current equivalent.
func (st TaskStatus) Normalize() TaskStatus {
	if st == taskStatusLegacyOnQueue {
		return TaskStatusInQueue
	}
	return st
}

// CanTransition reports whether a task in state st may be moved to
// state to.
func (st TaskStatus) CanTransition(to TaskStatus) bool {
	for _, allowed := range taskStatusTransitions[st.Normalize()] {
		if allowed == to.Normalize() {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further build activity happens in
// state st. An OngoingJob must not outlive a terminal task.
func (st TaskStatus) IsTerminal() bool {
	switch st.Normalize() {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusDeployed:
		return true
	default:
		return false
	}
}

// Predecessors returns the states (including legacy spellings) from
// which a task may move to state to. Used to build guarded UPDATE
// statements.
func Predecessors(to TaskStatus) []string {
	var from []string
	for st, next := range taskStatusTransitions {
		for _, n := range next {
			if n == to {
				from = append(from, string(st))
				if st == TaskStatusInQueue {
					from = append(from, string(taskStatusLegacyOnQueue))
				}
			}
		}
	}
	return from
}

// Task is a row in the "Task" table. Only the columns used by the
// dispatcher and the status service are mapped.
type Task struct {
	ID          string     `db:"id" json:"id"`
	ProjectID   string     `db:"projectId" json:"projectId"`
	Status      TaskStatus `db:"status" json:"status"`
	LastUpdated time.Time  `db:"lastUpdated" json:"lastUpdated"`
	CompletedAt *time.Time `db:"completedAt" json:"completedAt,omitempty"`
}

// OngoingJob marks a project as having an in-flight build. There is
// at most one per project.
type OngoingJob struct {
	ID        string `db:"id" json:"id"`
	TaskID    string `db:"taskId" json:"taskId"`
	ProjectID string `db:"projectId" json:"projectId"`
}

// ClusterSnapshot is a point-in-time, unlocked view of the build
// cluster. It is advisory: nothing is reserved by reading it.
type ClusterSnapshot struct {
	AvailableComputeNodes int
	RunningTaskCount      int
}
