// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"sync"

	"github.com/codehost/codehost/lib/dispatchbuild/jobstate"
	"github.com/codehost/codehost/sdk/go/codehost"
)

// Transition records one status change applied to a StubState.
type Transition struct {
	TaskID string
	From   codehost.TaskStatus
	To     codehost.TaskStatus
}

// StubState is an in-memory replacement for *jobstate.Store. It
// enforces the same transition rules.
type StubState struct {
	// If non-nil, returned (wrapped in a PersistenceError) by
	// every method.
	Err error

	Transitions []Transition
	Removals    []string

	tasks   map[string]codehost.TaskStatus
	ongoing map[string]bool
	mtx     sync.Mutex
}

// NewStubState returns a StubState with one IN_QUEUE task and one
// OngoingJob for each given task ID.
func NewStubState(taskIDs ...string) *StubState {
	ss := &StubState{
		tasks:   map[string]codehost.TaskStatus{},
		ongoing: map[string]bool{},
	}
	for _, id := range taskIDs {
		ss.tasks[id] = codehost.TaskStatusInQueue
		ss.ongoing[id] = true
	}
	return ss
}

// Set forces the status of a task, creating it if needed.
func (ss *StubState) Set(taskID string, status codehost.TaskStatus) {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	ss.tasks[taskID] = status
}

// Get returns the current status of a task, or "" if it does not
// exist.
func (ss *StubState) Get(taskID string) codehost.TaskStatus {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	return ss.tasks[taskID]
}

// HasOngoingJob reports whether the task's OngoingJob still exists.
func (ss *StubState) HasOngoingJob(taskID string) bool {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	return ss.ongoing[taskID]
}

// CountTransitions returns the number of applied transitions of the
// given task to the given status.
func (ss *StubState) CountTransitions(taskID string, to codehost.TaskStatus) int {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	n := 0
	for _, t := range ss.Transitions {
		if t.TaskID == taskID && t.To == to {
			n++
		}
	}
	return n
}

func (ss *StubState) Status(ctx context.Context, taskID string) (codehost.TaskStatus, error) {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.Err != nil {
		return "", &jobstate.PersistenceError{Op: "Get", TaskID: taskID, Err: ss.Err}
	}
	st, ok := ss.tasks[taskID]
	if !ok {
		return "", jobstate.ErrNotFound
	}
	return st, nil
}

func (ss *StubState) Transition(ctx context.Context, taskID string, to codehost.TaskStatus, reason string) (bool, error) {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.Err != nil {
		return false, &jobstate.PersistenceError{Op: "Transition", TaskID: taskID, Err: ss.Err}
	}
	from, ok := ss.tasks[taskID]
	if !ok || from == to || !from.CanTransition(to) {
		return false, nil
	}
	ss.tasks[taskID] = to
	ss.Transitions = append(ss.Transitions, Transition{TaskID: taskID, From: from, To: to})
	return true, nil
}

func (ss *StubState) RemoveOngoingJob(ctx context.Context, taskID string) error {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.Err != nil {
		return &jobstate.PersistenceError{Op: "RemoveOngoingJob", TaskID: taskID, Err: ss.Err}
	}
	delete(ss.ongoing, taskID)
	ss.Removals = append(ss.Removals, taskID)
	return nil
}
