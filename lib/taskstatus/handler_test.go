// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskstatus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codehost/codehost/lib/dispatchbuild/jobstate"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/codehost/codehost/sdk/go/httpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HandlerSuite{})

type logLine struct {
	TaskID string
	Line   string
	At     time.Time
}

// memStore is an in-memory Store.
type memStore struct {
	Err error

	tasks      map[string]*codehost.Task
	ongoing    map[string]bool
	production map[string]string
	logs       []logLine
	mtx        sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{
		tasks:      map[string]*codehost.Task{},
		ongoing:    map[string]bool{},
		production: map[string]string{},
	}
}

func (ms *memStore) add(id, projectID string, status codehost.TaskStatus, completedAt *time.Time) {
	ms.tasks[id] = &codehost.Task{ID: id, ProjectID: projectID, Status: status, CompletedAt: completedAt}
	if !status.IsTerminal() {
		ms.ongoing[id] = true
	}
}

func (ms *memStore) Get(ctx context.Context, taskID string) (codehost.Task, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if ms.Err != nil {
		return codehost.Task{}, &jobstate.PersistenceError{Op: "Get", TaskID: taskID, Err: ms.Err}
	}
	t, ok := ms.tasks[taskID]
	if !ok {
		return codehost.Task{}, jobstate.ErrNotFound
	}
	return *t, nil
}

func (ms *memStore) Transition(ctx context.Context, taskID string, to codehost.TaskStatus, reason string) (bool, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	t, ok := ms.tasks[taskID]
	if !ok || !t.Status.CanTransition(to) {
		return false, nil
	}
	t.Status = to
	t.LastUpdated = time.Now()
	if to == codehost.TaskStatusCompleted {
		now := time.Now()
		t.CompletedAt = &now
	}
	return true, nil
}

func (ms *memStore) RemoveOngoingJob(ctx context.Context, taskID string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	delete(ms.ongoing, taskID)
	return nil
}

func (ms *memStore) SetProductionTask(ctx context.Context, projectID, taskID string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.production[projectID] = taskID
	return nil
}

func (ms *memStore) CompletedTasks(ctx context.Context, projectID string, limit int) ([]codehost.Task, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var tasks []codehost.Task
	for _, t := range ms.tasks {
		if t.ProjectID == projectID && t.CompletedAt != nil &&
			(t.Status == codehost.TaskStatusCompleted || t.Status == codehost.TaskStatusDeployed) {
			tasks = append(tasks, *t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CompletedAt.After(*tasks[j].CompletedAt) })
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (ms *memStore) AppendLog(ctx context.Context, taskID, line string, at time.Time) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.logs = append(ms.logs, logLine{TaskID: taskID, Line: line, At: at})
	return nil
}

type HandlerSuite struct {
	ctx     context.Context
	store   *memStore
	s3      *fakeS3
	handler *Handler
	reg     *prometheus.Registry
}

func (s *HandlerSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.store = newMemStore()
	hourAgo := time.Now().Add(-time.Hour)
	dayAgo := time.Now().Add(-24 * time.Hour)
	s.store.add("t-old", "p1", codehost.TaskStatusDeployed, &dayAgo)
	s.store.add("t-prev", "p1", codehost.TaskStatusCompleted, &hourAgo)
	s.store.add("t-building", "p1", codehost.TaskStatusBuilding, nil)
	s.store.add("t-queued", "p1", codehost.TaskStatusInQueue, nil)
	s.store.add("t-failed", "p1", codehost.TaskStatusFailed, nil)

	s.s3 = newFakeS3(c)
	s.s3.put(c,
		"deployments/p1/t-old/index.html",
		"deployments/p1/t-prev/index.html",
		"deployments/p1/t-building/index.html",
	)
	s.handler = &Handler{
		Store: s.store,
		Pruner: &Pruner{
			S3:      s.s3.client,
			Tasks:   s.store,
			Bucket:  testBucket,
			DirName: "deployments",
			Keep:    2,
		},
	}
	s.reg = prometheus.NewRegistry()
	s.handler.RegisterMetrics(s.reg)
}

func (s *HandlerSuite) TearDownTest(c *check.C) {
	s.s3.Close()
}

func (s *HandlerSuite) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(body)).WithContext(s.ctx)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func (s *HandlerSuite) checkError(c *check.C, resp *httptest.ResponseRecorder, code int, msg string) {
	c.Check(resp.Code, check.Equals, code)
	var er httpserver.ErrorResponse
	c.Check(json.Unmarshal(resp.Body.Bytes(), &er), check.IsNil)
	c.Check(er.Error, check.Matches, msg)
}

func (s *HandlerSuite) TestBuilding(c *check.C) {
	s.store.add("t-new", "p1", codehost.TaskStatusStarting, nil)
	resp := s.post("/api/task/update", `{"taskId":"t-new","status":"BUILDING"}`)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	var task codehost.Task
	c.Check(json.Unmarshal(resp.Body.Bytes(), &task), check.IsNil)
	c.Check(task.Status, check.Equals, codehost.TaskStatusBuilding)
	c.Check(s.store.ongoing["t-new"], check.Equals, true)
	c.Check(testutil.ToFloat64(s.handler.mUpdates.WithLabelValues("BUILDING", "ok")), check.Equals, 1.0)
}

func (s *HandlerSuite) TestCompleted(c *check.C) {
	resp := s.post("/api/task/update", `{"taskId":"t-building","status":"COMPLETED"}`)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(s.store.tasks["t-building"].Status, check.Equals, codehost.TaskStatusCompleted)
	c.Check(s.store.tasks["t-building"].CompletedAt, check.NotNil)
	c.Check(s.store.ongoing["t-building"], check.Equals, false)
	c.Check(s.store.production["p1"], check.Equals, "t-building")
	// The new deployment and the previous one are kept.
	c.Check(s.s3.keys(c), check.DeepEquals, []string{
		"deployments/p1/t-building/index.html",
		"deployments/p1/t-prev/index.html",
	})
	c.Check(testutil.ToFloat64(s.handler.mPruned), check.Equals, 1.0)
}

func (s *HandlerSuite) TestCompletedWithoutPruner(c *check.C) {
	s.handler.Pruner = nil
	resp := s.post("/api/task/update", `{"taskId":"t-building","status":"COMPLETED"}`)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(s.store.production["p1"], check.Equals, "t-building")
	c.Check(s.s3.keys(c), check.HasLen, 3)
}

func (s *HandlerSuite) TestPruneErrorIsNotFatal(c *check.C) {
	s.handler.Pruner.Bucket = "nonexistent"
	resp := s.post("/api/task/update", `{"taskId":"t-building","status":"COMPLETED"}`)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(s.store.production["p1"], check.Equals, "t-building")
}

func (s *HandlerSuite) TestFailed(c *check.C) {
	resp := s.post("/api/task/update", `{"taskId":"t-building","status":"FAILED"}`)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(s.store.tasks["t-building"].Status, check.Equals, codehost.TaskStatusFailed)
	c.Check(s.store.ongoing["t-building"], check.Equals, false)
	c.Check(s.store.production["p1"], check.Equals, "")
	c.Check(s.s3.keys(c), check.HasLen, 3)
}

func (s *HandlerSuite) TestRepeatedStatus(c *check.C) {
	resp := s.post("/api/task/update", `{"taskId":"t-building","status":"BUILDING"}`)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(s.store.ongoing["t-building"], check.Equals, true)
}

func (s *HandlerSuite) TestIllegalTransition(c *check.C) {
	for _, trial := range []struct {
		task   string
		status string
	}{
		{"t-failed", "BUILDING"},
		{"t-failed", "COMPLETED"},
		{"t-prev", "BUILDING"},
		{"t-queued", "COMPLETED"},
	} {
		resp := s.post("/api/task/update", `{"taskId":"`+trial.task+`","status":"`+trial.status+`"}`)
		s.checkError(c, resp, http.StatusConflict, `task `+trial.task+` cannot move from .* to `+trial.status)
	}
	c.Check(s.store.tasks["t-failed"].Status, check.Equals, codehost.TaskStatusFailed)
	c.Check(s.store.production["p1"], check.Equals, "")
	c.Check(testutil.ToFloat64(s.handler.mUpdates.WithLabelValues("COMPLETED", "rejected")), check.Equals, 2.0)
}

func (s *HandlerSuite) TestBadRequests(c *check.C) {
	s.checkError(c, s.post("/api/task/update", `{"taskId":"t-building","status":"EXPLODED"}`), http.StatusBadRequest, `unknown task status "EXPLODED"`)
	s.checkError(c, s.post("/api/task/update", `{"status":"BUILDING"}`), http.StatusBadRequest, `taskId is required`)
	s.checkError(c, s.post("/api/task/update", `{"taskId":`), http.StatusBadRequest, `error decoding request body: .*`)
	s.checkError(c, s.post("/api/task/update", `{"taskId":"t-missing","status":"BUILDING"}`), http.StatusNotFound, `task t-missing not found`)
	c.Check(testutil.ToFloat64(s.handler.mUpdates.WithLabelValues("invalid", "rejected")), check.Equals, 2.0)
}

func (s *HandlerSuite) TestUnsupportedContentType(c *check.C) {
	req := httptest.NewRequest("POST", "/api/task/update", strings.NewReader(`taskId=t-building`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusUnsupportedMediaType)
}

func (s *HandlerSuite) TestStoreError(c *check.C) {
	s.store.Err = errors.New("connection refused")
	s.checkError(c, s.post("/api/task/update", `{"taskId":"t-building","status":"COMPLETED"}`), http.StatusInternalServerError, `Get\(t-building\): connection refused`)
	s.checkError(c, s.post("/api/task/log", `{"taskId":"t-building","log":"x"}`), http.StatusInternalServerError, `.*connection refused`)
	c.Check(testutil.ToFloat64(s.handler.mUpdates.WithLabelValues("COMPLETED", "error")), check.Equals, 1.0)
}

func (s *HandlerSuite) TestAppendLog(c *check.C) {
	resp := s.post("/api/task/log", `{"taskId":"t-building","log":"npm run build"}`)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	resp = s.post("/api/task/log", `{"taskId":"t-building","log":"done","loggedAt":"2024-05-01T12:00:00Z"}`)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Assert(s.store.logs, check.HasLen, 2)
	c.Check(s.store.logs[0].Line, check.Equals, "npm run build")
	c.Check(time.Since(s.store.logs[0].At) < time.Minute, check.Equals, true)
	c.Check(s.store.logs[1].At.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)), check.Equals, true)
}

func (s *HandlerSuite) TestAppendLogBadRequests(c *check.C) {
	s.checkError(c, s.post("/api/task/log", `{"taskId":"t-building"}`), http.StatusBadRequest, `taskId and log are required`)
	s.checkError(c, s.post("/api/task/log", `{"taskId":"t-missing","log":"x"}`), http.StatusNotFound, `task t-missing not found`)
	c.Check(s.store.logs, check.HasLen, 0)
}

func (s *HandlerSuite) TestRoutes(c *check.C) {
	req := httptest.NewRequest("GET", "/api/task/update", nil)
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusMethodNotAllowed)

	resp = s.post("/api/task/other", `{}`)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *HandlerSuite) TestCheckHealth(c *check.C) {
	c.Check(s.handler.CheckHealth(), check.IsNil)
	s.handler.Ping = func(context.Context) error { return errors.New("database unreachable") }
	c.Check(s.handler.CheckHealth(), check.ErrorMatches, `database unreachable`)
}
