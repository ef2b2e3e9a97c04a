// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskstatus serves the API used by build containers to
// report progress: status changes and build log lines.
package taskstatus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codehost/codehost/lib/dispatchbuild/jobstate"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/codehost/codehost/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const maxRequestSize = 1 << 20

// Store reads and updates task state. Implemented by
// *jobstate.Store.
type Store interface {
	CompletedTaskLister
	Get(ctx context.Context, taskID string) (codehost.Task, error)
	Transition(ctx context.Context, taskID string, to codehost.TaskStatus, reason string) (bool, error)
	RemoveOngoingJob(ctx context.Context, taskID string) error
	SetProductionTask(ctx context.Context, projectID, taskID string) error
	AppendLog(ctx context.Context, taskID, line string, at time.Time) error
}

// Handler serves the task status API.
type Handler struct {
	Store Store
	// If nil, old deployments are not pruned.
	Pruner *Pruner
	// Reports whether the database is reachable. If nil, the
	// handler is always healthy.
	Ping func(context.Context) error

	setupOnce sync.Once
	mux       *httprouter.Router

	mUpdates *prometheus.CounterVec
	mPruned  prometheus.Counter
}

// UpdateRequest is the body of POST /api/task/update.
type UpdateRequest struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// LogRequest is the body of POST /api/task/log.
type LogRequest struct {
	TaskID string `json:"taskId"`
	Log    string `json:"log"`
	// Optional. Defaults to the time the request is received.
	LoggedAt *time.Time `json:"loggedAt,omitempty"`
}

// RegisterMetrics registers the handler's metrics with reg. It must
// be called before the handler serves any requests, if at all.
func (h *Handler) RegisterMetrics(reg *prometheus.Registry) {
	h.setup()
	reg.MustRegister(h.mUpdates, h.mPruned)
}

func (h *Handler) setup() {
	h.setupOnce.Do(func() {
		h.mUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codehost",
			Subsystem: "taskstatus",
			Name:      "updates_total",
			Help:      "Number of task status updates, by requested status and result.",
		}, []string{"status", "result"})
		h.mPruned = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codehost",
			Subsystem: "taskstatus",
			Name:      "pruned_deployments_total",
			Help:      "Number of old deployments deleted from object storage.",
		})
		h.mux = httprouter.New()
		h.mux.HandlerFunc("POST", "/api/task/update", h.update)
		h.mux.HandlerFunc("POST", "/api/task/log", h.appendLog)
	})
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setup()
	h.mux.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (h *Handler) CheckHealth() error {
	if h.Ping == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Ping(ctx)
}

// Done implements service.Handler.
func (h *Handler) Done() <-chan struct{} {
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return httpserver.Errorf(http.StatusUnsupportedMediaType, "unsupported content type %q", ct)
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(dst)
	if err != nil {
		return httpserver.Errorf(http.StatusBadRequest, "error decoding request body: %s", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	task, err := h.doUpdate(w, r, &req)
	label := "invalid"
	if st, perr := codehost.ParseTaskStatus(req.Status); perr == nil {
		label = string(st)
	}
	h.mUpdates.WithLabelValues(label, resultLabel(err)).Inc()
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	writeJSON(w, task)
}

// doUpdate applies the status change described by the request body,
// and performs the cleanup that goes with it.
func (h *Handler) doUpdate(w http.ResponseWriter, r *http.Request, req *UpdateRequest) (codehost.Task, error) {
	ctx := r.Context()
	var task codehost.Task
	if err := decodeBody(w, r, req); err != nil {
		return task, err
	}
	if req.TaskID == "" {
		return task, httpserver.Errorf(http.StatusBadRequest, "taskId is required")
	}
	to, err := codehost.ParseTaskStatus(req.Status)
	if err != nil {
		return task, httpserver.ErrorWithStatus(err, http.StatusBadRequest)
	}
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"TaskID": req.TaskID,
		"Status": to,
	})
	ctx = ctxlog.Context(ctx, logger)

	task, err = h.Store.Get(ctx, req.TaskID)
	if errors.Is(err, jobstate.ErrNotFound) {
		return task, httpserver.Errorf(http.StatusNotFound, "task %s not found", req.TaskID)
	} else if err != nil {
		return task, err
	}
	if task.Status == to {
		// Repeated report, e.g., after a retry.
		return task, nil
	}
	if !task.Status.CanTransition(to) {
		return task, httpserver.Errorf(http.StatusConflict, "task %s cannot move from %s to %s", req.TaskID, task.Status, to)
	}
	ok, err := h.Store.Transition(ctx, req.TaskID, to, "reported by build container")
	if err != nil {
		return task, err
	}
	if !ok {
		// Someone else changed the status since Get.
		return task, httpserver.Errorf(http.StatusConflict, "task %s changed status concurrently, not moved to %s", req.TaskID, to)
	}
	task.Status = to
	logger.Info("task status updated")

	if !to.IsTerminal() {
		return task, nil
	}
	if err := h.Store.RemoveOngoingJob(ctx, req.TaskID); err != nil {
		return task, err
	}
	if to != codehost.TaskStatusCompleted {
		return task, nil
	}
	if err := h.Store.SetProductionTask(ctx, task.ProjectID, task.ID); err != nil {
		return task, err
	}
	logger.WithField("ProjectID", task.ProjectID).Info("production deployment updated")
	if h.Pruner != nil {
		deleted, err := h.Pruner.Prune(ctx, task.ProjectID)
		h.mPruned.Add(float64(len(deleted)))
		if err != nil {
			// The new deployment is live; leftovers are
			// cleaned up after the next build.
			logger.WithError(err).Warn("error deleting old deployments")
		}
	}
	return task, nil
}

func (h *Handler) appendLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req LogRequest
	if err := decodeBody(w, r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if req.TaskID == "" || req.Log == "" {
		httpserver.Error(w, "taskId and log are required", http.StatusBadRequest)
		return
	}
	if _, err := h.Store.Get(ctx, req.TaskID); errors.Is(err, jobstate.ErrNotFound) {
		httpserver.Error(w, "task "+req.TaskID+" not found", http.StatusNotFound)
		return
	} else if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	at := time.Now()
	if req.LoggedAt != nil {
		at = *req.LoggedAt
	}
	if err := h.Store.AppendLog(ctx, req.TaskID, req.Log, at); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var se httpserver.HTTPStatusError
	if errors.As(err, &se) && se.HTTPStatus() < 500 {
		return "rejected"
	}
	return "error"
}
