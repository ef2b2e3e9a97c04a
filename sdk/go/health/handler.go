// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health-check endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/codehost/codehost/sdk/go/auth"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler responds to authenticated health-check requests with JSON
// responses like {"health":"OK"} or {"health":"ERROR","error":"..."}.
//
// A request for "{Prefix}{name}" runs Routes[name]. "ping" is always
// available, and is healthy unless Routes overrides it.
type Handler struct {
	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	Routes Routes
}

var healthyBody = []byte(`{"health":"OK"}` + "\n")

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, h.Prefix)
	fn, ok := h.Routes[name]
	if !ok && name == "ping" {
		fn, ok = func() error { return nil }, true
	}
	switch {
	case h.Token == "" || !ok:
		http.Error(w, "not found", http.StatusNotFound)
		return
	case auth.BearerToken(r) == "":
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	case !auth.Equal(auth.BearerToken(r), h.Token):
		http.Error(w, "authorization error", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := fn(); err != nil {
		json.NewEncoder(w).Encode(map[string]string{
			"health": "ERROR",
			"error":  err.Error(),
		})
		return
	}
	w.Write(healthyBody)
}
