// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/codehost/codehost/sdk/go/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Instrument wraps next, counting requests and timing responses by
// status code and method.
func Instrument(reg *prometheus.Registry, subsystem string, next http.Handler) http.Handler {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reqCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codehost",
		Subsystem: subsystem,
		Name:      "requests_total",
		Help:      "Number of HTTP requests handled.",
	}, []string{"code", "method"})
	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codehost",
		Subsystem: subsystem,
		Name:      "request_duration_seconds",
		Help:      "Time taken to handle HTTP requests.",
	}, []string{"code", "method"})
	reg.MustRegister(reqCount, reqDuration)
	return promhttp.InstrumentHandlerCounter(reqCount,
		promhttp.InstrumentHandlerDuration(reqDuration, next))
}

// MetricsHandler returns a handler that serves the registry's
// metrics in Prometheus text format. If token is not empty, clients
// must supply it.
func MetricsHandler(reg *prometheus.Registry, token string, logger logrus.FieldLogger) http.Handler {
	return auth.RequireLiteralToken(token, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: logger,
	}))
}
