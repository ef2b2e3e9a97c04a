// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The request's context carries a logger with
// the request's fields, for use by ctxlog.FromContext.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseWriter{ResponseWriter: wrapped}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get("X-Request-Id"),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		t0 := time.Now()
		lgr.Debug("request")
		defer func() {
			code := w.wroteStatus
			if code == 0 {
				code = http.StatusOK
			}
			lgr.WithFields(logrus.Fields{
				"timeTotal":      time.Since(t0).Seconds(),
				"respStatusCode": code,
				"respStatus":     http.StatusText(code),
				"respBytes":      w.wroteBodyBytes,
			}).Info("response")
		}()
		h.ServeHTTP(w, req)
	})
}

// responseWriter wraps http.ResponseWriter and records the status
// and number of bytes sent to the client.
type responseWriter struct {
	http.ResponseWriter
	wroteStatus    int
	wroteBodyBytes int
}

func (w *responseWriter) WriteHeader(s int) {
	if w.wroteStatus == 0 {
		w.wroteStatus = s
	}
	w.ResponseWriter.WriteHeader(s)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	if w.wroteStatus == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(data)
	w.wroteBodyBytes += n
	return n, err
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
