// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth checks the management token on incoming requests.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerToken returns the token from the request's "Authorization:
// Bearer" header, or "" if there is none.
func BearerToken(r *http.Request) string {
	ah := r.Header.Get("Authorization")
	if len(ah) > 7 && strings.EqualFold(ah[:7], "Bearer ") {
		return strings.TrimSpace(ah[7:])
	}
	return ""
}

// Equal compares a supplied token with the expected one in constant
// time.
func Equal(supplied, want string) bool {
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(want)) == 1
}

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token. If the given token is empty,
// RequireLiteralToken returns next (i.e., no auth checks are
// performed).
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		supplied := BearerToken(r)
		if supplied == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if !Equal(supplied, token) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
