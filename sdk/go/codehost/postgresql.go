// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package codehost

import (
	"sort"
	"strings"
)

// PostgreSQLConnection holds libpq connection parameters, e.g.,
// {"host": "localhost", "dbname": "codehost"}.
type PostgreSQLConnection map[string]string

// String returns a libpq key/value connection string. Keys are sorted
// so the result is stable.
func (c PostgreSQLConnection) String() string {
	var keys []string
	for k, v := range c {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		s += strings.ToLower(k)
		s += "='"
		s += strings.Replace(
			strings.Replace(c[k], `\`, `\\`, -1),
			`'`, `\'`, -1)
		s += "' "
	}
	return strings.TrimSuffix(s, " ")
}

type PostgreSQL struct {
	// URL, if given, is used instead of Connection. Accepts a
	// postgres:// URL as provided by hosted database services.
	URL            string
	Connection     PostgreSQLConnection
	ConnectionPool int
}

// DataSourceName returns the connection string to pass to
// sql.Open("postgres", ...).
func (pg PostgreSQL) DataSourceName() string {
	if pg.URL != "" {
		return pg.URL
	}
	return pg.Connection.String()
}
