// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package codehost

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestMarshalJSON(c *check.C) {
	var d struct {
		D Duration
	}
	err := json.Unmarshal([]byte(`{"D":"1.234s"}`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.D, check.Equals, Duration(time.Second+234*time.Millisecond))
	buf, err := json.Marshal(d)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"D":"1.234s"}`)

	for _, trial := range []struct {
		seconds int
		out     string
	}{
		{30, "30s"},
		{60, "1m"},
		{120, "2m"},
		{150, "2m30s"},
		{3600, "1h"},
		{7201, "2h0m1s"},
		{360600, "100h10m"},
	} {
		c.Check(Duration(time.Duration(trial.seconds)*time.Second).String(), check.Equals, trial.out)
	}
}

func (s *DurationSuite) TestUnmarshalJSON(c *check.C) {
	var d struct {
		D Duration
	}
	err := json.Unmarshal([]byte(`{"D":1.234}`), &d)
	c.Check(err, check.ErrorMatches, `missing unit in duration "?1\.234"?`)
	err = json.Unmarshal([]byte(`{"D":"1.234"}`), &d)
	c.Check(err, check.ErrorMatches, `.*missing unit in duration "?1\.234"?`)
	err = json.Unmarshal([]byte(`{"D":"10s"}`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.D.Duration(), check.Equals, 10*time.Second)
}

func (s *DurationSuite) TestPostgreSQLConnectionString(c *check.C) {
	conn := PostgreSQLConnection{"host": "localhost", "dbname": "codehost", "password": `it's`, "sslmode": ""}
	c.Check(conn.String(), check.Equals, `dbname='codehost' host='localhost' password='it\'s'`)
	c.Check(PostgreSQL{URL: "postgres://x@y/z", Connection: conn}.DataSourceName(), check.Equals, "postgres://x@y/z")
}
