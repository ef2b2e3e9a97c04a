// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sqsqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codehost/codehost/lib/dispatchbuild/intake"
	"github.com/codehost/codehost/lib/dispatchbuild/test"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&QueueSuite{})

type QueueSuite struct {
	stub  *test.StubSQS
	queue *Queue
}

func (s *QueueSuite) SetUpTest(c *check.C) {
	s.stub = &test.StubSQS{}
	s.queue = New(s.stub, "https://sqs.us-east-1.amazonaws.com/000000000000/build-queue.fifo")
}

func (s *QueueSuite) TestExtendVisibility(c *check.C) {
	err := s.queue.ExtendVisibility(context.Background(), test.Record(1), 10*time.Second)
	c.Check(err, check.IsNil)
	c.Check(s.stub.VisibilityChanges(), check.DeepEquals, []test.VisibilityChange{{ReceiptHandle: "rh-0001", Timeout: 10}})
}

func (s *QueueSuite) TestExtendVisibilityError(c *check.C) {
	s.stub.VisibilityErr = errors.New("ReceiptHandleIsInvalid")
	err := s.queue.ExtendVisibility(context.Background(), test.Record(1), time.Minute)
	c.Check(err, check.ErrorMatches, `ChangeMessageVisibility\(msg-0001\): ReceiptHandleIsInvalid`)
}

func (s *QueueSuite) TestDelete(c *check.C) {
	c.Check(s.queue.Delete(context.Background(), test.Record(2)), check.IsNil)
	c.Check(s.stub.DeletedHandles(), check.DeepEquals, []string{"rh-0002"})

	s.stub.DeleteErr = errors.New("QueueDoesNotExist")
	err := s.queue.Delete(context.Background(), test.Record(3))
	c.Check(err, check.ErrorMatches, `DeleteMessage\(msg-0003\): QueueDoesNotExist`)
}

func (s *QueueSuite) TestReceive(c *check.C) {
	s.stub.Enqueue(test.Records(3)...)
	recs, err := s.queue.Receive(context.Background(), 10, 20*time.Second)
	c.Assert(err, check.IsNil)
	c.Assert(recs, check.HasLen, 3)
	c.Check(recs[1], check.DeepEquals, test.Record(1))
	req, err := intake.Decode(recs[2])
	c.Check(err, check.IsNil)
	c.Check(req, check.DeepEquals, test.Request(2))

	recs, err = s.queue.Receive(context.Background(), 10, 20*time.Second)
	c.Check(err, check.IsNil)
	c.Check(recs, check.HasLen, 0)
}

func (s *QueueSuite) TestReceiveError(c *check.C) {
	s.stub.ReceiveErr = errors.New("AccessDenied")
	_, err := s.queue.Receive(context.Background(), 10, time.Second)
	c.Check(err, check.ErrorMatches, `ReceiveMessage: AccessDenied`)
}
