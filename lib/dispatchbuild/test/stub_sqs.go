// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/codehost/codehost/lib/dispatchbuild/intake"
)

// VisibilityChange records one ChangeMessageVisibility call.
type VisibilityChange struct {
	ReceiptHandle string
	Timeout       int32
}

// StubSQS is a fake SQS queue.
type StubSQS struct {
	VisibilityErr error
	DeleteErr     error
	ReceiveErr    error

	Visibility   []VisibilityChange
	Deleted      []string // receipt handles
	ReceiveCalls int

	pending [][]types.Message
	mtx     sync.Mutex
}

// Enqueue adds a batch of records to be returned by a future
// ReceiveMessage call.
func (sq *StubSQS) Enqueue(recs ...intake.Record) {
	sq.mtx.Lock()
	defer sq.mtx.Unlock()
	var msgs []types.Message
	for _, rec := range recs {
		attrs := map[string]types.MessageAttributeValue{}
		for k, v := range rec.Attributes {
			attrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
		}
		msgs = append(msgs, types.Message{
			MessageId:         aws.String(rec.MessageID),
			ReceiptHandle:     aws.String(rec.ReceiptHandle),
			MessageAttributes: attrs,
		})
	}
	sq.pending = append(sq.pending, msgs)
}

// Pending returns the number of batches not yet received.
func (sq *StubSQS) Pending() int {
	sq.mtx.Lock()
	defer sq.mtx.Unlock()
	return len(sq.pending)
}

// DeletedHandles returns a copy of Deleted.
func (sq *StubSQS) DeletedHandles() []string {
	sq.mtx.Lock()
	defer sq.mtx.Unlock()
	return append([]string(nil), sq.Deleted...)
}

// VisibilityChanges returns a copy of Visibility.
func (sq *StubSQS) VisibilityChanges() []VisibilityChange {
	sq.mtx.Lock()
	defer sq.mtx.Unlock()
	return append([]VisibilityChange(nil), sq.Visibility...)
}

func (sq *StubSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	sq.mtx.Lock()
	defer sq.mtx.Unlock()
	if sq.VisibilityErr != nil {
		return nil, sq.VisibilityErr
	}
	sq.Visibility = append(sq.Visibility, VisibilityChange{ReceiptHandle: aws.ToString(in.ReceiptHandle), Timeout: in.VisibilityTimeout})
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (sq *StubSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	sq.mtx.Lock()
	defer sq.mtx.Unlock()
	if sq.DeleteErr != nil {
		return nil, sq.DeleteErr
	}
	sq.Deleted = append(sq.Deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

// ReceiveMessage returns the next enqueued batch. If there is none,
// it waits briefly (much less than WaitTimeSeconds) and returns an
// empty result.
func (sq *StubSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	sq.mtx.Lock()
	sq.ReceiveCalls++
	if sq.ReceiveErr != nil {
		err := sq.ReceiveErr
		sq.mtx.Unlock()
		return nil, err
	}
	if len(sq.pending) > 0 {
		msgs := sq.pending[0]
		sq.pending = sq.pending[1:]
		sq.mtx.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
	}
	sq.mtx.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return &sqs.ReceiveMessageOutput{}, nil
	}
}
