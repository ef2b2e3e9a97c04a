// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sqsqueue controls the visibility and lifetime of messages
// in the build queue.
package sqsqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/codehost/codehost/lib/dispatchbuild/intake"
)

// SQSAPI is the subset of the SQS client used by Queue. Implemented
// by *sqs.Client and test stubs.
type SQSAPI interface {
	ChangeMessageVisibility(context.Context, *sqs.ChangeMessageVisibilityInput, ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(context.Context, *sqs.DeleteMessageInput, ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
}

// Queue is one SQS queue.
type Queue struct {
	client SQSAPI
	url    string
}

// New returns a Queue for the given queue URL.
func New(client SQSAPI, url string) *Queue {
	return &Queue{client: client, url: url}
}

// ExtendVisibility hides rec from consumers for the given duration,
// starting now. Afterwards the queue redelivers it.
func (q *Queue) ExtendVisibility(ctx context.Context, rec intake.Record, timeout time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(rec.ReceiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("ChangeMessageVisibility(%s): %w", rec.MessageID, err)
	}
	return nil
}

// Delete removes rec from the queue so it is never redelivered.
func (q *Queue) Delete(ctx context.Context, rec intake.Record) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(rec.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("DeleteMessage(%s): %w", rec.MessageID, err)
	}
	return nil
}

// Receive long-polls for up to max records, waiting at most wait for
// the first one to arrive.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]intake.Record, error) {
	resp, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.url),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(wait / time.Second),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("ReceiveMessage: %w", err)
	}
	recs := make([]intake.Record, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		recs = append(recs, intake.FromSQS(msg))
	}
	return recs, nil
}
