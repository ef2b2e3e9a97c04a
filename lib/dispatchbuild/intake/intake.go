// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package intake decodes work queue records into build dispatch
// requests.
package intake

import (
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/codehost/codehost/sdk/go/codehost"
)

// A Record is one delivered queue message: its string-typed
// attributes, plus the handle needed to change its visibility or
// delete it.
type Record struct {
	MessageID     string
	ReceiptHandle string
	Attributes    map[string]string
}

// String implements fmt.Stringer by returning the message ID.
func (rec Record) String() string {
	return rec.MessageID
}

// FromLambda converts a record delivered to a Lambda function by an
// SQS event source mapping.
func FromLambda(msg events.SQSMessage) Record {
	rec := Record{
		MessageID:     msg.MessageId,
		ReceiptHandle: msg.ReceiptHandle,
		Attributes:    map[string]string{},
	}
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			rec.Attributes[k] = *v.StringValue
		}
	}
	return rec
}

// FromSQS converts a message returned by ReceiveMessage.
func FromSQS(msg types.Message) Record {
	rec := Record{
		MessageID:     aws.ToString(msg.MessageId),
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		Attributes:    map[string]string{},
	}
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			rec.Attributes[k] = *v.StringValue
		}
	}
	return rec
}

// DecodeError is returned by Decode when a record lacks mandatory
// attributes. TaskID is populated if the TaskId attribute itself was
// usable.
type DecodeError struct {
	MessageID string
	TaskID    string
	Missing   []string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed build request in message %q: missing %s", e.MessageID, strings.Join(e.Missing, ", "))
}

// Decode returns the DispatchRequest carried by rec. If any mandatory
// attribute is absent or blank, it returns a *DecodeError naming all
// of them.
func Decode(rec Record) (codehost.DispatchRequest, error) {
	var missing []string
	get := func(name string) string {
		v := rec.Attributes[name]
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
			return ""
		}
		return v
	}
	req := codehost.DispatchRequest{
		TaskID:         get(codehost.AttrTaskID),
		ProjectID:      get(codehost.AttrProjectID),
		UserID:         get(codehost.AttrUserID),
		RepoURL:        get(codehost.AttrRepoURL),
		Branch:         get(codehost.AttrBranch),
		RootDir:        get(codehost.AttrRootDir),
		Preset:         get(codehost.AttrPreset),
		InstallCommand: get(codehost.AttrInstallCommand),
		BuildCommand:   get(codehost.AttrBuildCommand),
		OutputDir:      get(codehost.AttrOutputDir),
	}
	if len(missing) > 0 {
		return codehost.DispatchRequest{}, &DecodeError{
			MessageID: rec.MessageID,
			TaskID:    req.TaskID,
			Missing:   missing,
		}
	}
	return req, nil
}
