// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskstatus

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// S3API is the subset of the S3 client used by Pruner.
type S3API interface {
	ListObjectsV2(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(context.Context, *s3.DeleteObjectsInput, ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// CompletedTaskLister returns a project's most recently completed
// tasks. Implemented by *jobstate.Store.
type CompletedTaskLister interface {
	CompletedTasks(ctx context.Context, projectID string, limit int) ([]codehost.Task, error)
}

// Pruner deletes old deployments from object storage. Deployments
// are stored as {DirName}/{projectID}/{taskID}/...
type Pruner struct {
	S3      S3API
	Tasks   CompletedTaskLister
	Bucket  string
	DirName string
	// Number of completed deployments to keep per project.
	Keep int
}

// Prune deletes every deployment of the given project except the
// Keep most recently completed ones. It returns the task IDs whose
// deployments were deleted.
func (p *Pruner) Prune(ctx context.Context, projectID string) ([]string, error) {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"ProjectID": projectID,
		"Bucket":    p.Bucket,
	})
	keep := p.Keep
	if keep < 1 {
		keep = 1
	}
	tasks, err := p.Tasks.CompletedTasks(ctx, projectID, keep)
	if err != nil {
		return nil, err
	}
	keepIDs := map[string]bool{}
	for _, task := range tasks {
		keepIDs[task.ID] = true
	}

	taskIDs, err := p.deployments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, taskID := range taskIDs {
		if keepIDs[taskID] {
			continue
		}
		n, err := p.deletePrefix(ctx, p.prefix(projectID, taskID))
		if err != nil {
			return deleted, err
		}
		logger.WithFields(logrus.Fields{
			"TaskID":  taskID,
			"Objects": n,
		}).Info("deleted old deployment")
		deleted = append(deleted, taskID)
	}
	if len(deleted) == 0 {
		logger.Debug("no old deployments to delete")
	}
	return deleted, nil
}

func (p *Pruner) prefix(elems ...string) string {
	return path.Join(append([]string{p.DirName}, elems...)...) + "/"
}

// deployments returns the IDs of the tasks that have deployments for
// the given project.
func (p *Pruner) deployments(ctx context.Context, projectID string) ([]string, error) {
	prefix := p.prefix(projectID)
	var ids []string
	pager := s3.NewListObjectsV2Paginator(p.S3, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing deployments in %s: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			id := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// deletePrefix deletes all objects whose keys start with prefix, and
// returns the number deleted.
func (p *Pruner) deletePrefix(ctx context.Context, prefix string) (int, error) {
	n := 0
	pager := s3.NewListObjectsV2Paginator(p.S3, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.Bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return n, fmt.Errorf("listing objects in %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		var objs []types.ObjectIdentifier
		for _, obj := range page.Contents {
			objs = append(objs, types.ObjectIdentifier{Key: obj.Key})
		}
		resp, err := p.S3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.Bucket),
			Delete: &types.Delete{Objects: objs, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return n, fmt.Errorf("deleting objects in %s: %w", prefix, err)
		}
		if len(resp.Errors) > 0 {
			e := resp.Errors[0]
			return n, fmt.Errorf("deleting %s: %s %s", aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message))
		}
		n += len(objs)
	}
	return n, nil
}
