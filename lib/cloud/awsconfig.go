// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloud sets up AWS SDK clients from codehost configuration.
package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/sirupsen/logrus"
)

// LoadAWSConfig returns an SDK configuration using the region and
// static credentials in cfg, if any. Anything left empty is found by
// the SDK's default chain (environment, shared config files, task or
// instance role).
func LoadAWSConfig(ctx context.Context, cfg codehost.AWSConfig, logger logrus.FieldLogger) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithCredentialsCacheOptions(func(o *aws.CredentialsCacheOptions) {
			// Role credentials are renewed at least five
			// minutes before they expire.
			o.ExpiryWindow = 5 * time.Minute
		}),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		logger.Debug("using static AWS credentials")
		opts = append(opts, config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
				Source:          "codehost configuration",
			},
		}))
	}
	awscfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("error loading aws client config: %w", err)
	}
	return awscfg, nil
}
