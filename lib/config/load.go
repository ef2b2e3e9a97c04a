// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/codehost/codehost/sdk/go/codehost"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

var ErrNoConfig = errors.New("no configuration file found")

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Config file path, or "-" for stdin. If Path is the default
	// path and the file does not exist, defaults and environment
	// variables are used alone.
	Path string

	// Ignore environment variable overrides.
	SkipEnv bool

	// Defaults to os.Getenv. Tests can replace it.
	Getenv func(string) string
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{
		Stdin:  stdin,
		Logger: logger,
		Path:   codehost.DefaultConfigFile,
		Getenv: os.Getenv,
	}
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/codehost/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", codehost.DefaultConfigFile, "Site configuration `file` (default may be overridden by setting a CODEHOST_CONFIG environment variable)")
	if p := os.Getenv("CODEHOST_CONFIG"); p != "" {
		ldr.Path = p
	}
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) && path == codehost.DefaultConfigFile {
		ldr.Logger.WithField("Path", path).Debug("no config file, using defaults and environment")
		return nil, nil
	}
	return buf, err
}

// Load returns the effective configuration: embedded defaults,
// overlaid with the config file (if any), overlaid with environment
// variables.
func (ldr *Loader) Load() (*codehost.Config, error) {
	var cfg codehost.Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	if len(buf) > 0 {
		err = yaml.Unmarshal(buf, &cfg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ldr.Path, err)
		}
	}
	if !ldr.SkipEnv {
		envcfg, err := ldr.fromEnv()
		if err != nil {
			return nil, err
		}
		err = mergo.Merge(&cfg, envcfg, mergo.WithOverride)
		if err != nil {
			return nil, fmt.Errorf("applying environment overrides: %w", err)
		}
	}
	err = checkConfig(&cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fromEnv returns a config with only the fields that are set by
// environment variables populated.
func (ldr *Loader) fromEnv() (codehost.Config, error) {
	getenv := ldr.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	var cfg codehost.Config
	cfg.BuildQueue.URL = getenv("SQS_QUEUE_URL")
	cfg.BuildCluster.ARN = getenv("CLUSTER_ARN")
	if s := getenv("MAX_RUNNING_TASKS"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_RUNNING_TASKS %q: %w", s, err)
		}
		cfg.BuildCluster.MaxRunningTasks = n
	}
	cfg.PostgreSQL.URL = getenv("DATABASE_URL")
	if s := getenv("POSTGRES_URL"); s != "" {
		cfg.PostgreSQL.URL = s
	}
	cfg.SystemLogs.LogLevel = getenv("CODEHOST_LOG_LEVEL")
	cfg.Deployments.Bucket = getenv("DEPLOYMENT_BUCKET")
	cfg.Deployments.DirName = getenv("DEPLOYMENT_DIR_NAME")
	cfg.AWS.Region = getenv("AWS_REGION")
	return cfg, nil
}

const maxVisibilityTimeout = 12 * time.Hour

func checkConfig(cfg *codehost.Config) error {
	cfg.BuildCluster.LaunchType = strings.ToUpper(cfg.BuildCluster.LaunchType)
	switch cfg.BuildCluster.LaunchType {
	case "EC2":
	case "FARGATE":
		if len(cfg.BuildCluster.Subnets) == 0 {
			return fmt.Errorf("BuildCluster.Subnets must not be empty when LaunchType is FARGATE")
		}
	default:
		return fmt.Errorf("BuildCluster.LaunchType must be EC2 or FARGATE (got %q)", cfg.BuildCluster.LaunchType)
	}
	if cfg.BuildCluster.MaxRunningTasks < 1 {
		return fmt.Errorf("BuildCluster.MaxRunningTasks must be at least 1 (got %d)", cfg.BuildCluster.MaxRunningTasks)
	}
	if d := cfg.BuildQueue.DeferVisibilityTimeout.Duration(); d < time.Second || d > maxVisibilityTimeout {
		return fmt.Errorf("BuildQueue.DeferVisibilityTimeout must be between 1s and %s (got %s)", codehost.Duration(maxVisibilityTimeout), cfg.BuildQueue.DeferVisibilityTimeout)
	}
	if n := cfg.BuildQueue.ReceiveMaxMessages; n < 1 || n > 10 {
		return fmt.Errorf("BuildQueue.ReceiveMaxMessages must be between 1 and 10 (got %d)", n)
	}
	if cfg.Deployments.KeepCompleted < 1 {
		return fmt.Errorf("Deployments.KeepCompleted must be at least 1 (got %d)", cfg.Deployments.KeepCompleted)
	}
	return nil
}
