// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// config is the daemon configuration, read from a YAML file.
type config struct {
	// Region is the AWS region hosting the fabric, relay table and
	// payload bucket.
	Region string `yaml:"region"`

	// RelayTable is the DynamoDB table carrying correlation records.
	RelayTable string `yaml:"relay-table"`

	// PayloadBucket is the S3 bucket holding offloaded payloads.
	PayloadBucket string `yaml:"payload-bucket"`

	// OffloadThreshold is the serialized size in bytes above which an
	// argument or result is moved through the object store.
	OffloadThreshold int `yaml:"offload-threshold"`

	// PollInterval is the relay poll cadence per in-flight channel.
	PollInterval time.Duration `yaml:"poll-interval"`

	// MinTimeout is the smallest invocation timeout the daemon accepts.
	MinTimeout time.Duration `yaml:"min-timeout"`

	// StalenessWindow is how long a device stays live after its last
	// heartbeat. Devices report once a minute.
	StalenessWindow time.Duration `yaml:"staleness-window"`

	// ListenAddr is the HTTP listen address for the coordinator API,
	// heartbeat ingest and metrics endpoints.
	ListenAddr string `yaml:"listen-addr"`

	// LogConfig is a loggo specification, e.g. "<root>=INFO".
	LogConfig string `yaml:"log-config"`
}

func defaultConfig() config {
	return config{
		OffloadThreshold: 64 * 1024,
		PollInterval:     5 * time.Second,
		MinTimeout:       10 * time.Second,
		StalenessWindow:  time.Hour,
		ListenAddr:       ":17070",
		LogConfig:        "<root>=INFO",
	}
}

func readConfig(path string) (config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, errors.Annotatef(err, "reading config %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, errors.Annotatef(err, "parsing config %q", path)
	}
	if err := cfg.validate(); err != nil {
		return config{}, errors.Trace(err)
	}
	return cfg, nil
}

func (c config) validate() error {
	if c.Region == "" {
		return errors.NotValidf("empty region")
	}
	if c.RelayTable == "" {
		return errors.NotValidf("empty relay-table")
	}
	if c.PayloadBucket == "" {
		return errors.NotValidf("empty payload-bucket")
	}
	if c.OffloadThreshold <= 0 {
		return errors.NotValidf("non-positive offload-threshold")
	}
	if c.PollInterval <= 0 {
		return errors.NotValidf("non-positive poll-interval")
	}
	// Configuration invariant: if polling is slower than the smallest
	// timeout, every short call would time out before a result could be
	// observed at all.
	if c.PollInterval >= c.MinTimeout {
		return errors.NotValidf("poll-interval %s not less than min-timeout %s",
			c.PollInterval, c.MinTimeout)
	}
	if c.StalenessWindow <= 0 {
		return errors.NotValidf("non-positive staleness-window")
	}
	if c.ListenAddr == "" {
		return errors.NotValidf("empty listen-addr")
	}
	return nil
}
