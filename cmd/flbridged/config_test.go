// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type configSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&configSuite{})

func (s *configSuite) writeConfig(c *gc.C, content string) string {
	path := filepath.Join(c.MkDir(), "flbridged.yaml")
	err := os.WriteFile(path, []byte(content), 0o644)
	c.Assert(err, jc.ErrorIsNil)
	return path
}

func (s *configSuite) TestReadConfig(c *gc.C) {
	path := s.writeConfig(c, `
region: eu-west-1
relay-table: fl-relay
payload-bucket: fl-payloads
offload-threshold: 32768
poll-interval: 2s
min-timeout: 5s
staleness-window: 10m
listen-addr: ":8080"
log-config: "<root>=DEBUG"
`)
	cfg, err := readConfig(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg.Region, gc.Equals, "eu-west-1")
	c.Assert(cfg.RelayTable, gc.Equals, "fl-relay")
	c.Assert(cfg.PayloadBucket, gc.Equals, "fl-payloads")
	c.Assert(cfg.OffloadThreshold, gc.Equals, 32768)
	c.Assert(cfg.PollInterval, gc.Equals, 2*time.Second)
	c.Assert(cfg.MinTimeout, gc.Equals, 5*time.Second)
	c.Assert(cfg.StalenessWindow, gc.Equals, 10*time.Minute)
	c.Assert(cfg.ListenAddr, gc.Equals, ":8080")
}

func (s *configSuite) TestReadConfigDefaults(c *gc.C) {
	path := s.writeConfig(c, `
region: eu-west-1
relay-table: fl-relay
payload-bucket: fl-payloads
`)
	cfg, err := readConfig(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg.OffloadThreshold, gc.Equals, 64*1024)
	c.Assert(cfg.PollInterval, gc.Equals, 5*time.Second)
	c.Assert(cfg.MinTimeout, gc.Equals, 10*time.Second)
	c.Assert(cfg.StalenessWindow, gc.Equals, time.Hour)
	c.Assert(cfg.ListenAddr, gc.Equals, ":17070")
	c.Assert(cfg.LogConfig, gc.Equals, "<root>=INFO")
}

func (s *configSuite) TestReadConfigMissingFile(c *gc.C) {
	_, err := readConfig(filepath.Join(c.MkDir(), "absent.yaml"))
	c.Assert(err, gc.ErrorMatches, `reading config .*`)
}

func (s *configSuite) TestReadConfigMissingRegion(c *gc.C) {
	path := s.writeConfig(c, `
relay-table: fl-relay
payload-bucket: fl-payloads
`)
	_, err := readConfig(path)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, "empty region not valid")
}

func (s *configSuite) TestReadConfigPollIntervalTooLong(c *gc.C) {
	// A poll interval at or above the minimum timeout means every short
	// call would expire before its channel was ever polled.
	path := s.writeConfig(c, `
region: eu-west-1
relay-table: fl-relay
payload-bucket: fl-payloads
poll-interval: 10s
min-timeout: 10s
`)
	_, err := readConfig(path)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, "poll-interval 10s not less than min-timeout 10s not valid")
}
