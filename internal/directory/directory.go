// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package directory implements the device directory: the single owner of
// device liveness state. Writers go through Observe, readers through the
// core/device Directory interface. Rankings are recomputed on each query.
package directory

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/flbridge/flbridge/core/device"
)

// Config holds the dependencies and tunables for a Directory.
type Config struct {
	// Clock supplies the current time for staleness checks.
	Clock clock.Clock

	// StalenessWindow is how long after its last heartbeat a device
	// remains eligible for TopDevices. It must exceed the heartbeat
	// interval (one minute by default) or every device will flap stale
	// between beats.
	StalenessWindow time.Duration
}

// Validate implements the usual config contract.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.StalenessWindow <= 0 {
		return errors.NotValidf("non-positive StalenessWindow")
	}
	return nil
}

// Directory tracks every device that has ever reported a heartbeat.
// Devices age out of the live ranking but are never removed.
type Directory struct {
	mu      sync.Mutex
	config  Config
	devices map[string]device.Device
}

// New returns an empty Directory.
func New(config Config) (*Directory, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Directory{
		config:  config,
		devices: make(map[string]device.Device),
	}, nil
}

// Observe records a liveness signal, creating the device on first sight.
// Out-of-order heartbeats never move a device's last-seen time backwards;
// the fabric is at-least-once and unordered.
func (d *Directory) Observe(hb device.Heartbeat) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.devices[hb.DeviceID]
	if ok && hb.Timestamp.Before(existing.LastSeen) {
		return
	}
	d.devices[hb.DeviceID] = device.Device{
		ID:       hb.DeviceID,
		LastSeen: hb.Timestamp,
	}
}

// Lookup implements device.Directory.
func (d *Directory) Lookup(id string) (device.Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[id]
	return dev, ok
}

// Status implements device.Directory.
func (d *Directory) Status(id string) device.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[id]
	if !ok {
		return device.Unknown
	}
	if d.config.Clock.Now().Sub(dev.LastSeen) > d.config.StalenessWindow {
		return device.Stale
	}
	return device.Live
}

// TopDevices implements device.Directory: live devices ranked by most
// recent heartbeat, ties broken by device id descending, at most n
// entries.
func (d *Directory) TopDevices(n int) []string {
	if n <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.config.Clock.Now().Add(-d.config.StalenessWindow)
	live := make([]device.Device, 0, len(d.devices))
	for _, dev := range d.devices {
		if !dev.LastSeen.Before(cutoff) {
			live = append(live, dev)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if !live[i].LastSeen.Equal(live[j].LastSeen) {
			return live[i].LastSeen.After(live[j].LastSeen)
		}
		return live[i].ID > live[j].ID
	})
	if n < len(live) {
		live = live[:n]
	}
	ids := make([]string, len(live))
	for i, dev := range live {
		ids[i] = dev.ID
	}
	return ids
}
