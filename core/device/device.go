// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package device holds the domain types for edge devices and the liveness
// signals they emit.
package device

import (
	"time"
)

// Status describes how recently a device has proven reachability.
type Status string

const (
	// Unknown means the device has never reported a heartbeat.
	Unknown Status = "unknown"

	// Live means the device heartbeated within the staleness window.
	Live Status = "live"

	// Stale means the device has a heartbeat on record, but it is older
	// than the staleness window. Stale devices are excluded from ranking
	// but never deleted from the directory.
	Stale Status = "stale"
)

// Device is one edge device known to the directory. Devices are created
// on first heartbeat and updated on every subsequent one.
type Device struct {
	// ID is the opaque client identifier the device reports with.
	ID string

	// LastSeen is the timestamp of the most recent liveness signal.
	LastSeen time.Time
}

// Heartbeat is one liveness signal. Devices emit one per fixed interval
// (once per minute by default) on the liveness channel.
type Heartbeat struct {
	DeviceID  string    `json:"device-id"`
	Timestamp time.Time `json:"timestamp"`
}

// Directory is the query surface over known devices. All reads of device
// liveness state go through this interface; the underlying state is owned
// by a single lock-protected implementation.
type Directory interface {
	// Lookup returns the device with the given id, if it has ever
	// reported a heartbeat.
	Lookup(id string) (Device, bool)

	// Status returns the device's current reachability status.
	Status(id string) Status

	// TopDevices returns up to n device ids ranked by most recent
	// heartbeat, ties broken by device id descending. Devices outside
	// the staleness window are excluded. The ranking is recomputed on
	// each call; it is never a cached view.
	TopDevices(n int) []string
}
