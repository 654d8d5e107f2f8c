// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package heartbeatmonitor ingests periodic liveness signals from devices
// and feeds them to the device directory. Devices emit one heartbeat per
// fixed interval (once per minute by default); ingestion adapters publish
// them onto the hub, and this worker is the only writer into the
// directory.
package heartbeatmonitor

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/flbridge/flbridge/core/device"
)

// Topic is the hub topic liveness signals are published on.
const Topic = "device.heartbeat"

// Message is the liveness signal as published on the hub: the device's
// opaque id and the unix timestamp it reported.
type Message struct {
	DeviceID  string `json:"device-id"`
	Timestamp int64  `json:"timestamp"`
}

// Logger represents the logging methods called.
type Logger interface {
	Tracef(message string, args ...any)
	Errorf(message string, args ...any)
}

// DirectoryUpdater is the write side of the device directory.
type DirectoryUpdater interface {
	Observe(hb device.Heartbeat)
}

// Config holds the dependencies for the heartbeat monitor.
type Config struct {
	// Hub carries heartbeat messages from ingestion adapters.
	Hub *pubsub.StructuredHub

	// Directory receives observed heartbeats.
	Directory DirectoryUpdater

	// Logger is used to write logging statements for the worker.
	Logger Logger
}

// Validate implements the usual config contract.
func (config Config) Validate() error {
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Directory == nil {
		return errors.NotValidf("nil Directory")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

type monitor struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker returns a worker that subscribes to the heartbeat topic and
// updates the directory until killed.
func NewWorker(config Config) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &monitor{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *monitor) loop() error {
	unsubscribe, err := w.config.Hub.Subscribe(Topic, w.onHeartbeat)
	if err != nil {
		return errors.Annotate(err, "subscribing to heartbeat topic")
	}
	defer unsubscribe()

	<-w.catacomb.Dying()
	return w.catacomb.ErrDying()
}

func (w *monitor) onHeartbeat(topic string, msg Message, err error) {
	if err != nil {
		w.config.Logger.Errorf("malformed heartbeat on %q: %v", topic, err)
		return
	}
	if msg.DeviceID == "" {
		w.config.Logger.Errorf("heartbeat without device id on %q", topic)
		return
	}
	w.config.Directory.Observe(device.Heartbeat{
		DeviceID:  msg.DeviceID,
		Timestamp: time.Unix(msg.Timestamp, 0),
	})
	w.config.Logger.Tracef("heartbeat from %q at %d", msg.DeviceID, msg.Timestamp)
}

// Kill implements worker.Worker.
func (w *monitor) Kill() {
	w.catacomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *monitor) Wait() error {
	return w.catacomb.Wait()
}
