// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bridge exposes the synchronous call surface the training
// coordinator drives. Each call is dispatched as a command message onto
// the fabric, and the caller blocks until the correlator observes the
// device's response or the timeout elapses.
//
// The bridge never retries on the caller's behalf. Re-invoking after a
// timeout is safe for get_parameters and evaluate, which do not mutate
// device state; it is not guaranteed safe for fit or set_parameters
// unless the device's own implementation is idempotent. That is a caller
// contract, not something the bridge assumes internally.
package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	coreerrors "github.com/flbridge/flbridge/core/errors"
	"github.com/flbridge/flbridge/core/device"
	"github.com/flbridge/flbridge/core/payload"
	"github.com/flbridge/flbridge/core/rpcmethod"
	"github.com/flbridge/flbridge/internal/commandbus"
	"github.com/flbridge/flbridge/internal/correlator"
	"github.com/flbridge/flbridge/internal/wire"
)

var logger = loggo.GetLogger("flbridge.bridge")

// DefaultMaxMessageSize is the fabric's payload ceiling. AWS IoT rejects
// publishes over 128KiB; anything approaching it must already have been
// offloaded.
const DefaultMaxMessageSize = 128 * 1024

// StatusChecker reports device reachability. All reads of liveness state
// go through the directory.
type StatusChecker interface {
	Status(id string) device.Status
}

// Offloader replaces oversized arguments with payload references before
// dispatch.
type Offloader interface {
	OffloadArgs(ctx context.Context, correlationID string, args []payload.Value) ([]payload.Value, error)
}

// Awaiter is the correlator surface the bridge drives: claim the channel,
// then wait for the correlated response.
type Awaiter interface {
	Begin(deviceID string, method rpcmethod.Method, correlationID string) (*correlator.Pending, error)
}

// MetricsObserver records invocation outcomes.
type MetricsObserver interface {
	ObserveInvocation(method, outcome string, elapsed time.Duration)
}

// Config holds the collaborators of a Bridge.
type Config struct {
	// Directory answers reachability checks before dispatch.
	Directory StatusChecker

	// Publisher publishes command messages to device topics.
	Publisher commandbus.Publisher

	// Correlator matches responses to outstanding invocations.
	Correlator Awaiter

	// Offload moves oversized arguments through the object store.
	Offload Offloader

	// Clock measures invocation latency.
	Clock clock.Clock

	// Metrics records invocation outcomes.
	Metrics MetricsObserver

	// MaxMessageSize is the transport payload ceiling in bytes. Zero
	// means DefaultMaxMessageSize.
	MaxMessageSize int
}

// Validate implements the usual config contract.
func (config Config) Validate() error {
	if config.Directory == nil {
		return errors.NotValidf("nil Directory")
	}
	if config.Publisher == nil {
		return errors.NotValidf("nil Publisher")
	}
	if config.Correlator == nil {
		return errors.NotValidf("nil Correlator")
	}
	if config.Offload == nil {
		return errors.NotValidf("nil Offload")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if config.MaxMessageSize < 0 {
		return errors.NotValidf("negative MaxMessageSize")
	}
	return nil
}

// Bridge is the synchronous RPC facade over the asynchronous fabric.
type Bridge struct {
	config     Config
	dispatcher *dispatcher
}

// New returns a Bridge using the supplied collaborators.
func New(config Config) (*Bridge, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	maxSize := config.MaxMessageSize
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Bridge{
		config: config,
		dispatcher: &dispatcher{
			publisher:      config.Publisher,
			maxMessageSize: maxSize,
		},
	}, nil
}

// Invoke performs one synchronous remote call: it validates the request,
// claims the (device, method) channel, offloads oversized arguments,
// publishes the command and blocks until the correlated response arrives
// or the timeout elapses. Failures are values from the taxonomy in
// core/errors; Invoke never panics on a single call's failure.
func (b *Bridge) Invoke(
	ctx context.Context,
	method rpcmethod.Method,
	deviceID string,
	args []payload.Value,
	timeout time.Duration,
) (*wire.Result, error) {
	start := b.config.Clock.Now()
	result, err := b.invoke(ctx, method, deviceID, args, timeout)
	elapsed := b.config.Clock.Now().Sub(start)
	b.config.Metrics.ObserveInvocation(method.String(), outcomeLabel(err), elapsed)
	if err != nil {
		logger.Warningf("invocation of %s on %q failed after %s: %v", method, deviceID, elapsed, err)
		return nil, errors.Trace(err)
	}
	logger.Infof("invocation of %s on %q resolved in %s", method, deviceID, elapsed)
	return result, nil
}

func (b *Bridge) invoke(
	ctx context.Context,
	method rpcmethod.Method,
	deviceID string,
	args []payload.Value,
	timeout time.Duration,
) (*wire.Result, error) {
	if err := method.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if deviceID == "" {
		return nil, errors.NotValidf("empty device id")
	}
	if status := b.config.Directory.Status(deviceID); status != device.Live {
		return nil, errors.WithType(
			errors.Errorf("device %q is %s", deviceID, status),
			coreerrors.DeviceUnavailable,
		)
	}

	correlationID := uuid.New().String()
	cmd := wire.Command{
		Method:        method,
		CorrelationID: correlationID,
		Args:          args,
	}
	if err := cmd.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	// Claim the channel before anything reaches the fabric, so a
	// rejected call has no side effects.
	pending, err := b.config.Correlator.Begin(deviceID, method, correlationID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	cmd.Args, err = b.config.Offload.OffloadArgs(ctx, correlationID, args)
	if err != nil {
		pending.Cancel()
		return nil, errors.Trace(err)
	}
	if err := b.dispatcher.dispatch(ctx, deviceID, cmd); err != nil {
		pending.Cancel()
		return nil, errors.Trace(err)
	}

	result, err := pending.Await(ctx, timeout)
	return result, errors.Trace(err)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, coreerrors.TimedOut):
		return "timeout"
	case errors.Is(err, coreerrors.CallInFlight):
		return "in-flight"
	case errors.Is(err, coreerrors.DeviceUnavailable):
		return "unavailable"
	case errors.Is(err, coreerrors.StorageUnavailable):
		return "storage-unavailable"
	case errors.Is(err, coreerrors.MalformedResponse):
		return "malformed"
	default:
		return "error"
	}
}
