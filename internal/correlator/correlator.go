// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package correlator matches asynchronous correlation records arriving
// through the relay store to outstanding invocations. Records may arrive
// out of order, duplicated, or after the caller's deadline; each resolves
// at most one invocation, and every consumed record is deleted from the
// relay store exactly once.
//
// Because the relay is a passive store rather than a push channel, the
// correlator runs one poll worker per in-flight (device, method) channel.
// This bounds head-of-line blocking to a single device and method, and
// makes the "at most one outstanding call per device and method"
// invariant a simple map check.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	coreerrors "github.com/flbridge/flbridge/core/errors"
	"github.com/flbridge/flbridge/core/payload"
	"github.com/flbridge/flbridge/core/rpcmethod"
	"github.com/flbridge/flbridge/internal/relay"
	"github.com/flbridge/flbridge/internal/wire"
)

// Logger represents the logging methods called.
type Logger interface {
	Tracef(message string, args ...any)
	Debugf(message string, args ...any)
	Infof(message string, args ...any)
	Warningf(message string, args ...any)
	Errorf(message string, args ...any)
}

// Resolver turns payload references in results back into inline values.
type Resolver interface {
	ResolveValue(ctx context.Context, v payload.Value) (payload.Value, error)
}

// MetricsObserver records discarded stale or late records.
type MetricsObserver interface {
	ObserveStaleDrop()
}

// Config holds the dependencies and tunables for a Correlator.
type Config struct {
	// Relay is the durable store carrying correlation records.
	Relay relay.Store

	// Resolver resolves offloaded result payloads.
	Resolver Resolver

	// Clock drives poll timers and caller deadlines.
	Clock clock.Clock

	// Logger is used to write logging statements for the correlator and
	// its poll workers.
	Logger Logger

	// PollInterval is the cadence at which each in-flight channel is
	// polled. It must be shorter than the smallest timeout callers will
	// pass to Await, else timeouts fire before a result could ever be
	// observed.
	PollInterval time.Duration

	// Metrics, if set, records discarded stale and late records.
	Metrics MetricsObserver
}

// Validate implements the usual config contract.
func (config Config) Validate() error {
	if config.Relay == nil {
		return errors.NotValidf("nil Relay")
	}
	if config.Resolver == nil {
		return errors.NotValidf("nil Resolver")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.PollInterval <= 0 {
		return errors.NotValidf("non-positive PollInterval")
	}
	return nil
}

// channelKey identifies one relay channel: a (device, method) pair.
type channelKey struct {
	deviceID string
	method   rpcmethod.Method
}

// outcome is the terminal result of one invocation.
type outcome struct {
	result *wire.Result
	err    error
}

// pendingCall is the caller side of one in-flight invocation.
type pendingCall struct {
	correlationID string
	done          chan outcome

	// timedOut is guarded by the correlator mutex. Once set, the poll
	// worker discards any late result instead of delivering it.
	timedOut bool
}

// Correlator owns the in-flight registry and the poll workers. It is a
// worker.Worker; killing it kills every poll worker it started.
type Correlator struct {
	catacomb catacomb.Catacomb
	config   Config

	mu       sync.Mutex
	inflight map[channelKey]*pendingCall
}

// New returns a started Correlator.
func New(config Config) (*Correlator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := &Correlator{
		config:   config,
		inflight: make(map[channelKey]*pendingCall),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &c.catacomb,
		Work: c.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

func (c *Correlator) loop() error {
	<-c.catacomb.Dying()
	return c.catacomb.ErrDying()
}

// Kill implements worker.Worker.
func (c *Correlator) Kill() {
	c.catacomb.Kill(nil)
}

// Wait implements worker.Worker.
func (c *Correlator) Wait() error {
	return c.catacomb.Wait()
}

// Pending is one claimed invocation slot. The bridge claims the slot
// before it publishes the command, so a rejected call never reaches the
// fabric, then awaits the outcome after dispatch.
type Pending struct {
	correlator *Correlator
	key        channelKey
	pc         *pendingCall
}

// Begin claims the (device, method) channel for the given correlation id.
// It fails immediately with CallInFlight if another invocation holds the
// channel: the protocol is call-then-wait, not pipelined.
func (c *Correlator) Begin(deviceID string, method rpcmethod.Method, correlationID string) (*Pending, error) {
	key := channelKey{deviceID: deviceID, method: method}
	pc := &pendingCall{
		correlationID: correlationID,
		done:          make(chan outcome, 1),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[key]; ok {
		return nil, errors.WithType(
			errors.Errorf("device %q method %s", deviceID, method),
			coreerrors.CallInFlight,
		)
	}
	c.inflight[key] = pc
	return &Pending{correlator: c, key: key, pc: pc}, nil
}

// Cancel releases the slot without waiting. Used when dispatch fails
// before there is anything to wait for.
func (p *Pending) Cancel() {
	p.correlator.release(p.key)
}

// Await starts the poll worker for the claimed channel and blocks until
// the correlated record arrives, the timeout elapses, or a terminal error
// occurs.
func (p *Pending) Await(ctx context.Context, timeout time.Duration) (*wire.Result, error) {
	c := p.correlator
	if timeout <= c.config.PollInterval {
		c.release(p.key)
		return nil, errors.NotValidf("timeout %s not greater than poll interval %s",
			timeout, c.config.PollInterval)
	}

	w, err := newPollWorker(pollWorkerConfig{
		relay:         c.config.Relay,
		resolver:      c.config.Resolver,
		clock:         c.config.Clock,
		logger:        c.config.Logger,
		deviceID:      p.key.deviceID,
		method:        p.key.method,
		correlationID: p.pc.correlationID,
		pollInterval:  c.config.PollInterval,
		deliver: func(out outcome) bool {
			return c.deliver(p.pc, out)
		},
		abandoned: func() bool {
			return c.abandoned(p.pc)
		},
		claimed: func(correlationID string) bool {
			return c.claimedBy(p.key, correlationID)
		},
		staleDrop: c.staleDrop,
	})
	if err != nil {
		c.release(p.key)
		return nil, errors.Trace(err)
	}
	if err := c.catacomb.Add(w); err != nil {
		c.release(p.key)
		return nil, errors.Trace(err)
	}

	select {
	case out := <-p.pc.done:
		c.release(p.key)
		return out.result, errors.Trace(out.err)
	case <-c.config.Clock.After(timeout):
		// The caller is released, but the poll worker lingers briefly to
		// drain a late record from the relay store rather than leaving
		// it to confuse the next invocation.
		c.abandon(p.key, p.pc)
		return nil, errors.WithType(
			errors.Errorf("no response from device %q for %s within %s",
				p.key.deviceID, p.key.method, timeout),
			coreerrors.TimedOut,
		)
	case <-ctx.Done():
		c.abandon(p.key, p.pc)
		w.Kill()
		return nil, errors.Trace(ctx.Err())
	case <-c.catacomb.Dying():
		c.release(p.key)
		return nil, errors.New("correlator shutting down")
	}
}

// deliver hands a terminal outcome to the waiting caller. It reports
// false, without delivering, if the caller has already timed out.
func (c *Correlator) deliver(pc *pendingCall, out outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc.timedOut {
		return false
	}
	pc.done <- out
	return true
}

// claimedBy reports whether the channel is currently held by the given
// correlation id.
func (c *Correlator) claimedBy(key channelKey, correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.inflight[key]
	return ok && pc.correlationID == correlationID
}

// abandoned reports whether the caller for pc has timed out or gone away.
func (c *Correlator) abandoned(pc *pendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return pc.timedOut
}

// abandon marks the call timed out and frees its channel slot so the
// caller may re-invoke immediately.
func (c *Correlator) abandon(key channelKey, pc *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc.timedOut = true
	if c.inflight[key] == pc {
		delete(c.inflight, key)
	}
}

func (c *Correlator) staleDrop() {
	if c.config.Metrics != nil {
		c.config.Metrics.ObserveStaleDrop()
	}
}

// release frees the channel slot after a delivered outcome.
func (c *Correlator) release(key channelKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
}

// InFlight returns the number of outstanding invocations, for metrics and
// introspection.
func (c *Correlator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
