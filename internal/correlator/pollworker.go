// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package correlator

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	coreerrors "github.com/flbridge/flbridge/core/errors"
	"github.com/flbridge/flbridge/core/rpcmethod"
	"github.com/flbridge/flbridge/internal/relay"
)

// drainTicks is how many further poll ticks a worker keeps running after
// its caller times out, so a late record can still be deleted from the
// relay store instead of lingering there.
const drainTicks = 2

type pollWorkerConfig struct {
	relay         relay.Store
	resolver      Resolver
	clock         clock.Clock
	logger        Logger
	deviceID      string
	method        rpcmethod.Method
	correlationID string
	pollInterval  time.Duration

	// deliver hands the outcome to the waiting caller, reporting false
	// if the caller has already gone away.
	deliver func(outcome) bool

	// abandoned reports whether the caller has timed out.
	abandoned func() bool

	// claimed reports whether the given correlation id currently holds
	// this channel. A timed-out caller frees the channel immediately, so
	// a record found during the drain window may belong to a successor
	// invocation rather than to an earlier, dead one.
	claimed func(correlationID string) bool

	// staleDrop records a discarded stale or late record.
	staleDrop func()
}

// pollWorker polls one (device, method) relay channel on behalf of one
// invocation until it resolves, the drain window ends, or it is killed.
type pollWorker struct {
	catacomb catacomb.Catacomb
	config   pollWorkerConfig
}

func newPollWorker(config pollWorkerConfig) (*pollWorker, error) {
	w := &pollWorker{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill implements worker.Worker.
func (w *pollWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *pollWorker) Wait() error {
	return w.catacomb.Wait()
}

func (w *pollWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	timer := w.config.clock.NewTimer(w.config.pollInterval)
	defer timer.Stop()

	var drainDeadline time.Time
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
		}

		if drainDeadline.IsZero() && w.config.abandoned() {
			drainDeadline = w.config.clock.Now().Add(drainTicks * w.config.pollInterval)
			w.config.logger.Debugf("caller for %s/%s correlation %q timed out, draining",
				w.config.deviceID, w.config.method, w.config.correlationID)
		}

		done, err := w.poll(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if done {
			return nil
		}
		if !drainDeadline.IsZero() && w.config.clock.Now().After(drainDeadline) {
			w.config.logger.Tracef("drain window for correlation %q closed", w.config.correlationID)
			return nil
		}
		timer.Reset(w.config.pollInterval)
	}
}

// poll fetches and processes the current record on the channel, reporting
// whether the worker's job is finished.
func (w *pollWorker) poll(ctx context.Context) (bool, error) {
	rec, err := w.config.relay.Get(ctx, w.config.deviceID, w.config.method)
	switch {
	case errors.Is(err, coreerrors.MalformedResponse):
		// Terminal for the invocation. Delete the record regardless so a
		// garbage item cannot wedge the channel.
		w.deleteRecord(ctx)
		w.config.deliver(outcome{err: err})
		return true, nil
	case err != nil:
		// Transient read failure; the next tick retries.
		w.config.logger.Warningf("polling relay channel %s/%s: %v",
			w.config.deviceID, w.config.method, err)
		return false, nil
	case rec == nil:
		return false, nil
	case rec.CorrelationID != w.config.correlationID:
		if w.config.claimed(rec.CorrelationID) {
			// The channel was re-claimed after our caller timed out and
			// the record belongs to the successor invocation. Its own
			// worker delivers it; this one is finished.
			w.config.logger.Tracef("leaving record %q on channel %s/%s for its own worker",
				rec.CorrelationID, w.config.deviceID, w.config.method)
			return true, nil
		}
		// Stale or duplicate record from an earlier invocation. Delete it
		// and keep waiting for ours; it must not resolve this call.
		w.config.logger.Warningf("discarding stale record %q on channel %s/%s",
			rec.CorrelationID, w.config.deviceID, w.config.method)
		w.config.staleDrop()
		w.deleteRecord(ctx)
		return false, nil
	}

	// The record is ours. Resolve any offloaded result payload; a payload
	// that is not yet fully written leaves the record in place for the
	// next tick.
	result := rec.Result
	if result.Parameters != nil {
		resolved, err := w.config.resolver.ResolveValue(ctx, *result.Parameters)
		if errors.Is(err, coreerrors.NotReady) {
			w.config.logger.Debugf("result payload for %q not yet ready", w.config.correlationID)
			return false, nil
		}
		if err != nil {
			w.deleteRecord(ctx)
			w.config.deliver(outcome{err: err})
			return true, nil
		}
		result.Parameters = &resolved
	}

	if !w.config.deliver(outcome{result: &result}) {
		w.config.logger.Debugf("discarding late result for correlation %q", w.config.correlationID)
		w.config.staleDrop()
	} else {
		w.config.logger.Tracef("resolved correlation %q on channel %s/%s",
			w.config.correlationID, w.config.deviceID, w.config.method)
	}
	w.deleteRecord(ctx)
	return true, nil
}

func (w *pollWorker) deleteRecord(ctx context.Context) {
	if err := w.config.relay.Delete(ctx, w.config.deviceID, w.config.method); err != nil {
		// The next poll of this channel sees a correlation id mismatch
		// and deletes it then.
		w.config.logger.Warningf("deleting record on channel %s/%s: %v",
			w.config.deviceID, w.config.method, err)
	}
}
