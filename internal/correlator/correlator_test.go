// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package correlator_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	coreerrors "github.com/flbridge/flbridge/core/errors"
	"github.com/flbridge/flbridge/core/payload"
	"github.com/flbridge/flbridge/core/rpcmethod"
	"github.com/flbridge/flbridge/internal/correlator"
	"github.com/flbridge/flbridge/internal/testhelpers"
	"github.com/flbridge/flbridge/internal/wire"
)

const testPollInterval = 10 * time.Millisecond

// memRelay is an in-memory relay store holding at most one record per
// (device, method) channel, like the real table.
type memRelay struct {
	mu      sync.Mutex
	records map[string]*wire.Record
	deletes map[string]int
	getErr  error
}

func newMemRelay() *memRelay {
	return &memRelay{
		records: make(map[string]*wire.Record),
		deletes: make(map[string]int),
	}
}

func channel(deviceID string, method rpcmethod.Method) string {
	return deviceID + "/" + method.String()
}

func (m *memRelay) Get(_ context.Context, deviceID string, method rpcmethod.Method) (*wire.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.records[channel(deviceID, method)], nil
}

func (m *memRelay) Delete(_ context.Context, deviceID string, method rpcmethod.Method) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes[channel(deviceID, method)]++
	delete(m.records, channel(deviceID, method))
	return nil
}

func (m *memRelay) put(rec *wire.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[channel(rec.DeviceID, rec.Method)] = rec
}

func (m *memRelay) deleted(deviceID string, method rpcmethod.Method) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes[channel(deviceID, method)]
}

func (m *memRelay) empty(deviceID string, method rpcmethod.Method) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[channel(deviceID, method)] == nil
}

// fakeResolver passes values through, optionally failing the first few
// resolutions with NotReady like an eventually consistent store.
type fakeResolver struct {
	mu       sync.Mutex
	notReady int
	calls    int
}

func (r *fakeResolver) ResolveValue(_ context.Context, v payload.Value) (payload.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.notReady > 0 {
		r.notReady--
		return payload.Value{}, errors.WithType(errors.New("still writing"), coreerrors.NotReady)
	}
	return v, nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingObserver struct {
	mu    sync.Mutex
	drops int
}

func (o *recordingObserver) ObserveStaleDrop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drops++
}

func (o *recordingObserver) dropCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drops
}

type correlatorSuite struct {
	testing.IsolationSuite

	relay    *memRelay
	resolver *fakeResolver
	observer *recordingObserver
	corr     *correlator.Correlator
}

var _ = gc.Suite(&correlatorSuite{})

func (s *correlatorSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.relay = newMemRelay()
	s.resolver = &fakeResolver{}
	s.observer = &recordingObserver{}
	corr, err := correlator.New(correlator.Config{
		Relay:        s.relay,
		Resolver:     s.resolver,
		Clock:        clock.WallClock,
		Logger:       loggo.GetLogger("test.correlator"),
		PollInterval: testPollInterval,
		Metrics:      s.observer,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.corr = corr
	s.AddCleanup(func(c *gc.C) {
		workertest.CleanKill(c, s.corr)
	})
}

func (s *correlatorSuite) record(correlationID string, method rpcmethod.Method) *wire.Record {
	v, err := payload.NewInline("params")
	if err != nil {
		panic(err)
	}
	return &wire.Record{
		CorrelationID: correlationID,
		DeviceID:      "device-1",
		Method:        method,
		Result:        wire.Result{Parameters: &v},
	}
}

func (s *correlatorSuite) waitUntil(c *gc.C, cond func() bool) {
	timeout := time.After(testhelpers.LongWait)
	for {
		if cond() {
			return
		}
		select {
		case <-timeout:
			c.Fatal("condition never satisfied")
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *correlatorSuite) TestConfigValidate(c *gc.C) {
	_, err := correlator.New(correlator.Config{
		Resolver:     s.resolver,
		Clock:        clock.WallClock,
		Logger:       loggo.GetLogger("test"),
		PollInterval: testPollInterval,
	})
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	_, err = correlator.New(correlator.Config{
		Relay:    s.relay,
		Resolver: s.resolver,
		Clock:    clock.WallClock,
		Logger:   loggo.GetLogger("test"),
	})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *correlatorSuite) TestDeliversMatchingRecord(c *gc.C) {
	s.relay.put(s.record("corr-1", rpcmethod.GetParameters))

	pending, err := s.corr.Begin("device-1", rpcmethod.GetParameters, "corr-1")
	c.Assert(err, jc.ErrorIsNil)
	result, err := pending.Await(context.Background(), testhelpers.LongWait)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result, gc.NotNil)

	var params string
	c.Assert(result.Parameters.Decode(&params), jc.ErrorIsNil)
	c.Assert(params, gc.Equals, "params")

	// The record was consumed exactly once.
	c.Assert(s.relay.deleted("device-1", rpcmethod.GetParameters), gc.Equals, 1)
	c.Assert(s.corr.InFlight(), gc.Equals, 0)
}

func (s *correlatorSuite) TestBeginRejectsSecondCall(c *gc.C) {
	pending, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-1")
	c.Assert(err, jc.ErrorIsNil)
	defer pending.Cancel()

	_, err = s.corr.Begin("device-1", rpcmethod.Fit, "corr-2")
	c.Assert(err, jc.ErrorIs, coreerrors.CallInFlight)

	// A different method on the same device is a different channel.
	other, err := s.corr.Begin("device-1", rpcmethod.Evaluate, "corr-3")
	c.Assert(err, jc.ErrorIsNil)
	other.Cancel()
}

func (s *correlatorSuite) TestCancelFreesChannel(c *gc.C) {
	pending, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-1")
	c.Assert(err, jc.ErrorIsNil)
	pending.Cancel()

	again, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-2")
	c.Assert(err, jc.ErrorIsNil)
	again.Cancel()
}

func (s *correlatorSuite) TestAwaitRejectsShortTimeout(c *gc.C) {
	pending, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = pending.Await(context.Background(), testPollInterval/2)
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	// The failed call released its slot.
	c.Assert(s.corr.InFlight(), gc.Equals, 0)
}

func (s *correlatorSuite) TestAwaitTimesOut(c *gc.C) {
	timeout := 5 * testPollInterval
	pending, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-1")
	c.Assert(err, jc.ErrorIsNil)

	start := time.Now()
	_, err = pending.Await(context.Background(), timeout)
	c.Assert(err, jc.ErrorIs, coreerrors.TimedOut)
	c.Assert(time.Since(start) >= timeout, jc.IsTrue)

	// The channel is free for an immediate re-invocation.
	again, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-2")
	c.Assert(err, jc.ErrorIsNil)
	again.Cancel()
}

func (s *correlatorSuite) TestStaleRecordNeverResolvesCall(c *gc.C) {
	// A leftover record from an earlier invocation sits on the channel.
	s.relay.put(s.record("corr-stale", rpcmethod.Fit))

	pending, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-new")
	c.Assert(err, jc.ErrorIsNil)

	// Once the poll worker has discarded the stale record, the device's
	// real response lands. The loop runs off the test goroutine, so a
	// stuck condition surfaces as an Await timeout rather than a Fatal.
	go func() {
		deadline := time.Now().Add(testhelpers.LongWait)
		for !s.relay.empty("device-1", rpcmethod.Fit) {
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(time.Millisecond)
		}
		s.relay.put(s.record("corr-new", rpcmethod.Fit))
	}()

	result, err := pending.Await(context.Background(), testhelpers.LongWait)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result, gc.NotNil)

	// Both the stale record and the consumed one were deleted, and only
	// the stale one counted as a drop.
	c.Assert(s.relay.deleted("device-1", rpcmethod.Fit), gc.Equals, 2)
	c.Assert(s.observer.dropCount(), gc.Equals, 1)
}

func (s *correlatorSuite) TestLateRecordDrainedAfterTimeout(c *gc.C) {
	pending, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = pending.Await(context.Background(), 3*testPollInterval)
	c.Assert(err, jc.ErrorIs, coreerrors.TimedOut)

	// The response arrives after the caller gave up. The lingering poll
	// worker drains it so it cannot confuse the next invocation.
	s.relay.put(s.record("corr-1", rpcmethod.Fit))
	s.waitUntil(c, func() bool {
		return s.relay.empty("device-1", rpcmethod.Fit)
	})
	s.waitUntil(c, func() bool {
		return s.observer.dropCount() == 1
	})
	workertest.CheckAlive(c, s.corr)
}

func (s *correlatorSuite) TestReinvokeAfterTimeoutKeepsSuccessorRecord(c *gc.C) {
	pending, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = pending.Await(context.Background(), 3*testPollInterval)
	c.Assert(err, jc.ErrorIs, coreerrors.TimedOut)

	// The channel frees at timeout, so a successor can claim it while the
	// first invocation's worker is still draining. The successor's record
	// must reach the successor, not be swept up as stale.
	again, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-2")
	c.Assert(err, jc.ErrorIsNil)
	s.relay.put(s.record("corr-2", rpcmethod.Fit))

	result, err := again.Await(context.Background(), testhelpers.LongWait)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result, gc.NotNil)
	c.Assert(s.relay.deleted("device-1", rpcmethod.Fit), gc.Equals, 1)
	c.Assert(s.observer.dropCount(), gc.Equals, 0)
}

func (s *correlatorSuite) TestMalformedRecordIsTerminal(c *gc.C) {
	s.relay.getErr = errors.WithType(errors.New("bad item"), coreerrors.MalformedResponse)

	pending, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-1")
	c.Assert(err, jc.ErrorIsNil)
	_, err = pending.Await(context.Background(), testhelpers.LongWait)
	c.Assert(err, jc.ErrorIs, coreerrors.MalformedResponse)

	// The garbage record was deleted so it cannot wedge the channel.
	c.Assert(s.relay.deleted("device-1", rpcmethod.Fit), gc.Equals, 1)
}

func (s *correlatorSuite) TestTransientReadErrorRetries(c *gc.C) {
	s.relay.getErr = errors.New("throttled")

	pending, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-1")
	c.Assert(err, jc.ErrorIsNil)

	// Clear the fault after a few polls; the call still resolves.
	go func() {
		time.Sleep(3 * testPollInterval)
		s.relay.mu.Lock()
		s.relay.getErr = nil
		s.relay.mu.Unlock()
		s.relay.put(s.record("corr-1", rpcmethod.Fit))
	}()

	result, err := pending.Await(context.Background(), testhelpers.LongWait)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result, gc.NotNil)
}

func (s *correlatorSuite) TestNotReadyPayloadRetries(c *gc.C) {
	s.resolver.notReady = 2
	s.relay.put(s.record("corr-1", rpcmethod.Fit))

	pending, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-1")
	c.Assert(err, jc.ErrorIsNil)
	result, err := pending.Await(context.Background(), testhelpers.LongWait)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result, gc.NotNil)

	// Two NotReady polls left the record in place; only the successful
	// one consumed it.
	c.Assert(s.resolver.callCount(), gc.Equals, 3)
	c.Assert(s.relay.deleted("device-1", rpcmethod.Fit), gc.Equals, 1)
}

func (s *correlatorSuite) TestAwaitHonoursContext(c *gc.C) {
	pending, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-1")
	c.Assert(err, jc.ErrorIsNil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * testPollInterval)
		cancel()
	}()
	_, err = pending.Await(ctx, testhelpers.LongWait)
	c.Assert(err, jc.ErrorIs, context.Canceled)

	again, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-2")
	c.Assert(err, jc.ErrorIsNil)
	again.Cancel()
}

func (s *correlatorSuite) TestConcurrentChannels(c *gc.C) {
	s.relay.put(s.record("corr-fit", rpcmethod.Fit))
	s.relay.put(s.record("corr-eval", rpcmethod.Evaluate))

	fit, err := s.corr.Begin("device-1", rpcmethod.Fit, "corr-fit")
	c.Assert(err, jc.ErrorIsNil)
	eval, err := s.corr.Begin("device-1", rpcmethod.Evaluate, "corr-eval")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.corr.InFlight(), gc.Equals, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	var fitErr, evalErr error
	go func() {
		defer wg.Done()
		_, fitErr = fit.Await(context.Background(), testhelpers.LongWait)
	}()
	go func() {
		defer wg.Done()
		_, evalErr = eval.Await(context.Background(), testhelpers.LongWait)
	}()
	wg.Wait()

	c.Assert(fitErr, jc.ErrorIsNil)
	c.Assert(evalErr, jc.ErrorIsNil)
	c.Assert(s.corr.InFlight(), gc.Equals, 0)
}
