package inspect

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fosrl/verdict/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second
const tick = 5 * time.Millisecond

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	e, err := New(Config{Policy: &fakePolicy{}, Suspender: newFakeSuspender(), Gateway: &fakeGateway{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxPending, e.cfg.MaxPending)
	assert.Equal(t, DefaultDrainGrace, e.cfg.DrainGrace)
	assert.Equal(t, StateIdle, e.State())
}

func TestOutboundConnectScenario(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine

	ev := h.event(flow.Outbound, 40000, true)
	out := newOut()
	e.ClassifyConnect(ev, out)
	release(ev)

	assert.Equal(t, ActionBlock, out.Action)
	assert.True(t, out.Absorb)
	assert.Zero(t, out.Rights&RightWrite)
	conns, packets := e.QueueDepths()
	assert.Equal(t, 1, conns)
	assert.Equal(t, 0, packets)
	assert.True(t, e.signal.get())

	h.start(t)
	require.Eventually(t, func() bool { return h.suspender.resumeCount(0) == 1 }, waitFor, tick)
	assert.Zero(t, h.suspender.cloneCount(0), "outbound connect resumes without a buffer")

	e.connMu.Lock()
	require.Equal(t, 1, e.conns.len(), "decided item waits for its re-authorization")
	assert.Equal(t, Permit, e.conns.items.Front().Value.(*Item).Decision())
	e.connMu.Unlock()

	reauth := &Event{Flow: testFlow(flow.Outbound, 40000), Meta: Metadata{Reauth: true}}
	out = newOut()
	e.ClassifyConnect(reauth, out)

	assert.Equal(t, ActionPermit, out.Action)
	assert.False(t, out.Absorb)
	assert.Equal(t, RightWrite, out.Rights)

	require.Eventually(t, func() bool { return e.Stats().Live == 0 }, waitFor, tick)
	sends, receives := h.gateway.counts()
	assert.Equal(t, 1, sends, "pended buffer is sent once the connection is permitted")
	assert.Equal(t, 0, receives)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Allocated, "one item for the whole flow")
	assert.Equal(t, uint64(1), stats.ReauthMatched)
	assert.Equal(t, 0, stats.ConnQueue)
	assert.Zero(t, h.tracker.outstanding())
	assert.False(t, h.tracker.underflow.Load())
}

func TestReauthMatchIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	e := h.engine
	h.start(t)

	ev := h.event(flow.Outbound, 40001, false)
	e.ClassifyConnect(ev, newOut())
	require.Eventually(t, func() bool { return h.suspender.resumeCount(0) == 1 }, waitFor, tick)

	first := newOut()
	e.ClassifyConnect(&Event{Flow: ev.Flow, Meta: Metadata{Reauth: true}}, first)
	assert.Equal(t, ActionBlock, first.Action)
	assert.False(t, first.Absorb, "resolved from the recorded decision")

	second := newOut()
	e.ClassifyConnect(&Event{Flow: ev.Flow, Meta: Metadata{Reauth: true}}, second)
	assert.Equal(t, ActionBlock, second.Action)
	assert.True(t, second.Absorb, "no match, pended as a re-auth packet")

	assert.Equal(t, uint64(1), e.Stats().ReauthMatched)
	require.Eventually(t, func() bool { return e.Stats().Live == 0 }, waitFor, tick)
}

func TestInboundPacketWhileUnloading(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine
	e.BeginShutdown()
	signalled := e.signal.get()

	ev := h.event(flow.Inbound, 40002, true)
	out := newOut()
	e.ClassifyTransport(ev, out)
	release(ev)

	assert.Equal(t, ActionPermit, out.Action)
	assert.False(t, out.Absorb)
	assert.Equal(t, RightWrite, out.Rights)

	conns, packets := e.QueueDepths()
	assert.Zero(t, conns)
	assert.Zero(t, packets)
	assert.Equal(t, signalled, e.signal.get())
	assert.Zero(t, e.Stats().Allocated)
	assert.Zero(t, h.tracker.outstanding())
}

func TestBlockVerdictFreesWithoutGateway(t *testing.T) {
	h := newHarness(t, false)
	e := h.engine

	ev := h.event(flow.Outbound, 40003, true)
	out := newOut()
	e.ClassifyTransport(ev, out)
	release(ev)
	assert.Equal(t, ActionBlock, out.Action)
	assert.True(t, out.Absorb)

	h.start(t)
	require.Eventually(t, func() bool { return e.Stats().Freed == 1 }, waitFor, tick)

	sends, receives := h.gateway.counts()
	assert.Zero(t, sends)
	assert.Zero(t, receives)
	assert.Zero(t, h.tracker.outstanding())
}

func TestInboundConnectionAuthAsymmetry(t *testing.T) {
	t.Run("permit", func(t *testing.T) {
		h := newHarness(t, true)
		e := h.engine

		ev := h.event(flow.Outbound, 40004, true) // accept forces inbound
		e.ClassifyAccept(ev, newOut())
		release(ev)
		conns, _ := e.QueueDepths()
		require.Equal(t, 1, conns)

		h.start(t)
		require.Eventually(t, func() bool { return e.Stats().Live == 0 }, waitFor, tick)

		conns, _ = e.QueueDepths()
		assert.Zero(t, conns, "inbound item leaves the queue on selection")
		_, receives := h.gateway.counts()
		assert.Equal(t, 1, receives)
		assert.Equal(t, 1, h.suspender.resumeCount(0))
		assert.Equal(t, 1, h.suspender.cloneCount(0), "accept completes with the clone")

		reauth := newOut()
		e.ClassifyAccept(&Event{Flow: testFlow(flow.Inbound, 40004), Meta: Metadata{Reauth: true}}, reauth)
		assert.True(t, reauth.Absorb, "inbound items are never re-matched")
		assert.Zero(t, e.Stats().ReauthMatched)
	})

	t.Run("block", func(t *testing.T) {
		h := newHarness(t, false)
		e := h.engine

		ev := h.event(flow.Inbound, 40005, true)
		e.ClassifyAccept(ev, newOut())
		release(ev)

		h.start(t)
		require.Eventually(t, func() bool { return e.Stats().Live == 0 }, waitFor, tick)

		assert.Equal(t, 1, h.suspender.resumeCount(0))
		assert.Zero(t, h.suspender.cloneCount(0))
		sends, receives := h.gateway.counts()
		assert.Zero(t, sends+receives)
		assert.Zero(t, h.tracker.outstanding())
	})
}

func TestInboundIPsecRebuildAfterOffsetDrift(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine

	ev := h.event(flow.Inbound, 40006, true)
	ev.Meta.Reauth = true
	ev.Meta.IPsecProtected = true
	buf := ev.Buffer.(*fakeBuffer)
	out := newOut()
	e.ClassifyTransport(ev, out)
	release(ev)
	require.True(t, out.Absorb)

	buf.offset.Store(8)
	h.start(t)
	require.Eventually(t, func() bool { return e.Stats().Live == 0 }, waitFor, tick)

	assert.Equal(t, []int{0}, h.headers.calls())
	h.gateway.mu.Lock()
	require.Len(t, h.gateway.receives, 1)
	assert.Equal(t, 0, h.gateway.receives[0].TransportHeaderSize)
	h.gateway.mu.Unlock()
}

func TestHeaderRebuildFailureDropsPacket(t *testing.T) {
	h := newHarness(t, true)
	h.headers.fail = true
	e := h.engine

	ev := h.event(flow.Inbound, 40007, true)
	ev.Meta.Reauth = true
	ev.Meta.IPsecProtected = true
	e.ClassifyTransport(ev, newOut())
	release(ev)

	h.start(t)
	require.Eventually(t, func() bool { return e.Stats().Live == 0 }, waitFor, tick)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.HeaderFailures)
	assert.Equal(t, uint64(1), stats.InjectionFailures)
	assert.Zero(t, stats.Injected)
	assert.Equal(t, []int{20}, h.headers.calls())
	assert.Zero(t, h.tracker.outstanding())
}

func TestOutboundReauthIsNotRebuilt(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine

	ev := h.event(flow.Outbound, 40008, true)
	ev.Meta.Reauth = true
	ev.Meta.IPsecProtected = true
	e.ClassifyTransport(ev, newOut())
	release(ev)

	h.start(t)
	require.Eventually(t, func() bool { return e.Stats().Injected == 1 }, waitFor, tick)
	assert.Empty(t, h.headers.calls())
}

func TestSelfInjectedIsPermitted(t *testing.T) {
	h := newHarness(t, false)
	e := h.engine

	ev := h.event(flow.Outbound, 40009, true)
	h.oracle.mark(ev.Buffer, StateSelfInjected)
	out := newOut()
	e.ClassifyTransport(ev, out)
	assert.Equal(t, ActionPermit, out.Action)
	assert.Equal(t, RightWrite, out.Rights)

	h.oracle.mark(ev.Buffer, StatePreviouslySelfInjected)
	ev.ClearRightOnPermit = true
	out = newOut()
	e.ClassifyConnect(ev, out)
	assert.Equal(t, ActionPermit, out.Action)
	assert.Zero(t, out.Rights)
	release(ev)

	assert.Equal(t, uint64(2), e.Stats().SelfInjected)
	assert.Zero(t, e.Stats().Allocated)
}

func TestWithdrawnRightChangesNothing(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine

	out := &ClassifyOut{}
	e.ClassifyConnect(h.event(flow.Outbound, 40010, false), out)

	assert.Equal(t, ActionContinue, out.Action)
	assert.False(t, out.Absorb)
	assert.Zero(t, e.Stats().Classified)
}

func TestInboundTransportBypass(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine

	needsAuth := h.event(flow.Inbound, 40011, false)
	needsAuth.Meta.NeedsConnAuth = true
	out := newOut()
	e.ClassifyTransport(needsAuth, out)
	assert.Equal(t, ActionPermit, out.Action)

	tunnel := h.event(flow.Inbound, 40012, false)
	tunnel.Meta.TunnelNotDecapsulated = true
	out = newOut()
	e.ClassifyNetwork(tunnel, out)
	assert.Equal(t, ActionPermit, out.Action)

	outbound := h.event(flow.Outbound, 40013, false)
	outbound.Meta.NeedsConnAuth = true
	out = newOut()
	e.ClassifyTransport(outbound, out)
	assert.Equal(t, ActionBlock, out.Action, "bypass applies to inbound only")

	_, packets := e.QueueDepths()
	assert.Equal(t, 1, packets)
}

func TestNetworkLayerDropsTransportHeader(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine

	ev := h.event(flow.Outbound, 40014, true)
	e.ClassifyNetwork(ev, newOut())
	release(ev)

	h.start(t)
	require.Eventually(t, func() bool { return e.Stats().Injected == 1 }, waitFor, tick)
	h.gateway.mu.Lock()
	defer h.gateway.mu.Unlock()
	assert.Equal(t, 0, h.gateway.sends[0].TransportHeaderSize)
	assert.Equal(t, 20, h.gateway.sends[0].IPHeaderSize)
}

func TestAllocationFailureBlocks(t *testing.T) {
	h := newHarness(t, true, func(c *Config) { c.MaxPending = 1 })
	e := h.engine

	first := h.event(flow.Outbound, 40015, true)
	e.ClassifyTransport(first, newOut())
	release(first)

	second := h.event(flow.Outbound, 40016, true)
	out := newOut()
	e.ClassifyTransport(second, out)
	release(second)

	assert.Equal(t, ActionBlock, out.Action)
	assert.Zero(t, out.Rights)
	assert.False(t, out.Absorb)
	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.AllocationFailures)
	assert.Equal(t, int64(1), stats.Live)
	assert.Equal(t, 1, h.tracker.outstanding(), "only the queued item holds a reference")
}

func TestSuspendFailureBlocks(t *testing.T) {
	h := newHarness(t, true)
	h.suspender.fail.Store(true)
	e := h.engine

	ev := h.event(flow.Outbound, 40017, true)
	out := newOut()
	e.ClassifyConnect(ev, out)
	release(ev)

	assert.Equal(t, ActionBlock, out.Action)
	assert.Zero(t, out.Rights)
	assert.False(t, out.Absorb)
	assert.Equal(t, uint64(1), e.Stats().SuspendFailures)
	assert.Zero(t, e.Stats().Live)
	assert.Zero(t, h.tracker.outstanding())
}

func TestInjectionRefusalFreesItem(t *testing.T) {
	h := newHarness(t, true)
	h.gateway.fail.Store(true)
	e := h.engine

	ev := h.event(flow.Inbound, 40018, true)
	e.ClassifyTransport(ev, newOut())
	release(ev)

	h.start(t)
	require.Eventually(t, func() bool { return e.Stats().Live == 0 }, waitFor, tick)
	assert.Equal(t, uint64(1), e.Stats().InjectionFailures)
	assert.Zero(t, h.tracker.outstanding())
	assert.False(t, h.tracker.underflow.Load())
}

func TestDoubleFreeIsIgnored(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine

	ev := h.event(flow.Outbound, 40019, true)
	it, err := e.pool.get(KindDataPacket, ev)
	require.NoError(t, err)
	release(ev)

	e.free(it)
	e.free(it)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Freed)
	assert.Equal(t, uint64(1), stats.DoubleFrees)
	assert.Zero(t, stats.Live)
	assert.Zero(t, h.tracker.outstanding())
	assert.False(t, h.tracker.underflow.Load())
}

func TestErrorKinds(t *testing.T) {
	err := newError(InjectionFailure, context.DeadlineExceeded, "send %d", 1)
	assert.ErrorIs(t, err, ErrInjectionFailure)
	assert.NotErrorIs(t, err, ErrAllocationFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "injection failure: send 1: context deadline exceeded", err.Error())

	var target *Error
	require.True(t, errors.As(error(err), &target))
	assert.Equal(t, InjectionFailure, target.Kind)
}

func TestConnectWhileUnloadingFailsOpen(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine
	e.BeginShutdown()

	for _, classify := range []func(*Event, *ClassifyOut){e.ClassifyConnect, e.ClassifyAccept} {
		ev := h.event(flow.Outbound, 40026, true)
		out := newOut()
		classify(ev, out)
		release(ev)

		assert.Equal(t, ActionPermit, out.Action)
		assert.False(t, out.Absorb)
		assert.Equal(t, RightWrite, out.Rights)
	}

	assert.Zero(t, h.suspender.next, "no suspension is registered")
	assert.Zero(t, e.Stats().Allocated)
	conns, packets := e.QueueDepths()
	assert.Zero(t, conns)
	assert.Zero(t, packets)
	assert.Zero(t, h.tracker.outstanding())
}

func TestInboundReauthAtConnectKeepsDirection(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine

	ev := h.event(flow.Inbound, 40027, true)
	ev.Meta.Reauth = true
	ev.Meta.IPsecProtected = true
	out := newOut()
	e.ClassifyConnect(ev, out)
	release(ev)
	require.True(t, out.Absorb)
	assert.Equal(t, flow.Inbound, ev.Flow.Direction)

	h.start(t)
	require.Eventually(t, func() bool { return e.Stats().Live == 0 }, waitFor, tick)

	sends, receives := h.gateway.counts()
	assert.Zero(t, sends)
	assert.Equal(t, 1, receives)
	assert.Equal(t, []int{20}, h.headers.calls(), "ipsec header rebuilt on receive")
	assert.Zero(t, e.Stats().ReauthMatched)
	assert.Zero(t, h.tracker.outstanding())
}

func TestUnloadingBetweenSuspendAndPush(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine
	h.suspender.onSuspend = e.BeginShutdown

	ev := h.event(flow.Outbound, 40020, true)
	out := newOut()
	e.ClassifyConnect(ev, out)
	release(ev)

	assert.Equal(t, ActionBlock, out.Action)
	assert.True(t, out.Absorb)
	assert.Equal(t, 1, h.suspender.resumeCount(0))
	assert.Zero(t, h.suspender.cloneCount(0))
	assert.Zero(t, e.Stats().Live)
	conns, _ := e.QueueDepths()
	assert.Zero(t, conns)
}

func TestShutdownBlocksUndecidedConnections(t *testing.T) {
	h := newHarness(t, true, func(c *Config) { c.DrainGrace = time.Second })
	e := h.engine

	// the host re-authorizes as soon as an outbound decision resumes
	h.suspender.onResume = func(id flow.Identity, clone Buffer) {
		if clone == nil && id.Direction == flow.Outbound {
			out := newOut()
			e.ClassifyConnect(&Event{Flow: id, Meta: Metadata{Reauth: true}}, out)
			assert.Equal(t, ActionBlock, out.Action)
		}
	}

	for i, ev := range []*Event{
		h.event(flow.Outbound, 40021, true),
		h.event(flow.Inbound, 40022, true),
	} {
		if i == 0 {
			e.ClassifyConnect(ev, newOut())
		} else {
			e.ClassifyAccept(ev, newOut())
		}
		release(ev)
	}
	packet := h.event(flow.Outbound, 40023, true)
	e.ClassifyTransport(packet, newOut())
	release(packet)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	assert.Equal(t, StateDrained, e.State())
	stats := e.Stats()
	assert.Zero(t, stats.Live)
	assert.Zero(t, stats.ForcedFrees)
	assert.Equal(t, uint64(1), stats.ReauthMatched)
	assert.Equal(t, 1, h.suspender.resumeCount(0))
	assert.Equal(t, 1, h.suspender.resumeCount(1))
	sends, receives := h.gateway.counts()
	assert.Zero(t, sends+receives, "nothing is reinjected during teardown")
	assert.Zero(t, h.tracker.outstanding())
}

func TestShutdownForceFreesUnclaimedConnections(t *testing.T) {
	h := newHarness(t, true, func(c *Config) { c.DrainGrace = 50 * time.Millisecond })
	e := h.engine

	ev := h.event(flow.Outbound, 40024, true)
	e.ClassifyConnect(ev, newOut())
	release(ev)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	assert.Equal(t, uint64(1), e.Stats().ForcedFrees)
	assert.Zero(t, e.Stats().Live)
	assert.Equal(t, 1, h.suspender.resumeCount(0))
	assert.Zero(t, h.tracker.outstanding())
}

func TestReauthWhileUnloadingBlocksPermittedItem(t *testing.T) {
	h := newHarness(t, true, func(c *Config) { c.DrainGrace = waitFor })
	e := h.engine
	h.start(t)

	ev := h.event(flow.Outbound, 40025, true)
	e.ClassifyConnect(ev, newOut())
	release(ev)
	require.Eventually(t, func() bool { return h.suspender.resumeCount(0) == 1 }, waitFor, tick)

	e.connMu.Lock()
	require.Equal(t, Permit, e.conns.items.Front().Value.(*Item).Decision())
	e.connMu.Unlock()

	e.BeginShutdown()
	require.Eventually(t, func() bool { return e.State() == StateShuttingDown }, waitFor, tick)

	out := newOut()
	e.ClassifyConnect(&Event{Flow: ev.Flow, Meta: Metadata{Reauth: true}}, out)
	assert.Equal(t, ActionBlock, out.Action, "teardown never permits")
	assert.False(t, out.Absorb)
	assert.Equal(t, uint64(1), e.Stats().ReauthMatched)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, e.AwaitDrained(ctx))

	sends, _ := h.gateway.counts()
	assert.Zero(t, sends)
	assert.Zero(t, e.Stats().Live)
	assert.Zero(t, h.tracker.outstanding())
}

func TestContextCancelBeginsShutdown(t *testing.T) {
	h := newHarness(t, true)
	e := h.engine

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	cancel()

	select {
	case <-e.Drained():
	case <-time.After(waitFor):
		t.Fatal("engine did not drain after cancel")
	}
	assert.True(t, e.Unloading())
	assert.Equal(t, StateDrained, e.State())
}

// hostLoop simulates a host that re-authorizes outbound flows when their
// decision resumes without a buffer
type hostLoop struct {
	engine   *Engine
	inflight atomic.Int64
}

func (hl *hostLoop) onResume(id flow.Identity, clone Buffer) {
	if clone != nil || id.Direction != flow.Outbound {
		return
	}
	hl.inflight.Add(1)
	go func() {
		defer hl.inflight.Add(-1)
		hl.engine.ClassifyConnect(&Event{Flow: id, Meta: Metadata{Reauth: true}}, newOut())
	}()
}

func classifyRandom(h *harness, rng *rand.Rand, port uint16) {
	e := h.engine
	switch rng.Intn(4) {
	case 0:
		ev := h.event(flow.Outbound, port, true)
		e.ClassifyConnect(ev, newOut())
		release(ev)
	case 1:
		ev := h.event(flow.Inbound, port, true)
		e.ClassifyAccept(ev, newOut())
		release(ev)
	case 2:
		ev := h.event(flow.Outbound, port, true)
		e.ClassifyTransport(ev, newOut())
		release(ev)
	default:
		ev := h.event(flow.Inbound, port, true)
		ev.Meta.Reauth = rng.Intn(2) == 0
		e.ClassifyNetwork(ev, newOut())
		release(ev)
	}
}

func assertSettled(t *testing.T, h *harness, hl *hostLoop) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hl.inflight.Load() == 0 && h.gateway.inflight.Load() == 0 && h.engine.Stats().Live == 0
	}, waitFor, tick)

	stats := h.engine.Stats()
	assert.Zero(t, stats.DoubleFrees)
	assert.Equal(t, stats.Allocated, stats.Freed)
	assert.Zero(t, h.tracker.outstanding(), "every buffer released or injected")
	assert.False(t, h.tracker.underflow.Load(), "no buffer released twice")

	unresumed, repeated := h.suspender.balance()
	assert.Zero(t, unresumed)
	assert.Zero(t, repeated)
}

func TestNoLeakAcrossManyCycles(t *testing.T) {
	h := newHarness(t, true, func(c *Config) { c.MaxPending = 20000 })
	h.gateway.async = true
	hl := &hostLoop{engine: h.engine}
	h.suspender.onResume = hl.onResume
	h.start(t)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		if i%97 == 0 {
			h.policy.permitted.Store(rng.Intn(3) != 0)
		}
		classifyRandom(h, rng, uint16(1024+i))
	}

	require.Eventually(t, func() bool {
		conns, packets := h.engine.QueueDepths()
		return conns == 0 && packets == 0 && hl.inflight.Load() == 0
	}, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.engine.Close(ctx))

	assertSettled(t, h, hl)
	assert.Zero(t, h.engine.Stats().AllocationFailures)
}

func TestShutdownUnderConcurrentProducers(t *testing.T) {
	h := newHarness(t, true, func(c *Config) { c.MaxPending = 100000 })
	h.gateway.async = true
	hl := &hostLoop{engine: h.engine}
	h.suspender.onResume = hl.onResume
	h.start(t)

	var stop atomic.Bool
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(p)))
			for i := 0; !stop.Load(); i++ {
				classifyRandom(h, rng, uint16(p*8000+i%8000))
			}
		}(p)
	}

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.engine.Close(ctx))
	assert.Equal(t, StateDrained, h.engine.State())

	// producers keep running against the drained engine
	time.Sleep(20 * time.Millisecond)
	stop.Store(true)
	wg.Wait()

	conns, packets := h.engine.QueueDepths()
	assert.Zero(t, conns)
	assert.Zero(t, packets)
	assertSettled(t, h, hl)
}

func TestLockOrderStress(t *testing.T) {
	h := newHarness(t, true, func(c *Config) { c.MaxPending = 100000 })
	h.gateway.async = true
	hl := &hostLoop{engine: h.engine}
	h.suspender.onResume = hl.onResume
	h.start(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for p := 0; p < 16; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(int64(100 + p)))
				for i := 0; i < 2000; i++ {
					switch rng.Intn(5) {
					case 0:
						h.engine.Stats()
					case 1:
						h.policy.permitted.Store(rng.Intn(2) == 0)
					default:
						classifyRandom(h, rng, uint16(p*2000+i))
					}
				}
			}(p)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("producers deadlocked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.engine.Close(ctx))
	assertSettled(t, h, hl)
}
