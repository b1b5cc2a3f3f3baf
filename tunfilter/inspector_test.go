package tunfilter

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fosrl/verdict/flow"
	"github.com/fosrl/verdict/inspect"
	"github.com/fosrl/verdict/policy"
)

type inspectorHarness struct {
	ins    *Inspector
	policy *policy.Static
	inj    *fakeInjector
	engine *inspect.Engine
}

func newInspectorHarness(t *testing.T, permit bool, cfg InspectorConfig) *inspectorHarness {
	t.Helper()
	h := &inspectorHarness{policy: policy.NewStatic(permit), inj: newFakeInjector()}

	set := NewInjectedSet(time.Minute, h.policy)
	gw := NewGateway(h.inj, set)
	cfg.Policy = h.policy
	h.ins = NewInspector(cfg)

	var err error
	h.engine, err = inspect.New(inspect.Config{
		Oracle:    set,
		Policy:    h.policy,
		Suspender: h.ins,
		Gateway:   gw,
		Headers:   gw,
	})
	require.NoError(t, err)
	h.ins.Bind(h.engine)

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.Start(ctx)
	t.Cleanup(func() {
		closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		assert.NoError(t, h.engine.Close(closeCtx))
		h.ins.Close()
		cancel()
	})
	return h
}

func (h *inspectorHarness) state(t *testing.T, raw []byte, dir flow.Direction) string {
	t.Helper()
	p, err := flow.Parse(raw, dir)
	require.NoError(t, err)
	state, _ := h.ins.FlowState(p.Identity)
	return state
}

func (h *inspectorHarness) eventuallyState(t *testing.T, raw []byte, dir flow.Direction, want string) {
	t.Helper()
	assert.Eventually(t, func() bool { return h.state(t, raw, dir) == want },
		5*time.Second, 5*time.Millisecond, "flow never became %s", want)
}

func TestInspectorOutboundLifecycle(t *testing.T) {
	h := newInspectorHarness(t, true, InspectorConfig{})

	first := udpPacket(t, "10.0.0.2", "10.0.0.1", 5000, 53, "one")
	assert.Equal(t, FilterActionIntercept, h.ins.FilterOutbound(first, len(first)))

	s := h.inj.next(t)
	assert.False(t, s.inbound)
	assert.Equal(t, first, s.packet)
	h.eventuallyState(t, first, flow.Outbound, "permitted")

	// the reinjected packet crosses the hook again and must pass
	assert.Equal(t, FilterActionPass, h.ins.FilterOutbound(s.packet, len(s.packet)))

	second := udpPacket(t, "10.0.0.2", "10.0.0.1", 5000, 53, "two")
	assert.Equal(t, FilterActionIntercept, h.ins.FilterOutbound(second, len(second)))
	assert.Equal(t, second, h.inj.next(t).packet)

	// a verdict change makes the flow stale; it is authorized again and blocked
	require.True(t, h.policy.Set(false))
	third := udpPacket(t, "10.0.0.2", "10.0.0.1", 5000, 53, "three")
	assert.Equal(t, FilterActionIntercept, h.ins.FilterOutbound(third, len(third)))
	h.eventuallyState(t, third, flow.Outbound, "blocked")

	fourth := udpPacket(t, "10.0.0.2", "10.0.0.1", 5000, 53, "four")
	assert.Equal(t, FilterActionDrop, h.ins.FilterOutbound(fourth, len(fourth)))
	assert.Equal(t, uint64(1), h.ins.Stats().Dropped)
	assert.Empty(t, h.inj.sent, "nothing of the blocked flow was reinjected")

	assert.Eventually(t, func() bool { return h.engine.Stats().Live == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestInspectorRetransmissionAfterVerdictChange(t *testing.T) {
	h := newInspectorHarness(t, true, InspectorConfig{})

	raw := udpPacket(t, "10.0.0.2", "10.0.0.1", 5000, 53, "same")
	assert.Equal(t, FilterActionIntercept, h.ins.FilterOutbound(raw, len(raw)))
	s := h.inj.next(t)
	assert.Equal(t, FilterActionPass, h.ins.FilterOutbound(s.packet, len(s.packet)))
	h.eventuallyState(t, raw, flow.Outbound, "permitted")

	require.True(t, h.policy.Set(false))
	// byte-identical to the reinjected clone, but the verdict moved on
	assert.Equal(t, FilterActionIntercept, h.ins.FilterOutbound(raw, len(raw)))
	h.eventuallyState(t, raw, flow.Outbound, "blocked")
	assert.Equal(t, FilterActionDrop, h.ins.FilterOutbound(raw, len(raw)))
	assert.Empty(t, h.inj.sent)
}

func TestInspectorInboundAccept(t *testing.T) {
	h := newInspectorHarness(t, true, InspectorConfig{})

	raw := udpPacket(t, "10.0.0.1", "10.0.0.2", 53, 5000, "answer")
	assert.Equal(t, FilterActionIntercept, h.ins.FilterInbound(raw, len(raw)))

	s := h.inj.next(t)
	assert.True(t, s.inbound)
	assert.Equal(t, raw, s.packet)
	h.eventuallyState(t, raw, flow.Inbound, "permitted")

	assert.Equal(t, FilterActionPass, h.ins.FilterInbound(s.packet, len(s.packet)))
}

func TestInspectorInboundBlocked(t *testing.T) {
	h := newInspectorHarness(t, false, InspectorConfig{DataLayer: flow.LayerNetwork})

	raw := udpPacket(t, "10.0.0.1", "10.0.0.2", 53, 5000, "answer")
	assert.Equal(t, FilterActionIntercept, h.ins.FilterInbound(raw, len(raw)))
	h.eventuallyState(t, raw, flow.Inbound, "blocked")

	assert.Equal(t, FilterActionDrop, h.ins.FilterInbound(raw, len(raw)))
	assert.Empty(t, h.inj.sent)
}

func TestInspectorBypassAndMalformed(t *testing.T) {
	bypass := NewBypass()
	bypass.AddAddr(netip.MustParseAddr("10.0.0.1"))
	h := newInspectorHarness(t, false, InspectorConfig{Bypass: bypass})

	raw := udpPacket(t, "10.0.0.2", "10.0.0.1", 5000, 51820, "handshake")
	assert.Equal(t, FilterActionPass, h.ins.FilterOutbound(raw, len(raw)))

	junk := []byte{0x12, 0x34}
	assert.Equal(t, FilterActionPass, h.ins.FilterOutbound(junk, len(junk)))

	stats := h.ins.Stats()
	assert.Equal(t, uint64(1), stats.Bypassed)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Zero(t, stats.Flows)
	assert.Zero(t, h.engine.Stats().Classified)
}

func TestInspectorUnboundPasses(t *testing.T) {
	ins := NewInspector(InspectorConfig{})
	raw := udpPacket(t, "10.0.0.2", "10.0.0.1", 5000, 53, "x")
	assert.Equal(t, FilterActionPass, ins.FilterOutbound(raw, len(raw)))
}

func TestInspectorSweepsIdleFlows(t *testing.T) {
	h := newInspectorHarness(t, true, InspectorConfig{FlowIdleTimeout: time.Minute})

	raw := udpPacket(t, "10.0.0.1", "10.0.0.2", 53, 5000, "answer")
	h.ins.FilterInbound(raw, len(raw))
	h.inj.next(t)
	h.eventuallyState(t, raw, flow.Inbound, "permitted")

	assert.Zero(t, h.ins.Sweep())

	later := time.Now().Add(2 * time.Minute)
	h.ins.now = func() time.Time { return later }
	assert.Equal(t, 1, h.ins.Sweep())
	assert.Zero(t, h.ins.Stats().Flows)
}

func TestInspectorSuspendAfterClose(t *testing.T) {
	ins := NewInspector(InspectorConfig{})
	ins.Close()
	_, err := ins.Suspend(&inspect.Event{})
	assert.ErrorIs(t, err, ErrInspectorClosed)
}
