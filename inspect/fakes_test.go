package inspect

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fosrl/verdict/flow"
	"github.com/stretchr/testify/require"
)

// tracker counts references across every buffer a test creates
type tracker struct {
	mu        sync.Mutex
	bufs      []*fakeBuffer
	underflow atomic.Bool
}

func (tr *tracker) outstanding() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, b := range tr.bufs {
		n += int(b.refs.Load())
	}
	return n
}

type fakeBuffer struct {
	tr     *tracker
	data   []byte
	offset atomic.Int64
	refs   atomic.Int32
}

func (tr *tracker) buffer(data []byte) *fakeBuffer {
	b := &fakeBuffer{tr: tr, data: data}
	b.refs.Store(1)
	tr.mu.Lock()
	tr.bufs = append(tr.bufs, b)
	tr.mu.Unlock()
	return b
}

func (b *fakeBuffer) Bytes() []byte { return b.data }

func (b *fakeBuffer) Offset() int { return int(b.offset.Load()) }

func (b *fakeBuffer) Ref() Buffer {
	b.refs.Add(1)
	return b
}

func (b *fakeBuffer) Release() {
	if b.refs.Add(-1) < 0 {
		b.tr.underflow.Store(true)
	}
}

type fakePolicy struct {
	permitted atomic.Bool
}

func (p *fakePolicy) TrafficPermitted() bool { return p.permitted.Load() }

type fakeOracle struct {
	mu     sync.Mutex
	states map[Buffer]InjectionState
}

func (o *fakeOracle) mark(b Buffer, s InjectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states == nil {
		o.states = make(map[Buffer]InjectionState)
	}
	o.states[b] = s
}

func (o *fakeOracle) InjectionState(b Buffer) InjectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[b]
}

type fakeSuspender struct {
	mu      sync.Mutex
	next    int
	flows   map[int]flow.Identity
	resumes map[int]int
	clones  map[int]int

	fail      atomic.Bool
	onSuspend func()
	onResume  func(id flow.Identity, clone Buffer)
}

func newFakeSuspender() *fakeSuspender {
	return &fakeSuspender{
		flows:   make(map[int]flow.Identity),
		resumes: make(map[int]int),
		clones:  make(map[int]int),
	}
}

func (s *fakeSuspender) Suspend(ev *Event) (ResumeToken, error) {
	if s.fail.Load() {
		return nil, errors.New("no pend slot")
	}
	s.mu.Lock()
	tok := s.next
	s.next++
	s.flows[tok] = ev.Flow
	s.mu.Unlock()
	if s.onSuspend != nil {
		s.onSuspend()
	}
	return tok, nil
}

func (s *fakeSuspender) Resume(tok ResumeToken, clone Buffer) {
	id := tok.(int)
	s.mu.Lock()
	s.resumes[id]++
	if clone != nil {
		s.clones[id]++
	}
	fl := s.flows[id]
	s.mu.Unlock()
	if s.onResume != nil {
		s.onResume(fl, clone)
	}
}

func (s *fakeSuspender) resumeCount(tok int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumes[tok]
}

func (s *fakeSuspender) cloneCount(tok int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clones[tok]
}

// balance returns how many tokens were never resumed and how many were
// resumed more than once
func (s *fakeSuspender) balance() (unresumed, repeated int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok := 0; tok < s.next; tok++ {
		switch n := s.resumes[tok]; {
		case n == 0:
			unresumed++
		case n > 1:
			repeated++
		}
	}
	return unresumed, repeated
}

type fakeGateway struct {
	tr    *tracker
	async bool
	fail  atomic.Bool

	mu       sync.Mutex
	sends    []Injection
	receives []Injection
	inflight atomic.Int64
}

func (g *fakeGateway) CloneAndSend(req *Injection, done CompletionFunc) error {
	g.mu.Lock()
	g.sends = append(g.sends, *req)
	g.mu.Unlock()
	return g.inject(req, done)
}

func (g *fakeGateway) CloneAndReceive(req *Injection, done CompletionFunc) error {
	g.mu.Lock()
	g.receives = append(g.receives, *req)
	g.mu.Unlock()
	return g.inject(req, done)
}

func (g *fakeGateway) inject(req *Injection, done CompletionFunc) error {
	if g.fail.Load() {
		req.Buffer.Release()
		return errors.New("injection refused")
	}

	clone := g.tr.buffer(append([]byte(nil), req.Buffer.Bytes()...))
	req.Buffer.Release()
	if req.Prepare != nil {
		if err := req.Prepare(clone); err != nil {
			clone.Release()
			return err
		}
	}

	finish := func() {
		done(clone, nil)
		clone.Release()
	}
	if !g.async {
		finish()
		return nil
	}
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Add(-1)
		finish()
	}()
	return nil
}

func (g *fakeGateway) counts() (sends, receives int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends), len(g.receives)
}

type fakeHeaders struct {
	mu    sync.Mutex
	sizes []int
	fail  bool
}

func (h *fakeHeaders) RebuildNetworkHeader(_ Buffer, _ flow.Identity, transportHeaderSize int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sizes = append(h.sizes, transportHeaderSize)
	if h.fail {
		return errors.New("no room for header")
	}
	return nil
}

func (h *fakeHeaders) calls() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.sizes...)
}

type harness struct {
	engine    *Engine
	tracker   *tracker
	policy    *fakePolicy
	oracle    *fakeOracle
	suspender *fakeSuspender
	gateway   *fakeGateway
	headers   *fakeHeaders
}

func newHarness(t *testing.T, permit bool, opts ...func(*Config)) *harness {
	t.Helper()

	tr := &tracker{}
	h := &harness{
		tracker:   tr,
		policy:    &fakePolicy{},
		oracle:    &fakeOracle{},
		suspender: newFakeSuspender(),
		gateway:   &fakeGateway{tr: tr},
		headers:   &fakeHeaders{},
	}
	h.policy.permitted.Store(permit)

	cfg := Config{
		Oracle:     h.oracle,
		Policy:     h.policy,
		Suspender:  h.suspender,
		Gateway:    h.gateway,
		Headers:    h.headers,
		DrainGrace: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e, err := New(cfg)
	require.NoError(t, err)
	h.engine = e

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.engine.Start(ctx)
}

func testFlow(dir flow.Direction, localPort uint16) flow.Identity {
	return flow.Identity{
		Family:     flow.FamilyIPv4,
		Direction:  dir,
		Protocol:   flow.ProtoTCP,
		LocalAddr:  netip.MustParseAddr("10.0.0.1"),
		RemoteAddr: netip.MustParseAddr("10.0.0.2"),
		LocalPort:  localPort,
		RemotePort: 443,
	}
}

// event builds an event with an optional buffer the caller must release
// after classification, like a host would
func (h *harness) event(dir flow.Direction, localPort uint16, withBuffer bool) *Event {
	ev := &Event{
		Flow: testFlow(dir, localPort),
		Meta: Metadata{IPHeaderSize: 20, TransportHeaderSize: 20},
	}
	if withBuffer {
		ev.Buffer = h.tracker.buffer([]byte{0x45, 0, 0, 40})
	}
	return ev
}

func release(ev *Event) {
	if ev.Buffer != nil {
		ev.Buffer.Release()
	}
}

func newOut() *ClassifyOut {
	return &ClassifyOut{Rights: RightWrite}
}
