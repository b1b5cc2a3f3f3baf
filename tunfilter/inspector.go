package tunfilter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"

	"github.com/fosrl/verdict/flow"
	"github.com/fosrl/verdict/inspect"
	"github.com/fosrl/verdict/logger"
)

const DefaultFlowIdleTimeout = 2 * time.Minute

var ErrInspectorClosed = errors.New("tunfilter: inspector closed")

type flowState int32

const (
	flowPending flowState = iota
	flowPermitted
	flowBlocked
)

func (s flowState) String() string {
	switch s {
	case flowPermitted:
		return "permitted"
	case flowBlocked:
		return "blocked"
	}
	return "pending"
}

type flowEntry struct {
	state      atomic.Int32
	generation uint64
	lastSeen   atomic.Int64
}

func (f *flowEntry) State() flowState {
	return flowState(f.state.Load())
}

// Classifier is the set of hooks the inspector drives
type Classifier interface {
	ClassifyConnect(ev *inspect.Event, out *inspect.ClassifyOut)
	ClassifyAccept(ev *inspect.Event, out *inspect.ClassifyOut)
	ClassifyNetwork(ev *inspect.Event, out *inspect.ClassifyOut)
	ClassifyTransport(ev *inspect.Event, out *inspect.ClassifyOut)
}

// Generations reports the policy generation; flows authorized under an older
// generation are authorized again
type Generations interface {
	Generation() uint64
}

type InspectorConfig struct {
	// DataLayer is LayerNetwork or LayerTransport
	DataLayer flow.Layer
	// ConnectionsOnly skips the data layer; only new or stale flows reach
	// the engine
	ConnectionsOnly bool
	InterfaceIndex  uint32
	Bypass          *Bypass
	Policy          Generations
	FlowIdleTimeout time.Duration
}

// resumeToken is what the inspector hands the engine for a suspended
// connection authorization
type resumeToken struct {
	id         uuid.UUID
	flow       flow.Identity
	key        string
	generation uint64
}

// InspectorStats counts packets the inspector settled without the engine
type InspectorStats struct {
	Flows     int    `json:"flows"`
	Bypassed  uint64 `json:"bypassed"`
	Dropped   uint64 `json:"dropped"`
	Malformed uint64 `json:"malformed"`
	Reauths   uint64 `json:"reauths"`
}

// Inspector feeds tunnel packets into the engine's hooks. It keeps a flow
// table to pick the hook for each packet and implements inspect.Suspender.
type Inspector struct {
	cfg    InspectorConfig
	engine Classifier
	flows  hashmap.HashMap
	now    func() time.Time

	reauths sync.WaitGroup
	closed  atomic.Bool

	bypassed  atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
	reauthed  atomic.Uint64
}

func NewInspector(cfg InspectorConfig) *Inspector {
	if cfg.DataLayer != flow.LayerNetwork {
		cfg.DataLayer = flow.LayerTransport
	}
	if cfg.FlowIdleTimeout <= 0 {
		cfg.FlowIdleTimeout = DefaultFlowIdleTimeout
	}
	return &Inspector{cfg: cfg, now: time.Now}
}

// Bind attaches the engine. The engine needs the inspector as its
// suspender, so the two are wired in this order.
func (ins *Inspector) Bind(engine Classifier) {
	ins.engine = engine
}

// BufferFunc wraps the packet under inspection for the engine, with the
// hook's view starting at offset. Each call hands out one reference, which
// the inspector drops once the hook returned.
type BufferFunc func(offset int) inspect.Buffer

func (ins *Inspector) FilterOutbound(packet []byte, size int) FilterAction {
	return ins.Handle(packet[:size], flow.Outbound, copyBuffer(packet[:size]))
}

func (ins *Inspector) FilterInbound(packet []byte, size int) FilterAction {
	return ins.Handle(packet[:size], flow.Inbound, copyBuffer(packet[:size]))
}

func copyBuffer(b []byte) BufferFunc {
	return func(offset int) inspect.Buffer {
		return NewPacket(b, offset)
	}
}

func (ins *Inspector) generation() uint64 {
	if ins.cfg.Policy == nil {
		return 0
	}
	return ins.cfg.Policy.Generation()
}

// Handle picks the hook for one packet and runs it. Hosts other than the TUN
// device supply their own buffers through wrap.
func (ins *Inspector) Handle(b []byte, dir flow.Direction, wrap BufferFunc) FilterAction {
	if ins.engine == nil || ins.closed.Load() {
		return FilterActionPass
	}

	p, err := flow.Parse(b, dir)
	if err != nil {
		ins.malformed.Add(1)
		return FilterActionPass
	}
	if ins.cfg.Bypass.Contains(p.RemoteAddr) {
		ins.bypassed.Add(1)
		return FilterActionPass
	}
	p.InterfaceIndex = ins.cfg.InterfaceIndex

	key := p.Key()
	gen := ins.generation()
	entry := ins.lookup(key)
	fresh := entry == nil || entry.generation != gen

	if !fresh && entry.State() == flowBlocked {
		ins.dropped.Add(1)
		return FilterActionDrop
	}

	if dir == flow.Outbound {
		if fresh && ins.claim(key, entry, gen) {
			return ins.classify(flow.LayerConnect, p, wrap, inspect.Metadata{})
		}
		return ins.data(p, wrap, inspect.Metadata{})
	}

	if !fresh {
		return ins.data(p, wrap, inspect.Metadata{})
	}
	if action := ins.data(p, wrap, inspect.Metadata{NeedsConnAuth: true}); action != FilterActionPass {
		return action
	}
	if !ins.claim(key, entry, gen) {
		return FilterActionPass
	}
	return ins.classify(flow.LayerAccept, p, wrap, inspect.Metadata{})
}

func (ins *Inspector) data(p *flow.Packet, wrap BufferFunc, meta inspect.Metadata) FilterAction {
	if ins.cfg.ConnectionsOnly {
		return FilterActionPass
	}
	return ins.classify(ins.cfg.DataLayer, p, wrap, meta)
}

// classify runs one hook and maps its verdict onto the device
func (ins *Inspector) classify(layer flow.Layer, p *flow.Packet, wrap BufferFunc, meta inspect.Metadata) FilterAction {
	meta.IPHeaderSize = p.IPHeaderSize
	meta.TransportHeaderSize = p.TransportHeaderSize

	buf := wrap(viewOffset(layer, p))
	ev := &inspect.Event{Flow: p.Identity, Meta: meta, Buffer: buf}
	out := &inspect.ClassifyOut{Rights: inspect.RightWrite}

	switch layer {
	case flow.LayerConnect:
		ins.engine.ClassifyConnect(ev, out)
	case flow.LayerAccept:
		ins.engine.ClassifyAccept(ev, out)
	case flow.LayerNetwork:
		ins.engine.ClassifyNetwork(ev, out)
	default:
		ins.engine.ClassifyTransport(ev, out)
	}
	buf.Release()

	switch {
	case out.Absorb:
		return FilterActionIntercept
	case out.Action == inspect.ActionBlock:
		return FilterActionDrop
	}
	return FilterActionPass
}

// viewOffset is where each hook's view of the packet starts. Inbound
// transport data is positioned past the transport header.
func viewOffset(layer flow.Layer, p *flow.Packet) int {
	switch {
	case layer == flow.LayerNetwork && p.Direction == flow.Inbound:
		return p.IPHeaderSize
	case layer == flow.LayerNetwork, layer == flow.LayerConnect:
		return 0
	case p.Direction == flow.Inbound:
		return p.IPHeaderSize + p.TransportHeaderSize
	}
	return p.IPHeaderSize
}

func (ins *Inspector) lookup(key string) *flowEntry {
	v, ok := ins.flows.GetStringKey(key)
	if !ok {
		return nil
	}
	entry := v.(*flowEntry)
	entry.lastSeen.Store(ins.now().UnixNano())
	return entry
}

// claim installs a pending entry in place of old. Only the winner of a race
// on the same flow authorizes it.
func (ins *Inspector) claim(key string, old *flowEntry, gen uint64) bool {
	entry := &flowEntry{generation: gen}
	entry.state.Store(int32(flowPending))
	entry.lastSeen.Store(ins.now().UnixNano())

	if old == nil {
		_, loaded := ins.flows.GetOrInsert(key, entry)
		return !loaded
	}
	return ins.flows.Cas(key, old, entry)
}

// record stores the outcome of an authorization unless the flow was claimed
// again under a newer generation meanwhile
func (ins *Inspector) record(tok *resumeToken, state flowState) {
	v, ok := ins.flows.GetStringKey(tok.key)
	if !ok {
		return
	}
	entry := v.(*flowEntry)
	if entry.generation != tok.generation {
		return
	}
	entry.state.Store(int32(state))
	logger.Debug("tunfilter: %s %s (token %s)", tok.flow, state, tok.id)
}

func (ins *Inspector) forget(tok *resumeToken) {
	v, ok := ins.flows.GetStringKey(tok.key)
	if ok && v.(*flowEntry).generation == tok.generation {
		ins.flows.Del(tok.key)
	}
}

func (ins *Inspector) Suspend(ev *inspect.Event) (inspect.ResumeToken, error) {
	if ins.closed.Load() {
		return nil, ErrInspectorClosed
	}
	tok := &resumeToken{
		id:   uuid.New(),
		flow: ev.Flow,
		key:  ev.Flow.Key(),
	}
	if v, ok := ins.flows.GetStringKey(tok.key); ok {
		tok.generation = v.(*flowEntry).generation
	} else {
		tok.generation = ins.generation()
	}
	logger.Debug("tunfilter: suspended %s as %s", ev.Flow, tok.id)
	return tok, nil
}

// Resume finishes a suspended authorization. Outbound connections are
// authorized a second time from a separate goroutine, which picks up the
// engine's decision. Inbound ones are decided by whether a clone came back.
func (ins *Inspector) Resume(t inspect.ResumeToken, clone inspect.Buffer) {
	tok, ok := t.(*resumeToken)
	if !ok {
		logger.Error("tunfilter: resume with foreign token %T", t)
		return
	}

	if tok.flow.Direction == flow.Inbound {
		if clone != nil {
			ins.record(tok, flowPermitted)
		} else {
			ins.record(tok, flowBlocked)
		}
		return
	}

	ins.reauths.Add(1)
	go func() {
		defer ins.reauths.Done()
		ins.reauthorize(tok)
	}()
}

func (ins *Inspector) reauthorize(tok *resumeToken) {
	ins.reauthed.Add(1)
	ev := &inspect.Event{Flow: tok.flow, Meta: inspect.Metadata{Reauth: true}}
	out := &inspect.ClassifyOut{Rights: inspect.RightWrite}
	ins.engine.ClassifyConnect(ev, out)

	switch {
	case out.Action == inspect.ActionPermit:
		ins.record(tok, flowPermitted)
	case out.Absorb:
		// nothing left to match; the next packet starts over
		ins.forget(tok)
	default:
		ins.record(tok, flowBlocked)
	}
}

// Stats returns the inspector's own counters
func (ins *Inspector) Stats() InspectorStats {
	return InspectorStats{
		Flows:     ins.flows.Len(),
		Bypassed:  ins.bypassed.Load(),
		Dropped:   ins.dropped.Load(),
		Malformed: ins.malformed.Load(),
		Reauths:   ins.reauthed.Load(),
	}
}

// FlowState reports the recorded state of a flow, for diagnostics
func (ins *Inspector) FlowState(id flow.Identity) (string, bool) {
	v, ok := ins.flows.GetStringKey(id.Key())
	if !ok {
		return "", false
	}
	return v.(*flowEntry).State().String(), true
}

// Sweep forgets flows idle for longer than the configured timeout
func (ins *Inspector) Sweep() int {
	cutoff := ins.now().Add(-ins.cfg.FlowIdleTimeout).UnixNano()
	var idle []interface{}
	for kv := range ins.flows.Iter() {
		entry := kv.Value.(*flowEntry)
		if entry.State() != flowPending && entry.lastSeen.Load() < cutoff {
			idle = append(idle, kv.Key)
		}
	}
	for _, key := range idle {
		ins.flows.Del(key)
	}
	return len(idle)
}

// Run sweeps idle flows until ctx is done
func (ins *Inspector) Run(ctx context.Context) {
	ticker := time.NewTicker(ins.cfg.FlowIdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := ins.Sweep(); n > 0 {
				logger.Debug("tunfilter: forgot %d idle flows", n)
			}
		}
	}
}

// Close stops classifying new packets and waits for outstanding
// re-authorizations
func (ins *Inspector) Close() {
	ins.closed.Store(true)
	ins.reauths.Wait()
}
