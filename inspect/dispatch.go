package inspect

import (
	"github.com/fosrl/verdict/flow"
	"github.com/fosrl/verdict/logger"
)

// Action is the outcome a hook reports back to its host
type Action uint8

const (
	ActionContinue Action = iota // no decision taken
	ActionPermit
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionPermit:
		return "permit"
	case ActionBlock:
		return "block"
	}
	return "continue"
}

// Rights are the decision rights a hook holds over its event
type Rights uint8

const (
	// RightWrite allows the hook to change the action. Once withdrawn,
	// nothing downstream may override the decision.
	RightWrite Rights = 1 << iota
)

// Metadata carries what the host knows about an event beyond its identity
type Metadata struct {
	IPHeaderSize        int
	TransportHeaderSize int
	// Reauth marks a second classification of an existing connection
	Reauth bool
	// NeedsConnAuth marks an inbound packet whose connection has not been
	// authorized yet; the accept hook will see it next
	NeedsConnAuth bool
	// TunnelNotDecapsulated marks tunnel-mode traffic seen before decapsulation
	TunnelNotDecapsulated bool
	IPsecProtected        bool
}

// Event is one classification request. Buffer is borrowed for the duration
// of the call; the engine takes its own reference when it pends the event.
type Event struct {
	Layer  flow.Layer
	Flow   flow.Identity
	Meta   Metadata
	Buffer Buffer

	// ClearRightOnPermit withdraws the write right on permit as well
	ClearRightOnPermit bool
}

// ClassifyOut is filled by the hook. Callers set Rights to RightWrite
// before the call when they hold the decision.
type ClassifyOut struct {
	Action Action
	Rights Rights
	// Absorb tells the host the engine now owns the event and the host's
	// default action must not apply
	Absorb bool
}

// layerInfo parameterizes the shared classification path per hook
type layerInfo struct {
	connAuth        bool
	reauthMatch     bool
	fixedDirection  bool
	direction       flow.Direction
	transportHeader bool
}

var layers = map[flow.Layer]layerInfo{
	flow.LayerConnect: {
		connAuth:        true,
		reauthMatch:     true,
		fixedDirection:  true,
		direction:       flow.Outbound,
		transportHeader: true,
	},
	flow.LayerAccept: {
		connAuth:        true,
		fixedDirection:  true,
		direction:       flow.Inbound,
		transportHeader: true,
	},
	flow.LayerNetwork: {},
	flow.LayerTransport: {
		transportHeader: true,
	},
}

// ClassifyConnect is the outbound connection authorization hook
func (e *Engine) ClassifyConnect(ev *Event, out *ClassifyOut) {
	ev.Layer = flow.LayerConnect
	e.Classify(ev, out)
}

// ClassifyAccept is the inbound connection acceptance hook
func (e *Engine) ClassifyAccept(ev *Event, out *ClassifyOut) {
	ev.Layer = flow.LayerAccept
	e.Classify(ev, out)
}

// ClassifyNetwork is the network layer hook; the packet starts at the IP header
func (e *Engine) ClassifyNetwork(ev *Event, out *ClassifyOut) {
	ev.Layer = flow.LayerNetwork
	e.Classify(ev, out)
}

// ClassifyTransport is the transport layer hook
func (e *Engine) ClassifyTransport(ev *Event, out *ClassifyOut) {
	ev.Layer = flow.LayerTransport
	e.Classify(ev, out)
}

// Classify resolves ev in place or pends it for the worker. It never blocks
// on the policy source or the gateway.
func (e *Engine) Classify(ev *Event, out *ClassifyOut) {
	info, ok := layers[ev.Layer]
	if !ok {
		logger.Error("inspect: event for unknown %s", ev.Layer)
		return
	}

	if out.Rights&RightWrite == 0 {
		return
	}
	e.counter.classified.Add(1)

	// re-authorizations carry the packet's own direction
	if info.fixedDirection && !ev.Meta.Reauth {
		ev.Flow.Direction = info.direction
	}
	if !info.transportHeader {
		ev.Meta.TransportHeaderSize = 0
	}

	if e.cfg.TracePackets && !info.connAuth {
		logger.Debug("inspect: %s %s", ev.Layer, ev.Flow)
	}

	if ev.Buffer != nil && e.cfg.Oracle != nil {
		if state := e.cfg.Oracle.InjectionState(ev.Buffer); state != StateFresh {
			e.counter.selfInjected.Add(1)
			e.permit(ev, out)
			return
		}
	}

	if info.connAuth && !ev.Meta.Reauth {
		e.pendConnection(ev, out)
		return
	}

	if info.reauthMatch && ev.Meta.Reauth && ev.Flow.Direction == flow.Outbound &&
		e.matchReauth(ev, out) {
		return
	}

	e.pendPacket(ev, info, out)
}

func (e *Engine) permit(ev *Event, out *ClassifyOut) {
	out.Action = ActionPermit
	if ev.ClearRightOnPermit {
		out.Rights &^= RightWrite
	}
	e.counter.permitted.Add(1)
}

func (e *Engine) block(out *ClassifyOut, absorb bool) {
	out.Action = ActionBlock
	out.Rights &^= RightWrite
	if absorb {
		out.Absorb = true
		e.counter.absorbed.Add(1)
	}
	e.counter.blocked.Add(1)
}

// pendConnection suspends a first-seen connection and queues it. New
// connections fail open once unloading began.
func (e *Engine) pendConnection(ev *Event, out *ClassifyOut) {
	if e.unloading.Load() {
		e.permit(ev, out)
		return
	}

	it, err := e.pool.get(KindConnectionAuth, ev)
	if err != nil {
		e.counter.allocationFailures.Add(1)
		logger.Warn("inspect: blocking %s: %v", ev.Flow, err)
		e.block(out, false)
		return
	}

	tok, err := e.cfg.Suspender.Suspend(ev)
	if err != nil {
		e.counter.suspendFailures.Add(1)
		logger.Warn("inspect: blocking %s: %v", ev.Flow,
			newError(SuspendRegistrationFailure, err, "suspend"))
		e.free(it)
		e.block(out, false)
		return
	}
	it.setToken(tok)

	e.connMu.Lock()
	e.pktMu.Lock()
	if e.unloading.Load() {
		e.pktMu.Unlock()
		e.connMu.Unlock()
		// the host's re-authorization for this flow fails open
		e.free(it)
		e.block(out, true)
		return
	}
	wasIdle := e.idleLocked()
	e.conns.push(it)
	e.pktMu.Unlock()
	e.connMu.Unlock()

	if wasIdle {
		e.signal.set()
	}
	e.block(out, true)
}

// matchReauth claims a decided outbound connection item for a
// re-authorization of the same flow
func (e *Engine) matchReauth(ev *Event, out *ClassifyOut) bool {
	e.connMu.Lock()
	it := e.conns.matchDecided(ev.Flow)
	if it == nil {
		e.connMu.Unlock()
		return false
	}
	e.conns.remove(it)
	e.counter.reauthMatched.Add(1)

	decision := it.Decision()
	if decision == Permit {
		e.permit(ev, out)
	} else {
		e.block(out, false)
	}

	if decision == Permit && it.hasBuffer() && !e.unloading.Load() {
		it.kind = KindDataPacket
		e.pktMu.Lock()
		wasIdle := e.idleLocked()
		e.packets.push(it)
		e.pktMu.Unlock()
		e.connMu.Unlock()
		if wasIdle {
			e.signal.set()
		}
		return true
	}
	e.connMu.Unlock()

	e.free(it)
	return true
}

// pendPacket queues re-authorizations and ordinary packets
func (e *Engine) pendPacket(ev *Event, info layerInfo, out *ClassifyOut) {
	if ev.Flow.Direction == flow.Inbound && !info.connAuth &&
		(ev.Meta.NeedsConnAuth || ev.Meta.TunnelNotDecapsulated) {
		e.permit(ev, out)
		return
	}
	if e.unloading.Load() {
		e.permit(ev, out)
		return
	}

	kind := KindDataPacket
	if ev.Meta.Reauth {
		kind = KindReauthPacket
	}
	it, err := e.pool.get(kind, ev)
	if err != nil {
		e.counter.allocationFailures.Add(1)
		logger.Warn("inspect: blocking %s: %v", ev.Flow, err)
		e.block(out, false)
		return
	}
	if ev.Flow.Direction == flow.Inbound && ev.Meta.Reauth {
		it.ipsecProtected = ev.Meta.IPsecProtected
	}

	e.connMu.Lock()
	e.pktMu.Lock()
	if e.unloading.Load() {
		e.pktMu.Unlock()
		e.connMu.Unlock()
		e.free(it)
		e.permit(ev, out)
		return
	}
	wasIdle := e.idleLocked()
	e.packets.push(it)
	e.pktMu.Unlock()
	e.connMu.Unlock()

	if wasIdle {
		e.signal.set()
	}
	e.block(out, true)
}
