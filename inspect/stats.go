package inspect

import "sync/atomic"

type counters struct {
	classified         atomic.Uint64
	permitted          atomic.Uint64
	blocked            atomic.Uint64
	absorbed           atomic.Uint64
	selfInjected       atomic.Uint64
	reauthMatched      atomic.Uint64
	injected           atomic.Uint64
	injectionFailures  atomic.Uint64
	allocationFailures atomic.Uint64
	suspendFailures    atomic.Uint64
	headerFailures     atomic.Uint64
	freed              atomic.Uint64
	doubleFrees        atomic.Uint64
	wakeCycles         atomic.Uint64
	forcedFrees        atomic.Uint64
}

// Stats is a point-in-time copy of the engine counters
type Stats struct {
	State              State  `json:"state"`
	Classified         uint64 `json:"classified"`
	Permitted          uint64 `json:"permitted"`
	Blocked            uint64 `json:"blocked"`
	Absorbed           uint64 `json:"absorbed"`
	SelfInjected       uint64 `json:"selfInjected"`
	ReauthMatched      uint64 `json:"reauthMatched"`
	Injected           uint64 `json:"injected"`
	InjectionFailures  uint64 `json:"injectionFailures"`
	AllocationFailures uint64 `json:"allocationFailures"`
	SuspendFailures    uint64 `json:"suspendFailures"`
	HeaderFailures     uint64 `json:"headerFailures"`
	Allocated          uint64 `json:"allocated"`
	Freed              uint64 `json:"freed"`
	DoubleFrees        uint64 `json:"doubleFrees"`
	ForcedFrees        uint64 `json:"forcedFrees"`
	WakeCycles         uint64 `json:"wakeCycles"`
	Live               int64  `json:"live"`
	ConnQueue          int    `json:"connQueue"`
	PacketQueue        int    `json:"packetQueue"`
}

func (e *Engine) Stats() Stats {
	conns, packets := e.QueueDepths()
	c := &e.counter
	return Stats{
		State:              e.State(),
		Classified:         c.classified.Load(),
		Permitted:          c.permitted.Load(),
		Blocked:            c.blocked.Load(),
		Absorbed:           c.absorbed.Load(),
		SelfInjected:       c.selfInjected.Load(),
		ReauthMatched:      c.reauthMatched.Load(),
		Injected:           c.injected.Load(),
		InjectionFailures:  c.injectionFailures.Load(),
		AllocationFailures: c.allocationFailures.Load(),
		SuspendFailures:    c.suspendFailures.Load(),
		HeaderFailures:     c.headerFailures.Load(),
		Allocated:          e.pool.allocated.Load(),
		Freed:              c.freed.Load(),
		DoubleFrees:        c.doubleFrees.Load(),
		ForcedFrees:        c.forcedFrees.Load(),
		WakeCycles:         c.wakeCycles.Load(),
		Live:               e.pool.live.Load(),
		ConnQueue:          conns,
		PacketQueue:        packets,
	}
}
