package inspect

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fosrl/verdict/flow"
)

// Kind selects the processing path of a pended item
type Kind uint8

const (
	KindConnectionAuth Kind = iota
	KindReauthPacket
	KindDataPacket
)

func (k Kind) String() string {
	switch k {
	case KindConnectionAuth:
		return "connection-auth"
	case KindReauthPacket:
		return "reauth-packet"
	case KindDataPacket:
		return "data-packet"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Decision is the verdict recorded on a connection item
type Decision int32

const (
	Undecided Decision = iota
	Permit
	Block
)

func (d Decision) String() string {
	switch d {
	case Undecided:
		return "undecided"
	case Permit:
		return "permit"
	case Block:
		return "block"
	}
	return fmt.Sprintf("decision(%d)", int32(d))
}

func decisionFor(permitted bool) Decision {
	if permitted {
		return Permit
	}
	return Block
}

// Item is the lifecycle record of one deferred event. Everything the worker
// needs is captured at enqueue because the hook's context is gone by then.
type Item struct {
	kind                Kind
	flow                flow.Identity
	ipHeaderSize        int
	transportHeaderSize int
	bufferOffset        int
	ipsecProtected      bool

	decision atomic.Int32
	freed    atomic.Bool

	// buffer and token move out exactly once
	mu       sync.Mutex
	buffer   Buffer
	token    ResumeToken
	hasToken bool

	// position in the connection queue, guarded by the conn lock
	elem *list.Element
}

func (it *Item) Kind() Kind { return it.kind }

func (it *Item) Flow() flow.Identity { return it.flow }

func (it *Item) Decision() Decision { return Decision(it.decision.Load()) }

func (it *Item) setDecision(d Decision) { it.decision.Store(int32(d)) }

func (it *Item) String() string {
	return fmt.Sprintf("%s %s %s", it.kind, it.Decision(), it.flow)
}

// takeBuffer moves the buffer out of the item. The slot is left empty.
func (it *Item) takeBuffer() Buffer {
	it.mu.Lock()
	defer it.mu.Unlock()
	b := it.buffer
	it.buffer = nil
	return b
}

func (it *Item) hasBuffer() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.buffer != nil
}

// takeToken moves the resume token out of the item
func (it *Item) takeToken() (ResumeToken, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if !it.hasToken {
		return nil, false
	}
	tok := it.token
	it.token = nil
	it.hasToken = false
	return tok, true
}

func (it *Item) setToken(tok ResumeToken) {
	it.mu.Lock()
	it.token = tok
	it.hasToken = true
	it.mu.Unlock()
}

// pool bounds the number of live items. Items are never recycled, so a stale
// pointer can only ever reach its own freed guard.
type pool struct {
	max       int64
	live      atomic.Int64
	allocated atomic.Uint64
}

func newPool(max int) *pool {
	return &pool{max: int64(max)}
}

func (p *pool) get(kind Kind, ev *Event) (*Item, error) {
	if n := p.live.Add(1); p.max > 0 && n > p.max {
		p.live.Add(-1)
		return nil, newError(AllocationFailure, nil, "%d items pending", p.max)
	}
	p.allocated.Add(1)

	it := &Item{
		kind:                kind,
		flow:                ev.Flow,
		ipHeaderSize:        ev.Meta.IPHeaderSize,
		transportHeaderSize: ev.Meta.TransportHeaderSize,
	}
	if ev.Buffer != nil {
		it.buffer = ev.Buffer.Ref()
		it.bufferOffset = ev.Buffer.Offset()
	}
	return it, nil
}

func (p *pool) put() {
	p.live.Add(-1)
}
