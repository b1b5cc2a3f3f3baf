package tunfilter

import (
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/fosrl/verdict/inspect"
	"github.com/fosrl/verdict/logger"
)

// Packet is a refcounted copy of a packet seen on the TUN device. Offset
// marks where the hook's view of the packet begins.
type Packet struct {
	mu     sync.Mutex
	pkb    *stack.PacketBuffer
	view   *buffer.View
	offset int
	refs   atomic.Int32
}

// NewPacket copies b into a fresh packet buffer holding one reference
func NewPacket(b []byte, offset int) *Packet {
	p := &Packet{offset: offset}
	p.load(b)
	p.refs.Store(1)
	return p
}

func (p *Packet) load(b []byte) {
	p.pkb = stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(b)})
	p.view = p.pkb.ToView()
}

func (p *Packet) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.view == nil {
		return nil
	}
	return p.view.AsSlice()
}

func (p *Packet) Offset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// SetOffset moves the start of the hook's view, as a stack would after
// stripping a header
func (p *Packet) SetOffset(offset int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = offset
}

// Refs returns the number of outstanding references
func (p *Packet) Refs() int {
	return int(p.refs.Load())
}

func (p *Packet) Ref() inspect.Buffer {
	p.refs.Add(1)
	p.mu.Lock()
	p.pkb.IncRef()
	p.mu.Unlock()
	return p
}

func (p *Packet) Release() {
	n := p.refs.Add(-1)
	if n < 0 {
		p.refs.Add(1)
		logger.Error("tunfilter: packet released more often than referenced")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pkb.DecRef()
	if n == 0 {
		p.view.Release()
		p.view = nil
	}
}

// Clone returns an independent copy with one reference
func (p *Packet) Clone() *Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return NewPacket(p.view.AsSlice(), p.offset)
}

// replace swaps the packet contents. Only valid while the caller holds the
// sole reference.
func (p *Packet) replace(b []byte, offset int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view.Release()
	p.pkb.DecRef()
	p.load(b)
	p.offset = offset
}
