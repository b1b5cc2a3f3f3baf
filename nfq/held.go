//go:build linux

package nfq

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/florianl/go-nfqueue/v2"

	"github.com/fosrl/verdict/inspect"
	"github.com/fosrl/verdict/logger"
)

// verdicter is the part of the queue handle a held packet needs
type verdicter interface {
	SetVerdict(id uint32, verdict int) error
	SetVerdictModPacket(id uint32, verdict int, packet []byte) error
}

// held is a queued packet awaiting its verdict. The kernel keeps the packet
// until exactly one verdict is issued for its id: dropping the last reference
// without accepting drops it.
type held struct {
	v    verdicter
	id   uint32
	data []byte
	// orig is the payload as queued; accepting a changed clone sends the
	// new bytes along
	orig []byte

	mu      sync.Mutex
	offset  int
	refs    atomic.Int32
	settled atomic.Bool
}

func newHeld(v verdicter, id uint32, payload []byte) *held {
	data := append([]byte(nil), payload...)
	h := &held{v: v, id: id, data: data, orig: data}
	h.refs.Store(1)
	return h
}

func (h *held) Bytes() []byte {
	return h.data
}

func (h *held) Offset() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

// view hands the inspector a reference with the hook's offset applied
func (h *held) view(offset int) inspect.Buffer {
	h.mu.Lock()
	h.offset = offset
	h.mu.Unlock()
	return h.Ref()
}

func (h *held) Ref() inspect.Buffer {
	h.refs.Add(1)
	return h
}

func (h *held) Release() {
	n := h.refs.Add(-1)
	switch {
	case n < 0:
		h.refs.Add(1)
		logger.Error("nfq: packet %d released more often than referenced", h.id)
	case n == 0:
		h.settle(nfqueue.NfDrop)
	}
}

// settle issues the verdict unless one was issued already
func (h *held) settle(verdict int) error {
	if !h.settled.CompareAndSwap(false, true) {
		return nil
	}
	if verdict == nfqueue.NfAccept && !bytes.Equal(h.data, h.orig) {
		return h.v.SetVerdictModPacket(h.id, verdict, h.data)
	}
	return h.v.SetVerdict(h.id, verdict)
}

// transfer moves the verdict obligation to a copy of the packet
func (h *held) transfer() *held {
	h.mu.Lock()
	offset := h.offset
	h.mu.Unlock()

	c := &held{v: h.v, id: h.id, data: append([]byte(nil), h.data...), orig: h.orig, offset: offset}
	c.refs.Store(1)
	h.settled.Store(true)
	return c
}
