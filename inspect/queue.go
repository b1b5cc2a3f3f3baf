package inspect

import (
	"container/list"
	"sync"

	"github.com/fosrl/verdict/flow"
)

// connQueue holds connection items in arrival order. Decided outbound items
// stay here until their re-authorization claims them.
type connQueue struct {
	items     list.List
	undecided int
}

func (q *connQueue) push(it *Item) {
	it.elem = q.items.PushBack(it)
	if it.Decision() == Undecided {
		q.undecided++
	}
}

func (q *connQueue) remove(it *Item) {
	if it.elem == nil {
		return
	}
	q.items.Remove(it.elem)
	it.elem = nil
	if it.Decision() == Undecided {
		q.undecided--
	}
}

// decide records a verdict on a queued item
func (q *connQueue) decide(it *Item, d Decision) {
	if it.elem != nil && it.Decision() == Undecided && d != Undecided {
		q.undecided--
	}
	it.setDecision(d)
}

func (q *connQueue) firstUndecided() *Item {
	for e := q.items.Front(); e != nil; e = e.Next() {
		if it := e.Value.(*Item); it.Decision() == Undecided {
			return it
		}
	}
	return nil
}

// matchDecided finds the item a re-authorization for id may claim
func (q *connQueue) matchDecided(id flow.Identity) *Item {
	for e := q.items.Front(); e != nil; e = e.Next() {
		it := e.Value.(*Item)
		if it.Decision() != Undecided && it.flow.Matches(id) {
			return it
		}
	}
	return nil
}

// snapshot lists the queued items so the caller may remove while iterating
func (q *connQueue) snapshot() []*Item {
	out := make([]*Item, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Item))
	}
	return out
}

func (q *connQueue) removeAll() []*Item {
	out := make([]*Item, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = q.items.Front() {
		it := e.Value.(*Item)
		q.remove(it)
		out = append(out, it)
	}
	return out
}

func (q *connQueue) len() int {
	return q.items.Len()
}

// packetQueue is a plain FIFO
type packetQueue struct {
	items list.List
}

func (q *packetQueue) push(it *Item) {
	q.items.PushBack(it)
}

func (q *packetQueue) pop() *Item {
	e := q.items.Front()
	if e == nil {
		return nil
	}
	return q.items.Remove(e).(*Item)
}

func (q *packetQueue) len() int {
	return q.items.Len()
}

// signal is a manual-reset event: it stays set until cleared
type signal struct {
	mu    sync.Mutex
	ch    chan struct{}
	isSet bool
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isSet {
		s.isSet = true
		close(s.ch)
	}
}

func (s *signal) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSet {
		s.isSet = false
		s.ch = make(chan struct{})
	}
}

// C returns a channel that is closed while the signal is set
func (s *signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) get() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSet
}
