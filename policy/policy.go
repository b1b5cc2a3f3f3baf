// Package policy provides the verdict sources polled by the inspection
// worker: a static switch driven by the control API and a remote authority
// reached over websocket.
package policy

import (
	"sync"
	"sync/atomic"

	"github.com/fosrl/verdict/inspect"
)

// Source is a boolean verdict source with change notification. The
// generation increases on every change so hosts can tell which flows were
// authorized under an older verdict.
type Source interface {
	inspect.PolicySource
	Generation() uint64
	Subscribe(fn func(permitted bool, generation uint64))
	Name() string
}

// notifier carries the generation counter and subscriber list shared by
// every source
type notifier struct {
	generation atomic.Uint64
	mu         sync.Mutex
	subs       []func(bool, uint64)
}

func (n *notifier) Generation() uint64 {
	return n.generation.Load()
}

// Subscribe registers fn to run after every verdict change
func (n *notifier) Subscribe(fn func(permitted bool, generation uint64)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

func (n *notifier) bump(permitted bool) uint64 {
	gen := n.generation.Add(1)
	n.mu.Lock()
	subs := make([]func(bool, uint64), len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()
	for _, fn := range subs {
		fn(permitted, gen)
	}
	return gen
}
