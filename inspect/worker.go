package inspect

import (
	"context"
	"sync"
	"time"

	"github.com/fosrl/verdict/flow"
	"github.com/fosrl/verdict/logger"
)

func (e *Engine) run(ctx context.Context) {
	defer close(e.drained)

	for {
		e.setState(StateWaitingForWork)
		select {
		case <-e.signal.C():
		case <-ctx.Done():
			e.BeginShutdown()
		}
		if e.unloading.Load() {
			break
		}

		e.setState(StateDraining)
		e.counter.wakeCycles.Add(1)
		e.drain()
	}

	e.shutdown()
}

// drain processes items until none is selectable. The verdict is sampled
// once for the whole batch.
func (e *Engine) drain() {
	permitted := e.cfg.Policy.TrafficPermitted()

	for !e.unloading.Load() {
		it := e.next()
		if it != nil {
			e.process(it, permitted)
			continue
		}

		e.connMu.Lock()
		e.pktMu.Lock()
		if e.idleLocked() && !e.unloading.Load() {
			e.signal.clear()
		}
		e.pktMu.Unlock()
		e.connMu.Unlock()
		return
	}
}

// next selects the first undecided connection item, else the packet queue
// head. Inbound connection items leave the queue on selection.
func (e *Engine) next() *Item {
	e.connMu.Lock()
	if it := e.conns.firstUndecided(); it != nil {
		if it.flow.Direction == flow.Inbound {
			e.conns.remove(it)
		}
		e.connMu.Unlock()
		return it
	}
	e.connMu.Unlock()

	e.pktMu.Lock()
	it := e.packets.pop()
	e.pktMu.Unlock()
	return it
}

func (e *Engine) process(it *Item, permitted bool) {
	decision := decisionFor(permitted)

	if it.kind == KindConnectionAuth {
		if it.flow.Direction == flow.Outbound {
			// The token leaves the item before the decision is visible to
			// re-authorizations, which may claim and free the item.
			tok, ok := it.takeToken()
			e.connMu.Lock()
			e.conns.decide(it, decision)
			e.connMu.Unlock()
			if ok {
				e.cfg.Suspender.Resume(tok, nil)
			}
			return
		}

		it.setDecision(decision)
		if !permitted || !it.hasBuffer() {
			e.free(it)
			return
		}
		e.reinject(it)
		return
	}

	if !permitted || !it.hasBuffer() {
		e.free(it)
		return
	}
	e.reinject(it)
}

func (e *Engine) reinject(it *Item) {
	buf := it.takeBuffer()
	req := &Injection{
		Flow:                it.flow,
		Buffer:              buf,
		IPHeaderSize:        it.ipHeaderSize,
		TransportHeaderSize: it.transportHeaderSize,
	}

	var err error
	if it.flow.Direction == flow.Outbound {
		req.Prepare = func(clone Buffer) error {
			e.resumeWith(it, clone)
			return nil
		}
		err = e.cfg.Gateway.CloneAndSend(req, e.completion(it))
	} else {
		if buf.Offset() != it.bufferOffset {
			// the stack moved the data start since enqueue
			req.TransportHeaderSize = 0
		}
		req.Prepare = func(clone Buffer) error {
			if it.ipsecProtected {
				if err := e.rebuildHeader(clone, it.flow, req.TransportHeaderSize); err != nil {
					return err
				}
			}
			e.resumeWith(it, clone)
			return nil
		}
		err = e.cfg.Gateway.CloneAndReceive(req, e.completion(it))
	}

	if err != nil {
		e.counter.injectionFailures.Add(1)
		logger.Warn("inspect: dropping %s: %v", it, newError(InjectionFailure, err, "reinject"))
		e.free(it)
	}
}

func (e *Engine) rebuildHeader(clone Buffer, id flow.Identity, transportHeaderSize int) error {
	if e.cfg.Headers == nil {
		e.counter.headerFailures.Add(1)
		return newError(HeaderReconstructionFailure, nil, "no header builder")
	}
	if err := e.cfg.Headers.RebuildNetworkHeader(clone, id, transportHeaderSize); err != nil {
		e.counter.headerFailures.Add(1)
		return newError(HeaderReconstructionFailure, err, "%s", id)
	}
	return nil
}

// resumeWith completes a suspended connection riding on this item with the clone
func (e *Engine) resumeWith(it *Item, clone Buffer) {
	if tok, ok := it.takeToken(); ok {
		e.cfg.Suspender.Resume(tok, clone)
	}
}

func (e *Engine) completion(it *Item) CompletionFunc {
	var once sync.Once
	return func(_ Buffer, err error) {
		once.Do(func() {
			if err != nil {
				e.counter.injectionFailures.Add(1)
				logger.Debug("inspect: injection of %s completed with error: %v", it, err)
			} else {
				e.counter.injected.Add(1)
			}
			e.free(it)
		})
	}
}

// free releases what the item still owns and returns its pool slot. A
// second call is logged and otherwise ignored.
func (e *Engine) free(it *Item) {
	if !it.freed.CompareAndSwap(false, true) {
		e.counter.doubleFrees.Add(1)
		logger.Error("inspect: double free of %s", it)
		return
	}
	if buf := it.takeBuffer(); buf != nil {
		buf.Release()
	}
	if tok, ok := it.takeToken(); ok {
		e.cfg.Suspender.Resume(tok, nil)
	}
	e.counter.freed.Add(1)
	e.pool.put()
}

// shutdown blocks every queued connection, decided or not, gives
// re-authorizations a grace period to claim the outbound ones, then frees
// everything left without reinjection.
func (e *Engine) shutdown() {
	e.unloading.Store(true)

	var inbound []*Item
	var tokens []ResumeToken

	e.connMu.Lock()
	for _, it := range e.conns.snapshot() {
		if it.flow.Direction == flow.Inbound {
			e.conns.remove(it)
			it.setDecision(Block)
			inbound = append(inbound, it)
			continue
		}
		if tok, ok := it.takeToken(); ok {
			tokens = append(tokens, tok)
		}
		e.conns.decide(it, Block)
	}
	e.connMu.Unlock()
	e.setState(StateShuttingDown)

	for _, it := range inbound {
		e.free(it)
	}
	for _, tok := range tokens {
		e.cfg.Suspender.Resume(tok, nil)
	}

	deadline := time.Now().Add(e.cfg.DrainGrace)
	for time.Now().Before(deadline) {
		e.connMu.Lock()
		n := e.conns.len()
		e.connMu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(drainPollInterval)
	}

	e.connMu.Lock()
	leftover := e.conns.removeAll()
	e.connMu.Unlock()
	for _, it := range leftover {
		e.counter.forcedFrees.Add(1)
		e.free(it)
	}

	e.pktMu.Lock()
	var packets []*Item
	for it := e.packets.pop(); it != nil; it = e.packets.pop() {
		packets = append(packets, it)
	}
	e.pktMu.Unlock()
	for _, it := range packets {
		e.free(it)
	}

	e.setState(StateDrained)
	logger.Info("inspect: drained (%d connections forced, %d packets dropped)", len(leftover), len(packets))
}
