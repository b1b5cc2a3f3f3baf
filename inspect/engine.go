// Package inspect is the deferred-decision engine. Hooks classify events
// without blocking; one worker later asks the policy source for a verdict and
// either completes the suspended connection or reinjects a clone of the
// packet.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fosrl/verdict/logger"
)

const (
	DefaultMaxPending = 4096
	DefaultDrainGrace = 2 * time.Second

	drainPollInterval = 10 * time.Millisecond
)

// State is the worker's position in its state machine
type State int32

const (
	StateIdle State = iota // not started
	StateWaitingForWork
	StateDraining
	StateShuttingDown
	StateDrained
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateWaitingForWork:
		return "WaitingForWork"
	case StateDraining:
		return "Draining"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateDrained:
		return "Drained"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config wires the engine to its collaborators
type Config struct {
	Oracle    InjectionOracle
	Policy    PolicySource
	Suspender Suspender
	Gateway   Gateway
	Headers   HeaderBuilder

	// MaxPending bounds live items; zero means DefaultMaxPending
	MaxPending int
	// DrainGrace is how long shutdown waits for re-authorizations to claim
	// decided outbound connections
	DrainGrace time.Duration
	// TracePackets logs every network and transport event at debug level
	TracePackets bool
}

// Engine owns the queues, their locks, the wake signal and the unloading
// flag. Lock order is always connMu then pktMu.
type Engine struct {
	cfg Config

	connMu  sync.Mutex
	conns   connQueue
	pktMu   sync.Mutex
	packets packetQueue

	signal    *signal
	unloading atomic.Bool
	state     atomic.Int32

	pool    *pool
	counter counters

	startOnce sync.Once
	drained   chan struct{}
}

// New validates the collaborators and returns a stopped engine
func New(cfg Config) (*Engine, error) {
	if cfg.Policy == nil {
		return nil, errors.New("inspect: policy source is required")
	}
	if cfg.Suspender == nil {
		return nil, errors.New("inspect: suspender is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("inspect: gateway is required")
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}

	return &Engine{
		cfg:     cfg,
		signal:  newSignal(),
		pool:    newPool(cfg.MaxPending),
		drained: make(chan struct{}),
	}, nil
}

// Start launches the worker. Cancelling ctx begins shutdown.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.setState(StateWaitingForWork)
		logger.Info("inspect: worker started (max pending %d)", e.cfg.MaxPending)
		go e.run(ctx)
	})
}

// BeginShutdown flips the engine into unloading. New events fail open from
// here on and the worker switches to draining without reinjection.
func (e *Engine) BeginShutdown() {
	if e.unloading.CompareAndSwap(false, true) {
		logger.Info("inspect: shutdown requested")
		e.signal.set()
	}
}

// Unloading reports whether shutdown has begun
func (e *Engine) Unloading() bool {
	return e.unloading.Load()
}

// AwaitDrained blocks until the worker reached Drained or ctx is done. An
// engine that was never started drains in the caller.
func (e *Engine) AwaitDrained(ctx context.Context) error {
	e.startOnce.Do(func() {
		go func() {
			defer close(e.drained)
			e.shutdown()
		}()
	})
	select {
	case <-e.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("inspect: waiting for drain: %w", ctx.Err())
	}
}

// Close begins shutdown and waits for the drain
func (e *Engine) Close(ctx context.Context) error {
	e.BeginShutdown()
	return e.AwaitDrained(ctx)
}

// Drained is closed once the worker reached its terminal state
func (e *Engine) Drained() <-chan struct{} {
	return e.drained
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// idleLocked reports whether the worker has nothing to do. Both locks must
// be held. Decided connection items awaiting their re-authorization do not
// count as work.
func (e *Engine) idleLocked() bool {
	return e.conns.undecided == 0 && e.packets.len() == 0
}

// QueueDepths returns the current lengths of the connection and packet queues
func (e *Engine) QueueDepths() (conns, packets int) {
	e.connMu.Lock()
	e.pktMu.Lock()
	conns, packets = e.conns.len(), e.packets.len()
	e.pktMu.Unlock()
	e.connMu.Unlock()
	return conns, packets
}
