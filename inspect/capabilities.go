package inspect

import "github.com/fosrl/verdict/flow"

// Buffer is a reference-counted packet buffer owned by the host.
//
// Ref takes an additional reference; the engine calls it when it pends an
// event so the buffer outlives the hook call. Release drops one reference.
// Offset is the position of the data start within the underlying storage and
// may move between enqueue and reinjection.
type Buffer interface {
	Bytes() []byte
	Offset() int
	Ref() Buffer
	Release()
}

// InjectionState classifies a buffer against packets the engine reinjected
type InjectionState uint8

const (
	StateFresh InjectionState = iota
	StateSelfInjected
	StatePreviouslySelfInjected
)

func (s InjectionState) String() string {
	switch s {
	case StateSelfInjected:
		return "self-injected"
	case StatePreviouslySelfInjected:
		return "previously-self-injected"
	}
	return "fresh"
}

// InjectionOracle recognizes packets the engine itself put back on the path
type InjectionOracle interface {
	InjectionState(buf Buffer) InjectionState
}

// PolicySource answers the coarse allow/deny question. It is polled by the
// worker, never from a hook.
type PolicySource interface {
	TrafficPermitted() bool
}

// ResumeToken is the host's handle on a suspended connection decision
type ResumeToken any

// Suspender pends connection authorizations. Resume is called exactly once
// per token: with nil when the host should re-authorize the flow itself, or
// with the reinjected clone when the decision completes with a packet.
type Suspender interface {
	Suspend(ev *Event) (ResumeToken, error)
	Resume(tok ResumeToken, clone Buffer)
}

// Injection is one clone-and-reinject request.
//
// The gateway takes ownership of Buffer on every path, including refusal.
// Prepare, when set, runs on the clone before it is injected; an error from
// Prepare aborts the injection and is returned by the gateway call.
type Injection struct {
	Flow                flow.Identity
	Buffer              Buffer
	IPHeaderSize        int
	TransportHeaderSize int
	Prepare             func(clone Buffer) error
}

// CompletionFunc is invoked once an accepted injection finished. The clone
// stays owned by the gateway.
type CompletionFunc func(clone Buffer, err error)

// Gateway clones buffers and injects the clones into the packet path. A nil
// return means the request was accepted and done will be called exactly
// once; a non-nil return means done will never be called.
type Gateway interface {
	CloneAndSend(req *Injection, done CompletionFunc) error
	CloneAndReceive(req *Injection, done CompletionFunc) error
}

// HeaderBuilder restores a network header in front of the transport header
// of a clone whose original headers were stripped upstream.
type HeaderBuilder interface {
	RebuildNetworkHeader(clone Buffer, id flow.Identity, transportHeaderSize int) error
}
