// Package tunfilter connects the tunnel's packet path to the inspection
// engine: the filter hooks, the packet buffers handed to the engine, the
// reinjection gateway and the table of flows already decided.
package tunfilter

// FilterAction is a hook's answer for one packet
type FilterAction int

const (
	FilterActionPass FilterAction = iota
	FilterActionDrop
	// FilterActionIntercept takes the packet off the path; a clone may be
	// reinjected later
	FilterActionIntercept
)

func (a FilterAction) String() string {
	switch a {
	case FilterActionDrop:
		return "drop"
	case FilterActionIntercept:
		return "intercept"
	}
	return "pass"
}

// PacketFilter sees every packet crossing the middle device. Outbound is
// host to tunnel, before encryption; inbound is tunnel to host, after
// decryption. The packet slice is only valid during the call.
type PacketFilter interface {
	FilterOutbound(packet []byte, size int) FilterAction
	FilterInbound(packet []byte, size int) FilterAction
}
