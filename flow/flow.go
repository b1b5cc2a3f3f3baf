// Package flow describes the identity of a network flow as seen at a hook
// point, and the layers and directions the engine classifies on.
package flow

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Family is the address family of a flow
type Family uint8

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	}
	return fmt.Sprintf("Unparsed %d", uint8(f))
}

// Direction indicates packet flow direction relative to the local host
type Direction uint8

const (
	Outbound Direction = iota // host -> network
	Inbound                   // network -> host
)

func (d Direction) String() string {
	if d == Inbound {
		return "IN"
	}
	return "OUT"
}

// Layer identifies the hook point an event was raised at
type Layer uint8

const (
	// LayerConnect authorizes new outbound connections
	LayerConnect Layer = iota
	// LayerAccept authorizes new inbound connections
	LayerAccept
	// LayerNetwork sees whole IP packets
	LayerNetwork
	// LayerTransport sees packets positioned at the transport header
	LayerTransport
)

func (l Layer) String() string {
	switch l {
	case LayerConnect:
		return "connect"
	case LayerAccept:
		return "accept"
	case LayerNetwork:
		return "network"
	case LayerTransport:
		return "transport"
	}
	return fmt.Sprintf("layer(%d)", uint8(l))
}

// Identity is the flow identity captured at classification time. The
// original event context does not outlive the hook call, so everything the
// worker needs later is copied here.
type Identity struct {
	Family            Family
	Direction         Direction
	Protocol          uint8
	LocalAddr         netip.Addr
	RemoteAddr        netip.Addr
	LocalPort         uint16
	RemotePort        uint16
	RemoteScopeID     uint32
	CompartmentID     uint32
	InterfaceIndex    uint32
	SubInterfaceIndex uint32
}

// Matches reports whether other describes the same connection. Interface
// indexes are not compared: a re-authorization may arrive on a different
// sub-interface than the original connect.
func (id Identity) Matches(other Identity) bool {
	return id.Family == other.Family &&
		id.Direction == other.Direction &&
		id.Protocol == other.Protocol &&
		id.LocalAddr == other.LocalAddr &&
		id.RemoteAddr == other.RemoteAddr &&
		id.LocalPort == other.LocalPort &&
		id.RemotePort == other.RemotePort &&
		id.CompartmentID == other.CompartmentID
}

// Key returns a compact map key for the connection, independent of the
// direction the packet was seen in.
func (id Identity) Key() string {
	var b [1 + 1 + 16 + 16 + 2 + 2 + 4]byte
	b[0] = byte(id.Family)
	b[1] = id.Protocol
	la := id.LocalAddr.As16()
	ra := id.RemoteAddr.As16()
	copy(b[2:18], la[:])
	copy(b[18:34], ra[:])
	binary.BigEndian.PutUint16(b[34:36], id.LocalPort)
	binary.BigEndian.PutUint16(b[36:38], id.RemotePort)
	binary.BigEndian.PutUint32(b[38:42], id.CompartmentID)
	return string(b[:])
}

func (id Identity) String() string {
	local := netip.AddrPortFrom(id.LocalAddr, id.LocalPort)
	remote := netip.AddrPortFrom(id.RemoteAddr, id.RemotePort)
	return fmt.Sprintf("[%s] [%s] [%5s] %s -> %s", id.Family, id.Direction, ProtocolName(id.Protocol), local, remote)
}
