package flow

import (
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	ErrTruncated          = errors.New("flow: packet truncated")
	ErrUnsupportedVersion = errors.New("flow: unsupported IP version")
)

const icmpHeaderSize = 8

// Packet is what the hosts learn from the headers of one raw IP packet
type Packet struct {
	Identity
	IPHeaderSize        int
	TransportHeaderSize int
	TCPFlags            header.TCPFlags
}

// OpensConnection reports whether the packet starts a TCP handshake
func (p *Packet) OpensConnection() bool {
	return p.Protocol == ProtoTCP &&
		p.TCPFlags.Contains(header.TCPFlagSyn) &&
		!p.TCPFlags.Contains(header.TCPFlagAck)
}

// Parse reads the network and transport headers of an IP packet. Local and
// remote are assigned from the packet's direction: for outbound packets the
// source is local, for inbound packets the destination is.
func Parse(b []byte, dir Direction) (*Packet, error) {
	if len(b) < 1 {
		return nil, ErrTruncated
	}

	p := &Packet{}
	p.Direction = dir

	var src, dst netip.Addr
	var transport []byte

	switch header.IPVersion(b) {
	case header.IPv4Version:
		if len(b) < header.IPv4MinimumSize {
			return nil, ErrTruncated
		}
		ip := header.IPv4(b)
		hlen := int(ip.HeaderLength())
		if hlen < header.IPv4MinimumSize || len(b) < hlen {
			return nil, ErrTruncated
		}
		p.Family = FamilyIPv4
		p.Protocol = ip.Protocol()
		p.IPHeaderSize = hlen
		src = addrFrom(ip.SourceAddress())
		dst = addrFrom(ip.DestinationAddress())
		transport = b[hlen:]
	case header.IPv6Version:
		if len(b) < header.IPv6MinimumSize {
			return nil, ErrTruncated
		}
		ip := header.IPv6(b)
		p.Family = FamilyIPv6
		p.Protocol = ip.NextHeader()
		p.IPHeaderSize = header.IPv6MinimumSize
		src = addrFrom(ip.SourceAddress())
		dst = addrFrom(ip.DestinationAddress())
		transport = b[header.IPv6MinimumSize:]
	default:
		return nil, ErrUnsupportedVersion
	}

	var srcPort, dstPort uint16
	switch p.Protocol {
	case ProtoTCP:
		if len(transport) < header.TCPMinimumSize {
			return nil, ErrTruncated
		}
		tcp := header.TCP(transport)
		srcPort, dstPort = tcp.SourcePort(), tcp.DestinationPort()
		p.TransportHeaderSize = int(tcp.DataOffset())
		p.TCPFlags = tcp.Flags()
	case ProtoUDP:
		if len(transport) < header.UDPMinimumSize {
			return nil, ErrTruncated
		}
		udp := header.UDP(transport)
		srcPort, dstPort = udp.SourcePort(), udp.DestinationPort()
		p.TransportHeaderSize = header.UDPMinimumSize
	case ProtoICMP, ProtoICMPv6:
		if len(transport) >= icmpHeaderSize {
			p.TransportHeaderSize = icmpHeaderSize
		}
	}

	if dir == Outbound {
		p.LocalAddr, p.RemoteAddr = src, dst
		p.LocalPort, p.RemotePort = srcPort, dstPort
	} else {
		p.LocalAddr, p.RemoteAddr = dst, src
		p.LocalPort, p.RemotePort = dstPort, srcPort
	}

	return p, nil
}

func addrFrom(a tcpip.Address) netip.Addr {
	addr, _ := netip.AddrFromSlice(a.AsSlice())
	return addr
}
