package tunfilter

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/fosrl/verdict/flow"
	"github.com/fosrl/verdict/inspect"
	"github.com/fosrl/verdict/logger"
)

const rebuiltTTL = 64

var (
	ErrNotPacket       = errors.New("tunfilter: buffer is not a tunnel packet")
	ErrIPv6Unsupported = errors.New("tunfilter: IPv6 header reconstruction is not supported")
)

// Injector hands packets back to the TUN device. done runs once unless the
// call returns an error.
type Injector interface {
	InjectOutbound(packet []byte, done func(error)) error
	InjectInbound(packet []byte, done func(error)) error
}

// Gateway reinjects clones of tunnel packets. It implements inspect.Gateway
// and inspect.HeaderBuilder.
type Gateway struct {
	inj      Injector
	injected *InjectedSet
}

func NewGateway(inj Injector, injected *InjectedSet) *Gateway {
	return &Gateway{inj: inj, injected: injected}
}

func (g *Gateway) CloneAndSend(req *inspect.Injection, done inspect.CompletionFunc) error {
	return g.inject(req, done, g.inj.InjectOutbound)
}

func (g *Gateway) CloneAndReceive(req *inspect.Injection, done inspect.CompletionFunc) error {
	return g.inject(req, done, g.inj.InjectInbound)
}

func (g *Gateway) inject(req *inspect.Injection, done inspect.CompletionFunc, send func([]byte, func(error)) error) error {
	pkt, ok := req.Buffer.(*Packet)
	if !ok {
		if req.Buffer != nil {
			req.Buffer.Release()
		}
		return ErrNotPacket
	}

	clone := pkt.Clone()
	pkt.Release()

	if req.Prepare != nil {
		if err := req.Prepare(clone); err != nil {
			clone.Release()
			return err
		}
	}

	data := clone.Bytes()
	if g.injected != nil {
		g.injected.Remember(data)
	}

	err := send(data, func(err error) {
		done(clone, err)
		clone.Release()
	})
	if err != nil {
		clone.Release()
		return err
	}
	return nil
}

// RebuildNetworkHeader puts a fresh IPv4 header in front of the transport
// header of an inbound clone. The clone's offset is expected to sit
// transportHeaderSize bytes past the start of the transport header.
func (g *Gateway) RebuildNetworkHeader(clone inspect.Buffer, id flow.Identity, transportHeaderSize int) error {
	pkt, ok := clone.(*Packet)
	if !ok {
		return ErrNotPacket
	}
	if id.Family != flow.FamilyIPv4 {
		return ErrIPv6Unsupported
	}

	data := pkt.Bytes()
	start := pkt.Offset() - transportHeaderSize
	if start < 0 || start > len(data) {
		return fmt.Errorf("tunfilter: transport header at %d outside %d byte packet", start, len(data))
	}
	payload := data[start:]

	b := make([]byte, header.IPv4MinimumSize+len(payload))
	ip := header.IPv4(b)
	src, dst := id.RemoteAddr, id.LocalAddr
	if id.Direction == flow.Outbound {
		src, dst = dst, src
	}
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(b)),
		TTL:         rebuiltTTL,
		Protocol:    id.Protocol,
		SrcAddr:     tcpip.AddrFrom4(src.As4()),
		DstAddr:     tcpip.AddrFrom4(dst.As4()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	copy(b[header.IPv4MinimumSize:], payload)

	pkt.replace(b, header.IPv4MinimumSize+transportHeaderSize)
	logger.Debug("tunfilter: rebuilt IPv4 header for %s", id)
	return nil
}
