//go:build linux

// Package nfq drives the engine from a netfilter queue. Every queued packet
// is a pended decision: the kernel holds it until a verdict is issued for
// its id.
package nfq

import (
	"context"
	"fmt"
	"time"

	"github.com/florianl/go-nfqueue/v2"

	"github.com/fosrl/verdict/flow"
	"github.com/fosrl/verdict/logger"
	"github.com/fosrl/verdict/tunfilter"
)

const (
	DefaultQueue = 100

	// netfilter hook numbers
	hookLocalIn  = 1
	hookLocalOut = 3
)

type Config struct {
	Queue       uint16
	MaxQueueLen uint32
}

// Host reads packets from a netfilter queue and hands them to the inspector
type Host struct {
	cfg Config
	nf  *nfqueue.Nfqueue
	ins *tunfilter.Inspector
}

func Open(cfg Config, ins *tunfilter.Inspector) (*Host, error) {
	if cfg.Queue == 0 {
		cfg.Queue = DefaultQueue
	}
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = 1024
	}

	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      cfg.Queue,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open nfqueue socket: %w", err)
	}
	return &Host{cfg: cfg, nf: nf, ins: ins}, nil
}

// Start registers the packet callback; it stops when ctx is done
func (h *Host) Start(ctx context.Context) error {
	errFn := func(e error) int {
		logger.Warn("nfq: queue error: %v", e)
		return 0
	}
	if err := h.nf.RegisterWithErrorFunc(ctx, h.handle, errFn); err != nil {
		return fmt.Errorf("could not register nfqueue hook: %w", err)
	}
	logger.Info("nfq: reading queue %d", h.cfg.Queue)
	return nil
}

func (h *Host) handle(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	return handlePacket(h.nf, h.ins, a)
}

func handlePacket(v verdicter, ins *tunfilter.Inspector, a nfqueue.Attribute) int {
	id := *a.PacketID
	if a.Payload == nil {
		_ = v.SetVerdict(id, nfqueue.NfAccept)
		return 0
	}

	pkt := newHeld(v, id, *a.Payload)
	switch ins.Handle(pkt.data, direction(a), pkt.view) {
	case tunfilter.FilterActionPass:
		if err := pkt.settle(nfqueue.NfAccept); err != nil {
			logger.Warn("nfq: failed to accept packet %d: %v", id, err)
		}
	case tunfilter.FilterActionDrop:
		if err := pkt.settle(nfqueue.NfDrop); err != nil {
			logger.Warn("nfq: failed to drop packet %d: %v", id, err)
		}
	}
	// an intercepted packet stays referenced by the engine
	pkt.Release()
	return 0
}

// direction maps the netfilter hook, or failing that the device attributes,
// onto the flow direction
func direction(a nfqueue.Attribute) flow.Direction {
	if a.Hook != nil {
		switch *a.Hook {
		case hookLocalIn:
			return flow.Inbound
		case hookLocalOut:
			return flow.Outbound
		}
	}
	if a.InDev != nil && a.OutDev == nil {
		return flow.Inbound
	}
	return flow.Outbound
}

func (h *Host) Gateway() Gateway {
	return Gateway{}
}

func (h *Host) Close() error {
	return h.nf.Close()
}
