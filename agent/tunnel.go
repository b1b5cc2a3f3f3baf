package agent

import (
	"context"

	"github.com/fosrl/verdict/inspect"
	"github.com/fosrl/verdict/logger"
	"github.com/fosrl/verdict/tunfilter"
	"github.com/fosrl/verdict/tunnel"
)

// tunnelBackend inspects the packets crossing a WireGuard TUN device
type tunnelBackend struct {
	t        *tunnel.Tunnel
	injected *tunfilter.InjectedSet
	gw       *tunfilter.Gateway
}

func openTunnel(cfg Config, ic *tunfilter.InspectorConfig) (backend, error) {
	t, err := tunnel.New(cfg.Tunnel)
	if err != nil {
		return nil, err
	}

	injected := tunfilter.NewInjectedSet(tunfilter.DefaultInjectedTTL, ic.Policy)
	b := &tunnelBackend{
		t:        t,
		injected: injected,
		gw:       tunfilter.NewGateway(t.Device(), injected),
	}

	if idx, err := t.InterfaceIndex(); err != nil {
		logger.Warn("agent: no interface index for %s: %v", t.Name(), err)
	} else {
		ic.InterfaceIndex = idx
	}
	if ep, ok := t.EndpointAddr(); ok {
		ic.Bypass.AddAddr(ep)
	}
	return b, nil
}

func (b *tunnelBackend) Name() string                    { return BackendTunnel }
func (b *tunnelBackend) Gateway() inspect.Gateway        { return b.gw }
func (b *tunnelBackend) Headers() inspect.HeaderBuilder  { return b.gw }
func (b *tunnelBackend) Oracle() inspect.InjectionOracle { return b.injected }

func (b *tunnelBackend) Attach(ctx context.Context, ins *tunfilter.Inspector) error {
	b.t.Device().SetFilter(ins)
	go b.injected.Run(ctx)
	logger.Info("agent: filtering %s (public key %s)", b.t.Name(), b.t.PublicKey())
	return nil
}

func (b *tunnelBackend) Close() error {
	b.t.Close()
	return nil
}
