//go:build linux

package agent

import (
	"context"

	"github.com/fosrl/verdict/inspect"
	"github.com/fosrl/verdict/nfq"
	"github.com/fosrl/verdict/tunfilter"
)

// queueBackend inspects packets diverted to a netfilter queue
type queueBackend struct {
	cfg  nfq.Config
	host *nfq.Host
}

func openQueue(cfg Config, _ *tunfilter.InspectorConfig) (backend, error) {
	return &queueBackend{cfg: nfq.Config{Queue: cfg.Queue}}, nil
}

func (b *queueBackend) Name() string                   { return BackendQueue }
func (b *queueBackend) Gateway() inspect.Gateway       { return nfq.Gateway{} }
func (b *queueBackend) Headers() inspect.HeaderBuilder { return nil }

// accepted packets leave the queue for good, so nothing comes back to
// recognize
func (b *queueBackend) Oracle() inspect.InjectionOracle { return nil }

func (b *queueBackend) Attach(ctx context.Context, ins *tunfilter.Inspector) error {
	host, err := nfq.Open(b.cfg, ins)
	if err != nil {
		return err
	}
	if err := host.Start(ctx); err != nil {
		host.Close()
		return err
	}
	b.host = host
	return nil
}

func (b *queueBackend) Close() error {
	if b.host == nil {
		return nil
	}
	return b.host.Close()
}
