// Package agent wires the policy source, the inspection engine, a packet
// host and the control API into one running process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/fosrl/verdict/api"
	"github.com/fosrl/verdict/flow"
	"github.com/fosrl/verdict/inspect"
	"github.com/fosrl/verdict/logger"
	"github.com/fosrl/verdict/metrics"
	"github.com/fosrl/verdict/policy"
	"github.com/fosrl/verdict/tunfilter"
	"github.com/fosrl/verdict/tunnel"
)

const (
	BackendTunnel = "tunnel"
	BackendQueue  = "nfqueue"

	PolicyStatic = "static"
	PolicyRemote = "remote"

	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	Version string
	Backend string

	Tunnel tunnel.Config
	Queue  uint16

	// DataLayer is "transport", "network" or "none"
	DataLayer    string
	TracePackets bool
	Bypass       []netip.Prefix
	MaxPending   int
	DrainGrace   time.Duration

	PolicySource string
	// Permit is the initial static verdict and the remote fallback
	Permit bool
	Remote policy.RemoteConfig

	EnableAPI  bool
	HTTPAddr   string
	SocketPath string

	ShutdownTimeout time.Duration
}

// backend is a packet host. open runs before the inspector exists and may
// fill in the inspector config; attach starts feeding it packets.
type backend interface {
	Name() string
	Gateway() inspect.Gateway
	Headers() inspect.HeaderBuilder
	Oracle() inspect.InjectionOracle
	Attach(ctx context.Context, ins *tunfilter.Inspector) error
	Close() error
}

type opener func(cfg Config, ic *tunfilter.InspectorConfig) (backend, error)

var backends = map[string]opener{
	BackendTunnel: openTunnel,
	BackendQueue:  openQueue,
}

func parseDataLayer(s string) (layer flow.Layer, connectionsOnly bool, err error) {
	switch strings.ToLower(s) {
	case "", "transport":
		return flow.LayerTransport, false, nil
	case "network":
		return flow.LayerNetwork, false, nil
	case "none":
		return flow.LayerTransport, true, nil
	}
	return 0, false, fmt.Errorf("unknown data layer %q", s)
}

func buildPolicy(cfg Config) (policy.Source, error) {
	switch strings.ToLower(cfg.PolicySource) {
	case "", PolicyStatic:
		return policy.NewStatic(cfg.Permit), nil
	case PolicyRemote:
		rcfg := cfg.Remote
		rcfg.Fallback = cfg.Permit
		remote, err := policy.NewRemote(rcfg)
		if err != nil {
			return nil, err
		}
		remote.OnAuthError(func(statusCode int, message string) {
			logger.Error("agent: verdict authority rejected credentials (%d): %s", statusCode, message)
		})
		return remote, nil
	}
	return nil, fmt.Errorf("unknown policy source %q", cfg.PolicySource)
}

func buildAPI(cfg Config) *api.API {
	if !cfg.EnableAPI {
		return nil
	}
	if cfg.HTTPAddr != "" {
		return api.NewAPI(cfg.HTTPAddr)
	}
	if cfg.SocketPath != "" {
		return api.NewAPISocket(cfg.SocketPath)
	}
	return nil
}

// Run brings everything up and blocks until ctx is done or the API asks the
// process to exit, then drains the engine and tears down.
func Run(ctx context.Context, cfg Config) error {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendTunnel
	}
	open, ok := backends[cfg.Backend]
	if !ok {
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	layer, connectionsOnly, err := parseDataLayer(cfg.DataLayer)
	if err != nil {
		return err
	}

	src, err := buildPolicy(cfg)
	if err != nil {
		return fmt.Errorf("failed to build policy source: %w", err)
	}
	src.Subscribe(func(permitted bool, generation uint64) {
		logger.Info("agent: %s policy now permitted=%v (generation %d)", src.Name(), permitted, generation)
	})

	ic := tunfilter.InspectorConfig{
		DataLayer:       layer,
		ConnectionsOnly: connectionsOnly,
		Bypass:          tunfilter.NewBypass(cfg.Bypass...),
		Policy:          src,
	}
	host, err := open(cfg, &ic)
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}

	ins := tunfilter.NewInspector(ic)
	engine, err := inspect.New(inspect.Config{
		Oracle:       host.Oracle(),
		Policy:       src,
		Suspender:    ins,
		Gateway:      host.Gateway(),
		Headers:      host.Headers(),
		MaxPending:   cfg.MaxPending,
		DrainGrace:   cfg.DrainGrace,
		TracePackets: cfg.TracePackets,
	})
	if err != nil {
		host.Close()
		return err
	}
	ins.Bind(engine)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var loops sync.WaitGroup

	engine.Start(runCtx)
	loops.Add(1)
	go func() {
		defer loops.Done()
		ins.Run(runCtx)
	}()

	if remote, ok := src.(*policy.Remote); ok {
		if err := remote.Start(); err != nil {
			logger.Error("agent: failed to start verdict authority client: %v", err)
		}
		defer remote.Close()
	}

	apiServer := buildAPI(cfg)
	var exit <-chan struct{}
	if apiServer != nil {
		apiServer.SetVersion(cfg.Version)
		apiServer.SetBackend(host.Name())
		apiServer.SetEngine(engine)
		apiServer.SetPolicy(src)
		apiServer.SetInspector(ins.Stats)
		apiServer.SetMetricsHandler(metrics.Handler(metrics.NewRegistry(&metrics.Collector{
			Engine:    engine,
			Policy:    src,
			Inspector: ins.Stats,
		})))
		if err := apiServer.Start(); err != nil {
			logger.Error("agent: failed to start API server: %v", err)
		} else {
			exit = apiServer.GetShutdownChannel()
		}
	}

	var runErr error
	if err := host.Attach(runCtx, ins); err != nil {
		runErr = fmt.Errorf("failed to attach %s backend: %w", host.Name(), err)
	} else {
		logger.Info("agent: inspecting %s traffic with %s policy", host.Name(), src.Name())
		select {
		case <-ctx.Done():
			logger.Info("agent: shutdown signal received")
		case <-exit:
			logger.Info("agent: shutdown requested via API")
		}
	}

	engine.BeginShutdown()
	if err := host.Close(); err != nil {
		logger.Warn("agent: closing %s backend: %v", host.Name(), err)
	}

	drainCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer done()
	if err := engine.AwaitDrained(drainCtx); err != nil {
		logger.Error("agent: %v (%d items still live)", err, engine.Stats().Live)
		runErr = errors.Join(runErr, err)
	}
	ins.Close()
	cancel()
	loops.Wait()

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Warn("agent: stopping API server: %v", err)
		}
	}
	logger.Info("agent: shutdown complete")
	return runErr
}
