// Package metrics exports engine, policy and inspector counters to
// Prometheus. Values are read from one snapshot per scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fosrl/verdict/inspect"
	"github.com/fosrl/verdict/tunfilter"
)

const namespace = "verdict"

type StatsSource interface {
	Stats() inspect.Stats
}

type PolicySource interface {
	TrafficPermitted() bool
	Generation() uint64
}

type counter struct {
	desc  *prometheus.Desc
	value func(s *inspect.Stats) float64
}

func engineCounter(name, help string, value func(s *inspect.Stats) uint64) counter {
	return counter{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", name), help, nil, nil),
		value: func(s *inspect.Stats) float64 { return float64(value(s)) },
	}
}

var engineCounters = []counter{
	engineCounter("classified_total", "Events seen by the classification hooks.", func(s *inspect.Stats) uint64 { return s.Classified }),
	engineCounter("permitted_total", "Events permitted in place.", func(s *inspect.Stats) uint64 { return s.Permitted }),
	engineCounter("blocked_total", "Events blocked in place or absorbed.", func(s *inspect.Stats) uint64 { return s.Blocked }),
	engineCounter("absorbed_total", "Events pended for the worker.", func(s *inspect.Stats) uint64 { return s.Absorbed }),
	engineCounter("self_injected_total", "Events recognized as reinjected by this host.", func(s *inspect.Stats) uint64 { return s.SelfInjected }),
	engineCounter("reauth_matched_total", "Re-authorizations matched to a decided connection.", func(s *inspect.Stats) uint64 { return s.ReauthMatched }),
	engineCounter("injected_total", "Clones reinjected.", func(s *inspect.Stats) uint64 { return s.Injected }),
	engineCounter("injection_failures_total", "Reinjections refused or aborted.", func(s *inspect.Stats) uint64 { return s.InjectionFailures }),
	engineCounter("allocation_failures_total", "Events blocked because the pending limit was reached.", func(s *inspect.Stats) uint64 { return s.AllocationFailures }),
	engineCounter("suspend_failures_total", "Connection authorizations the host could not suspend.", func(s *inspect.Stats) uint64 { return s.SuspendFailures }),
	engineCounter("header_failures_total", "Network header reconstructions that failed.", func(s *inspect.Stats) uint64 { return s.HeaderFailures }),
	engineCounter("allocated_total", "Pended items allocated.", func(s *inspect.Stats) uint64 { return s.Allocated }),
	engineCounter("freed_total", "Pended items freed.", func(s *inspect.Stats) uint64 { return s.Freed }),
	engineCounter("double_frees_total", "Frees of an already freed item.", func(s *inspect.Stats) uint64 { return s.DoubleFrees }),
	engineCounter("forced_frees_total", "Decided connections freed at shutdown without a re-authorization.", func(s *inspect.Stats) uint64 { return s.ForcedFrees }),
	engineCounter("wake_cycles_total", "Worker wake-ups.", func(s *inspect.Stats) uint64 { return s.WakeCycles }),
}

var (
	liveDesc = prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", "live_items"),
		"Pended items not yet freed.", nil, nil)
	queueDesc = prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", "queue_depth"),
		"Items waiting in each queue.", []string{"queue"}, nil)
	stateDesc = prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", "state"),
		"Worker state, 1 for the current one.", []string{"state"}, nil)
	permittedDesc = prometheus.NewDesc(prometheus.BuildFQName(namespace, "policy", "permitted"),
		"1 when the policy permits traffic.", nil, nil)
	generationDesc = prometheus.NewDesc(prometheus.BuildFQName(namespace, "policy", "generation"),
		"Number of verdict changes seen.", nil, nil)
	flowsDesc = prometheus.NewDesc(prometheus.BuildFQName(namespace, "inspector", "flows"),
		"Flows in the inspector's table.", nil, nil)
	inspectorDesc = prometheus.NewDesc(prometheus.BuildFQName(namespace, "inspector", "packets_total"),
		"Packets the inspector settled without the engine.", []string{"reason"}, nil)
)

var states = []inspect.State{
	inspect.StateIdle,
	inspect.StateWaitingForWork,
	inspect.StateDraining,
	inspect.StateShuttingDown,
	inspect.StateDrained,
}

// Collector implements prometheus.Collector over the agent's components.
// Any source may be nil.
type Collector struct {
	Engine    StatsSource
	Policy    PolicySource
	Inspector func() tunfilter.InspectorStats
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range engineCounters {
		ch <- m.desc
	}
	ch <- liveDesc
	ch <- queueDesc
	ch <- stateDesc
	ch <- permittedDesc
	ch <- generationDesc
	ch <- flowsDesc
	ch <- inspectorDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.Engine != nil {
		s := c.Engine.Stats()
		for _, m := range engineCounters {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, m.value(&s))
		}
		ch <- prometheus.MustNewConstMetric(liveDesc, prometheus.GaugeValue, float64(s.Live))
		ch <- prometheus.MustNewConstMetric(queueDesc, prometheus.GaugeValue, float64(s.ConnQueue), "connection")
		ch <- prometheus.MustNewConstMetric(queueDesc, prometheus.GaugeValue, float64(s.PacketQueue), "packet")
		for _, st := range states {
			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, boolValue(st == s.State), st.String())
		}
	}

	if c.Policy != nil {
		ch <- prometheus.MustNewConstMetric(permittedDesc, prometheus.GaugeValue, boolValue(c.Policy.TrafficPermitted()))
		ch <- prometheus.MustNewConstMetric(generationDesc, prometheus.CounterValue, float64(c.Policy.Generation()))
	}

	if c.Inspector != nil {
		s := c.Inspector()
		ch <- prometheus.MustNewConstMetric(flowsDesc, prometheus.GaugeValue, float64(s.Flows))
		ch <- prometheus.MustNewConstMetric(inspectorDesc, prometheus.CounterValue, float64(s.Bypassed), "bypassed")
		ch <- prometheus.MustNewConstMetric(inspectorDesc, prometheus.CounterValue, float64(s.Dropped), "blocked_flow")
		ch <- prometheus.MustNewConstMetric(inspectorDesc, prometheus.CounterValue, float64(s.Malformed), "malformed")
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewRegistry registers c alongside the Go and process collectors
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
