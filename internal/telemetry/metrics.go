package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energizer-project/groupchat/internal/events"
	"github.com/energizer-project/groupchat/internal/server"
)

const namespace = "groupchat"

// EngineSource is what the gauges read on every scrape.
type EngineSource interface {
	Snapshot() *server.Snapshot
	Stats() server.Stats
	QueueDepth() int
}

// TransportSource reports socket-level counters.
type TransportSource interface {
	Stats() (received, dropped, sent uint64)
}

// Metrics holds the Prometheus collectors of the chat server. Event
// counters are fed from the bus; gauges are read from the engine snapshot
// at scrape time.
type Metrics struct {
	registry *prometheus.Registry

	events     *prometheus.CounterVec
	rejections *prometheus.CounterVec
	violations *prometheus.CounterVec
	relayed    prometheus.Counter
	fanout     prometheus.Histogram
	relayBytes prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry. transport may be
// nil.
func NewMetrics(engine EngineSource, transport TransportSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Session and group lifecycle events.",
		}, []string{"type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_rejections_total",
			Help:      "Refused connection requests by reason.",
		}, []string{"reason"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_datagrams_total",
			Help:      "Datagrams dropped as malformed or protocol violations.",
		}, []string{"kind"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Data messages relayed to a group.",
		}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_recipients",
			Help:      "Recipients per relayed data message.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 250},
		}),
		relayBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Payload bytes of relayed data messages.",
		}),
	}

	m.registry.MustRegister(
		m.events, m.rejections, m.violations, m.relayed, m.fanout, m.relayBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if engine != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clients",
				Help:      "Clients in the roster, connecting or connected.",
			}, func() float64 { return float64(len(engine.Snapshot().Clients)) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clients_connected",
				Help:      "Clients past the handshake.",
			}, func() float64 { return float64(engine.Snapshot().ConnectedCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "groups",
				Help:      "Private groups alive.",
			}, func() float64 { return float64(len(engine.Snapshot().Groups)) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Datagrams waiting for the engine.",
			}, func() float64 { return float64(engine.QueueDepth()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_datagrams_total",
				Help:      "Datagrams processed by the engine.",
			}, func() float64 { return float64(engine.Stats().Received) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_errors_total",
				Help:      "Outbound datagrams the socket refused.",
			}, func() float64 { return float64(engine.Stats().SendErrors) }),
		)
	}

	if transport != nil {
		m.registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "udp",
				Name:      "received_total",
				Help:      "Datagrams read from the socket.",
			}, func() float64 { r, _, _ := transport.Stats(); return float64(r) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "udp",
				Name:      "rate_limited_total",
				Help:      "Datagrams dropped by the per-source rate limiter.",
			}, func() float64 { _, d, _ := transport.Stats(); return float64(d) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "udp",
				Name:      "sent_total",
				Help:      "Datagrams written to the socket.",
			}, func() float64 { _, _, s := transport.Stats(); return float64(s) }),
		)
	}

	return m
}

// Subscribe feeds the event counters from the bus.
func (m *Metrics) Subscribe(bus *events.EventBus) {
	bus.Subscribe("metrics", m.observe, events.AllTypes...)
}

func (m *Metrics) observe(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.EventMessageRelayed:
		m.relayed.Inc()
		if p, ok := event.Payload.(events.RelayPayload); ok {
			m.fanout.Observe(float64(p.Recipients))
			m.relayBytes.Add(float64(p.Bytes))
		}
	case events.EventMalformedMessage:
		m.violations.WithLabelValues("malformed").Inc()
	case events.EventProtocolViolation:
		m.violations.WithLabelValues("violation").Inc()
	case events.EventConnectionRejected:
		reason := "unknown"
		if p, ok := event.Payload.(events.RejectPayload); ok {
			reason = p.Reason
		}
		m.rejections.WithLabelValues(reason).Inc()
		m.events.WithLabelValues(string(event.Type)).Inc()
	case events.EventShutdown:
	default:
		m.events.WithLabelValues(string(event.Type)).Inc()
	}
	return nil
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
