package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portal_realtime"

// Recorder receives channel lifecycle observations. Implementations must
// be safe for concurrent use.
type Recorder interface {
	SetPhase(phase string)
	SessionOpened()
	Reconnect(reason string)
	RoomJoined()
	RoomError()
	EventPublished(topic string)
	MessageDropped()
}

// Nop discards every observation.
type Nop struct{}

func (Nop) SetPhase(string)       {}
func (Nop) SessionOpened()        {}
func (Nop) Reconnect(string)      {}
func (Nop) RoomJoined()           {}
func (Nop) RoomError()            {}
func (Nop) EventPublished(string) {}
func (Nop) MessageDropped()       {}

// Metrics holds the Prometheus collectors of one channel on a private
// registry.
type Metrics struct {
	registry *prometheus.Registry
	phases   []string

	Phase           *prometheus.GaugeVec
	SessionsTotal   prometheus.Counter
	ReconnectsTotal *prometheus.CounterVec
	RoomJoinsTotal  prometheus.Counter
	RoomErrorsTotal prometheus.Counter
	EventsTotal     *prometheus.CounterVec
	DroppedTotal    prometheus.Counter
}

// New creates and registers the collectors. phases lists every phase name
// so the phase gauge exports one series per phase.
func New(phases []string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		phases:   phases,
		Phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase",
			Help:      "Current connection phase (1 for the active phase).",
		}, []string{"phase"}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions that reached the connected phase.",
		}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnects by disconnect reason.",
		}, []string{"reason"}),
		RoomJoinsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_joins_total",
			Help:      "Room join messages sent.",
		}),
		RoomErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_errors_total",
			Help:      "Room protocol errors reported by the server.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events published on the event bus by topic.",
		}, []string{"topic"}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because the channel was not connected.",
		}),
	}

	m.registry.MustRegister(
		m.Phase,
		m.SessionsTotal,
		m.ReconnectsTotal,
		m.RoomJoinsTotal,
		m.RoomErrorsTotal,
		m.EventsTotal,
		m.DroppedTotal,
		collectors.NewGoCollector(),
	)

	for _, p := range phases {
		m.Phase.WithLabelValues(p).Set(0)
	}

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetPhase marks phase as the only active phase.
func (m *Metrics) SetPhase(phase string) {
	for _, p := range m.phases {
		if p == phase {
			m.Phase.WithLabelValues(p).Set(1)
		} else {
			m.Phase.WithLabelValues(p).Set(0)
		}
	}
}

func (m *Metrics) SessionOpened()              { m.SessionsTotal.Inc() }
func (m *Metrics) Reconnect(reason string)     { m.ReconnectsTotal.WithLabelValues(reason).Inc() }
func (m *Metrics) RoomJoined()                 { m.RoomJoinsTotal.Inc() }
func (m *Metrics) RoomError()                  { m.RoomErrorsTotal.Inc() }
func (m *Metrics) EventPublished(topic string) { m.EventsTotal.WithLabelValues(topic).Inc() }
func (m *Metrics) MessageDropped()             { m.DroppedTotal.Inc() }
