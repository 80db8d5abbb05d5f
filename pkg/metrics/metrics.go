// Package metrics defines the Prometheus collectors of the control plane.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics dependency without nil checks at every call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tactile"

// Metrics holds the collectors shared by the control plane packages.
type Metrics struct {
	eventsQueued    *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	goalsServed     *prometheus.CounterVec
	parseErrors     *prometheus.CounterVec
	nodeConnects    *prometheus.CounterVec
	callbacksActive prometheus.Gauge
	callbackErrors  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "events_queued_total",
			Help:      "Operator events accepted into a component queue",
		}, []string{"component"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "events_dropped_total",
			Help:      "Operator events dropped before reaching a component queue",
		}, []string{"component", "reason"}),
		goalsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "goals_served_total",
			Help:      "Control goals returned to the control loop",
		}, []string{"component"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "parse_errors_total",
			Help:      "Inbound payloads rejected by a parser",
		}, []string{"node"}),
		nodeConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "connects_total",
			Help:      "Node connection attempts by role and result",
		}, []string{"role", "result"}),
		callbacksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "callbacks_in_flight",
			Help:      "Data callbacks currently running",
		}),
		callbackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "callback_errors_total",
			Help:      "Data callbacks that returned an error or panicked",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.eventsQueued, m.eventsDropped, m.goalsServed, m.parseErrors,
		m.nodeConnects, m.callbacksActive, m.callbackErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// EventQueued counts an event accepted for component.
func (m *Metrics) EventQueued(component string) {
	if m == nil {
		return
	}
	m.eventsQueued.WithLabelValues(component).Inc()
}

// EventDropped counts an event dropped for component.
func (m *Metrics) EventDropped(component, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(component, reason).Inc()
}

// GoalServed counts a goal returned for component.
func (m *Metrics) GoalServed(component string) {
	if m == nil {
		return
	}
	m.goalsServed.WithLabelValues(component).Inc()
}

// ParseError counts a rejected payload received by node.
func (m *Metrics) ParseError(node string) {
	if m == nil {
		return
	}
	m.parseErrors.WithLabelValues(node).Inc()
}

// NodeConnect counts a connection attempt.
func (m *Metrics) NodeConnect(role string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.nodeConnects.WithLabelValues(role, result).Inc()
}

// CallbackStarted marks a data callback as running.
func (m *Metrics) CallbackStarted() {
	if m == nil {
		return
	}
	m.callbacksActive.Inc()
}

// CallbackFinished marks a data callback as done.
func (m *Metrics) CallbackFinished(err error) {
	if m == nil {
		return
	}
	m.callbacksActive.Dec()
	if err != nil {
		m.callbackErrors.Inc()
	}
}
