package peerbridge

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for sessions and the encoder pool.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	controllersLive    prometheus.Gauge
	controllersSpawned prometheus.Counter
	spawnFailures      prometheus.Counter
	subscribers        prometheus.Gauge
	unitsProduced      prometheus.Counter
	unitsDelivered     prometheus.Counter
	subscriberFailures prometheus.Counter
	encodeErrors       prometheus.Counter
	sessionsActive     prometheus.Gauge
	operations         *prometheus.CounterVec
	eventsDropped      *prometheus.CounterVec
}

// NewMetrics creates and registers collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		controllersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerbridge_encoder_controllers",
			Help: "Encoder controllers not yet terminated",
		}),
		controllersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerbridge_encoder_controllers_spawned_total",
			Help: "Encoder controllers spawned for a previously unseen signature",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerbridge_encoder_spawn_failures_total",
			Help: "Encoder controllers whose resource failed to initialize",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerbridge_encoder_subscribers",
			Help: "Subscribers attached across all encoder controllers",
		}),
		unitsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerbridge_encoded_units_total",
			Help: "Encoded units produced by pooled encoders",
		}),
		unitsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerbridge_encoded_unit_deliveries_total",
			Help: "Encoded units successfully delivered to subscribers",
		}),
		subscriberFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerbridge_subscriber_failures_total",
			Help: "Subscriber callbacks that returned an error or panicked",
		}),
		encodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerbridge_encode_errors_total",
			Help: "Frames the pooled encoder failed to encode",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerbridge_sessions",
			Help: "Sessions not yet closed",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerbridge_operations_total",
			Help: "One-shot engine operations by outcome",
		}, []string{"op", "result"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerbridge_events_dropped_total",
			Help: "Engine events dropped by an event channel overflow policy",
		}, []string{"channel"}),
	}

	m.registry.MustRegister(
		m.controllersLive,
		m.controllersSpawned,
		m.spawnFailures,
		m.subscribers,
		m.unitsProduced,
		m.unitsDelivered,
		m.subscriberFailures,
		m.encodeErrors,
		m.sessionsActive,
		m.operations,
		m.eventsDropped,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an http.Handler that serves the metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) controllerSpawned() {
	if m == nil {
		return
	}
	m.controllersSpawned.Inc()
	m.controllersLive.Inc()
}

func (m *Metrics) controllerTerminated(initFailed bool) {
	if m == nil {
		return
	}
	m.controllersLive.Dec()
	if initFailed {
		m.spawnFailures.Inc()
	}
}

func (m *Metrics) subscriberDelta(d int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(d))
}

func (m *Metrics) unitProduced(delivered, failed int) {
	if m == nil {
		return
	}
	m.unitsProduced.Inc()
	m.unitsDelivered.Add(float64(delivered))
	m.subscriberFailures.Add(float64(failed))
}

func (m *Metrics) encodeError() {
	if m == nil {
		return
	}
	m.encodeErrors.Inc()
}

func (m *Metrics) sessionDelta(d int) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(float64(d))
}

func (m *Metrics) operation(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome(err)).Inc()
}

func (m *Metrics) eventDropped(channel string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(channel).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEngineRejected):
		return "rejected"
	case errors.Is(err, ErrChannelClosed):
		return "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
