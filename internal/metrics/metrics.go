package metrics

import (
	"context"

	"github.com/AnshMNSoni/NariKawach/internal/safety"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "narikawach"

// Oracle outcomes.
const (
	OracleOK     = "ok"
	OracleCached = "cached"
	OracleError  = "error"
)

// Metrics holds the service's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	safetyEvents     *prometheus.CounterVec
	emergencies      prometheus.Counter
	activeTrips      prometheus.Gauge
	oracleRequests   *prometheus.CounterVec
	eventPublishes   *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		safetyEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_events_total",
			Help:      "Safety controller events by type.",
		}, []string{"type"}),
		emergencies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergencies_total",
			Help:      "Transitions into the emergency view.",
		}),
		activeTrips: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_trips",
			Help:      "Trips started and not yet ended since process start.",
		}),
		oracleRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_oracle_requests_total",
			Help:      "Risk oracle lookups by outcome.",
		}, []string{"outcome"}),
		eventPublishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publishes_total",
			Help:      "Broker publishes by outcome.",
		}, []string{"outcome"}),
		rateLimitDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denials_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
	}
}

// Notify counts controller events.
func (m *Metrics) Notify(_ context.Context, e safety.Event) {
	if m == nil {
		return
	}
	m.safetyEvents.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case safety.EventEmergencyEntered:
		m.emergencies.Inc()
	case safety.EventTripStarted:
		m.activeTrips.Inc()
	case safety.EventTripEnded:
		m.activeTrips.Dec()
	}
}

func (m *Metrics) ObserveOracle(outcome string) {
	if m == nil {
		return
	}
	m.oracleRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePublish(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.eventPublishes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OnDeny(route string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(route).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
