// Package telemetry exposes Prometheus metrics derived from the event bus,
// so no component needs direct metric plumbing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steward-dev/steward/internal/events"
)

// Collector subscribes to bus events and translates them into metrics.
type Collector struct {
	registry *prometheus.Registry

	eventsTotal       *prometheus.CounterVec
	taskOutcomes      *prometheus.CounterVec
	ticketTransitions *prometheus.CounterVec
	lockWaitSeconds   *prometheus.HistogramVec
	interventions     *prometheus.CounterVec
	stuckWorkflows    prometheus.Counter
	incoherences      prometheus.Counter

	unsubscribes []func()
}

// NewCollector creates a collector with its own Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "events_total",
			Help:      "Domain events published, by type.",
		}, []string{"type"}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "task_outcomes_total",
			Help:      "Terminal and retry task outcomes.",
		}, []string{"outcome"}),
		ticketTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "ticket_transitions_total",
			Help:      "Ticket phase transitions, by target phase.",
		}, []string{"to_phase"}),
		lockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "steward",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for resource leases.",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"acquired"}),
		interventions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "guardian_interventions_total",
			Help:      "Guardian steering interventions, by kind.",
		}, []string{"kind"}),
		stuckWorkflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "stuck_workflows_total",
			Help:      "Stuck workflow detections.",
		}),
		incoherences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "steward",
			Name:      "system_incoherences_total",
			Help:      "Conductor-level incoherence findings.",
		}),
	}
	c.registry.MustRegister(
		c.eventsTotal, c.taskOutcomes, c.ticketTransitions,
		c.lockWaitSeconds, c.interventions, c.stuckWorkflows, c.incoherences,
	)
	return c
}

// Attach wires the collector to a bus. Call Detach to unsubscribe.
func (c *Collector) Attach(bus events.Bus) {
	c.unsubscribes = append(c.unsubscribes,
		bus.Subscribe(events.GlobalPattern, func(e events.Event) {
			c.eventsTotal.WithLabelValues(string(e.Type)).Inc()
		}),
		bus.Subscribe("task.**", func(e events.Event) {
			switch e.Type {
			case events.TaskCompleted:
				c.taskOutcomes.WithLabelValues("completed").Inc()
			case events.TaskFailedTransient:
				c.taskOutcomes.WithLabelValues("failed_transient").Inc()
			case events.TaskFailedPermanent:
				c.taskOutcomes.WithLabelValues("failed_permanent").Inc()
			case events.TaskCancelled:
				c.taskOutcomes.WithLabelValues("cancelled").Inc()
			case events.TaskTimedOut:
				c.taskOutcomes.WithLabelValues("timed_out").Inc()
			}
		}),
		bus.Subscribe(string(events.TicketPhaseTransitioned), func(e events.Event) {
			phase, _ := e.Payload["to"].(string)
			c.ticketTransitions.WithLabelValues(phase).Inc()
		}),
		bus.Subscribe(string(events.LockWaitTime), func(e events.Event) {
			acquired := "false"
			if ok, _ := e.Payload["acquired"].(bool); ok {
				acquired = "true"
			}
			c.lockWaitSeconds.WithLabelValues(acquired).Observe(payloadMillis(e.Payload, "wait_ms") / 1000)
		}),
		bus.Subscribe(string(events.InterventionIssued), func(e events.Event) {
			kind, _ := e.Payload["kind"].(string)
			c.interventions.WithLabelValues(kind).Inc()
		}),
		bus.Subscribe(string(events.WorkflowStuckDetected), func(events.Event) {
			c.stuckWorkflows.Inc()
		}),
		bus.Subscribe(string(events.SystemIncoherence), func(events.Event) {
			c.incoherences.Inc()
		}),
	)
}

// Detach removes all bus subscriptions.
func (c *Collector) Detach() {
	for _, unsubscribe := range c.unsubscribes {
		unsubscribe()
	}
	c.unsubscribes = nil
}

// Handler serves the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// payloadMillis reads a numeric payload field that may arrive as int64 or
// float64 depending on whether the event round-tripped through JSON.
func payloadMillis(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case float64:
		return v
	}
	return 0
}
