package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for resource interactions. One instance is
// shared by every resource type; the type is a label.
type Metrics struct {
	// Interactions by type, interaction and outcome (ok, not_modified or an error code)
	Interactions *prometheus.CounterVec

	// Interaction latency including store round trips
	InteractionLatency *prometheus.HistogramVec

	// Conditional match classification by interaction
	ConditionalMatches *prometheus.CounterVec

	// Change events dropped before reaching a sink
	EventsDropped prometheus.Counter
}

// New registers the metrics with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the metrics with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Interactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_interactions_total",
			Help: "Total resource interactions by type, interaction and outcome",
		}, []string{"resource_type", "interaction", "outcome"}),

		InteractionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhir_interaction_duration_seconds",
			Help:    "Duration of resource interactions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"resource_type", "interaction"}),

		ConditionalMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_conditional_matches_total",
			Help: "Conditional interaction match classification (zero, one, many)",
		}, []string{"resource_type", "interaction", "match"}),

		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fhir_events_dropped_total",
			Help: "Change events dropped because the notifier buffer was full",
		}),
	}
}

// ObserveInteraction records the outcome and latency of one interaction.
func (m *Metrics) ObserveInteraction(resourceType, interaction, outcome string, start time.Time) {
	if m != nil {
		m.Interactions.WithLabelValues(resourceType, interaction, outcome).Inc()
		m.InteractionLatency.WithLabelValues(resourceType, interaction).Observe(time.Since(start).Seconds())
	}
}

// IncrementConditionalMatch records a conditional classification.
func (m *Metrics) IncrementConditionalMatch(resourceType, interaction, match string) {
	if m != nil {
		m.ConditionalMatches.WithLabelValues(resourceType, interaction, match).Inc()
	}
}

// IncrementEventsDropped records a dropped change event.
func (m *Metrics) IncrementEventsDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}
