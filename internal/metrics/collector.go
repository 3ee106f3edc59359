package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector mirrors engine activity into Prometheus counters.
type Collector struct {
	impressions      *prometheus.CounterVec
	conversions      *prometheus.CounterVec
	revenue          *prometheus.CounterVec
	customEvents     *prometheus.CounterVec
	engagement       *prometheus.CounterVec
	assignmentErrors *prometheus.CounterVec
}

// NewCollector registers the counters on reg. A nil reg uses a private registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Collector{
		impressions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "splitgoat",
				Name:      "impressions_total",
				Help:      "First-time variant assignments",
			},
			[]string{"test", "variant"},
		),
		conversions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "splitgoat",
				Name:      "conversions_total",
				Help:      "Conversion events by goal, including repeats",
			},
			[]string{"test", "variant", "goal"},
		),
		revenue: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "splitgoat",
				Name:      "revenue_total",
				Help:      "Revenue attributed to conversions",
			},
			[]string{"test", "variant"},
		),
		customEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "splitgoat",
				Name:      "custom_events_total",
				Help:      "Custom events tracked",
			},
			[]string{"test", "variant", "event"},
		),
		engagement: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "splitgoat",
				Name:      "engagement_seconds_total",
				Help:      "Engagement time reported by clients",
			},
			[]string{"test", "variant"},
		),
		assignmentErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "splitgoat",
				Name:      "assignment_errors_total",
				Help:      "Variant lookups that degraded to no experiment",
			},
			[]string{"test", "reason"},
		),
	}
}

func (c *Collector) AssignmentError(testID, reason string) {
	if c == nil {
		return
	}
	c.assignmentErrors.WithLabelValues(testID, reason).Inc()
}
