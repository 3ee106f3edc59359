// Package metrics accumulates per-variant counters.
//
// Counters live in the store so every instance of the service sees the same
// totals; each store applies a MetricsDelta atomically. Impressions and
// conversions are written in the same store operation as the assignment or
// event they count, so counters never drift from the stored history. The
// Prometheus Collector is a process-local mirror for scraping.
package metrics

import (
	"context"

	"go.uber.org/zap"

	"github.com/headline-goat/splitgoat/internal/store"
)

// GoalPrefix namespaces per-goal conversion counters inside CustomMetrics.
const GoalPrefix = "goal:"

type Aggregator struct {
	store     store.Store
	collector *Collector
	logger    *zap.Logger
}

func NewAggregator(s store.Store, collector *Collector, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: s, collector: collector, logger: logger}
}

// ImpressionDelta is stored together with a new assignment.
func ImpressionDelta() store.MetricsDelta {
	return store.MetricsDelta{Impressions: 1}
}

// ConversionDelta is stored together with a conversion event. Revenue and
// the per-goal counter move on every event; the variant's conversion counter
// moves only on the user's first, so it counts converted users.
func ConversionDelta(goalID string, value *float64) store.ConversionDelta {
	d := store.ConversionDelta{
		Always: store.MetricsDelta{Custom: map[string]float64{GoalPrefix + goalID: 1}},
		First:  store.MetricsDelta{Conversions: 1},
	}
	if value != nil {
		d.Always.Revenue = *value
	}
	return d
}

// ObserveImpression mirrors a stored impression into Prometheus.
func (a *Aggregator) ObserveImpression(testID, variantID string) {
	if a.collector != nil {
		a.collector.impressions.WithLabelValues(testID, variantID).Inc()
	}
}

// ObserveConversion mirrors a stored conversion event into Prometheus.
func (a *Aggregator) ObserveConversion(testID, variantID, goalID string, value *float64) {
	if a.collector == nil {
		return
	}
	a.collector.conversions.WithLabelValues(testID, variantID, goalID).Inc()
	if value != nil && *value > 0 {
		a.collector.revenue.WithLabelValues(testID, variantID).Add(*value)
	}
}

// RecordCustomEvent adds value (or 1 when nil) to the named custom metric.
func (a *Aggregator) RecordCustomEvent(ctx context.Context, testID, variantID, eventName string, value *float64) error {
	amount := 1.0
	if value != nil {
		amount = *value
	}
	delta := store.MetricsDelta{Custom: map[string]float64{eventName: amount}}
	if err := a.store.IncrementMetrics(ctx, testID, variantID, delta); err != nil {
		return err
	}
	if a.collector != nil {
		a.collector.customEvents.WithLabelValues(testID, variantID, eventName).Inc()
	}
	return nil
}

func (a *Aggregator) RecordEngagement(ctx context.Context, testID, variantID string, seconds float64, bounced bool) error {
	if seconds < 0 {
		seconds = 0
	}
	delta := store.MetricsDelta{EngagementTime: seconds}
	if bounced {
		delta.Bounces = 1
	}
	if err := a.store.IncrementMetrics(ctx, testID, variantID, delta); err != nil {
		return err
	}
	if a.collector != nil && seconds > 0 {
		a.collector.engagement.WithLabelValues(testID, variantID).Add(seconds)
	}
	return nil
}

// Snapshot returns the current counters for every variant of testID with rates derived.
func (a *Aggregator) Snapshot(ctx context.Context, testID string) (map[string]store.VariantMetrics, error) {
	m, err := a.store.GetMetrics(ctx, testID)
	if err != nil {
		return nil, err
	}
	for id, vm := range m {
		vm.Derive()
		m[id] = vm
	}
	return m, nil
}
