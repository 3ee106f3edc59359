package metrics_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/headline-goat/splitgoat/internal/metrics"
	"github.com/headline-goat/splitgoat/internal/store"
)

func newAggregator(t *testing.T) (*metrics.Aggregator, *store.MemoryStore, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s := store.NewMemoryStore()
	return metrics.NewAggregator(s, metrics.NewCollector(reg), nil), s, reg
}

func ptr(f float64) *float64 { return &f }

func assign(t *testing.T, s store.Store, testID, userID, variantID string) {
	t.Helper()
	_, created, err := s.CreateAssignment(context.Background(), &store.UserAssignment{
		TestID: testID, UserID: userID, VariantID: variantID,
	}, metrics.ImpressionDelta())
	require.NoError(t, err)
	require.True(t, created)
}

func TestConversionDelta(t *testing.T) {
	d := metrics.ConversionDelta("purchase", ptr(12.5))
	assert.Equal(t, int64(0), d.Always.Conversions)
	assert.Equal(t, 12.5, d.Always.Revenue)
	assert.Equal(t, map[string]float64{"goal:purchase": 1}, d.Always.Custom)
	assert.Equal(t, int64(1), d.First.Conversions)

	noValue := metrics.ConversionDelta("signup", nil)
	assert.Zero(t, noValue.Always.Revenue)
	assert.Equal(t, store.MetricsDelta{Impressions: 1}, metrics.ImpressionDelta())
}

func TestAggregator_ConversionCountsUsersOnce(t *testing.T) {
	ctx := context.Background()
	agg, s, _ := newAggregator(t)

	assign(t, s, "t1", "u1", "B")
	first, err := s.AppendConversion(ctx, "t1", "u1", store.ConversionEvent{GoalID: "purchase"}, metrics.ConversionDelta("purchase", ptr(20)))
	require.NoError(t, err)
	assert.True(t, first)
	first, err = s.AppendConversion(ctx, "t1", "u1", store.ConversionEvent{GoalID: "purchase"}, metrics.ConversionDelta("purchase", ptr(5.5)))
	require.NoError(t, err)
	assert.False(t, first)

	snap, err := agg.Snapshot(ctx, "t1")
	require.NoError(t, err)

	b := snap["B"]
	assert.Equal(t, int64(1), b.Impressions)
	assert.Equal(t, int64(1), b.Conversions)
	assert.InDelta(t, 1.0, b.ConversionRate, 1e-9)
	assert.InDelta(t, 25.5, b.Revenue, 1e-9)
	assert.Equal(t, 2.0, b.CustomMetrics[metrics.GoalPrefix+"purchase"])
}

func TestAggregator_CustomEventsAndEngagement(t *testing.T) {
	ctx := context.Background()
	agg, s, _ := newAggregator(t)

	assign(t, s, "t1", "u1", "A")
	assign(t, s, "t1", "u2", "A")
	require.NoError(t, agg.RecordCustomEvent(ctx, "t1", "A", "video_play", nil))
	require.NoError(t, agg.RecordCustomEvent(ctx, "t1", "A", "scroll_depth", ptr(0.75)))
	require.NoError(t, agg.RecordEngagement(ctx, "t1", "A", 12.5, false))
	require.NoError(t, agg.RecordEngagement(ctx, "t1", "A", -3, true))

	a := mustSnapshot(t, agg, "t1")["A"]
	assert.Equal(t, 1.0, a.CustomMetrics["video_play"])
	assert.Equal(t, 0.75, a.CustomMetrics["scroll_depth"])
	assert.Equal(t, 12.5, a.EngagementTime)
	assert.Equal(t, int64(1), a.Bounces)
	assert.InDelta(t, 0.5, a.BounceRate, 1e-9)
}

func TestAggregator_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	agg, s, _ := newAggregator(t)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				_, _, err := s.CreateAssignment(ctx, &store.UserAssignment{
					TestID: "t1", UserID: fmt.Sprintf("u-%d-%d", i, j), VariantID: "A",
				}, metrics.ImpressionDelta())
				if err != nil {
					return err
				}
				if err := agg.RecordEngagement(ctx, "t1", "A", 1, false); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	a := mustSnapshot(t, agg, "t1")["A"]
	assert.Equal(t, int64(1000), a.Impressions)
	assert.Equal(t, 1000.0, a.EngagementTime)
}

func TestCollector_MirrorsCounters(t *testing.T) {
	agg, _, reg := newAggregator(t)

	agg.ObserveImpression("t1", "A")
	agg.ObserveConversion("t1", "A", "signup", ptr(10))
	agg.ObserveConversion("t1", "A", "signup", nil)

	count, err := testutil.GatherAndCount(reg,
		"splitgoat_impressions_total", "splitgoat_conversions_total", "splitgoat_revenue_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "one series per metric")

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, values["splitgoat_impressions_total"])
	assert.Equal(t, 2.0, values["splitgoat_conversions_total"])
	assert.Equal(t, 10.0, values["splitgoat_revenue_total"])
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *metrics.Collector
	assert.NotPanics(t, func() { c.AssignmentError("t1", "store") })

	agg := metrics.NewAggregator(store.NewMemoryStore(), nil, nil)
	assert.NotPanics(t, func() {
		agg.ObserveImpression("t1", "A")
		agg.ObserveConversion("t1", "A", "signup", ptr(1))
	})
}

func mustSnapshot(t *testing.T, agg *metrics.Aggregator, testID string) map[string]store.VariantMetrics {
	t.Helper()
	snap, err := agg.Snapshot(context.Background(), testID)
	require.NoError(t, err)
	return snap
}
