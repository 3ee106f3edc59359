package experiment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/metrics"
	"github.com/headline-goat/splitgoat/internal/store"
)

func ptr(f float64) *float64 { return &f }

func TestTrackConversion_Idempotent(t *testing.T) {
	f := newFixture(t)
	test := f.running(t, checkoutCTA())
	ctx := experiment.WithUserID(context.Background(), "sticky-user")

	v, ok := f.registry.GetVariant(ctx, test.ID)
	require.True(t, ok)
	require.Equal(t, "B", v)

	require.NoError(t, f.registry.TrackConversion(ctx, test.ID, "purchase", ptr(30), map[string]any{"order": "1001"}))
	require.NoError(t, f.registry.TrackConversion(ctx, test.ID, "purchase", ptr(12.5), nil))

	a, err := f.store.GetAssignment(ctx, test.ID, "sticky-user")
	require.NoError(t, err)
	assert.True(t, a.HasConverted)
	require.Len(t, a.Conversions, 2)
	assert.Equal(t, "purchase", a.Conversions[0].GoalID)
	assert.Equal(t, 30.0, *a.Conversions[0].Value)

	m, err := f.registry.Metrics(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m["B"].Conversions)
	assert.Equal(t, 42.5, m["B"].Revenue)
	assert.Equal(t, 2.0, m["B"].CustomMetrics[metrics.GoalPrefix+"purchase"])
	assert.InDelta(t, 1.0, m["B"].ConversionRate, 1e-9)
}

func TestTrackConversion_DefaultsToPrimaryGoal(t *testing.T) {
	f := newFixture(t)
	test := f.running(t, checkoutCTA())
	ctx := experiment.WithUserID(context.Background(), "u1")

	_, ok := f.registry.GetVariant(ctx, test.ID)
	require.True(t, ok)
	require.NoError(t, f.registry.TrackConversion(ctx, test.ID, "", nil, nil))

	a, err := f.store.GetAssignment(ctx, test.ID, "u1")
	require.NoError(t, err)
	require.Len(t, a.Conversions, 1)
	assert.Equal(t, "purchase", a.Conversions[0].GoalID)
	assert.Nil(t, a.Conversions[0].Value)
}

func TestTracking_NoOps(t *testing.T) {
	f := newFixture(t)
	test := f.running(t, checkoutCTA())
	anon := context.Background()
	unassigned := experiment.WithUserID(anon, "never-seen")

	assert.NoError(t, f.registry.TrackConversion(anon, test.ID, "purchase", nil, nil))
	assert.NoError(t, f.registry.TrackConversion(unassigned, test.ID, "purchase", nil, nil))
	assert.NoError(t, f.registry.TrackConversion(unassigned, "unknown", "purchase", nil, nil))
	assert.NoError(t, f.registry.TrackCustomEvent(unassigned, test.ID, "video_play", nil, nil))
	assert.NoError(t, f.registry.TrackEngagement(unassigned, "unknown", 10, false))

	m, err := f.registry.Metrics(anon, test.ID)
	require.NoError(t, err)
	assert.Empty(t, m)

	_, err = f.store.GetAssignment(anon, test.ID, "never-seen")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTracking_StopsWhenCompleted(t *testing.T) {
	f := newFixture(t)
	test := f.running(t, checkoutCTA())
	ctx := experiment.WithUserID(context.Background(), "u1")

	_, ok := f.registry.GetVariant(ctx, test.ID)
	require.True(t, ok)
	_, err := f.registry.PauseTest(ctx, test.ID)
	require.NoError(t, err)
	require.NoError(t, f.registry.TrackConversion(ctx, test.ID, "purchase", nil, nil))

	_, err = f.registry.StopTest(ctx, test.ID)
	require.NoError(t, err)
	require.NoError(t, f.registry.TrackConversion(ctx, test.ID, "purchase", nil, nil))

	a, err := f.store.GetAssignment(ctx, test.ID, "u1")
	require.NoError(t, err)
	assert.Len(t, a.Conversions, 1, "paused tests collect, completed tests do not")
}

func TestTrackCustomEventAndEngagement(t *testing.T) {
	f := newFixture(t)
	test := f.running(t, checkoutCTA())
	ctx := experiment.WithUserID(context.Background(), "u1")

	v, ok := f.registry.GetVariant(ctx, test.ID)
	require.True(t, ok)

	require.NoError(t, f.registry.TrackCustomEvent(ctx, test.ID, "video_play", nil, map[string]any{"position": 3}))
	require.NoError(t, f.registry.TrackCustomEvent(ctx, test.ID, "scroll_depth", ptr(0.8), nil))
	require.NoError(t, f.registry.TrackEngagement(ctx, test.ID, 42, true))

	err := f.registry.TrackCustomEvent(ctx, test.ID, "", nil, nil)
	assert.True(t, experiment.IsValidation(err))

	m, err := f.registry.Metrics(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m[v].CustomMetrics["video_play"])
	assert.Equal(t, 0.8, m[v].CustomMetrics["scroll_depth"])
	assert.Equal(t, 42.0, m[v].EngagementTime)
	assert.Equal(t, 1.0, m[v].BounceRate)
	assert.Zero(t, m[v].Conversions, "custom events are not conversions")

	a, err := f.store.GetAssignment(ctx, test.ID, "u1")
	require.NoError(t, err)
	assert.False(t, a.HasConverted)
}

func TestCheckoutCTA_EndToEnd(t *testing.T) {
	f := newFixture(t)
	test := f.running(t, checkoutCTA())
	ctx := context.Background()

	byVariant := map[string][]string{}
	for i := 0; i < 1000; i++ {
		user := fmt.Sprintf("user-%d", i)
		v, ok := f.registry.GetVariantForUser(ctx, test.ID, user)
		require.True(t, ok)
		byVariant[v] = append(byVariant[v], user)
	}
	assert.InDelta(t, 500, len(byVariant["A"]), 50)
	assert.InDelta(t, 500, len(byVariant["B"]), 50)

	convert := func(variant string, n int) {
		for _, user := range byVariant[variant][:n] {
			uctx := experiment.WithUserID(ctx, user)
			require.NoError(t, f.registry.TrackConversion(uctx, test.ID, "purchase", nil, nil))
		}
	}
	convert("A", 80)
	convert("B", 110)

	res, ok := f.registry.GetTestResults(ctx, test.ID)
	require.True(t, ok)
	require.Len(t, res.Variants, 2)
	assert.Equal(t, int64(1000), res.TotalImpressions)
	assert.Equal(t, int64(190), res.TotalConversions)

	a, b := res.Variants[0], res.Variants[1]
	assert.Equal(t, "A", a.VariantID)
	assert.Equal(t, int64(80), a.Conversions)
	assert.Equal(t, int64(110), b.Conversions)
	assert.Greater(t, b.ConversionRate, a.ConversionRate)
	assert.Greater(t, b.Uplift, 0.0)
	if b.Significance >= 0.95 {
		assert.Equal(t, "B", res.Winner)
	}
}

func TestGetTestResults_SnapshotSurvivesMetricChanges(t *testing.T) {
	f := newFixture(t)
	test := f.running(t, checkoutCTA())
	ctx := context.Background()

	_, ok := f.registry.GetTestResults(ctx, "unknown")
	assert.False(t, ok)

	for i := 0; i < 10; i++ {
		f.registry.GetVariantForUser(ctx, test.ID, fmt.Sprintf("user-%d", i))
	}
	stopped, err := f.registry.StopTest(ctx, test.ID)
	require.NoError(t, err)
	require.NotNil(t, stopped.Results)

	require.NoError(t, f.store.IncrementMetrics(ctx, test.ID, "A", store.MetricsDelta{Impressions: 500}))

	res, ok := f.registry.GetTestResults(ctx, test.ID)
	require.True(t, ok)
	assert.Equal(t, int64(10), res.TotalImpressions)
	assert.Equal(t, stopped.Results.ComputedAt, res.ComputedAt)
}

func TestExportImport(t *testing.T) {
	f := newFixture(t)
	test := f.running(t, checkoutCTA())
	ctx := context.Background()

	for _, user := range []string{"u1", "sticky-user", "alice"} {
		_, ok := f.registry.GetVariantForUser(ctx, test.ID, user)
		require.True(t, ok)
	}
	require.NoError(t, f.registry.TrackConversion(experiment.WithUserID(ctx, "alice"), test.ID, "purchase", ptr(9.99), nil))

	bundle, err := f.registry.ExportTest(ctx, test.ID)
	require.NoError(t, err)

	var decoded experiment.Bundle
	require.NoError(t, json.Unmarshal(bundle, &decoded))
	assert.Equal(t, experiment.BundleVersion, decoded.Version)
	assert.Equal(t, test.ID, decoded.Test.ID)
	assert.Len(t, decoded.Assignments, 3)
	assert.Equal(t, int64(1), decoded.Test.Variant("B").Metrics.Conversions)

	imported, err := f.registry.ImportTest(ctx, bundle)
	require.NoError(t, err)
	assert.NotEqual(t, test.ID, imported.ID)
	assert.Equal(t, store.StatusDraft, imported.Status)
	assert.Nil(t, imported.StartDate)
	assert.Nil(t, imported.Results)
	assert.Equal(t, test.Variants[1].Config, imported.Variants[1].Config)

	assignments, err := f.store.ListAssignments(ctx, imported.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 3)
	for _, a := range assignments {
		assert.Equal(t, imported.ID, a.TestID)
	}

	alice, err := f.store.GetAssignment(ctx, imported.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "B", alice.VariantID)
	assert.True(t, alice.HasConverted)
	require.Len(t, alice.Conversions, 1)

	m, err := f.registry.Metrics(ctx, imported.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m["A"].Impressions+m["B"].Impressions, "one impression per imported assignment")
	assert.Equal(t, int64(1), m["B"].Conversions)
	assert.InDelta(t, 9.99, m["B"].Revenue, 1e-9)

	// The original is untouched.
	original, err := f.registry.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, original.Status)
}

func TestImportTest_ConvertingImportedUsers(t *testing.T) {
	f := newFixture(t)
	test := f.running(t, checkoutCTA())
	ctx := context.Background()

	users := make([]string, 40)
	for i := range users {
		users[i] = fmt.Sprintf("user-%d", i)
		_, ok := f.registry.GetVariantForUser(ctx, test.ID, users[i])
		require.True(t, ok)
	}

	bundle, err := f.registry.ExportTest(ctx, test.ID)
	require.NoError(t, err)
	imported, err := f.registry.ImportTest(ctx, bundle)
	require.NoError(t, err)
	_, err = f.registry.StartTest(ctx, imported.ID)
	require.NoError(t, err)

	for _, user := range users {
		uctx := experiment.WithUserID(ctx, user)
		require.NoError(t, f.registry.TrackConversion(uctx, imported.ID, "purchase", nil, nil))
		// Returning users are not counted again.
		_, ok := f.registry.GetVariantForUser(uctx, imported.ID, user)
		require.True(t, ok)
	}

	m, err := f.registry.Metrics(ctx, imported.ID)
	require.NoError(t, err)
	var impressions int64
	for id, vm := range m {
		assert.LessOrEqual(t, vm.Conversions, vm.Impressions, "variant %s", id)
		impressions += vm.Impressions
	}
	assert.Equal(t, int64(len(users)), impressions)

	res, ok := f.registry.GetTestResults(ctx, imported.ID)
	require.True(t, ok)
	assert.Equal(t, int64(len(users)), res.TotalImpressions)
	assert.Equal(t, int64(len(users)), res.TotalConversions)
	assert.False(t, math.IsNaN(res.Significance))
	for _, v := range res.Variants {
		assert.LessOrEqual(t, v.ConversionRate, 1.0, "variant %s", v.VariantID)
		assert.False(t, math.IsNaN(v.Significance), "variant %s", v.VariantID)
		assert.False(t, math.IsNaN(v.PValue), "variant %s", v.VariantID)
	}
}

// flakyStore fails conversion writes a fixed number of times before
// delegating to the wrapped store.
type flakyStore struct {
	store.Store
	failures int
	calls    int
}

func (s *flakyStore) AppendConversion(ctx context.Context, testID, userID string, ev store.ConversionEvent, delta store.ConversionDelta) (bool, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return false, errors.New("connection reset")
	}
	return s.Store.AppendConversion(ctx, testID, userID, ev, delta)
}

func TestTrackConversion_StoreFailures(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, failures int, attempts uint) (*flakyStore, *experiment.Registry, string) {
		t.Helper()
		s := &flakyStore{Store: store.NewMemoryStore(), failures: failures}
		r := experiment.New(s, experiment.Options{RetryAttempts: attempts})
		created, err := r.CreateTest(ctx, checkoutCTA())
		require.NoError(t, err)
		_, err = r.StartTest(ctx, created.ID)
		require.NoError(t, err)
		_, ok := r.GetVariantForUser(ctx, created.ID, "alice")
		require.True(t, ok)
		return s, r, created.ID
	}
	counters := func(t *testing.T, s store.Store, testID string) (impressions, conversions int64, revenue float64) {
		t.Helper()
		m, err := s.GetMetrics(ctx, testID)
		require.NoError(t, err)
		for _, vm := range m {
			impressions += vm.Impressions
			conversions += vm.Conversions
			revenue += vm.Revenue
		}
		return impressions, conversions, revenue
	}

	t.Run("retried until the write lands", func(t *testing.T) {
		s, r, id := setup(t, 2, 3)
		require.NoError(t, r.TrackConversion(experiment.WithUserID(ctx, "alice"), id, "purchase", ptr(10), nil))
		assert.Equal(t, 3, s.calls)

		impressions, conversions, revenue := counters(t, s, id)
		assert.Equal(t, int64(1), impressions)
		assert.Equal(t, int64(1), conversions)
		assert.InDelta(t, 10, revenue, 1e-9)

		a, err := s.GetAssignment(ctx, id, "alice")
		require.NoError(t, err)
		assert.True(t, a.HasConverted)
		assert.Len(t, a.Conversions, 1)
	})

	t.Run("failed write leaves nothing behind", func(t *testing.T) {
		s, r, id := setup(t, 3, 3)
		uctx := experiment.WithUserID(ctx, "alice")
		require.Error(t, r.TrackConversion(uctx, id, "purchase", ptr(10), nil))

		_, conversions, revenue := counters(t, s, id)
		assert.Zero(t, conversions)
		assert.Zero(t, revenue)
		a, err := s.GetAssignment(ctx, id, "alice")
		require.NoError(t, err)
		assert.False(t, a.HasConverted)
		assert.Empty(t, a.Conversions)

		// The next attempt counts the user exactly once.
		require.NoError(t, r.TrackConversion(uctx, id, "purchase", ptr(10), nil))
		require.NoError(t, r.TrackConversion(uctx, id, "purchase", ptr(5), nil))
		impressions, conversions, revenue := counters(t, s, id)
		assert.Equal(t, int64(1), impressions)
		assert.Equal(t, int64(1), conversions)
		assert.InDelta(t, 15, revenue, 1e-9)
	})
}

func TestImportTest_RejectsBadBundles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, data := range map[string]string{
		"not json":      "{",
		"wrong version": `{"version": 7, "test": {"name": "x"}}`,
		"no test":       `{"version": 1}`,
		"invalid test":  `{"version": 1, "test": {"name": "x", "variants": [{"id": "A", "traffic_weight": 100}]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.registry.ImportTest(ctx, []byte(data))
			require.Error(t, err)
			assert.True(t, experiment.IsValidation(err), "got %v", err)
		})
	}

	tests, err := f.registry.ListTests(ctx)
	require.NoError(t, err)
	assert.Empty(t, tests)
}
