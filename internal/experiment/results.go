package experiment

import (
	"context"

	"github.com/headline-goat/splitgoat/internal/store"
)

// GetTestResults returns the snapshot of a completed test, or results computed
// from the current counters otherwise. It reports false when the test is
// unknown or its metrics cannot be read.
func (r *Registry) GetTestResults(ctx context.Context, testID string) (*store.Results, bool) {
	test, err := r.store.GetTest(ctx, testID)
	if err != nil {
		r.degrade(testID, "load test", err)
		return nil, false
	}
	if test.Status == store.StatusCompleted && test.Results != nil {
		return test.Results.Clone(), true
	}

	snapshot, err := r.aggregator.Snapshot(ctx, testID)
	if err != nil {
		r.degrade(testID, "load metrics", err)
		return nil, false
	}
	return r.calculator.Compute(test, snapshot, r.now().UTC()), true
}

// Metrics returns the raw per-variant counters of testID.
func (r *Registry) Metrics(ctx context.Context, testID string) (map[string]store.VariantMetrics, error) {
	if _, err := r.store.GetTest(ctx, testID); err != nil {
		return nil, err
	}
	return r.aggregator.Snapshot(ctx, testID)
}
