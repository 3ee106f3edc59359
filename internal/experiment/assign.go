package experiment

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/headline-goat/splitgoat/internal/allocation"
	"github.com/headline-goat/splitgoat/internal/metrics"
	"github.com/headline-goat/splitgoat/internal/store"
)

// GetVariantForUser returns the variant userID sees in testID. It reports
// false when the test is unknown or not running, or when the user is outside
// the audience or traffic allocation. Failures degrade to false and are
// logged; they never reach the caller.
//
// A stored assignment is returned as is, even if the test's weights would
// now place the user elsewhere.
func (r *Registry) GetVariantForUser(ctx context.Context, testID, userID string) (string, bool) {
	if testID == "" || userID == "" {
		return "", false
	}

	test, err := r.store.GetTest(ctx, testID)
	if err != nil {
		r.degrade(testID, "load test", err)
		return "", false
	}
	if test.Status != store.StatusRunning {
		return "", false
	}

	existing, err := r.store.GetAssignment(ctx, testID, userID)
	switch {
	case err == nil:
		return existing.VariantID, true
	case !errors.Is(err, store.ErrNotFound):
		r.degrade(testID, "load assignment", err)
		return "", false
	}

	if !r.matcher.IsEligible(ctx, test, userID) {
		return "", false
	}
	if !allocation.InTraffic("traffic:"+test.ID, userID, test.Allocation()) {
		return "", false
	}

	variantID := allocation.Assign(test.Variants, userID)
	if variantID == "" {
		return "", false
	}

	a, err := r.getOrCreate(ctx, testID, userID, variantID)
	if err != nil {
		r.degrade(testID, "create assignment", err)
		return "", false
	}
	return a.VariantID, true
}

// GetVariant is GetVariantForUser for the user resolved from ctx.
func (r *Registry) GetVariant(ctx context.Context, testID string) (string, bool) {
	userID, ok := r.users.UserID(ctx)
	if !ok {
		return "", false
	}
	return r.GetVariantForUser(ctx, testID, userID)
}

// GetVariantConfig returns the payload of variantID. With an empty variantID
// the current user's variant is used, assigning one if needed.
func (r *Registry) GetVariantConfig(ctx context.Context, testID, variantID string) (store.VariantConfig, bool) {
	if variantID == "" {
		id, ok := r.GetVariant(ctx, testID)
		if !ok {
			return nil, false
		}
		variantID = id
	}

	test, err := r.store.GetTest(ctx, testID)
	if err != nil {
		r.degrade(testID, "load test", err)
		return nil, false
	}
	v := test.Variant(variantID)
	if v == nil {
		return nil, false
	}
	if v.Config == nil {
		return store.VariantConfig{}, true
	}
	return v.Config, true
}

// getOrCreate persists the first assignment of userID to testID together
// with its impression. Concurrent first calls in this process share one store
// write; across processes the store's first-writer-wins create decides.
func (r *Registry) getOrCreate(ctx context.Context, testID, userID, variantID string) (*store.UserAssignment, error) {
	key := testID + "\x00" + userID
	v, err, _ := r.pending.Do(key, func() (any, error) {
		var created bool
		a, err := retry(ctx, r, "create assignment", func() (*store.UserAssignment, error) {
			a, ok, err := r.store.CreateAssignment(ctx, &store.UserAssignment{
				UserID:     userID,
				TestID:     testID,
				VariantID:  variantID,
				AssignedAt: r.now().UTC(),
			}, metrics.ImpressionDelta())
			created = ok
			return a, err
		})
		if err != nil {
			return nil, err
		}
		if created {
			r.aggregator.ObserveImpression(testID, a.VariantID)
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.UserAssignment), nil
}

func (r *Registry) degrade(testID, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	r.collector.AssignmentError(testID, op)
	r.logger.Warn("no experiment applied",
		zap.String("test_id", testID),
		zap.String("op", op),
		zap.Error(err),
	)
}
