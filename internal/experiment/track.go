package experiment

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/headline-goat/splitgoat/internal/metrics"
	"github.com/headline-goat/splitgoat/internal/store"
)

// DefaultGoalID names conversions reported without a goal on tests that define none.
const DefaultGoalID = "conversion"

// TrackConversion appends a conversion for the current user and updates the
// variant's counters in the same store write. The conversion counter moves
// once per user; every call still appends an event and adds value to revenue.
//
// Unknown tests, tests that are not collecting, and users without an
// assignment are ignored.
func (r *Registry) TrackConversion(ctx context.Context, testID, goalID string, value *float64, metadata map[string]any) error {
	test, a, ok, err := r.trackable(ctx, testID)
	if !ok || err != nil {
		return err
	}
	if goalID == "" {
		goalID = primaryGoal(test)
	}

	event := store.ConversionEvent{
		GoalID:    goalID,
		EventName: goalID,
		Value:     value,
		Timestamp: r.now().UTC(),
		Metadata:  metadata,
	}
	first, err := retry(ctx, r, "append conversion", func() (bool, error) {
		return r.store.AppendConversion(ctx, testID, a.UserID, event, metrics.ConversionDelta(goalID, value))
	})
	if err != nil {
		return err
	}
	r.aggregator.ObserveConversion(testID, a.VariantID, goalID, value)

	r.logger.Debug("conversion tracked",
		zap.String("test_id", testID),
		zap.String("variant_id", a.VariantID),
		zap.String("goal_id", goalID),
		zap.Bool("first", first),
	)
	return nil
}

// TrackCustomEvent adds value (1 when nil) to the eventName counter of the
// current user's variant. Custom events do not count as conversions.
func (r *Registry) TrackCustomEvent(ctx context.Context, testID, eventName string, value *float64, metadata map[string]any) error {
	if eventName == "" {
		return &ValidationError{Problems: []string{"event name is required"}}
	}
	_, a, ok, err := r.trackable(ctx, testID)
	if !ok || err != nil {
		return err
	}

	_, err = retry(ctx, r, "record custom event", func() (struct{}, error) {
		return struct{}{}, r.aggregator.RecordCustomEvent(ctx, testID, a.VariantID, eventName, value)
	})
	if err != nil {
		return err
	}

	r.logger.Debug("custom event tracked",
		zap.String("test_id", testID),
		zap.String("variant_id", a.VariantID),
		zap.String("event", eventName),
		zap.Any("metadata", metadata),
	)
	return nil
}

// TrackEngagement adds time on page and an optional bounce for the current user.
func (r *Registry) TrackEngagement(ctx context.Context, testID string, seconds float64, bounced bool) error {
	_, a, ok, err := r.trackable(ctx, testID)
	if !ok || err != nil {
		return err
	}
	_, err = retry(ctx, r, "record engagement", func() (struct{}, error) {
		return struct{}{}, r.aggregator.RecordEngagement(ctx, testID, a.VariantID, seconds, bounced)
	})
	return err
}

// trackable loads the test and the current user's assignment. ok is false
// when the event should be dropped silently.
func (r *Registry) trackable(ctx context.Context, testID string) (*store.Test, *store.UserAssignment, bool, error) {
	userID, found := r.users.UserID(ctx)
	if !found || testID == "" {
		return nil, nil, false, nil
	}

	test, err := r.store.GetTest(ctx, testID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	// Paused tests still collect from users who were already exposed.
	if test.Status != store.StatusRunning && test.Status != store.StatusPaused {
		return nil, nil, false, nil
	}

	a, err := r.store.GetAssignment(ctx, testID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return test, a, true, nil
}

func primaryGoal(t *store.Test) string {
	for _, g := range t.Goals {
		if g.Primary {
			return g.ID
		}
	}
	if len(t.Goals) > 0 {
		return t.Goals[0].ID
	}
	return DefaultGoalID
}
