package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/headline-goat/splitgoat/internal/metrics"
	"github.com/headline-goat/splitgoat/internal/store"
)

// BundleVersion is written to every export and is the only version ImportTest accepts.
const BundleVersion = 1

// Bundle is the transfer format of a test and its assignments.
type Bundle struct {
	Version     int                     `json:"version"`
	ExportedAt  time.Time               `json:"exported_at"`
	Test        *store.Test             `json:"test"`
	Assignments []*store.UserAssignment `json:"assignments"`
}

func (r *Registry) ExportTest(ctx context.Context, id string) ([]byte, error) {
	test, err := r.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot, err := r.aggregator.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range test.Variants {
		test.Variants[i].Metrics = snapshot[test.Variants[i].ID]
	}

	assignments, err := r.store.ListAssignments(ctx, id)
	if err != nil {
		return nil, err
	}
	if assignments == nil {
		assignments = []*store.UserAssignment{}
	}

	b, err := json.MarshalIndent(Bundle{
		Version:     BundleVersion,
		ExportedAt:  r.now().UTC(),
		Test:        test,
		Assignments: assignments,
	}, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "encode bundle")
	}
	return b, nil
}

// ImportTest creates a new draft from an exported bundle. The test gets a
// fresh ID and its dates and results are cleared. Its assignments are
// re-keyed to the new ID with their conversion history, and the counters are
// rebuilt from them: one impression per assignment plus the conversions.
func (r *Registry) ImportTest(ctx context.Context, data []byte) (*store.Test, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, &ValidationError{Problems: []string{"bundle is not valid JSON: " + err.Error()}}
	}
	if b.Version != BundleVersion {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("unsupported bundle version %d", b.Version)}}
	}
	if b.Test == nil {
		return nil, &ValidationError{Problems: []string{"bundle has no test"}}
	}

	src := b.Test.Clone()
	sourceID := src.ID
	src.ID = ""
	test, err := r.CreateTest(ctx, src)
	if err != nil {
		return nil, err
	}

	imported := 0
	for _, a := range b.Assignments {
		if a == nil || a.UserID == "" || test.Variant(a.VariantID) == nil {
			r.logger.Warn("skipping assignment for unknown variant",
				zap.String("test_id", test.ID),
				zap.Any("assignment", a),
			)
			continue
		}
		if err := r.importAssignment(ctx, test.ID, a); err != nil {
			// Leave nothing half imported behind.
			return nil, multierr.Append(err, r.store.DeleteTest(ctx, test.ID))
		}
		imported++
	}

	r.logger.Info("test imported",
		zap.String("source_id", sourceID),
		zap.String("test_id", test.ID),
		zap.Int("assignments", imported),
	)
	return test, nil
}

// importAssignment stores a under testID with its impression and replays its
// conversion history, so the new test's counters match its assignments.
// Duplicate users in a bundle keep their first entry.
func (r *Registry) importAssignment(ctx context.Context, testID string, a *store.UserAssignment) error {
	var created bool
	_, err := retry(ctx, r, "import assignment", func() (*store.UserAssignment, error) {
		stored, ok, err := r.store.CreateAssignment(ctx, &store.UserAssignment{
			UserID:     a.UserID,
			TestID:     testID,
			VariantID:  a.VariantID,
			AssignedAt: a.AssignedAt,
		}, metrics.ImpressionDelta())
		created = ok
		return stored, err
	})
	if err != nil || !created {
		return err
	}
	for _, ev := range a.Conversions {
		_, err := retry(ctx, r, "import conversion", func() (bool, error) {
			return r.store.AppendConversion(ctx, testID, a.UserID, ev, metrics.ConversionDelta(ev.GoalID, ev.Value))
		})
		if err != nil {
			return err
		}
	}
	return nil
}
