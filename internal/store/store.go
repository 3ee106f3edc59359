package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// ErrExists is returned when creating a test whose ID is already taken.
var ErrExists = errors.New("already exists")

// Store defines the persistence operations the experimentation engine needs.
// Implementations must make CreateAssignment, AppendConversion and IncrementMetrics
// atomic with respect to concurrent callers and to failures: either the whole
// operation, counters included, is stored or none of it is.
type Store interface {
	// Test operations
	CreateTest(ctx context.Context, test *Test) error
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context) ([]*Test, error)
	UpdateTest(ctx context.Context, test *Test) error
	DeleteTest(ctx context.Context, id string) error

	// Assignment operations

	// CreateAssignment stores a if no assignment exists for (a.TestID, a.UserID)
	// and, in the same step, applies onCreate to the counters of a.VariantID.
	// It returns the assignment that is stored afterwards and whether this call created it.
	CreateAssignment(ctx context.Context, a *UserAssignment, onCreate MetricsDelta) (*UserAssignment, bool, error)
	GetAssignment(ctx context.Context, testID, userID string) (*UserAssignment, error)
	ListAssignments(ctx context.Context, testID string) ([]*UserAssignment, error)
	// AppendConversion appends ev to the assignment, flips HasConverted and
	// applies delta to the counters of the assignment's variant in one step.
	// It reports whether this was the user's first conversion.
	AppendConversion(ctx context.Context, testID, userID string, ev ConversionEvent, delta ConversionDelta) (bool, error)

	// Metrics operations
	IncrementMetrics(ctx context.Context, testID, variantID string, delta MetricsDelta) error
	GetMetrics(ctx context.Context, testID string) (map[string]VariantMetrics, error)

	// Lifecycle
	Close() error
}
