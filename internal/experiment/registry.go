// Package experiment owns the lifecycle of tests and the caller-facing API:
// variant lookup, conversion tracking and results.
package experiment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/headline-goat/splitgoat/internal/audience"
	"github.com/headline-goat/splitgoat/internal/metrics"
	"github.com/headline-goat/splitgoat/internal/stats"
	"github.com/headline-goat/splitgoat/internal/store"
)

const defaultRetryAttempts = 3

type Options struct {
	Matcher    *audience.Matcher
	Collector  *metrics.Collector
	Calculator *stats.Calculator
	Users      UserResolver
	Logger     *zap.Logger
	// RetryAttempts bounds storage retries, including the first try.
	RetryAttempts uint
	Now           func() time.Time
}

type Registry struct {
	store      store.Store
	matcher    *audience.Matcher
	aggregator *metrics.Aggregator
	collector  *metrics.Collector
	calculator *stats.Calculator
	users      UserResolver
	logger     *zap.Logger
	attempts   uint
	now        func() time.Time

	// mu serialises lifecycle changes made through this registry.
	mu      sync.Mutex
	pending singleflight.Group
}

func New(s store.Store, opts Options) *Registry {
	r := &Registry{
		store:      s,
		matcher:    opts.Matcher,
		collector:  opts.Collector,
		calculator: opts.Calculator,
		users:      opts.Users,
		logger:     opts.Logger,
		attempts:   opts.RetryAttempts,
		now:        opts.Now,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.matcher == nil {
		r.matcher = audience.NewMatcher(nil, audience.FailOpen, r.logger)
	}
	if r.calculator == nil {
		r.calculator = stats.NewCalculator(stats.DefaultThreshold)
	}
	if r.users == nil {
		r.users = UserFromContext
	}
	if r.attempts == 0 {
		r.attempts = defaultRetryAttempts
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.aggregator = metrics.NewAggregator(s, r.collector, r.logger)
	return r
}

// CreateTest stores a new draft. An empty ID is replaced with a UUID and an
// unset TrafficAllocation is stored as the whole eligible audience.
func (r *Registry) CreateTest(ctx context.Context, t *store.Test) (*store.Test, error) {
	test := t.Clone()
	if test.ID == "" {
		test.ID = uuid.NewString()
	}
	if test.Type == "" {
		test.Type = store.TypeAB
	}
	if test.TrafficAllocation == nil {
		full := store.FullTraffic
		test.TrafficAllocation = &full
	}
	test.Status = store.StatusDraft
	test.StartDate, test.EndDate, test.Results = nil, nil, nil
	for i := range test.Variants {
		test.Variants[i].Metrics = store.VariantMetrics{}
	}
	now := r.now().UTC()
	test.CreatedAt, test.UpdatedAt = now, now

	if err := Validate(test); err != nil {
		return nil, err
	}

	_, err := retry(ctx, r, "create test", func() (struct{}, error) {
		return struct{}{}, r.store.CreateTest(ctx, test)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("test created",
		zap.String("test_id", test.ID),
		zap.String("name", test.Name),
		zap.Int("variants", len(test.Variants)),
	)
	return test.Clone(), nil
}

// UpdateTest replaces the definition of a draft test. Status, dates and
// identity are kept from the stored copy.
func (r *Registry) UpdateTest(ctx context.Context, t *store.Test) (*store.Test, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.store.GetTest(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != store.StatusDraft {
		return nil, eris.Wrapf(ErrNotEditable, "test %s is %s", t.ID, current.Status)
	}

	test := t.Clone()
	test.Status = current.Status
	test.CreatedAt = current.CreatedAt
	test.StartDate, test.EndDate, test.Results = nil, nil, nil
	if test.Type == "" {
		test.Type = store.TypeAB
	}
	if test.TrafficAllocation == nil {
		full := store.FullTraffic
		test.TrafficAllocation = &full
	}
	test.UpdatedAt = r.now().UTC()

	if err := Validate(test); err != nil {
		return nil, err
	}
	if err := r.store.UpdateTest(ctx, test); err != nil {
		return nil, err
	}
	return test.Clone(), nil
}

// CloneTest copies the definition of id into a new draft named name.
func (r *Registry) CloneTest(ctx context.Context, id, name string) (*store.Test, error) {
	src, err := r.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	c := src.Clone()
	c.ID = ""
	if name == "" {
		name = src.Name + " (copy)"
	}
	c.Name = name
	return r.CreateTest(ctx, c)
}

func (r *Registry) GetTest(ctx context.Context, id string) (*store.Test, error) {
	return r.store.GetTest(ctx, id)
}

func (r *Registry) ListTests(ctx context.Context) ([]*store.Test, error) {
	return r.store.ListTests(ctx)
}

// StartTest moves a draft or paused test to running. The definition is
// validated again so a test with bad weights can never run.
func (r *Registry) StartTest(ctx context.Context, id string) (*store.Test, error) {
	return r.transition(ctx, id, "start", func(t *store.Test, now time.Time) error {
		if t.Status != store.StatusDraft && t.Status != store.StatusPaused {
			return eris.Wrapf(ErrInvalidTransition, "cannot start a %s test", t.Status)
		}
		if err := Validate(t); err != nil {
			return err
		}
		t.Status = store.StatusRunning
		if t.StartDate == nil {
			t.StartDate = &now
		}
		return nil
	})
}

func (r *Registry) PauseTest(ctx context.Context, id string) (*store.Test, error) {
	return r.transition(ctx, id, "pause", func(t *store.Test, now time.Time) error {
		if t.Status != store.StatusRunning {
			return eris.Wrapf(ErrInvalidTransition, "cannot pause a %s test", t.Status)
		}
		t.Status = store.StatusPaused
		return nil
	})
}

// StopTest completes a running or paused test and snapshots its results so
// they survive later metric changes.
func (r *Registry) StopTest(ctx context.Context, id string) (*store.Test, error) {
	return r.transition(ctx, id, "stop", func(t *store.Test, now time.Time) error {
		if t.Status != store.StatusRunning && t.Status != store.StatusPaused {
			return eris.Wrapf(ErrInvalidTransition, "cannot stop a %s test", t.Status)
		}
		snapshot, err := r.aggregator.Snapshot(ctx, t.ID)
		if err != nil {
			return err
		}
		t.Status = store.StatusCompleted
		t.EndDate = &now
		t.Results = r.calculator.Compute(t, snapshot, now)
		return nil
	})
}

func (r *Registry) DeleteTest(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.DeleteTest(ctx, id); err != nil {
		return err
	}
	r.logger.Info("test deleted", zap.String("test_id", id))
	return nil
}

func (r *Registry) transition(ctx context.Context, id, op string, apply func(*store.Test, time.Time) error) (*store.Test, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.Status
	now := r.now().UTC()
	if err := apply(t, now); err != nil {
		return nil, err
	}
	t.UpdatedAt = now

	_, err = retry(ctx, r, op+" test", func() (struct{}, error) {
		return struct{}{}, r.store.UpdateTest(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("test status changed",
		zap.String("test_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(t.Status)),
	)
	return t, nil
}

func retry[T any](ctx context.Context, r *Registry, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("storage call failed, retrying",
				zap.String("op", op),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrExists) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
