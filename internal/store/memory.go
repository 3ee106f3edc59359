package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process memory. It backs tests and
// single-instance deployments that do not need durability.
type MemoryStore struct {
	mu          sync.RWMutex
	tests       map[string]*Test
	assignments map[string]map[string]*UserAssignment // testID -> userID
	metrics     map[string]map[string]*VariantMetrics // testID -> variantID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:       make(map[string]*Test),
		assignments: make(map[string]map[string]*UserAssignment),
		metrics:     make(map[string]map[string]*VariantMetrics),
	}
}

func (s *MemoryStore) CreateTest(ctx context.Context, test *Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[test.ID]; ok {
		return ErrExists
	}
	s.tests[test.ID] = test.Clone()
	return nil
}

func (s *MemoryStore) GetTest(ctx context.Context, id string) (*Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTests(ctx context.Context) ([]*Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tests := make([]*Test, 0, len(s.tests))
	for _, t := range s.tests {
		tests = append(tests, t.Clone())
	}
	sortTests(tests)
	return tests, nil
}

func (s *MemoryStore) UpdateTest(ctx context.Context, test *Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[test.ID]; !ok {
		return ErrNotFound
	}
	s.tests[test.ID] = test.Clone()
	return nil
}

func (s *MemoryStore) DeleteTest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[id]; !ok {
		return ErrNotFound
	}
	delete(s.tests, id)
	delete(s.assignments, id)
	delete(s.metrics, id)
	return nil
}

func (s *MemoryStore) CreateAssignment(ctx context.Context, a *UserAssignment, onCreate MetricsDelta) (*UserAssignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser, ok := s.assignments[a.TestID]
	if !ok {
		byUser = make(map[string]*UserAssignment)
		s.assignments[a.TestID] = byUser
	}
	if existing, ok := byUser[a.UserID]; ok {
		return cloneAssignment(existing), false, nil
	}
	byUser[a.UserID] = cloneAssignment(a)
	s.increment(a.TestID, a.VariantID, onCreate)
	return cloneAssignment(a), true, nil
}

func (s *MemoryStore) GetAssignment(ctx context.Context, testID, userID string) (*UserAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[testID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAssignment(a), nil
}

func (s *MemoryStore) ListAssignments(ctx context.Context, testID string) ([]*UserAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*UserAssignment, 0, len(s.assignments[testID]))
	for _, a := range s.assignments[testID] {
		out = append(out, cloneAssignment(a))
	}
	sortAssignments(out)
	return out, nil
}

func (s *MemoryStore) AppendConversion(ctx context.Context, testID, userID string, ev ConversionEvent, delta ConversionDelta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[testID][userID]
	if !ok {
		return false, ErrNotFound
	}
	first := !a.HasConverted
	a.HasConverted = true
	a.Conversions = append(a.Conversions, ev)
	s.increment(testID, a.VariantID, delta.Always)
	if first {
		s.increment(testID, a.VariantID, delta.First)
	}
	return first, nil
}

func (s *MemoryStore) IncrementMetrics(ctx context.Context, testID, variantID string, delta MetricsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.increment(testID, variantID, delta)
	return nil
}

// increment applies delta; the caller holds s.mu.
func (s *MemoryStore) increment(testID, variantID string, delta MetricsDelta) {
	byVariant, ok := s.metrics[testID]
	if !ok {
		byVariant = make(map[string]*VariantMetrics)
		s.metrics[testID] = byVariant
	}
	m, ok := byVariant[variantID]
	if !ok {
		m = &VariantMetrics{}
		byVariant[variantID] = m
	}
	applyDelta(m, delta)
}

func (s *MemoryStore) GetMetrics(ctx context.Context, testID string) (map[string]VariantMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]VariantMetrics, len(s.metrics[testID]))
	for id, m := range s.metrics[testID] {
		c := m.Clone()
		c.Derive()
		out[id] = c
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func applyDelta(m *VariantMetrics, d MetricsDelta) {
	m.Impressions += d.Impressions
	m.Conversions += d.Conversions
	m.Revenue += d.Revenue
	m.EngagementTime += d.EngagementTime
	m.Bounces += d.Bounces
	if len(d.Custom) > 0 && m.CustomMetrics == nil {
		m.CustomMetrics = make(map[string]float64, len(d.Custom))
	}
	for k, v := range d.Custom {
		m.CustomMetrics[k] += v
	}
}

func cloneAssignment(a *UserAssignment) *UserAssignment {
	c := *a
	c.Conversions = append([]ConversionEvent(nil), a.Conversions...)
	return &c
}

// sortTests orders newest first to match the SQL stores.
func sortTests(tests []*Test) {
	sort.SliceStable(tests, func(i, j int) bool {
		if tests[i].CreatedAt.Equal(tests[j].CreatedAt) {
			return tests[i].ID < tests[j].ID
		}
		return tests[i].CreatedAt.After(tests[j].CreatedAt)
	})
}

func sortAssignments(as []*UserAssignment) {
	sort.SliceStable(as, func(i, j int) bool {
		if as[i].AssignedAt.Equal(as[j].AssignedAt) {
			return as[i].UserID < as[j].UserID
		}
		return as[i].AssignedAt.Before(as[j].AssignedAt)
	})
}
