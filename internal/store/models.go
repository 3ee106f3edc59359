package store

import "time"

type TestStatus string

const (
	StatusDraft     TestStatus = "draft"
	StatusRunning   TestStatus = "running"
	StatusPaused    TestStatus = "paused"
	StatusCompleted TestStatus = "completed"
)

type TestType string

const (
	TypeAB           TestType = "ab"
	TypeMultivariate TestType = "multivariate"
	TypeSplitURL     TestType = "split_url"
)

type Test struct {
	ID                string         `json:"id" yaml:"id"`
	Name              string         `json:"name" yaml:"name" validate:"required,max=200"`
	Description       string         `json:"description,omitempty" yaml:"description,omitempty"`
	Status            TestStatus     `json:"status" yaml:"status"`
	Type              TestType       `json:"type" yaml:"type" validate:"omitempty,oneof=ab multivariate split_url"`
	Variants          []Variant      `json:"variants" yaml:"variants" validate:"min=2,dive"`
	Audience          TargetAudience `json:"audience" yaml:"audience"`
	TrafficAllocation *float64       `json:"traffic_allocation,omitempty" yaml:"traffic_allocation,omitempty" validate:"omitempty,gte=0,lte=100"`
	StartDate         *time.Time     `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate           *time.Time     `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	Goals             []Goal         `json:"goals" yaml:"goals" validate:"dive"`
	Results           *Results       `json:"results,omitempty" yaml:"results,omitempty"`
	CreatedAt         time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" yaml:"updated_at"`
}

// FullTraffic is the allocation of a test that admits its whole eligible audience.
const FullTraffic = 100.0

// Allocation returns the share of eligible users admitted to the test.
// An unset allocation admits everyone; zero admits nobody.
func (t *Test) Allocation() float64 {
	if t.TrafficAllocation == nil {
		return FullTraffic
	}
	return *t.TrafficAllocation
}

// Control returns the variant flagged as control, or nil.
func (t *Test) Control() *Variant {
	for i := range t.Variants {
		if t.Variants[i].IsControl {
			return &t.Variants[i]
		}
	}
	return nil
}

// Variant returns the variant with the given ID, or nil.
func (t *Test) Variant(id string) *Variant {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return &t.Variants[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate it without touching stored state.
func (t *Test) Clone() *Test {
	if t == nil {
		return nil
	}
	c := *t
	c.Variants = make([]Variant, len(t.Variants))
	for i, v := range t.Variants {
		c.Variants[i] = v.clone()
	}
	c.Audience = t.Audience.clone()
	c.Goals = append([]Goal(nil), t.Goals...)
	if t.TrafficAllocation != nil {
		ta := *t.TrafficAllocation
		c.TrafficAllocation = &ta
	}
	if t.StartDate != nil {
		sd := *t.StartDate
		c.StartDate = &sd
	}
	if t.EndDate != nil {
		ed := *t.EndDate
		c.EndDate = &ed
	}
	c.Results = t.Results.Clone()
	return &c
}

type Variant struct {
	ID            string         `json:"id" yaml:"id" validate:"required,max=100"`
	Name          string         `json:"name" yaml:"name"`
	IsControl     bool           `json:"is_control" yaml:"is_control"`
	TrafficWeight float64        `json:"traffic_weight" yaml:"traffic_weight" validate:"gte=0,lte=100"`
	Config        VariantConfig  `json:"config,omitempty" yaml:"config,omitempty"`
	Metrics       VariantMetrics `json:"metrics" yaml:"-"`
}

func (v Variant) clone() Variant {
	c := v
	if v.Config != nil {
		c.Config = make(VariantConfig, len(v.Config))
		for k, val := range v.Config {
			c.Config[k] = val
		}
	}
	c.Metrics = v.Metrics.Clone()
	return c
}

// VariantConfig is an opaque payload handed back to callers untouched.
type VariantConfig map[string]any

type VariantMetrics struct {
	Impressions    int64              `json:"impressions"`
	Conversions    int64              `json:"conversions"`
	ConversionRate float64            `json:"conversion_rate"`
	Revenue        float64            `json:"revenue"`
	EngagementTime float64            `json:"engagement_time"`
	Bounces        int64              `json:"bounces"`
	BounceRate     float64            `json:"bounce_rate"`
	CustomMetrics  map[string]float64 `json:"custom_metrics,omitempty"`
}

// Derive fills the rate fields from the raw counters.
func (m *VariantMetrics) Derive() {
	m.ConversionRate = 0
	m.BounceRate = 0
	if m.Impressions > 0 {
		m.ConversionRate = float64(m.Conversions) / float64(m.Impressions)
		m.BounceRate = float64(m.Bounces) / float64(m.Impressions)
	}
}

func (m VariantMetrics) Clone() VariantMetrics {
	c := m
	if m.CustomMetrics != nil {
		c.CustomMetrics = make(map[string]float64, len(m.CustomMetrics))
		for k, v := range m.CustomMetrics {
			c.CustomMetrics[k] = v
		}
	}
	return c
}

// MetricsDelta is an additive update applied atomically to one variant's counters.
type MetricsDelta struct {
	Impressions    int64
	Conversions    int64
	Revenue        float64
	EngagementTime float64
	Bounces        int64
	Custom         map[string]float64
}

// ConversionDelta is applied with a conversion event: Always on every event,
// First in addition when the event is the user's first conversion.
type ConversionDelta struct {
	Always MetricsDelta
	First  MetricsDelta
}

type GoalType string

const (
	GoalClick      GoalType = "click"
	GoalPageview   GoalType = "pageview"
	GoalFormSubmit GoalType = "form_submit"
	GoalPurchase   GoalType = "purchase"
	GoalCustom     GoalType = "custom"
)

type Goal struct {
	ID      string   `json:"id" yaml:"id" validate:"required"`
	Name    string   `json:"name" yaml:"name"`
	Type    GoalType `json:"type" yaml:"type" validate:"omitempty,oneof=click pageview form_submit purchase custom"`
	Primary bool     `json:"primary,omitempty" yaml:"primary,omitempty"`
}

type RuleType string

const (
	RuleGeography RuleType = "geography"
	RuleDevice    RuleType = "device"
	RuleBrowser   RuleType = "browser"
	RuleReferrer  RuleType = "referrer"
	RuleURL       RuleType = "url"
	RuleLanguage  RuleType = "language"
	RuleAttribute RuleType = "attribute"
	RuleCustom    RuleType = "custom"
)

type RuleOperator string

const (
	OpEquals      RuleOperator = "equals"
	OpNotEquals   RuleOperator = "not_equals"
	OpContains    RuleOperator = "contains"
	OpNotContains RuleOperator = "not_contains"
	OpStartsWith  RuleOperator = "starts_with"
	OpEndsWith    RuleOperator = "ends_with"
	OpIn          RuleOperator = "in"
	OpNotIn       RuleOperator = "not_in"
	OpRegex       RuleOperator = "regex"
)

type AudienceRule struct {
	Type      RuleType     `json:"type" yaml:"type"`
	Operator  RuleOperator `json:"operator" yaml:"operator"`
	Value     string       `json:"value,omitempty" yaml:"value,omitempty"`
	Values    []string     `json:"values,omitempty" yaml:"values,omitempty"`
	Attribute string       `json:"attribute,omitempty" yaml:"attribute,omitempty"`
}

type TargetAudience struct {
	Include    []AudienceRule `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude    []AudienceRule `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Percentage *float64       `json:"percentage,omitempty" yaml:"percentage,omitempty" validate:"omitempty,gte=0,lte=100"`
}

func (a TargetAudience) clone() TargetAudience {
	c := TargetAudience{
		Include: cloneRules(a.Include),
		Exclude: cloneRules(a.Exclude),
	}
	if a.Percentage != nil {
		p := *a.Percentage
		c.Percentage = &p
	}
	return c
}

func cloneRules(rules []AudienceRule) []AudienceRule {
	if rules == nil {
		return nil
	}
	out := make([]AudienceRule, len(rules))
	for i, r := range rules {
		out[i] = r
		out[i].Values = append([]string(nil), r.Values...)
	}
	return out
}

type UserAssignment struct {
	UserID       string            `json:"user_id"`
	TestID       string            `json:"test_id"`
	VariantID    string            `json:"variant_id"`
	AssignedAt   time.Time         `json:"assigned_at"`
	HasConverted bool              `json:"has_converted"`
	Conversions  []ConversionEvent `json:"conversions,omitempty"`
}

type ConversionEvent struct {
	GoalID    string         `json:"goal_id"`
	EventName string         `json:"event_name"`
	Value     *float64       `json:"value,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Results is the computed outcome of a test. It is snapshotted onto the Test when it completes.
type Results struct {
	TestID           string          `json:"test_id"`
	ComputedAt       time.Time       `json:"computed_at"`
	Method           string          `json:"method"`
	TotalImpressions int64           `json:"total_impressions"`
	TotalConversions int64           `json:"total_conversions"`
	Variants         []VariantResult `json:"variants"`
	Winner           string          `json:"winner,omitempty"`
	Significance     float64         `json:"significance"`
	Confident        bool            `json:"confident"`
	Recommendations  []string        `json:"recommendations"`
}

func (r *Results) Clone() *Results {
	if r == nil {
		return nil
	}
	c := *r
	c.Variants = append([]VariantResult(nil), r.Variants...)
	c.Recommendations = append([]string(nil), r.Recommendations...)
	return &c
}

type VariantResult struct {
	VariantID      string  `json:"variant_id"`
	Name           string  `json:"name"`
	IsControl      bool    `json:"is_control"`
	Impressions    int64   `json:"impressions"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	Revenue        float64 `json:"revenue"`
	Uplift         float64 `json:"uplift"`
	Significance   float64 `json:"significance"`
	PValue         float64 `json:"p_value"`
	CILower        float64 `json:"ci_lower"`
	CIUpper        float64 `json:"ci_upper"`
}
