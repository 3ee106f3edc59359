// Package audience decides whether a user may enter a test.
package audience

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/headline-goat/splitgoat/internal/allocation"
	"github.com/headline-goat/splitgoat/internal/store"
)

// UnknownRulePolicy controls how rules with an unrecognised type evaluate.
type UnknownRulePolicy string

const (
	// FailOpen treats unknown rule types as matching.
	FailOpen UnknownRulePolicy = "fail_open"
	// FailClosed treats unknown rule types as not matching.
	FailClosed UnknownRulePolicy = "fail_closed"
)

// Predicate is a named custom rule registered on a Matcher.
type Predicate func(rc RuntimeContext, userID string) bool

type Matcher struct {
	provider ContextProvider
	policy   UnknownRulePolicy
	logger   *zap.Logger

	mu         sync.RWMutex
	predicates map[string]Predicate

	regexps sync.Map // pattern -> *regexp.Regexp
}

// NewMatcher returns a Matcher. A nil provider reads the RuntimeContext from
// the request context; an empty policy means FailOpen.
func NewMatcher(provider ContextProvider, policy UnknownRulePolicy, logger *zap.Logger) *Matcher {
	if provider == nil {
		provider = FromContext
	}
	if policy == "" {
		policy = FailOpen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		provider:   provider,
		policy:     policy,
		logger:     logger,
		predicates: make(map[string]Predicate),
	}
}

func (m *Matcher) RegisterPredicate(name string, p Predicate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predicates[name] = p
}

// IsEligible evaluates the test's audience for userID, including the optional percentage gate.
func (m *Matcher) IsEligible(ctx context.Context, test *store.Test, userID string) bool {
	rc := m.provider.RuntimeContext(ctx, userID)
	if !m.Evaluate(test.Audience, rc, userID) {
		return false
	}
	if p := test.Audience.Percentage; p != nil {
		return allocation.InTraffic("audience:"+test.ID, userID, *p)
	}
	return true
}

// Evaluate applies include then exclude rules. Exclude always wins; no rules means eligible.
func (m *Matcher) Evaluate(a store.TargetAudience, rc RuntimeContext, userID string) bool {
	if len(a.Include) > 0 {
		included := false
		for _, r := range a.Include {
			if m.Match(r, rc, userID) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}

	for _, r := range a.Exclude {
		if m.Match(r, rc, userID) {
			return false
		}
	}
	return true
}

// Match evaluates a single rule. Unknown context values never match.
func (m *Matcher) Match(r store.AudienceRule, rc RuntimeContext, userID string) bool {
	var field string
	switch r.Type {
	case store.RuleGeography:
		switch strings.ToLower(r.Attribute) {
		case "region":
			field = rc.Region
		case "city":
			field = rc.City
		default:
			field = rc.Country
		}
	case store.RuleDevice:
		field = rc.Device
	case store.RuleBrowser:
		field = rc.Browser
	case store.RuleReferrer:
		field = rc.Referrer
	case store.RuleURL:
		field = rc.URL
	case store.RuleLanguage:
		field = rc.Language
	case store.RuleAttribute:
		field = rc.Attributes[r.Attribute]
	case store.RuleCustom:
		m.mu.RLock()
		p, ok := m.predicates[r.Value]
		m.mu.RUnlock()
		if !ok {
			m.logger.Debug("custom predicate not registered", zap.String("predicate", r.Value))
			return false
		}
		return p(rc, userID)
	default:
		m.logger.Warn("unknown audience rule type",
			zap.String("type", string(r.Type)),
			zap.String("policy", string(m.policy)),
		)
		return m.policy != FailClosed
	}

	if field == "" {
		return false
	}
	return m.compare(r, field)
}

func (m *Matcher) compare(r store.AudienceRule, field string) bool {
	f := strings.ToLower(field)
	v := strings.ToLower(r.Value)

	switch r.Operator {
	case store.OpEquals:
		return f == v
	case store.OpNotEquals:
		return f != v
	case store.OpContains:
		return strings.Contains(f, v)
	case store.OpNotContains:
		return !strings.Contains(f, v)
	case store.OpStartsWith:
		return strings.HasPrefix(f, v)
	case store.OpEndsWith:
		return strings.HasSuffix(f, v)
	case store.OpIn:
		return inValues(f, r)
	case store.OpNotIn:
		return !inValues(f, r)
	case store.OpRegex:
		re, err := m.regexp(r.Value)
		if err != nil {
			return false
		}
		return re.MatchString(field)
	default:
		return false
	}
}

func inValues(f string, r store.AudienceRule) bool {
	values := r.Values
	if len(values) == 0 && r.Value != "" {
		values = strings.Split(r.Value, ",")
	}
	for _, v := range values {
		if f == strings.ToLower(strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

func (m *Matcher) regexp(pattern string) (*regexp.Regexp, error) {
	if re, ok := m.regexps.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	m.regexps.Store(pattern, re)
	return re, nil
}

// ValidateRule reports malformed rule definitions. Unknown rule types are
// accepted; how they evaluate is governed by UnknownRulePolicy.
func ValidateRule(r store.AudienceRule) error {
	switch r.Operator {
	case store.OpEquals, store.OpNotEquals, store.OpContains, store.OpNotContains,
		store.OpStartsWith, store.OpEndsWith:
		if r.Value == "" {
			return fmt.Errorf("%s rule with operator %s needs a value", r.Type, r.Operator)
		}
	case store.OpIn, store.OpNotIn:
		if len(r.Values) == 0 && r.Value == "" {
			return fmt.Errorf("%s rule with operator %s needs values", r.Type, r.Operator)
		}
	case store.OpRegex:
		if _, err := regexp.Compile(r.Value); err != nil {
			return fmt.Errorf("%s rule has invalid regex %q: %v", r.Type, r.Value, err)
		}
	case "":
		if r.Type != store.RuleCustom {
			return fmt.Errorf("%s rule is missing an operator", r.Type)
		}
	default:
		return fmt.Errorf("%s rule has unknown operator %q", r.Type, r.Operator)
	}

	switch r.Type {
	case store.RuleAttribute:
		if r.Attribute == "" {
			return fmt.Errorf("attribute rule needs an attribute name")
		}
	case store.RuleCustom:
		if r.Value == "" {
			return fmt.Errorf("custom rule needs a predicate name in value")
		}
	case "":
		return fmt.Errorf("rule is missing a type")
	}
	return nil
}

// ValidateAudience returns every problem found in a.
func ValidateAudience(a store.TargetAudience) []string {
	var problems []string
	for i, r := range a.Include {
		if err := ValidateRule(r); err != nil {
			problems = append(problems, fmt.Sprintf("audience.include[%d]: %v", i, err))
		}
	}
	for i, r := range a.Exclude {
		if err := ValidateRule(r); err != nil {
			problems = append(problems, fmt.Sprintf("audience.exclude[%d]: %v", i, err))
		}
	}
	return problems
}
