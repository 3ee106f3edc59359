package experiment

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/headline-goat/splitgoat/internal/audience"
	"github.com/headline-goat/splitgoat/internal/store"
)

// WeightTolerance is how far the variant weights may drift from 100 in total.
const WeightTolerance = 0.01

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a test definition and returns a *ValidationError listing
// every problem, or nil.
func Validate(t *store.Test) error {
	var problems []string

	if err := validate.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ValidationError{Problems: []string{err.Error()}}
		}
		for _, fe := range verrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	seen := make(map[string]bool, len(t.Variants))
	var total float64
	controls := 0
	for _, v := range t.Variants {
		if v.ID != "" && seen[v.ID] {
			problems = append(problems, fmt.Sprintf("duplicate variant id %q", v.ID))
		}
		seen[v.ID] = true
		total += v.TrafficWeight
		if v.IsControl {
			controls++
		}
	}
	if len(t.Variants) > 0 && math.Abs(total-100) > WeightTolerance {
		problems = append(problems, fmt.Sprintf("variant traffic weights sum to %g, want 100", total))
	}
	if len(t.Variants) > 0 && controls != 1 {
		problems = append(problems, fmt.Sprintf("exactly one control variant is required, found %d", controls))
	}

	goals := make(map[string]bool, len(t.Goals))
	for _, g := range t.Goals {
		if g.ID != "" && goals[g.ID] {
			problems = append(problems, fmt.Sprintf("duplicate goal id %q", g.ID))
		}
		goals[g.ID] = true
	}

	problems = append(problems, audience.ValidateAudience(t.Audience)...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Test.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s must be between 0 and 100, got %v", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
