package stats

import (
	"fmt"
	"time"

	"github.com/headline-goat/splitgoat/internal/store"
)

// Method identifies the significance model recorded on every result.
const Method = "two-proportion-z"

const (
	DefaultThreshold         = 0.95
	DefaultModerateThreshold = 0.80
	// removalRatio flags variants converting at less than this share of the best rate.
	removalRatio = 0.5
)

// Calculator turns variant metrics into test results.
type Calculator struct {
	// Threshold is the significance a variant needs to be declared winner.
	Threshold float64
	// ModerateThreshold is the significance above which a test should keep running.
	ModerateThreshold float64
}

func NewCalculator(threshold float64) *Calculator {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &Calculator{Threshold: threshold, ModerateThreshold: DefaultModerateThreshold}
}

// Compute derives rates, uplift, significance and a winner for test.
// Each challenger is compared against the control variant (the first variant
// when none is flagged).
func (c *Calculator) Compute(test *store.Test, metrics map[string]store.VariantMetrics, now time.Time) *store.Results {
	res := &store.Results{
		TestID:          test.ID,
		ComputedAt:      now,
		Method:          Method,
		Variants:        make([]store.VariantResult, 0, len(test.Variants)),
		Recommendations: []string{},
	}
	if len(test.Variants) == 0 {
		return res
	}

	control := test.Control()
	if control == nil {
		control = &test.Variants[0]
	}
	cm := metrics[control.ID]
	controlRate := rate(cm.Conversions, cm.Impressions)

	for _, v := range test.Variants {
		m := metrics[v.ID]
		vr := store.VariantResult{
			VariantID:      v.ID,
			Name:           v.Name,
			IsControl:      v.ID == control.ID,
			Impressions:    m.Impressions,
			Conversions:    m.Conversions,
			ConversionRate: rate(m.Conversions, m.Impressions),
			Revenue:        m.Revenue,
			PValue:         1,
		}
		vr.CILower, vr.CIUpper = WilsonInterval(m.Conversions, m.Impressions, 0.95)

		if !vr.IsControl {
			if controlRate > 0 {
				vr.Uplift = (vr.ConversionRate - controlRate) / controlRate * 100
			}
			vr.Significance = SignificanceTest(m.Conversions, m.Impressions, cm.Conversions, cm.Impressions)
			vr.PValue = PValue(m.Conversions, m.Impressions, cm.Conversions, cm.Impressions)
		}

		res.TotalImpressions += m.Impressions
		res.TotalConversions += m.Conversions
		res.Variants = append(res.Variants, vr)
	}

	c.pickWinner(res)
	c.recommend(res)
	return res
}

func (c *Calculator) pickWinner(res *store.Results) {
	var best *store.VariantResult
	for i := range res.Variants {
		v := &res.Variants[i]
		if v.IsControl {
			continue
		}
		if best == nil || v.Significance > best.Significance ||
			(v.Significance == best.Significance && v.ConversionRate > best.ConversionRate) {
			best = v
		}
	}
	if best == nil {
		return
	}

	if best.Significance >= c.Threshold && best.Uplift > 0 {
		res.Winner = best.VariantID
		res.Significance = best.Significance
		res.Confident = true
		return
	}

	// The control wins when it beats every challenger with the same confidence.
	controlConfidence := 1.0
	for _, v := range res.Variants {
		if !v.IsControl {
			controlConfidence = min(controlConfidence, 1-v.Significance)
		}
	}
	if controlConfidence >= c.Threshold {
		for _, v := range res.Variants {
			if v.IsControl {
				res.Winner = v.VariantID
			}
		}
		res.Significance = controlConfidence
		res.Confident = true
		return
	}

	res.Significance = max(best.Significance, controlConfidence)
}

func (c *Calculator) recommend(res *store.Results) {
	switch {
	case res.Winner != "":
		name := res.Winner
		for _, v := range res.Variants {
			if v.VariantID == res.Winner {
				name = displayName(v)
			}
		}
		res.Recommendations = append(res.Recommendations,
			fmt.Sprintf("Promote winner %s: %.1f%% significance", name, res.Significance*100))
	case res.Significance > c.ModerateThreshold:
		res.Recommendations = append(res.Recommendations,
			fmt.Sprintf("Continue running: %.1f%% significance, below the %.0f%% threshold", res.Significance*100, c.Threshold*100))
	default:
		res.Recommendations = append(res.Recommendations,
			"Redesign test: no variant is close to a significant difference")
	}

	var best *store.VariantResult
	for i := range res.Variants {
		if best == nil || res.Variants[i].ConversionRate > best.ConversionRate {
			best = &res.Variants[i]
		}
	}
	if best == nil || best.ConversionRate == 0 {
		return
	}
	bestRate := best.ConversionRate
	for _, v := range res.Variants {
		if v.ConversionRate >= bestRate*removalRatio {
			continue
		}
		if v.IsControl {
			// The control cannot be removed; point at the variant to move to instead.
			if res.Winner != best.VariantID {
				res.Recommendations = append(res.Recommendations,
					fmt.Sprintf("Consider promoting %s: control %s converts at %.2f%%, less than half of %.2f%%",
						displayName(*best), displayName(v), v.ConversionRate*100, bestRate*100))
			}
			continue
		}
		res.Recommendations = append(res.Recommendations,
			fmt.Sprintf("Remove variant %s: %.2f%% conversion rate is less than half of the best (%.2f%%)",
				displayName(v), v.ConversionRate*100, bestRate*100))
	}
}

func displayName(v store.VariantResult) string {
	if v.Name != "" {
		return fmt.Sprintf("%q (%s)", v.Name, v.VariantID)
	}
	return v.VariantID
}

func rate(conversions, impressions int64) float64 {
	if impressions <= 0 {
		return 0
	}
	return float64(capped(conversions, impressions)) / float64(impressions)
}

// capped bounds conversions by impressions so that rates stay within [0, 1]
// even when the counters were edited out of band.
func capped(conversions, impressions int64) int64 {
	return max(0, min(conversions, impressions))
}
