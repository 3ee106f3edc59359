package stats

import "math"

// SignificanceTest performs a two-proportion z-test.
// Returns confidence level (0-1) that variant A converts better than variant B.
func SignificanceTest(aConv, aViews, bConv, bViews int64) float64 {
	z, ok := zStatistic(aConv, aViews, bConv, bViews)
	if !ok {
		return 0.5 // Need data from both variants
	}
	return normalCDF(z)
}

// PValue returns the two-sided p-value of the difference between A and B.
// Without data from both variants it returns 1.
func PValue(aConv, aViews, bConv, bViews int64) float64 {
	z, ok := zStatistic(aConv, aViews, bConv, bViews)
	if !ok {
		return 1
	}
	return 2 * (1 - normalCDF(math.Abs(z)))
}

func zStatistic(aConv, aViews, bConv, bViews int64) (float64, bool) {
	if aViews <= 0 || bViews <= 0 {
		return 0, false
	}

	aConv, bConv = capped(aConv, aViews), capped(bConv, bViews)
	pA := float64(aConv) / float64(aViews)
	pB := float64(bConv) / float64(bViews)

	// Pooled proportion under the null hypothesis pA = pB
	pooled := float64(aConv+bConv) / float64(aViews+bViews)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(aViews) + 1/float64(bViews)))

	if se == 0 {
		switch {
		case pA > pB:
			return math.Inf(1), true
		case pA < pB:
			return math.Inf(-1), true
		default:
			return 0, true
		}
	}
	return (pA - pB) / se, true
}

// normalCDF is the cumulative distribution function of the standard normal distribution.
func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
