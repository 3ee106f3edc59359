package stats_test

import (
	"math"
	"testing"

	"github.com/headline-goat/splitgoat/internal/stats"
)

func TestWilsonInterval(t *testing.T) {
	tests := []struct {
		name               string
		successes, trials  int64
		lowerMin, lowerMax float64
		upperMin, upperMax float64
	}{
		{"50 percent", 50, 100, 0.38, 0.42, 0.58, 0.62},
		{"low conversion", 5, 100, 0.01, 0.03, 0.09, 0.13},
		{"high conversion", 95, 100, 0.87, 0.91, 0.97, 0.99},
		{"zero successes", 0, 100, 0, 0, 0.01, 0.05},
		{"all successes", 100, 100, 0.95, 0.99, 0.99, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lower, upper := stats.WilsonInterval(tt.successes, tt.trials, 0.95)
			if lower < tt.lowerMin || lower > tt.lowerMax {
				t.Errorf("lower bound %f not in expected range [%f, %f]", lower, tt.lowerMin, tt.lowerMax)
			}
			if upper < tt.upperMin || upper > tt.upperMax {
				t.Errorf("upper bound %f not in expected range [%f, %f]", upper, tt.upperMin, tt.upperMax)
			}
		})
	}
}

func TestWilsonInterval_ZeroTrials(t *testing.T) {
	lower, upper := stats.WilsonInterval(0, 0, 0.95)

	if lower != 0 || upper != 0 {
		t.Errorf("expected (0, 0) for zero trials, got (%f, %f)", lower, upper)
	}
}

func TestWilsonInterval_SmallSample(t *testing.T) {
	lower, upper := stats.WilsonInterval(5, 10, 0.95)

	if width := upper - lower; width < 0.3 {
		t.Errorf("interval width %f too narrow for small sample", width)
	}
}

func TestZScore(t *testing.T) {
	tests := []struct {
		confidence float64
		expected   float64
		tolerance  float64
	}{
		{0.90, 1.645, 0.01},
		{0.95, 1.96, 0.01},
		{0.99, 2.576, 0.01},
	}

	for _, tt := range tests {
		z := stats.ZScore(tt.confidence)
		if math.Abs(z-tt.expected) > tt.tolerance {
			t.Errorf("ZScore(%f) = %f, want %f (tolerance %f)", tt.confidence, z, tt.expected, tt.tolerance)
		}
	}
}
