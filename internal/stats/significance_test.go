package stats_test

import (
	"math"
	"testing"

	"github.com/headline-goat/splitgoat/internal/stats"
)

func TestSignificanceTest_ClearWinner(t *testing.T) {
	// Variant A: 10% conversion (100/1000)
	// Variant B: 5% conversion (50/1000)
	confidence := stats.SignificanceTest(100, 1000, 50, 1000)

	if confidence < 0.95 {
		t.Errorf("expected high confidence (>0.95), got %f", confidence)
	}
}

func TestSignificanceTest_ClearLoser(t *testing.T) {
	confidence := stats.SignificanceTest(50, 1000, 100, 1000)

	if confidence > 0.05 {
		t.Errorf("expected confidence near 0 when A is worse, got %f", confidence)
	}
}

func TestSignificanceTest_NoSignificance(t *testing.T) {
	confidence := stats.SignificanceTest(50, 1000, 50, 1000)

	if confidence > 0.60 {
		t.Errorf("expected low confidence (<0.60) for equal rates, got %f", confidence)
	}
}

func TestSignificanceTest_SmallSample(t *testing.T) {
	// Small samples should not show significance even with different rates
	confidence := stats.SignificanceTest(5, 20, 2, 20)

	if confidence > 0.95 {
		t.Errorf("expected lower confidence for small sample, got %f", confidence)
	}
}

func TestSignificanceTest_ZeroViews(t *testing.T) {
	confidence := stats.SignificanceTest(0, 0, 0, 0)

	if confidence != 0.5 {
		t.Errorf("expected 0.5 for zero views, got %f", confidence)
	}
}

func TestSignificanceTest_OnlyOneVariantHasViews(t *testing.T) {
	confidence := stats.SignificanceTest(10, 100, 0, 0)

	if confidence != 0.5 {
		t.Errorf("expected 0.5 when only one variant has data, got %f", confidence)
	}
}

func TestSignificanceTest_NoVariance(t *testing.T) {
	// Nobody converted anywhere: nothing to tell apart
	if c := stats.SignificanceTest(0, 100, 0, 100); c != 0.5 {
		t.Errorf("expected 0.5 with zero conversions on both sides, got %f", c)
	}
	// Everybody converted everywhere
	if c := stats.SignificanceTest(100, 100, 50, 50); c != 0.5 {
		t.Errorf("expected 0.5 with identical 100%% rates, got %f", c)
	}
}

func TestSignificanceTest_CheckoutNumbers(t *testing.T) {
	// 110/500 against 80/500 gives z ~ 2.42
	confidence := stats.SignificanceTest(110, 500, 80, 500)

	if math.Abs(confidence-0.9922) > 0.001 {
		t.Errorf("expected ~0.9922, got %f", confidence)
	}
}

func TestPValue(t *testing.T) {
	tests := []struct {
		name                         string
		aConv, aViews, bConv, bViews int64
		min, max                     float64
	}{
		{"no data", 0, 0, 0, 0, 1, 1},
		{"equal rates", 50, 1000, 50, 1000, 0.99, 1},
		{"clear difference", 100, 1000, 50, 1000, 0, 0.001},
		{"symmetric", 50, 1000, 100, 1000, 0, 0.001},
		{"checkout numbers", 110, 500, 80, 500, 0.0150, 0.0162},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := stats.PValue(tt.aConv, tt.aViews, tt.bConv, tt.bViews)
			if p < tt.min || p > tt.max {
				t.Errorf("PValue = %f, want in [%f, %f]", p, tt.min, tt.max)
			}
		})
	}
}
