package stencil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceShift_RoundTrip(t *testing.T) {
	prices := []float64{1_000, 10_000, 50_000, 100_000, 113_600, 250_000}
	tolerance := math.Pow(10, 1.0/200.0) - 1 // 10^(1/bins_per_decade), as a relative bound

	for _, p := range prices {
		s := ShiftFromPrice(p)
		back := PriceFromShift(s)
		rel := math.Abs(back-p) / p
		assert.LessOrEqualf(t, rel, tolerance, "price %v round-tripped to %v (rel err %v)", p, back, rel)
	}
}

func TestShiftFromPrice_Zero(t *testing.T) {
	assert.Equal(t, 0, ShiftFromPrice(ReferencePrice))
}

func TestNew_SmoothStencilNormalised(t *testing.T) {
	st := New()
	require.Len(t, st.smooth, SmoothLength)
	var sum float64
	for _, v := range st.smooth {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestNew_SpikeStencilHasThirtyKeys(t *testing.T) {
	st := New()
	assert.Len(t, st.spike, 30)
}

func TestFit_PrefersShiftMatchingSpike(t *testing.T) {
	st := New()
	counts := make([]float64, 2403)

	// Place a strong spike consistent with shift 0 (ReferencePrice) at every
	// round-USD value's offsets, as baked into the spike stencil at shift 0.
	for _, offsets := range st.spike {
		for _, j := range offsets {
			idx := stencilBase + j
			if idx >= 0 && idx < len(counts) {
				counts[idx] += 10
			}
		}
	}

	result := st.Fit(counts, 0, false)
	assert.InDelta(t, 0, result.Shift, 5, "fit should land near shift 0 when spikes align with ReferencePrice")
}

func TestFit_TieBreakPrefersCloserToPrevious(t *testing.T) {
	st := New()
	counts := make([]float64, 2403)
	// A flat histogram produces identical (zero) scores everywhere; the
	// tie-break should select the shift closest to the previous estimate.
	result := st.Fit(counts, 42, true)
	assert.Equal(t, 42, result.Shift, "with all-zero scores every shift ties, so the tie-break picks the previous shift")

	_ = result
}

func TestSafeAt_OutOfBoundsIsZero(t *testing.T) {
	counts := []float64{1, 2, 3}
	assert.Equal(t, float64(0), safeAt(counts, -1))
	assert.Equal(t, float64(0), safeAt(counts, 3))
	assert.Equal(t, float64(2), safeAt(counts, 1))
}
