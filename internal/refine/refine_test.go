package refine

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfidenceFromCount_Boundaries(t *testing.T) {
	assert.Equal(t, float64(0), confidenceFromCount(0))
	assert.Equal(t, float64(0), confidenceFromCount(99))
	assert.Equal(t, float64(0), confidenceFromCount(100))
	assert.InDelta(t, 0.8, confidenceFromCount(1000), 1e-9)
	assert.Greater(t, confidenceFromCount(5000), 0.8)
	assert.Less(t, confidenceFromCount(5000), 1.0)
}

func TestConfidenceFromCount_Monotonic(t *testing.T) {
	prev := -1.0
	for _, n := range []int{0, 100, 200, 500, 1000, 2000, 5000, 10000} {
		c := confidenceFromCount(n)
		assert.GreaterOrEqual(t, c, prev)
		assert.GreaterOrEqual(t, c, float64(0))
		assert.LessOrEqual(t, c, float64(1))
		prev = c
	}
}

func TestSnapToLadder_AcceptsNearRoundValues(t *testing.T) {
	snapped, ok := snapToLadder(99.0)
	require.True(t, ok)
	assert.Equal(t, float64(100), snapped)
}

func TestSnapToLadder_RejectsBeyondFivePercent(t *testing.T) {
	_, ok := snapToLadder(112.0) // > 5% from 100 or 200? closest is 100, dist=12%
	assert.False(t, ok)
}

func TestSnapToLadder_RejectsNonPositive(t *testing.T) {
	_, ok := snapToLadder(0)
	assert.False(t, ok)
	_, ok = snapToLadder(-5)
	assert.False(t, ok)
}

func TestIsFlatFit(t *testing.T) {
	assert.True(t, IsFlatFit(100, 99.5))
	assert.False(t, IsFlatFit(100, 50))
	assert.False(t, IsFlatFit(100, 0))
}

func TestRefine_InsufficientDataFallsBackToRough(t *testing.T) {
	outputs := []Output{{BTC: 0.001}, {BTC: 0.002}}
	result, err := Refine(outputs, 100_000, 0)
	require.NoError(t, err)
	assert.Equal(t, float64(100_000), result.Price)
	assert.Equal(t, 0.0, result.Confidence)
}

func TestRefine_RejectsNonPositiveRoughPrice(t *testing.T) {
	_, err := Refine(nil, 0, 0)
	assert.Error(t, err)
}

func TestRefine_ConvergesNearGroundTruth(t *testing.T) {
	const groundTruth = 113_600.0
	rng := rand.New(rand.NewSource(1))
	roundUSDs := []float64{10, 20, 50, 100, 200, 500, 1000}

	outputs := make([]Output, 0, 5000)
	for i := 0; i < 5000; i++ {
		usd := roundUSDs[rng.Intn(len(roundUSDs))]
		btc := usd / groundTruth
		outputs = append(outputs, Output{BTC: btc})
	}

	result, err := Refine(outputs, groundTruth*0.97, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Confidence, 0.9)

	rel := (result.Price - groundTruth) / groundTruth
	if rel < 0 {
		rel = -rel
	}
	assert.LessOrEqual(t, rel, 0.02)
}

func TestRefine_Idempotent(t *testing.T) {
	const groundTruth = 60_000.0
	rng := rand.New(rand.NewSource(2))
	roundUSDs := []float64{10, 20, 50, 100, 200}

	outputs := make([]Output, 0, 2000)
	for i := 0; i < 2000; i++ {
		usd := roundUSDs[rng.Intn(len(roundUSDs))]
		outputs = append(outputs, Output{BTC: usd / groundTruth})
	}

	r1, err := Refine(outputs, groundTruth, 0)
	require.NoError(t, err)
	r2, err := Refine(outputs, groundTruth, 0)
	require.NoError(t, err)

	assert.Equal(t, r1.Price, r2.Price)
	assert.Equal(t, r1.Confidence, r2.Confidence)
}
