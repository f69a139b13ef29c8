// Package refine implements the iterative refinement stage (spec.md §4.6):
// given a rough price from the stencil fitter, it snaps qualifying outputs
// to a round-USD ladder, recovers per-output implied prices, and converges
// on a geometric median via a shrinking price band.
//
// The ladder-distance test uses shopspring/decimal for the same reason the
// filter package does (internal/filter/filter.go): relative-distance-to-ladder
// is a decimal-place question derived from exact satoshi amounts, and a
// decimal comparison avoids float64 edge noise right at the 5% cutoff.
package refine

import (
	"math"
	"sort"

	"github.com/rawblock/utxoracle/internal/oraclerr"
	"github.com/shopspring/decimal"
)

const (
	// ladderRejectRatio is the maximum relative distance from any ladder
	// value an implied-USD amount may have and still be accepted.
	ladderRejectRatio = 0.05

	// initialBandRatio is the ±5% starting band around the rough price.
	initialBandRatio = 0.05

	// maxIterations bounds the shrinking-band convergence loop.
	maxIterations = 8
	// convergenceRatio stops iteration early once the centre moves by less
	// than this fraction between iterations.
	convergenceRatio = 0.0001
	// bandShrinkFactor shrinks the band each iteration.
	bandShrinkFactor = 0.7

	// minContributingForConfidence is the floor below which confidence is 0
	// and the fallback path (emit rough price) applies.
	minContributingForConfidence = 100
	confidenceMidpointCount      = 1000
	confidenceMidpointValue      = 0.8

	// flatFitRatio: if best/second-best stencil score ratio is below this,
	// spec.md treats the fit as flat.
	flatFitRatio = 1.01
)

// ladder is the dense round-USD ladder outputs snap to, per spec.md §4.6:
// "$5, $10, $20, $50, $100, $200, $500, $1,000, $2,000, $5,000, $10,000 …".
// Unlike the spike stencil's ladder (internal/stencil), this one follows a
// strict 1-2-5 progression with no 15/150 variants, matching spec.md's own
// wording for this section.
var ladder = buildLadder()

func buildLadder() []float64 {
	var l []float64
	for decade := 0; decade <= 6; decade++ {
		base := math.Pow10(decade)
		l = append(l, 5*base/10, 1*base, 2*base, 5*base)
	}
	sort.Float64s(l)
	return dedupe(l)
}

func dedupe(in []float64) []float64 {
	out := in[:0]
	var last float64 = -1
	for _, v := range in {
		if v != last {
			out = append(out, v)
			last = v
		}
	}
	return out
}

// Result is the outcome of one refinement pass.
type Result struct {
	Price          float64
	Confidence     float64
	ContributingTx int
	RangeLow       float64
	RangeHigh      float64
}

// Output is the minimal shape refine needs from a qualifying transaction
// output: its BTC amount. Callers pass the flattened amounts from every
// ProcessedTx in the estimator's current window.
type Output struct {
	BTC float64
}

// Refine runs the snap → implied-price → shrinking-band-median procedure
// described in spec.md §4.6 and returns the exact price and confidence.
// When fewer than 100 outputs contribute, roughPrice is returned as the
// price. previousPrice is accepted but not used.
func Refine(outputs []Output, roughPrice float64, previousPrice float64) (Result, error) {
	if roughPrice <= 0 {
		return Result{}, oraclerr.ErrInsufficientData
	}

	implied := make([]float64, 0, len(outputs))
	for _, o := range outputs {
		if o.BTC <= 0 {
			continue
		}
		impliedUSD := o.BTC * roughPrice
		snapped, ok := snapToLadder(impliedUSD)
		if !ok {
			continue
		}
		implied = append(implied, snapped/o.BTC)
	}

	if len(implied) < minContributingForConfidence {
		return Result{
			Price:          roughPrice,
			Confidence:     confidenceFromCount(len(implied)),
			ContributingTx: len(implied),
		}, nil
	}

	centre, low, high := shrinkingBandMedian(implied, roughPrice)

	return Result{
		Price:          centre,
		Confidence:     confidenceFromCount(len(implied)),
		ContributingTx: len(implied),
		RangeLow:       low,
		RangeHigh:      high,
	}, nil
}

// snapToLadder finds the nearest ladder value to usd and reports whether
// usd's relative distance to it is within ladderRejectRatio.
func snapToLadder(usd float64) (float64, bool) {
	if usd <= 0 {
		return 0, false
	}
	i := sort.SearchFloat64s(ladder, usd)
	candidates := make([]float64, 0, 2)
	if i < len(ladder) {
		candidates = append(candidates, ladder[i])
	}
	if i > 0 {
		candidates = append(candidates, ladder[i-1])
	}

	var best float64
	bestDist := math.Inf(1)
	for _, c := range candidates {
		d := relativeDistance(usd, c)
		if d < bestDist {
			bestDist = d
			best = c
		}
	}
	if bestDist > ladderRejectRatio {
		return 0, false
	}
	return best, true
}

// relativeDistance computes |usd-ladderValue|/ladderValue using
// shopspring/decimal so the 5% cutoff is evaluated exactly rather than
// against float64 rounding noise near the boundary.
func relativeDistance(usd, ladderValue float64) float64 {
	d1 := decimal.NewFromFloat(usd)
	d2 := decimal.NewFromFloat(ladderValue)
	diff := d1.Sub(d2).Abs()
	rel := diff.Div(d2)
	f, _ := rel.Float64()
	return f
}

// shrinkingBandMedian converges on the geometric median of implied prices
// via a shrinking band around roughPrice, per spec.md §4.6 step 3.
func shrinkingBandMedian(implied []float64, roughPrice float64) (centre, low, high float64) {
	centre = roughPrice
	bandRatio := initialBandRatio

	for iter := 0; iter < maxIterations; iter++ {
		bandLow := centre * (1 - bandRatio)
		bandHigh := centre * (1 + bandRatio)

		inBand := make([]float64, 0, len(implied))
		for _, v := range implied {
			if v >= bandLow && v <= bandHigh {
				inBand = append(inBand, v)
			}
		}
		if len(inBand) == 0 {
			break
		}

		next := medianAbsoluteDeviationCentre(inBand)
		moved := math.Abs(next-centre) / centre
		centre = next
		low, high = bandLow, bandHigh

		bandRatio *= bandShrinkFactor
		if moved < convergenceRatio {
			break
		}
	}
	return centre, low, high
}

// medianAbsoluteDeviationCentre returns the median of vs, the point
// minimising the sum of absolute deviations for a 1-D sample.
func medianAbsoluteDeviationCentre(vs []float64) float64 {
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// confidenceFromCount implements spec.md's confidence curve: 0 below 100
// contributing outputs, linear to 0.8 at 1000, asymptotic to 1.0 beyond
// 5000.
func confidenceFromCount(n int) float64 {
	switch {
	case n < minContributingForConfidence:
		return 0
	case n <= confidenceMidpointCount:
		frac := float64(n-minContributingForConfidence) / float64(confidenceMidpointCount-minContributingForConfidence)
		return frac * confidenceMidpointValue
	default:
		// Asymptotic approach to 1.0 beyond the midpoint: exponential decay
		// of the remaining gap (1.0 - 0.8) as n grows past 1000, with a decay
		// scale of 4000 outputs (≈0.93 at 5000).
		excess := float64(n-confidenceMidpointCount) / float64(5000-confidenceMidpointCount)
		gap := (1.0 - confidenceMidpointValue) * math.Exp(-excess)
		return 1.0 - gap
	}
}

// IsFlatFit reports whether the best/second-best stencil score ratio falls
// below spec.md's flatFitRatio threshold.
func IsFlatFit(best, secondBest float64) bool {
	if secondBest <= 0 {
		return false
	}
	return best/secondBest < flatFitRatio
}
