// Package estimator implements the estimator orchestrator (spec.md §4.7 /
// C7): two independent owners of a histogram.Histogram + RollingWindow +
// filter.Policy, each driving the stencil.Stencils fit and refine.Refine
// stages to produce a models.PriceEstimate. Baseline owns confirmed-block
// history; Live owns the mempool window and seeds its search from Baseline's
// published snapshot. Neither estimator ever touches the other's histogram
// or window, matching spec.md §5's "no cross-estimator sharing".
package estimator

import (
	"github.com/rawblock/utxoracle/internal/histogram"
	"github.com/rawblock/utxoracle/internal/refine"
	"github.com/rawblock/utxoracle/internal/stencil"
)

// roundBTCDenoiseAmounts is the small ladder histogram.Denoise zeros before
// every fit: exact BTC-side artefacts (whole coins, common fractions, and
// satoshi-level dust conventions) that the filter's per-tx round-BTC test
// (internal/filter) should already have excluded, but which Denoise removes
// a second time per spec.md §4.4 as a defense against contamination that
// predates the filter's tightening (e.g. a restarted estimator replaying an
// older window snapshot).
var roundBTCDenoiseAmounts = []float64{
	0.00001, 0.0001, 0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 50, 100,
}

// fitAndRefine runs one stencil-fit + refinement pass over hist and the
// flattened amounts currently contributing to it, seeded by the previous
// shift (if any) for tie-breaking and rough-price continuity.
func fitAndRefine(hist *histogram.Histogram, stencils *stencil.Stencils, amounts []refine.Output, previousPrice float64, previousShift int, haveShift bool) (stencil.FitResult, refine.Result, error) {
	hist.Denoise(roundBTCDenoiseAmounts)
	normalised := hist.Normalise(histogram.DefaultWindowLow, histogram.DefaultWindowHigh)

	fit := stencils.Fit(normalised, previousShift, haveShift)
	if refine.IsFlatFit(fit.Score, fit.SecondBestScore) {
		return fit, refine.Result{Price: previousPrice}, nil
	}

	result, err := refine.Refine(amounts, fit.Price, previousPrice)
	return fit, result, err
}
