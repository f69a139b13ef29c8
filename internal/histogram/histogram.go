// Package histogram implements the fixed log-spaced output-value histogram
// (spec.md §4.4): add/remove of BTC amounts into O(1)-indexed bins, a
// windowed normalisation pass, and a denoise pass that zeroes bins
// corresponding to round-BTC amounts that slipped past the filter.
//
// The running total-weight sum (TotalWeight) and normalise's window sum are
// Kahan-compensated (kahanSum below) rather than plain float64 accumulators;
// the per-bin weights themselves use plain addition. This is the one
// place SPEC_FULL.md accepts a standard-library-only routine; see DESIGN.md
// for why no pack/ecosystem numerics library was a better fit for twenty
// lines of compensated summation.
package histogram

import "math"

const (
	// DecadeLow and DecadeHigh bound the log10 decades the histogram spans:
	// amounts from 10^DecadeLow up to (but excluding) 10^DecadeHigh fall into
	// interior bins; anything outside lands in the underflow/overflow bins.
	DecadeLow  = -6
	DecadeHigh = 5

	// BinsPerDecade is B in spec.md's binning formula.
	BinsPerDecade = 200

	interiorBins = (DecadeHigh - DecadeLow + 1) * BinsPerDecade // 2400
	// TotalBins is interiorBins plus one underflow and one overflow catch-all
	// bin — spec.md's "2400 interior bins plus endpoints, ≈2403 bins total".
	TotalBins = interiorBins + 2

	underflowBin = 0
	overflowBin  = TotalBins - 1

	// AddableMin and AddableMax are the closed interval spec.md's add()
	// accepts. AddableMin is above the lowest binnable amount; AddableMax
	// equals 10^DecadeHigh and so lands in the overflow bin.
	AddableMin = 1e-5
	AddableMax = 1e5

	// DefaultWindowLow and DefaultWindowHigh are normalise()'s default
	// working window, per spec.md §4.4.
	DefaultWindowLow  = 201
	DefaultWindowHigh = 1601

	// shareClip is the per-bin share saturation normalise() applies.
	shareClip = 0.008
)

// Histogram is the log-spaced bin array plus a Kahan-compensated running
// total, mutated exclusively by its owning estimator.
type Histogram struct {
	bins []float64
	sum  kahanSum
}

// New constructs an empty Histogram with TotalBins bins, all zero.
func New() *Histogram {
	return &Histogram{bins: make([]float64, TotalBins)}
}

// BinIndex returns the bin an amount falls into: the bin whose upper edge is
// the smallest edge ≥ amount, per spec.md's add() rule. Amounts below
// 10^DecadeLow map to the underflow bin; amounts at or above 10^DecadeHigh
// map to the overflow bin.
func BinIndex(amount float64) int {
	if amount <= 0 || amount < math.Pow10(DecadeLow) {
		return underflowBin
	}
	if amount >= math.Pow10(DecadeHigh) {
		return overflowBin
	}
	k := int(math.Ceil((math.Log10(amount) - DecadeLow) * BinsPerDecade))
	if k < 1 {
		k = 1
	}
	if k > interiorBins {
		k = interiorBins
	}
	return k
}

// Add adds weight to the bin amount falls into. Amounts outside
// [AddableMin, AddableMax] are silently ignored, matching spec.md's add().
func (h *Histogram) Add(amount, weight float64) {
	if amount < AddableMin || amount > AddableMax {
		return
	}
	idx := BinIndex(amount)
	h.bins[idx] += weight
	h.sum.Add(weight)
}

// Remove is Add's exact inverse for any amount Add would have accepted: it
// subtracts weight from the same bin Add would choose, flooring at zero to
// tolerate floating-point rounding from repeated add/remove cycles.
func (h *Histogram) Remove(amount, weight float64) {
	if amount < AddableMin || amount > AddableMax {
		return
	}
	idx := BinIndex(amount)
	h.bins[idx] -= weight
	if h.bins[idx] < 0 {
		h.bins[idx] = 0
	}
	h.sum.Add(-weight)
}

// SnapshotCounts returns a read-only copy of the current bin weights.
func (h *Histogram) SnapshotCounts() []float64 {
	out := make([]float64, len(h.bins))
	copy(out, h.bins)
	return out
}

// TotalWeight returns the Kahan-compensated running sum of all bin weights.
func (h *Histogram) TotalWeight() float64 {
	return h.sum.Value()
}

// Normalise divides each bin's weight within [windowLow, windowHigh) by the
// total weight in that window, then clips each resulting share at
// shareClip. It returns a new slice; the underlying bins are untouched so
// Normalise can be called repeatedly (e.g. once per stencil-fit pass)
// without perturbing Add/Remove invertibility.
func (h *Histogram) Normalise(windowLow, windowHigh int) []float64 {
	if windowLow < 0 {
		windowLow = 0
	}
	if windowHigh > len(h.bins) {
		windowHigh = len(h.bins)
	}
	var windowSum kahanSum
	for i := windowLow; i < windowHigh; i++ {
		windowSum.Add(h.bins[i])
	}
	total := windowSum.Value()

	out := make([]float64, len(h.bins))
	if total <= 0 {
		return out
	}
	for i := windowLow; i < windowHigh; i++ {
		share := h.bins[i] / total
		if share > shareClip {
			share = shareClip
		}
		out[i] = share
	}
	return out
}

// Denoise zeroes the bins corresponding to the given round-BTC amounts,
// removing residual contamination that survived per-transaction filtering
// (e.g. amounts assembled by the filter from ParsedTx outputs it never saw
// as a single BTC value, or legacy data ingested before the filter policy
// tightened). The estimators pass their fixed list of round BTC amounts.
func (h *Histogram) Denoise(roundAmounts []float64) {
	for _, amt := range roundAmounts {
		if amt < AddableMin || amt > AddableMax {
			continue
		}
		h.bins[BinIndex(amt)] = 0
	}
}

// kahanSum is a Kahan compensated running sum: plain float64
// accumulation over millions of add/remove cycles (a live estimator's 3h
// window can see tens of thousands of transactions per hour) drifts enough
// to matter for the bin-share saturation test; the compensation term keeps
// the error bounded regardless of how long the process runs.
type kahanSum struct {
	sum float64
	c   float64 // running compensation for lost low-order bits
}

func (k *kahanSum) Add(v float64) {
	y := v - k.c
	t := k.sum + y
	k.c = (t - k.sum) - y
	k.sum = t
}

func (k *kahanSum) Value() float64 { return k.sum }
