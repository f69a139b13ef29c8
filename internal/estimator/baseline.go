package estimator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rawblock/utxoracle/internal/filter"
	"github.com/rawblock/utxoracle/internal/histogram"
	"github.com/rawblock/utxoracle/internal/refine"
	"github.com/rawblock/utxoracle/internal/stencil"
	"github.com/rawblock/utxoracle/pkg/models"
)

// Baseline is the confirmed-block price estimator (spec.md §4.7): it
// consumes ProcessedTx derived from block-origin transactions, keeps a
// rolling window keyed on block height rather than wall time, and
// recomputes a PriceEstimate on every new block. It owns its histogram and
// window exclusively; Live only ever reads the read-only snapshot returned
// by Snapshot().
type Baseline struct {
	mu sync.RWMutex

	hist     *histogram.Histogram
	window   *models.RollingWindow[models.ProcessedTx]
	policy   *filter.Policy
	stencils *stencil.Stencils
	log      *zap.Logger

	maxBlocks     int
	currentHeight int64
	haveHeight    bool

	last       models.PriceEstimate
	lastShift  int
	haveShift  bool
	stats      models.EstimatorStats
}

// NewBaseline constructs an empty Baseline estimator. maxBlocks is the
// rolling window length in blocks (spec.md default 144); stencils should be
// shared with the Live estimator since Stencils holds no mutable state.
func NewBaseline(stencils *stencil.Stencils, maxBlocks int, log *zap.Logger) *Baseline {
	return &Baseline{
		hist:      histogram.New(),
		window:    models.NewRollingWindow[models.ProcessedTx](0), // height-keyed, wall-time unused
		policy:    filter.NewPolicy(false),                        // no same-day reuse guard for confirmed blocks
		stencils:  stencils,
		log:       log,
		maxBlocks: maxBlocks,
	}
}

// IngestTx applies the filter policy to one parsed block transaction, adds
// any qualifying amounts to the histogram, and, for an accepted transaction,
// advances the tracked block height; a filtered-out transaction leaves the
// height unchanged. It does not recompute a PriceEstimate; callers (the orchestrator)
// call Recompute once a full block has been ingested.
func (b *Baseline) IngestTx(tx models.ParsedTx) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalReceived++
	processed, err := b.policy.Evaluate(tx)
	if err != nil {
		b.stats.TotalFiltered++
		return err
	}

	b.window.Push(processed)
	for _, amt := range processed.Amounts {
		b.hist.Add(amt, 1.0)
	}
	b.stats.ActiveInWindow++

	if !b.haveHeight || tx.BlockHeight > b.currentHeight {
		b.currentHeight = tx.BlockHeight
		b.haveHeight = true
	}
	b.evictLocked()
	return nil
}

// evictLocked drops blocks older than currentHeight-maxBlocks+1, keeping the
// window size at min(maxBlocks, currentHeight+1) per spec.md §8's invariant.
// Caller must hold b.mu.
func (b *Baseline) evictLocked() {
	if !b.haveHeight {
		return
	}
	cutoff := b.currentHeight - int64(b.maxBlocks) + 1
	evicted := b.window.EvictFunc(func(p models.ProcessedTx) bool {
		return p.BlockHeight < cutoff
	})
	for _, p := range evicted {
		for _, amt := range p.Amounts {
			b.hist.Remove(amt, 1.0)
		}
		b.stats.Evicted++
		b.stats.ActiveInWindow--
	}
}

// Recompute runs the stencil fit and refinement stages over the current
// window and stores the result as the new baseline PriceEstimate. Call once
// per confirmed block, after all of that block's transactions have been
// passed to IngestTx.
func (b *Baseline) Recompute() (models.PriceEstimate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	amounts := make([]refine.Output, 0, b.window.Len())
	for _, p := range b.window.Elements() {
		for _, amt := range p.Amounts {
			amounts = append(amounts, refine.Output{BTC: amt})
		}
	}

	fit, result, err := fitAndRefine(b.hist, b.stencils, amounts, b.last.Price, b.lastShift, b.haveShift)
	if err != nil {
		return models.PriceEstimate{}, err
	}

	b.lastShift = fit.Shift
	b.haveShift = true

	estimate := models.PriceEstimate{
		Price:          result.Price,
		Confidence:     result.Confidence,
		ContributingTx: result.ContributingTx,
		Estimator:      "baseline",
		RangeLow:       result.RangeLow,
		RangeHigh:      result.RangeHigh,
	}
	if estimate.Price <= 0 {
		estimate.Price = b.last.Price
	}
	b.last = estimate

	if b.log != nil {
		b.log.Debug("baseline recomputed",
			zap.Float64("price", estimate.Price),
			zap.Float64("confidence", estimate.Confidence),
			zap.Int("window_len", b.window.Len()))
	}
	return estimate, nil
}

// Snapshot is a read-only copy of the baseline's current state, safe to call
// concurrently with IngestTx/Recompute. Live reads this every refinement
// cycle per spec.md §9's "one-way dependency" design note.
type Snapshot struct {
	Estimate models.PriceEstimate
	Stats    models.EstimatorStats
	Ready    bool
}

// Snapshot returns the Baseline's current read-only state.
func (b *Baseline) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		Estimate: b.last,
		Stats:    b.stats,
		Ready:    b.last.Price > 0,
	}
}

// CurrentHeight returns the highest block height ingested so far.
func (b *Baseline) CurrentHeight() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentHeight, b.haveHeight
}
