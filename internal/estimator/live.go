package estimator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/utxoracle/internal/filter"
	"github.com/rawblock/utxoracle/internal/histogram"
	"github.com/rawblock/utxoracle/internal/refine"
	"github.com/rawblock/utxoracle/internal/stencil"
	"github.com/rawblock/utxoracle/pkg/models"
)

// Live is the mempool price estimator (spec.md §4.7): a rolling 3h
// wall-clock window over mempool-origin transactions, recomputed at most
// once per throttle interval. It seeds its stencil search from Baseline's
// published snapshot (or a configured fallback seed price before Baseline
// has produced a first estimate) but never reads Baseline's histogram or
// window directly — only the immutable Snapshot value.
type Live struct {
	mu sync.RWMutex

	hist     *histogram.Histogram
	window   *models.RollingWindow[models.ProcessedTx]
	policy   *filter.Policy
	stencils *stencil.Stencils
	log      *zap.Logger

	windowDuration time.Duration
	seedPrice      float64
	throttle       time.Duration

	last          models.PriceEstimate
	lastShift     int
	haveShift     bool
	stats         models.EstimatorStats
	lastRecompute time.Time
	haveRecompute bool
}

// NewLive constructs an empty Live estimator. windowDuration and throttle
// correspond to spec.md §6's window.live_seconds and
// publisher.min_interval_ms; seedPrice is fallback.seed_price.
func NewLive(stencils *stencil.Stencils, windowDuration time.Duration, seedPrice float64, throttle time.Duration, log *zap.Logger) *Live {
	return &Live{
		hist:           histogram.New(),
		window:         models.NewRollingWindow[models.ProcessedTx](windowDuration),
		policy:         filter.NewPolicy(true), // same-day reuse guard applies to mempool
		stencils:       stencils,
		log:            log,
		windowDuration: windowDuration,
		seedPrice:      seedPrice,
		throttle:       throttle,
	}
}

// IngestTx applies the filter policy to one parsed mempool transaction and
// adds any qualifying amounts to the histogram. now drives both the
// same-day reuse guard's bookkeeping and window eviction.
func (l *Live) IngestTx(tx models.ParsedTx, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.TotalReceived++
	processed, err := l.policy.Evaluate(tx)
	if err != nil {
		l.stats.TotalFiltered++
		return err
	}

	l.window.Push(processed)
	for _, amt := range processed.Amounts {
		l.hist.Add(amt, 1.0)
	}
	l.stats.ActiveInWindow++

	l.evictLocked(now)
	return nil
}

// Evict drops everything older than windowDuration as of now, without
// requiring a new transaction to arrive — the orchestrator calls this on a
// periodic tick so a quiet mempool still decays properly (scenario 4 in
// spec.md §8 advances wall time with no further ingestion in between).
func (l *Live) Evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)
}

// evictLocked requires l.mu held.
func (l *Live) evictLocked(now time.Time) {
	evicted := l.window.Evict(now)
	for _, p := range evicted {
		for _, amt := range p.Amounts {
			l.hist.Remove(amt, 1.0)
		}
		l.stats.Evicted++
		l.stats.ActiveInWindow--
	}
	l.policy.EvictBefore(now.Add(-24 * time.Hour))
}

// MaybeRecompute recomputes the live PriceEstimate if at least the throttle
// interval has elapsed since the last recomputation, seeding the stencil
// search from baseline's current snapshot (or the configured fallback seed
// if baseline has no estimate yet). It returns (estimate, true, nil) when a
// fresh recomputation ran, or (last estimate, false, nil) when throttled.
func (l *Live) MaybeRecompute(now time.Time, baseline Snapshot) (models.PriceEstimate, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.haveRecompute && now.Sub(l.lastRecompute) < l.throttle {
		return l.last, false, nil
	}
	l.lastRecompute = now
	l.haveRecompute = true

	seedPrice := l.seedPrice
	if baseline.Ready {
		seedPrice = baseline.Estimate.Price
	}

	previousPrice := l.last.Price
	if previousPrice <= 0 {
		previousPrice = seedPrice
	}
	previousShift := l.lastShift
	haveShift := l.haveShift
	if !haveShift {
		previousShift = stencilShiftOrZero(l.stencils, seedPrice)
		haveShift = true
	}

	if l.window.Len() == 0 {
		estimate := models.PriceEstimate{
			Price:      seedPrice,
			Confidence: 0,
			Estimator:  "live",
		}
		l.last = estimate
		return estimate, true, nil
	}

	amounts := make([]refine.Output, 0, l.window.Len())
	for _, p := range l.window.Elements() {
		for _, amt := range p.Amounts {
			amounts = append(amounts, refine.Output{BTC: amt})
		}
	}

	fit, result, err := fitAndRefine(l.hist, l.stencils, amounts, previousPrice, previousShift, haveShift)
	if err != nil {
		return models.PriceEstimate{}, false, err
	}

	l.lastShift = fit.Shift
	l.haveShift = true

	estimate := models.PriceEstimate{
		Price:          result.Price,
		Confidence:     result.Confidence,
		ContributingTx: result.ContributingTx,
		Estimator:      "live",
		RangeLow:       result.RangeLow,
		RangeHigh:      result.RangeHigh,
	}
	if estimate.Price <= 0 {
		estimate.Price = seedPrice
	}
	l.last = estimate

	if l.log != nil {
		l.log.Debug("live recomputed",
			zap.Float64("price", estimate.Price),
			zap.Float64("confidence", estimate.Confidence),
			zap.Int("window_len", l.window.Len()))
	}
	return estimate, true, nil
}

// Stats returns a copy of the live estimator's current counters.
func (l *Live) Stats() models.EstimatorStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// Last returns the most recently published live PriceEstimate without
// forcing a recomputation.
func (l *Live) Last() models.PriceEstimate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

func stencilShiftOrZero(st *stencil.Stencils, price float64) int {
	if price <= 0 {
		return 0
	}
	return stencil.ShiftFromPrice(price)
}
