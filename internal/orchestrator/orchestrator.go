// Package orchestrator wires the transaction source, binary parser, and the
// baseline/live estimators into the single streaming pipeline spec.md §2
// describes: Source → wireparser → {Baseline,Live} → Publisher. It is the
// "glue" component (C6 in spec.md §1): the source runs on its own goroutine
// and feeds a bounded channel; parsing and estimation run on the ingest
// goroutine that drains it; the publisher tick runs on a third goroutine.
// A single context.Context cancels all of them (spec.md §5's "single
// cancellation token").
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/utxoracle/internal/config"
	"github.com/rawblock/utxoracle/internal/estimator"
	"github.com/rawblock/utxoracle/internal/metrics"
	"github.com/rawblock/utxoracle/internal/publisher"
	"github.com/rawblock/utxoracle/internal/source"
	"github.com/rawblock/utxoracle/internal/stencil"
	"github.com/rawblock/utxoracle/internal/wireparser"
	"github.com/rawblock/utxoracle/pkg/models"
)

// publishTick is how often the publisher task evaluates whether a quiet
// mempool's live estimate needs to decay and whether a throttled emission is
// now due; it is independent of spec.md §6's publisher.min_interval_ms,
// which bounds how often an emission may actually go out.
const publishTick = 100 * time.Millisecond

// Orchestrator owns the Source, the two estimators, and the Publisher, and
// drives the ingest→estimate→publish loop described in spec.md §4.7/§5.
type Orchestrator struct {
	cfg  *config.Config
	log  *zap.Logger
	src  *source.Source
	base *estimator.Baseline
	live *estimator.Live
	pub  *publisher.Publisher

	currentBlockHeight int64
	haveBlockHeight    bool
}

// New constructs an Orchestrator. cfg supplies every spec.md §6 knob; the
// two estimators share one Stencils instance since it holds no mutable
// state (spec.md §9: "no process-wide singleton is required", but a shared
// immutable stencil table is not one).
func New(cfg *config.Config, log *zap.Logger) *Orchestrator {
	stencils := stencil.New()

	return &Orchestrator{
		cfg: cfg,
		log: log,
		src: source.New(cfg.SourceEndpoint, cfg.SourceTopics, log),
		base: estimator.NewBaseline(stencils, cfg.WindowBaselineBlocks, log),
		live: estimator.NewLive(
			stencils,
			time.Duration(cfg.WindowLiveSeconds)*time.Second,
			cfg.FallbackSeedPrice,
			time.Duration(cfg.PublisherMinIntervalMS)*time.Millisecond,
			log,
		),
		pub: publisher.New(
			time.Duration(cfg.PublisherMinIntervalMS)*time.Millisecond,
			cfg.PublisherMaterialChangeRatio,
		),
	}
}

// Publisher exposes the update channel's Subscribe/Unsubscribe surface to
// external collaborators (spec.md §6's "streaming update channel").
func (o *Orchestrator) Publisher() *publisher.Publisher { return o.pub }

// Baseline exposes the baseline estimator's read-only snapshot, e.g. for the
// /healthz endpoint.
func (o *Orchestrator) Baseline() *estimator.Baseline { return o.base }

// Live exposes the live estimator, e.g. for the /healthz endpoint.
func (o *Orchestrator) Live() *estimator.Live { return o.live }

// SourceHealthy reports the transaction source's current health flag.
func (o *Orchestrator) SourceHealthy() bool { return o.src.Healthy() }

// Run drives the pipeline until ctx is cancelled: it starts the source,
// consumes its RawTx stream (parsing, filtering, and routing each to the
// baseline or live estimator), and runs the publisher tick on its own
// goroutine. It returns once every internal goroutine has exited; it applies
// no timeout of its own to that wait.
func (o *Orchestrator) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.src.Run(ctx)
	}()

	publishDone := make(chan struct{})
	go func() {
		defer close(publishDone)
		o.publishLoop(ctx)
	}()

	o.ingestLoop(ctx)

	<-done
	<-publishDone
}

// ingestLoop is source_tx/source_block's consumer half: it reads RawTx off
// the source's channel, parses each one, and routes the result by origin.
// Malformed transactions are logged at debug and dropped; no counter
// records them.
func (o *Orchestrator) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-o.src.Stream():
			if !ok {
				return
			}
			o.handleRawTx(raw)
		}
	}
}

func (o *Orchestrator) handleRawTx(raw models.RawTx) {
	parsed, err := wireparser.Parse(raw.Bytes, raw.WallTime, raw.Origin, raw.BlockHeight)
	if err != nil {
		if o.log != nil {
			o.log.Debug("dropping malformed transaction", zap.Error(err))
		}
		return
	}

	switch parsed.Origin {
	case models.OriginBlock:
		o.handleBlockTx(parsed)
	case models.OriginMempool:
		if err := o.live.IngestTx(parsed, raw.WallTime); err != nil && o.log != nil {
			o.log.Debug("live tx filtered", zap.Error(err))
		}
	}
}

// handleBlockTx ingests one confirmed-block transaction and, when its
// height is higher than the height currently being accumulated, triggers a
// baseline recomputation for the block that just completed — spec.md §4.7's
// "recomputes a PriceEstimate on every new block".
func (o *Orchestrator) handleBlockTx(tx models.ParsedTx) {
	if o.haveBlockHeight && tx.BlockHeight > o.currentBlockHeight {
		if _, err := o.base.Recompute(); err != nil && o.log != nil {
			o.log.Debug("baseline recompute skipped", zap.Error(err))
		}
	}
	o.currentBlockHeight = tx.BlockHeight
	o.haveBlockHeight = true

	if err := o.base.IngestTx(tx); err != nil && o.log != nil {
		o.log.Debug("baseline tx filtered", zap.Error(err))
	}
}

// publishLoop is the publisher task: it wakes on a fixed tick, evicts the
// live estimator's aged-out transactions (so a quiet mempool still decays
// correctly per spec.md §8 scenario 4), recomputes at most once per
// throttle interval, and emits a MempoolUpdate when ShouldEmit says to.
func (o *Orchestrator) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(publishTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.tick(now)
		}
	}
}

func (o *Orchestrator) tick(now time.Time) {
	o.live.Evict(now)

	baseSnap := o.base.Snapshot()
	liveEstimate, _, err := o.live.MaybeRecompute(now, baseSnap)
	if err != nil {
		if o.log != nil {
			o.log.Warn("live recompute failed", zap.Error(err))
		}
		liveEstimate = o.live.Last()
	}

	update := models.MempoolUpdate{
		BaselinePrice:     baseSnap.Estimate.Price,
		BaselineRangeLow:  baseSnap.Estimate.RangeLow,
		BaselineRangeHigh: baseSnap.Estimate.RangeHigh,
		LivePrice:         liveEstimate.Price,
		Confidence:        liveEstimate.Confidence,
		SourceHealthy:     o.src.Healthy(),
		Stats:             o.live.Stats(),
	}
	if update.LivePrice <= 0 {
		update.LivePrice = o.cfg.FallbackSeedPrice
	}

	metrics.SourceHealthy.Set(boolToFloat(update.SourceHealthy))
	metrics.Observe("baseline", baseSnap.Stats.TotalReceived, baseSnap.Stats.TotalFiltered, baseSnap.Estimate.Price, baseSnap.Estimate.Confidence)
	liveStats := o.live.Stats()
	metrics.Observe("live", liveStats.TotalReceived, liveStats.TotalFiltered, liveEstimate.Price, liveEstimate.Confidence)

	o.pub.Publish(now, update)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SeedHeight lets a startup-time NodeProbe result seed the source's
// rawblock height sequence, so the first confirmed blocks ingested carry an
// absolute rather than relative height. cmd/oracle/main.go calls this after
// an optional NodeProbe succeeds.
func (o *Orchestrator) SeedHeight(h int64) {
	o.src.SetStartHeight(h)
}
