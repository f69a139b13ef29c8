// Package filter implements the economic-activity filter policy (spec.md
// §4.3): a pure predicate that maps a models.ParsedTx to a models.ProcessedTx
// or rejects it outright. It fails closed — anything that looks like spam,
// a coinjoin-style batch, an inscription carrier, or a round-BTC denomination
// is dropped before it ever reaches the histogram.
//
// The round-BTC test (predicate 8) is the one place this package reaches for
// shopspring/decimal instead of comparing float64s: amounts arrive as exact
// satoshi-derived BTC values, and testing "does the decimal representation
// terminate before the eighth fractional digit" is a decimal-place question,
// not a magnitude comparison, so decimal.Decimal avoids the float rounding
// noise a string-formatting approach would invite. leanlp's value-fingerprint
// module (internal/heuristics/value_fingerprint.go) tests a related "is this
// a round denomination" question the same way the reference algorithm does:
// by table-matching satoshi amounts rather than formatting floats.
package filter

import (
	"time"

	"github.com/rawblock/utxoracle/internal/oraclerr"
	"github.com/rawblock/utxoracle/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	minInputs = 1
	maxInputs = 5
	wantOutputs = 2

	maxWitnessBytes = 500

	minQualifyingBTC = 1e-5
	maxQualifyingBTC = 1e5

	satsPerBTC = 100_000_000

	sameDayReuseWindow = 24 * time.Hour

	// roundBTCFractionalDigits bounds how many fractional decimal digits a
	// "round" BTC amount's terminating representation may have. Spec.md's
	// examples (0.1, 1.0, 5.0) terminate well inside this bound, as does
	// 1000 sats (0.00001 BTC, 5 digits); 546 sats (0.00000546 BTC) uses all
	// 8 digits and is only caught through knownArtifactSats.
	roundBTCFractionalDigits = 8
)

// Policy evaluates the filter predicates. A Policy is stateful only in the
// sense that it tracks recently-seen prevout references for the same-day
// input-reuse guard (predicate 6); everything else is a pure function of the
// ParsedTx. Exactly one Policy exists per estimator, matching the "one owner
// per mutable structure" concurrency rule.
type Policy struct {
	// trackReuse is only enabled for the live (mempool) estimator — spec.md
	// §4.3 predicate 6 scopes the same-day reuse guard to mempool origin.
	trackReuse bool
	seenPrevouts map[[36]byte]time.Time
}

// NewPolicy constructs a Policy. trackReuse should be true for the live
// estimator and false for the baseline estimator: confirmed blocks already
// represent settled chain history, so the same-day guard does not apply to
// them. The guard rejects a mempool transaction that spends a prevout already
// spent by an accepted mempool transaction within the last 24h; it does not
// check whether an input spends an output of a recently seen transaction.
func NewPolicy(trackReuse bool) *Policy {
	return &Policy{
		trackReuse:   trackReuse,
		seenPrevouts: make(map[[36]byte]time.Time),
	}
}

// Evaluate applies every predicate in spec.md §4.3 order, short-circuiting on
// the first failure. On success it returns a ProcessedTx holding only the
// outputs that survived predicates 7 and 8; if none survive, the whole
// transaction is rejected with oraclerr.ErrFilteredOut.
func (p *Policy) Evaluate(tx models.ParsedTx) (models.ProcessedTx, error) {
	if isCoinbase(tx) {
		return models.ProcessedTx{}, oraclerr.ErrFilteredOut
	}
	if len(tx.Inputs) < minInputs || len(tx.Inputs) > maxInputs {
		return models.ProcessedTx{}, oraclerr.ErrFilteredOut
	}
	if len(tx.Outputs) != wantOutputs {
		return models.ProcessedTx{}, oraclerr.ErrFilteredOut
	}
	for _, out := range tx.Outputs {
		if out.IsOPReturn {
			return models.ProcessedTx{}, oraclerr.ErrFilteredOut
		}
	}
	for _, in := range tx.Inputs {
		if in.WitnessBytes > maxWitnessBytes {
			return models.ProcessedTx{}, oraclerr.ErrFilteredOut
		}
	}
	if p.trackReuse && tx.Origin == models.OriginMempool {
		if p.reusesRecentPrevout(tx) {
			return models.ProcessedTx{}, oraclerr.ErrFilteredOut
		}
	}

	amounts := make([]float64, 0, len(tx.Outputs))
	for _, out := range tx.Outputs {
		btc := satsToBTC(out.ValueSats)
		if btc < minQualifyingBTC || btc > maxQualifyingBTC {
			continue
		}
		if isRoundBTC(btc, out.ValueSats) {
			continue
		}
		amounts = append(amounts, btc)
	}
	if len(amounts) == 0 {
		return models.ProcessedTx{}, oraclerr.ErrFilteredOut
	}

	if p.trackReuse && tx.Origin == models.OriginMempool {
		p.recordPrevouts(tx)
	}

	return models.ProcessedTx{
		Txid:        tx.Txid,
		Amounts:     amounts,
		WallTime:    tx.WallTime,
		Origin:      tx.Origin,
		BlockHeight: tx.BlockHeight,
		NumInputs:   len(tx.Inputs),
		NumOutputs:  len(tx.Outputs),
	}, nil
}

// EvictBefore drops same-day reuse bookkeeping older than the eviction
// threshold, keeping the Policy's tracked-prevout set bounded. Callers should
// invoke this periodically (the live estimator does so alongside its own
// rolling-window eviction).
func (p *Policy) EvictBefore(cutoff time.Time) {
	for k, seenAt := range p.seenPrevouts {
		if seenAt.Before(cutoff) {
			delete(p.seenPrevouts, k)
		}
	}
}

func isCoinbase(tx models.ParsedTx) bool {
	for _, in := range tx.Inputs {
		if in.IsCoinbase() {
			return true
		}
	}
	return false
}

func prevoutKey(in models.TxInput) [36]byte {
	var k [36]byte
	copy(k[:32], in.PrevTxid[:])
	k[32] = byte(in.PrevVout)
	k[33] = byte(in.PrevVout >> 8)
	k[34] = byte(in.PrevVout >> 16)
	k[35] = byte(in.PrevVout >> 24)
	return k
}

// reusesRecentPrevout reports whether any of tx's inputs spend a prevout
// this Policy has observed being spent (by some other transaction) within
// the same-day window, measured from that prevout's first observation —
// resolving spec.md §9's open question on window boundary semantics.
func (p *Policy) reusesRecentPrevout(tx models.ParsedTx) bool {
	for _, in := range tx.Inputs {
		k := prevoutKey(in)
		if seenAt, ok := p.seenPrevouts[k]; ok {
			if tx.WallTime.Sub(seenAt) < sameDayReuseWindow {
				return true
			}
		}
	}
	return false
}

func (p *Policy) recordPrevouts(tx models.ParsedTx) {
	for _, in := range tx.Inputs {
		k := prevoutKey(in)
		if _, exists := p.seenPrevouts[k]; !exists {
			p.seenPrevouts[k] = tx.WallTime
		}
	}
}

func satsToBTC(sats uint64) float64 {
	return float64(sats) / satsPerBTC
}

// knownArtifactSats lists satoshi amounts spec.md calls out as "round": 546
// is Bitcoin Core's historical standard dust limit, and 1000 is a common
// scripting-artifact round-sats amount. 546 sats uses the full 8 fractional
// digits, so the decimal-termination test alone does not catch it; 1000 sats
// (0.00001 BTC) is caught by that test as well and is listed here for
// completeness.
var knownArtifactSats = map[uint64]bool{
	546:  true,
	1000: true,
}

// isRoundBTC reports whether btc's decimal representation terminates before
// roundBTCFractionalDigits fractional digits, or sats matches a known
// round-amount artifact regardless of its termination point.
func isRoundBTC(btc float64, sats uint64) bool {
	if knownArtifactSats[sats] {
		return true
	}
	d := decimal.NewFromFloat(btc)
	// decimal.NewFromFloat returns the shortest exact decimal representation
	// of the float64, so -Exponent() directly reports how many fractional
	// digits are significant.
	fractionalDigits := -d.Exponent()
	if fractionalDigits < 0 {
		fractionalDigits = 0
	}
	return int(fractionalDigits) < roundBTCFractionalDigits
}
