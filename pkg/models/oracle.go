// Package models holds the data types shared across the ingestion, filter,
// histogram, stencil, refinement and estimator layers of the price oracle.
package models

import "time"

// Origin tags where a RawTx or ProcessedTx was observed.
type Origin int

const (
	OriginMempool Origin = iota
	OriginBlock
)

func (o Origin) String() string {
	if o == OriginBlock {
		return "block"
	}
	return "mempool"
}

// RawTx is the unparsed payload yielded by the transaction source, tagged
// with where it came from and when it was observed.
type RawTx struct {
	Bytes      []byte
	WallTime   time.Time
	Origin     Origin
	BlockHeight int64 // only meaningful when Origin == OriginBlock
}

// TxInput is a parsed transaction input. ScriptSig and Sequence are kept
// verbatim so the non-witness serialization computeTxid rebuilds is a
// faithful round-trip of the wire form, not a reconstruction with
// placeholder fields.
type TxInput struct {
	PrevTxid     [32]byte
	PrevVout     uint32
	ScriptSig    []byte
	Sequence     uint32
	WitnessBytes int // total size of this input's witness stack, 0 if none
}

// IsCoinbase reports whether this input spends the null prevout (all-zero
// txid with output index 0xffffffff), the marker for a coinbase transaction.
func (in TxInput) IsCoinbase() bool {
	return in.PrevVout == 0xffffffff && in.PrevTxid == ([32]byte{})
}

// TxOutput is a parsed transaction output.
type TxOutput struct {
	ValueSats  uint64
	Script     []byte
	IsOPReturn bool
}

// ParsedTx is the structural decoding of one RawTx, produced by the binary
// parser (C2) and consumed exactly once by the filter policy (C3).
type ParsedTx struct {
	Txid       [32]byte
	Version    int32
	Inputs     []TxInput
	Outputs    []TxOutput
	LockTime   uint32
	IsSegWit   bool
	WallTime   time.Time
	Origin     Origin
	BlockHeight int64
}

// ProcessedTx is a ParsedTx that survived the filter policy: only the
// qualifying BTC amounts remain, along with enough bookkeeping for the
// rolling window and the stats counters.
type ProcessedTx struct {
	Txid        [32]byte
	Amounts     []float64 // qualifying output amounts, in BTC
	WallTime    time.Time
	Origin      Origin
	BlockHeight int64
	NumInputs   int
	NumOutputs  int
}

// Timestamp satisfies Aged so ProcessedTx can live in a RollingWindow.
func (p ProcessedTx) Timestamp() time.Time { return p.WallTime }

// PriceEstimate is a single immutable price observation produced by the
// refinement stage. It is never mutated in place; a new estimate replaces
// the old one.
type PriceEstimate struct {
	Price          float64
	Confidence     float64
	ContributingTx int
	Estimator      string // "baseline" or "live"
	AsOf           time.Time
	RangeLow       float64
	RangeHigh      float64
}

// EstimatorStats mirrors spec.md's MempoolUpdate.stats counters.
type EstimatorStats struct {
	TotalReceived  uint64
	TotalFiltered  uint64
	ActiveInWindow uint64
	Evicted        uint64
}

// RecentPoint is one entry of MempoolUpdate's bounded recent-points list.
type RecentPoint struct {
	Timestamp time.Time
	Price     float64
	SizeHint  int
}

// MempoolUpdate is the value published by the orchestrator's update channel.
// It is a self-contained snapshot: subscribers never alias or mutate it.
type MempoolUpdate struct {
	BaselinePrice    float64
	BaselineRangeLow float64
	BaselineRangeHigh float64
	LivePrice        float64
	Confidence       float64
	RecentPoints     []RecentPoint
	SourceHealthy    bool
	Stats            EstimatorStats
	AsOf             time.Time
}
