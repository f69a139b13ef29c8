// Package source implements the transaction source (spec.md §4.1): a
// restartable ZMQ subscriber over a Bitcoin node's rawtx/rawblock publisher
// sockets, yielding a channel of models.RawTx tagged with origin and
// wall-time, plus an optional RPC-based node probe for height bootstrap.
//
// ZMQ is grounded on the pack's only ZMQ-importing manifest
// (other_examples/manifests/PayRpc-Bitcoin_Sprint_Production_Final_2/go.mod);
// the teacher itself polls Bitcoin Core over RPC rather than subscribing to
// its ZMQ publisher, so the reconnect loop below generalizes the teacher's
// retry-on-error pattern (internal/mempool/poller.go) from a fixed-interval
// ticker to a bounded exponential backoff, using the same Sprint manifest's
// cenkalti/backoff/v4.
package source

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/rawblock/utxoracle/internal/oraclerr"
	"github.com/rawblock/utxoracle/pkg/models"
)

const (
	topicRawTx    = "rawtx"
	topicRawBlock = "rawblock"

	backoffInitial = 1 * time.Second
	backoffCap     = 5 * time.Second

	blockHeaderBytes = 80

	// segwitMarker/segwitFlag mirror wireparser's constants of the same name
	// (internal/wireparser/parser.go); duplicated here rather than exported
	// since estimateTxLength only needs to detect the marker, not decode
	// around it.
	segwitMarker = 0x00
	segwitFlag   = 0x01
)

// Source subscribes to a Bitcoin node's ZMQ rawtx/rawblock publishers and
// yields RawTx values on a bounded channel. Exactly one goroutine owns the
// underlying socket; Healthy() is safe to read concurrently.
type Source struct {
	endpoint string
	topics   []string
	log      *zap.Logger

	healthy atomic.Bool
	out     chan models.RawTx

	// height tracks the block height attributed to the next rawblock
	// message. It is seeded from an optional NodeProbe at startup (spec.md
	// §4.1: "block height is supplied by the caller"); a raw block's bytes
	// alone never encode its height, so the orchestrator's only source of
	// truth is this running count over the rawblock sequence.
	height atomic.Int64
}

// New constructs a Source. topics must be a subset of {"rawtx", "rawblock"}.
func New(endpoint string, topics []string, log *zap.Logger) *Source {
	return &Source{
		endpoint: endpoint,
		topics:   topics,
		log:      log,
		out:      make(chan models.RawTx, 4096),
	}
}

// SetStartHeight seeds the height attributed to the next rawblock message
// this Source processes. Call once at startup, typically with one more than a
// NodeProbe's getblockcount result; if never called, height tracking starts at 0 and
// the reported BlockHeight values are relative rather than absolute.
func (s *Source) SetStartHeight(h int64) { s.height.Store(h) }

// Healthy reports whether the socket has received at least one message since
// the last (re)connect; it does not check how recent that message was. It flips false immediately on a
// transport error and true on the first successful receive after a gap.
func (s *Source) Healthy() bool { return s.healthy.Load() }

// Stream returns the channel RawTx values are published on. The channel is
// closed when ctx is cancelled.
func (s *Source) Stream() <-chan models.RawTx { return s.out }

// Run drives the subscribe/reconnect loop until ctx is cancelled. It never
// returns SourceUnavailable — per spec.md §4.1 that error is reserved for
// subscribe() failing after the bounded retry policy is exhausted, which in
// a long-running process never truly happens; Run instead keeps retrying
// forever and reports failure via Healthy().
func (s *Source) Run(ctx context.Context) {
	defer close(s.out)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.MaxInterval = backoffCap
	b.MaxElapsedTime = 0 // retry forever; this loop's lifetime is the process's

	for {
		if ctx.Err() != nil {
			return
		}
		generation := uuid.New()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.healthy.Store(false)
		wait := b.NextBackOff()
		if s.log != nil {
			s.log.Warn("source disconnected, reconnecting",
				zap.String("generation", generation.String()),
				zap.Error(err), zap.Duration("backoff", wait))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runOnce opens one ZMQ SUB socket, subscribes to the configured topics, and
// pumps messages onto s.out until the socket errors or ctx is cancelled.
func (s *Source) runOnce(ctx context.Context) error {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return oraclerr.ErrSourceUnavailable
	}
	defer sock.Close()

	if err := sock.Connect(s.endpoint); err != nil {
		return oraclerr.ErrSourceUnavailable
	}
	for _, topic := range s.topics {
		if err := sock.SetSubscribe(topic); err != nil {
			return oraclerr.ErrSourceUnavailable
		}
	}
	// Bounded poll timeout so runOnce can observe ctx cancellation instead
	// of blocking forever in RecvMessageBytes.
	if err := sock.SetRcvtimeo(500 * time.Millisecond); err != nil {
		return oraclerr.ErrSourceUnavailable
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		parts, err := sock.RecvMessageBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(11 /* EAGAIN */) {
				continue
			}
			return err
		}
		s.healthy.Store(true)
		s.dispatch(ctx, parts)
	}
}

// dispatch decodes one ZMQ multipart message ([topic, body, sequence]) and
// emits the resulting RawTx(es) onto s.out, dropping silently if the
// consumer can't keep up (mempool delivery is explicitly best-effort).
func (s *Source) dispatch(ctx context.Context, parts [][]byte) {
	if len(parts) < 2 {
		return
	}
	topic := string(parts[0])
	body := parts[1]
	now := time.Now()

	switch topic {
	case topicRawTx:
		s.emit(ctx, models.RawTx{Bytes: body, WallTime: now, Origin: models.OriginMempool})
	case topicRawBlock:
		height := s.height.Load()
		s.height.Add(1)
		for raw := range ExtractTransactions(body, now, height) {
			s.emit(ctx, raw)
		}
	}
}

func (s *Source) emit(ctx context.Context, tx models.RawTx) {
	select {
	case s.out <- tx:
	case <-ctx.Done():
	default:
		// Channel full: best-effort mempool/block delivery, drop rather than
		// block the ZMQ receive loop (spec.md §4.1's "no internal blocking").
		if s.log != nil {
			s.log.Debug("source output channel full, dropping event")
		}
	}
}

// ExtractTransactions walks one raw serialized block's byte payload —
// header, then varint transaction count, then each transaction verbatim —
// and yields a RawTx per transaction tagged origin=block and the given
// height. Block height is not recoverable from the raw bytes alone (spec.md
// doesn't require parsing the coinbase scriptSig's BIP34 height push), so
// the caller (runOnce's dispatch, or a test driving ExtractTransactions
// directly) supplies it.
func ExtractTransactions(rawBlock []byte, wallTime time.Time, blockHeight int64) <-chan models.RawTx {
	out := make(chan models.RawTx)
	go func() {
		defer close(out)
		if len(rawBlock) < blockHeaderBytes+1 {
			return
		}
		pos := blockHeaderBytes
		count, n, ok := readVarInt(rawBlock[pos:])
		if !ok {
			return
		}
		pos += n

		for i := uint64(0); i < count; i++ {
			txLen, ok := estimateTxLength(rawBlock[pos:])
			if !ok || pos+txLen > len(rawBlock) {
				return
			}
			out <- models.RawTx{
				Bytes:       rawBlock[pos : pos+txLen],
				WallTime:    wallTime,
				Origin:      models.OriginBlock,
				BlockHeight: blockHeight,
			}
			pos += txLen
		}
	}()
	return out
}

// readVarInt decodes a Bitcoin CompactSize integer from the front of buf,
// returning the value and the number of bytes it occupied. This duplicates
// wireparser's cursor.readVarInt rather than exporting it: ExtractTransactions
// only needs to find transaction boundaries inside a block, never the fields
// themselves, so it walks the wire format independently of the full decoder.
func readVarInt(buf []byte) (value uint64, n int, ok bool) {
	if len(buf) < 1 {
		return 0, 0, false
	}
	switch buf[0] {
	case 0xfd:
		if len(buf) < 3 {
			return 0, 0, false
		}
		return uint64(buf[1]) | uint64(buf[2])<<8, 3, true
	case 0xfe:
		if len(buf) < 5 {
			return 0, 0, false
		}
		v := uint64(buf[1]) | uint64(buf[2])<<8 | uint64(buf[3])<<16 | uint64(buf[4])<<24
		return v, 5, true
	case 0xff:
		if len(buf) < 9 {
			return 0, 0, false
		}
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(buf[1+i]) << (8 * i)
		}
		return v, 9, true
	default:
		return uint64(buf[0]), 1, true
	}
}

// estimateTxLength walks one canonical serialized transaction in buf far
// enough to determine its total byte length, without building a ParsedTx.
// It mirrors wireparser.Parse's field order (version, optional segwit
// marker/flag, inputs, outputs, witnesses, locktime) but only tracks
// position, so ExtractTransactions can slice exact per-transaction byte
// ranges out of a raw block.
func estimateTxLength(buf []byte) (length int, ok bool) {
	pos := 0
	advance := func(n int) bool {
		if pos+n > len(buf) {
			return false
		}
		pos += n
		return true
	}
	skipVarData := func() bool {
		n, consumed, ok := readVarInt(buf[pos:])
		if !ok || !advance(consumed) {
			return false
		}
		return advance(int(n))
	}

	if !advance(4) { // version
		return 0, false
	}

	isSegWit := false
	if pos+2 <= len(buf) && buf[pos] == segwitMarker && buf[pos+1] == segwitFlag {
		isSegWit = true
		if !advance(2) {
			return 0, false
		}
	}

	inCount, consumed, ok := readVarInt(buf[pos:])
	if !ok || !advance(consumed) {
		return 0, false
	}
	for i := uint64(0); i < inCount; i++ {
		if !advance(32 + 4) { // prev txid + prev vout
			return 0, false
		}
		if !skipVarData() { // scriptSig
			return 0, false
		}
		if !advance(4) { // sequence
			return 0, false
		}
	}

	outCount, consumed, ok := readVarInt(buf[pos:])
	if !ok || !advance(consumed) {
		return 0, false
	}
	for i := uint64(0); i < outCount; i++ {
		if !advance(8) { // value
			return 0, false
		}
		if !skipVarData() { // scriptPubKey
			return 0, false
		}
	}

	if isSegWit {
		for i := uint64(0); i < inCount; i++ {
			stackLen, consumed, ok := readVarInt(buf[pos:])
			if !ok || !advance(consumed) {
				return 0, false
			}
			for j := uint64(0); j < stackLen; j++ {
				if !skipVarData() { // witness item
					return 0, false
				}
			}
		}
	}

	if !advance(4) { // locktime
		return 0, false
	}

	return pos, true
}
