package wireparser

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rawblock/utxoracle/internal/oraclerr"
	"github.com/rawblock/utxoracle/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// buildLegacyTx constructs a minimal non-segwit transaction with one input
// and the given output values (in satoshis), each output carrying an empty
// scriptPubKey.
func buildLegacyTx(t *testing.T, outputValues []uint64) []byte {
	t.Helper()
	var buf []byte
	buf = append(buf, le32(1)...) // version
	buf = append(buf, 0x01)       // 1 input
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, le32(0)...)
	buf = append(buf, 0x00) // empty scriptSig
	buf = append(buf, le32(0xffffffff)...)
	buf = append(buf, byte(len(outputValues)))
	for _, v := range outputValues {
		buf = append(buf, le64(v)...)
		buf = append(buf, 0x00) // empty scriptPubKey
	}
	buf = append(buf, le32(0)...) // locktime
	return buf
}

func TestParse_Legacy_RoundTrip(t *testing.T) {
	raw := buildLegacyTx(t, []uint64{100_000, 250_000})
	now := time.Unix(1_700_000_000, 0)

	tx, err := Parse(raw, now, models.OriginMempool, 0)
	require.NoError(t, err)

	assert.False(t, tx.IsSegWit)
	assert.Equal(t, int32(1), tx.Version)
	require.Len(t, tx.Inputs, 1)
	require.Len(t, tx.Outputs, 2)
	assert.Equal(t, uint64(100_000), tx.Outputs[0].ValueSats)
	assert.Equal(t, uint64(250_000), tx.Outputs[1].ValueSats)
	assert.False(t, tx.Inputs[0].IsCoinbase())
	assert.Equal(t, now, tx.WallTime)
}

func TestParse_SegWit_WitnessBytesRecorded(t *testing.T) {
	var buf []byte
	buf = append(buf, le32(2)...)
	buf = append(buf, segwitMarker, segwitFlag)
	buf = append(buf, 0x01) // 1 input
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, le32(0)...)
	buf = append(buf, 0x00) // empty scriptSig
	buf = append(buf, le32(0xffffffff)...)
	buf = append(buf, 0x01) // 1 output
	buf = append(buf, le64(50_000)...)
	buf = append(buf, 0x00)
	// witness: 2 stack items, 3 and 5 bytes
	buf = append(buf, 0x02)
	buf = append(buf, 0x03, 0xaa, 0xaa, 0xaa)
	buf = append(buf, 0x05, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb)
	buf = append(buf, le32(0)...) // locktime

	tx, err := Parse(buf, time.Now(), models.OriginBlock, 800_000)
	require.NoError(t, err)

	assert.True(t, tx.IsSegWit)
	require.Len(t, tx.Inputs, 1)
	assert.Equal(t, 8, tx.Inputs[0].WitnessBytes)
	assert.Equal(t, models.OriginBlock, tx.Origin)
	assert.Equal(t, int64(800_000), tx.BlockHeight)
}

func TestParse_OPReturnDetected(t *testing.T) {
	var buf []byte
	buf = append(buf, le32(1)...)
	buf = append(buf, 0x01)
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, le32(0)...)
	buf = append(buf, 0x00)
	buf = append(buf, le32(0xffffffff)...)
	buf = append(buf, 0x01)
	buf = append(buf, le64(0)...)
	script := []byte{0x6a, 0x04, 0xde, 0xad, 0xbe, 0xef}
	buf = append(buf, byte(len(script)))
	buf = append(buf, script...)
	buf = append(buf, le32(0)...)

	tx, err := Parse(buf, time.Now(), models.OriginMempool, 0)
	require.NoError(t, err)
	require.Len(t, tx.Outputs, 1)
	assert.True(t, tx.Outputs[0].IsOPReturn)
}

func TestParse_TruncatedInput_IsMalformed(t *testing.T) {
	raw := buildLegacyTx(t, []uint64{1})
	truncated := raw[:len(raw)-10]

	_, err := Parse(truncated, time.Now(), models.OriginMempool, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, oraclerr.ErrMalformedTx)
}

func TestParse_CoinbaseInput_Detected(t *testing.T) {
	var buf []byte
	buf = append(buf, le32(1)...)
	buf = append(buf, 0x01)
	buf = append(buf, make([]byte, 32)...) // all-zero prev txid
	buf = append(buf, le32(0xffffffff)...) // prev vout 0xffffffff
	buf = append(buf, 0x00)
	buf = append(buf, le32(0xffffffff)...)
	buf = append(buf, 0x01)
	buf = append(buf, le64(5_000_000_000)...)
	buf = append(buf, 0x00)
	buf = append(buf, le32(0)...)

	tx, err := Parse(buf, time.Now(), models.OriginBlock, 1)
	require.NoError(t, err)
	require.Len(t, tx.Inputs, 1)
	assert.True(t, tx.Inputs[0].IsCoinbase())
}

func TestParse_EmptyInput_IsMalformed(t *testing.T) {
	_, err := Parse(nil, time.Now(), models.OriginMempool, 0)
	require.Error(t, err)
}

func TestParse_ImplausibleInputCount_IsMalformed(t *testing.T) {
	var buf []byte
	buf = append(buf, le32(1)...)
	buf = append(buf, 0xff)
	buf = append(buf, le64(1<<21)...) // varint-encoded huge count

	_, err := Parse(buf, time.Now(), models.OriginMempool, 0)
	require.Error(t, err)
}

// buildSignedLegacyTx constructs a non-segwit, one-input, one-output
// transaction carrying a non-empty scriptSig and a non-default sequence —
// the shape of essentially every real signed legacy transaction, as opposed
// to buildLegacyTx's placeholder empty-scriptSig/default-sequence input.
func buildSignedLegacyTx(t *testing.T, scriptSig []byte, sequence uint32, outputValue uint64) []byte {
	t.Helper()
	var buf []byte
	buf = append(buf, le32(1)...) // version
	buf = append(buf, 0x01)       // 1 input
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, le32(0)...)
	buf = append(buf, byte(len(scriptSig)))
	buf = append(buf, scriptSig...)
	buf = append(buf, le32(sequence)...)
	buf = append(buf, 0x01) // 1 output
	buf = append(buf, le64(outputValue)...)
	buf = append(buf, 0x00) // empty scriptPubKey
	buf = append(buf, le32(0)...)
	return buf
}

func TestParse_RetainsScriptSigAndSequence(t *testing.T) {
	scriptSig := []byte{0x48, 0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03}
	const sequence = 0xfffffffe
	raw := buildSignedLegacyTx(t, scriptSig, sequence, 100_000)

	tx, err := Parse(raw, time.Now(), models.OriginMempool, 0)
	require.NoError(t, err)
	require.Len(t, tx.Inputs, 1)
	assert.Equal(t, scriptSig, tx.Inputs[0].ScriptSig)
	assert.EqualValues(t, sequence, tx.Inputs[0].Sequence)
}

// TestParse_NonWitnessSerialisationRoundTrips checks spec.md §8's parser law
// serialise(parse(X)) = X for a witness-free transaction whose scriptSig and
// sequence are not the placeholder empty/0xffffffff values: computeTxid's
// re-serialization must reproduce raw byte-for-byte, and the resulting txid
// must equal the double-SHA256 of that exact reproduction.
func TestParse_NonWitnessSerialisationRoundTrips(t *testing.T) {
	scriptSig := []byte{0x47, 0x30, 0x44, 0x02, 0x20, 0x01, 0x02, 0x03, 0x04, 0x05}
	const sequence = 0xfffffffd
	raw := buildSignedLegacyTx(t, scriptSig, sequence, 42_000)

	tx, err := Parse(raw, time.Now(), models.OriginMempool, 0)
	require.NoError(t, err)

	reserialised := computeTxid(tx.Version, tx.Inputs, tx.Outputs, tx.LockTime)
	want := chainhash.DoubleHashB(raw)
	assert.Equal(t, want, reserialised[:])
}

func TestParse_DeterministicTxid(t *testing.T) {
	raw := buildLegacyTx(t, []uint64{1, 2, 3})
	tx1, err := Parse(raw, time.Now(), models.OriginMempool, 0)
	require.NoError(t, err)
	tx2, err := Parse(raw, time.Now(), models.OriginMempool, 0)
	require.NoError(t, err)
	assert.Equal(t, tx1.Txid, tx2.Txid)
}
