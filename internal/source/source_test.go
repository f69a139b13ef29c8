package source

import (
	"encoding/binary"
	"testing"
	"time"

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

// simpleTx builds one minimal non-segwit transaction: version, one input
// with an empty scriptSig, one output with an empty scriptPubKey, locktime.
func simpleTx() []byte {
	var buf []byte
	buf = append(buf, le32(2)...)    // version
	buf = append(buf, 0x01)          // input count
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, le32(0)...)    // prevout index
	buf = append(buf, 0x00)          // scriptSig length 0
	buf = append(buf, le32(0xffffffff)...) // sequence
	buf = append(buf, 0x01)          // output count
	buf = append(buf, le64(5_000_000_000)...)
	buf = append(buf, 0x00) // scriptPubKey length 0
	buf = append(buf, le32(0)...) // locktime
	return buf
}

func blockHeader() []byte {
	return make([]byte, blockHeaderBytes)
}

func TestEstimateTxLength_MatchesActualSize(t *testing.T) {
	tx := simpleTx()
	n, ok := estimateTxLength(tx)
	require.True(t, ok)
	assert.Equal(t, len(tx), n)
}

func TestEstimateTxLength_TruncatedIsRejected(t *testing.T) {
	tx := simpleTx()
	_, ok := estimateTxLength(tx[:len(tx)-1])
	assert.False(t, ok)
}

func TestExtractTransactions_SplitsBlockIntoPerTxRawTx(t *testing.T) {
	tx1 := simpleTx()
	tx2 := simpleTx()

	var block []byte
	block = append(block, blockHeader()...)
	block = append(block, 0x02) // 2 transactions
	block = append(block, tx1...)
	block = append(block, tx2...)

	now := time.Now()
	var got [][]byte
	for raw := range ExtractTransactions(block, now, 850_000) {
		assert.Equal(t, int64(850_000), raw.BlockHeight)
		assert.Equal(t, now, raw.WallTime)
		got = append(got, raw.Bytes)
	}
	require.Len(t, got, 2)
	assert.Equal(t, tx1, got[0])
	assert.Equal(t, tx2, got[1])
}

func TestExtractTransactions_EmptyOnTruncatedHeader(t *testing.T) {
	var got int
	for range ExtractTransactions([]byte{0x01, 0x02}, time.Now(), 0) {
		got++
	}
	assert.Equal(t, 0, got)
}

func TestReadVarInt_Forms(t *testing.T) {
	v, n, ok := readVarInt([]byte{0x10})
	require.True(t, ok)
	assert.Equal(t, uint64(0x10), v)
	assert.Equal(t, 1, n)

	v, n, ok = readVarInt([]byte{0xfd, 0x01, 0x02})
	require.True(t, ok)
	assert.Equal(t, uint64(0x0201), v)
	assert.Equal(t, 3, n)
}

func TestSource_HealthyDefaultsFalse(t *testing.T) {
	s := New("tcp://127.0.0.1:28332", []string{"rawtx"}, nil)
	assert.False(t, s.Healthy())
}

func TestSource_SetStartHeight(t *testing.T) {
	s := New("tcp://127.0.0.1:28332", []string{"rawblock"}, nil)
	s.SetStartHeight(900_000)
	assert.Equal(t, int64(900_000), s.height.Load())
}
