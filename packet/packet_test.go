package packet

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	prepare, err := NewPrepare(big.NewInt(100), []byte("payload")).Encode()
	require.NoError(t, err)
	assert.Equal(t, KindPrepare, Classify(prepare))

	fulfill, err := NewFulfill([]byte("payload")).Encode()
	require.NoError(t, err)
	assert.Equal(t, KindFulfill, Classify(fulfill))

	reject, err := NewReject(CodeInsufficientBalance, "g.node", "insufficient balance").Encode()
	require.NoError(t, err)
	assert.Equal(t, KindReject, Classify(reject))

	assert.Equal(t, KindUnknown, Classify(nil))
	assert.Equal(t, KindUnknown, Classify([]byte{0xff, 0x01}))
}

func TestDecode_prepare(t *testing.T) {
	encoded, err := NewPrepare(big.NewInt(250), []byte("hello")).Encode()
	require.NoError(t, err)

	p, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, KindPrepare, p.Kind)
	assert.Equal(t, big.NewInt(250), p.Amount)
	assert.Equal(t, []byte("hello"), p.Data)
}

func TestDecode_reject(t *testing.T) {
	encoded, err := NewReject(CodeInsufficientBalance, "g.node", "insufficient balance").Encode()
	require.NoError(t, err)

	p, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, KindReject, p.Kind)
	assert.Equal(t, CodeInsufficientBalance, p.Code)
	assert.Equal(t, "g.node", p.TriggeredBy)
	assert.Equal(t, "insufficient balance", p.Message)
}

func TestDecode_unrecognized(t *testing.T) {
	_, err := Decode([]byte{0x7f})
	require.EqualError(t, err, "decoding packet: unrecognized packet")
}
