package intent

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	target = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	key1   = common.HexToHash("0x01")
	key2   = common.HexToHash("0x02")
)

func TestSelectors(t *testing.T) {
	assert.Equal(t, [4]byte{0x7f, 0x23, 0x69, 0x0c}, Selector("setData"))
	assert.Equal(t, [4]byte{0x44, 0xc0, 0x28, 0xfe}, Selector("execute"))
}

func TestDecodeSetData(t *testing.T) {
	in, err := Decode(PackSetData(key1, []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, KindSetData, in.Kind)
	assert.True(t, in.IsDataWrite())
	assert.Equal(t, []common.Hash{key1}, in.Keys)
	assert.Equal(t, [][]byte{[]byte("hello")}, in.Values)
}

func TestDecodeSetDataBatch(t *testing.T) {
	in, err := Decode(PackSetDataBatch([]common.Hash{key1, key2}, [][]byte{{1}, {}}))
	require.NoError(t, err)
	assert.Equal(t, KindSetDataBatch, in.Kind)
	assert.Equal(t, []common.Hash{key1, key2}, in.Keys)
	assert.Len(t, in.Values, 2)
}

func TestDecodeExecute(t *testing.T) {
	payload := PackExecute(OpCall, target, uint256.NewInt(5), []byte{0xde, 0xad, 0xbe, 0xef, 0x01})
	in, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, KindExecute, in.Kind)
	require.Len(t, in.Calls, 1)
	c := in.Calls[0]
	assert.Equal(t, OpCall, c.Operation)
	assert.Equal(t, target, c.Target)
	assert.Equal(t, uint64(5), c.Value.Uint64())
	assert.Equal(t, [4]byte{0xde, 0xad, 0xbe, 0xef}, c.FunctionSelector())
	assert.Equal(t, uint64(5), in.CallValue().Uint64())
}

func TestDecodeExecuteBatch(t *testing.T) {
	calls := []SubCall{
		{Operation: OpCall, Target: target, Value: uint256.NewInt(2)},
		{Operation: OpCreate, Value: uint256.NewInt(0), Data: []byte{0x60, 0x00}},
	}
	in, err := Decode(PackExecuteBatch(calls))
	require.NoError(t, err)
	assert.Equal(t, KindExecuteBatch, in.Kind)
	require.Len(t, in.Calls, 2)
	assert.Equal(t, OpCreate, in.Calls[1].Operation)
	assert.True(t, in.Calls[1].Operation.IsDeploy())
}

func TestDecodeOwnership(t *testing.T) {
	in, err := Decode(PackTransferOwnership(target))
	require.NoError(t, err)
	assert.Equal(t, KindTransferOwnership, in.Kind)
	assert.Equal(t, target, in.NewOwner)

	in, err = Decode(PackAcceptOwnership())
	require.NoError(t, err)
	assert.Equal(t, KindAcceptOwnership, in.Kind)

	in, err = Decode(PackRenounceOwnership())
	require.NoError(t, err)
	assert.Equal(t, KindRenounceOwnership, in.Kind)
}

func TestDecodeMalformed(t *testing.T) {
	tooLongOp := PackExecute(Operation(5), target, nil, nil)
	staticWithValue := PackExecute(OpStaticCall, target, uint256.NewInt(1), nil)
	truncated := PackSetData(key1, []byte("x"))
	truncated = truncated[:len(truncated)-40]

	tests := []struct {
		name    string
		payload []byte
	}{
		{"short", []byte{0x01, 0x02}},
		{"unknown selector", []byte{0xaa, 0xbb, 0xcc, 0xdd}},
		{"bad operation", tooLongOp},
		{"static call with value", staticWithValue},
		{"truncated args", truncated},
		{"batch length mismatch", PackSetDataBatch([]common.Hash{key1, key2}, [][]byte{{1}})},
		{"empty batch", PackSetDataBatch(nil, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload)
			var mp *MalformedPayloadError
			assert.ErrorAs(t, err, &mp)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}
