package intent

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// The Pack helpers build account payloads for clients and tests. They panic
// only on programmer error, since every argument type is fixed.

func pack(method string, args ...any) []byte {
	out, err := parsedABI.Pack(method, args...)
	if err != nil {
		panic("intent: pack " + method + ": " + err.Error())
	}
	return out
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

// PackSetData encodes setData(key, value).
func PackSetData(key common.Hash, value []byte) []byte {
	return pack("setData", [32]byte(key), value)
}

// PackSetDataBatch encodes setDataBatch(keys, values).
func PackSetDataBatch(keys []common.Hash, values [][]byte) []byte {
	raw := make([][32]byte, len(keys))
	for i, k := range keys {
		raw[i] = k
	}
	if values == nil {
		values = [][]byte{}
	}
	return pack("setDataBatch", raw, values)
}

// PackExecute encodes execute(op, target, value, data).
func PackExecute(op Operation, target common.Address, value *uint256.Int, data []byte) []byte {
	if data == nil {
		data = []byte{}
	}
	return pack("execute", big.NewInt(int64(op)), target, toBig(value), data)
}

// PackExecuteBatch encodes executeBatch over calls.
func PackExecuteBatch(calls []SubCall) []byte {
	ops := make([]*big.Int, len(calls))
	targets := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	datas := make([][]byte, len(calls))
	for i, c := range calls {
		ops[i] = big.NewInt(int64(c.Operation))
		targets[i] = c.Target
		values[i] = toBig(c.Value)
		datas[i] = c.Data
		if datas[i] == nil {
			datas[i] = []byte{}
		}
	}
	return pack("executeBatch", ops, targets, values, datas)
}

// PackTransferOwnership encodes transferOwnership(newOwner).
func PackTransferOwnership(newOwner common.Address) []byte {
	return pack("transferOwnership", newOwner)
}

// PackAcceptOwnership encodes acceptOwnership().
func PackAcceptOwnership() []byte { return pack("acceptOwnership") }

// PackRenounceOwnership encodes renounceOwnership().
func PackRenounceOwnership() []byte { return pack("renounceOwnership") }

// PackBatchResults encodes the bytes[] returned by executeBatch.
func PackBatchResults(results [][]byte) []byte {
	if results == nil {
		results = [][]byte{}
	}
	out, err := parsedABI.Methods["executeBatch"].Outputs.Pack(results)
	if err != nil {
		panic("intent: pack executeBatch results: " + err.Error())
	}
	return out
}

// UnpackBatchResults decodes the return data of executeBatch.
func UnpackBatchResults(data []byte) ([][]byte, error) {
	vals, err := parsedABI.Methods["executeBatch"].Outputs.Unpack(data)
	if err != nil {
		return nil, malformed("batch results: %v", err)
	}
	return vals[0].([][]byte), nil
}
