// Package intent decodes raw account invocation payloads into structured
// call intents the permission evaluator can reason about.
package intent

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

var ErrMalformedPayload = errors.New("intent: malformed payload")

// MalformedPayloadError is returned for payloads that cannot be decoded.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return "intent: malformed payload: " + e.Reason
}

func (e *MalformedPayloadError) Unwrap() error { return ErrMalformedPayload }

func malformed(format string, args ...any) error {
	return &MalformedPayloadError{Reason: fmt.Sprintf(format, args...)}
}

// Kind is the account entry point a payload invokes.
type Kind int

const (
	KindSetData Kind = iota
	KindSetDataBatch
	KindExecute
	KindExecuteBatch
	KindTransferOwnership
	KindAcceptOwnership
	KindRenounceOwnership
)

var kindMethods = map[Kind]string{
	KindSetData:           "setData",
	KindSetDataBatch:      "setDataBatch",
	KindExecute:           "execute",
	KindExecuteBatch:      "executeBatch",
	KindTransferOwnership: "transferOwnership",
	KindAcceptOwnership:   "acceptOwnership",
	KindRenounceOwnership: "renounceOwnership",
}

func (k Kind) String() string {
	if m, ok := kindMethods[k]; ok {
		return m
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Operation is an ERC725X operation type.
type Operation uint8

const (
	OpCall Operation = iota
	OpCreate
	OpCreate2
	OpStaticCall
	OpDelegateCall
)

func (o Operation) String() string {
	switch o {
	case OpCall:
		return "CALL"
	case OpCreate:
		return "CREATE"
	case OpCreate2:
		return "CREATE2"
	case OpStaticCall:
		return "STATICCALL"
	case OpDelegateCall:
		return "DELEGATECALL"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// IsDeploy reports whether o creates a contract.
func (o Operation) IsDeploy() bool { return o == OpCreate || o == OpCreate2 }

// SubCall is one ERC725X operation carried by execute or executeBatch.
type SubCall struct {
	Operation Operation
	Target    common.Address
	Value     *uint256.Int
	Data      []byte
}

// FunctionSelector returns the first four bytes of Data, zero padded when
// the data is shorter.
func (c SubCall) FunctionSelector() [4]byte {
	var sel [4]byte
	copy(sel[:], c.Data)
	return sel
}

// Intent is the decoded view of an account payload.
type Intent struct {
	Kind     Kind
	Selector [4]byte

	// setData / setDataBatch
	Keys   []common.Hash
	Values [][]byte

	// execute / executeBatch
	Calls []SubCall

	// transferOwnership
	NewOwner common.Address
}

// IsDataWrite reports whether the intent only writes account storage.
func (in *Intent) IsDataWrite() bool {
	return in.Kind == KindSetData || in.Kind == KindSetDataBatch
}

// CallValue sums the value forwarded by all sub-calls.
func (in *Intent) CallValue() *uint256.Int {
	total := new(uint256.Int)
	for _, c := range in.Calls {
		total.Add(total, c.Value)
	}
	return total
}

func (in *Intent) String() string {
	switch in.Kind {
	case KindSetData, KindSetDataBatch:
		return fmt.Sprintf("%s(%d keys)", in.Kind, len(in.Keys))
	case KindExecute, KindExecuteBatch:
		return fmt.Sprintf("%s(%d calls)", in.Kind, len(in.Calls))
	case KindTransferOwnership:
		return fmt.Sprintf("transferOwnership(%s)", in.NewOwner.Hex())
	}
	return in.Kind.String()
}

// Decode parses payload into an Intent.
func Decode(payload []byte) (*Intent, error) {
	if len(payload) < 4 {
		return nil, malformed("payload too short (%d bytes)", len(payload))
	}
	method, err := parsedABI.MethodById(payload[:4])
	if err != nil {
		return nil, malformed("unknown selector %s", hexutil.Encode(payload[:4]))
	}
	args, err := method.Inputs.Unpack(payload[4:])
	if err != nil {
		return nil, malformed("%s: %v", method.Name, err)
	}
	in := &Intent{}
	copy(in.Selector[:], payload[:4])

	switch method.Name {
	case "setData":
		in.Kind = KindSetData
		in.Keys = []common.Hash{common.Hash(args[0].([32]byte))}
		in.Values = [][]byte{args[1].([]byte)}

	case "setDataBatch":
		in.Kind = KindSetDataBatch
		keys := args[0].([][32]byte)
		values := args[1].([][]byte)
		if len(keys) != len(values) {
			return nil, malformed("setDataBatch: %d keys for %d values", len(keys), len(values))
		}
		if len(keys) == 0 {
			return nil, malformed("setDataBatch: empty batch")
		}
		in.Keys = make([]common.Hash, len(keys))
		for i, k := range keys {
			in.Keys[i] = common.Hash(k)
		}
		in.Values = values

	case "execute":
		in.Kind = KindExecute
		call, err := subCall(args[0].(*big.Int), args[1].(common.Address), args[2].(*big.Int), args[3].([]byte))
		if err != nil {
			return nil, err
		}
		in.Calls = []SubCall{call}

	case "executeBatch":
		in.Kind = KindExecuteBatch
		ops := args[0].([]*big.Int)
		targets := args[1].([]common.Address)
		values := args[2].([]*big.Int)
		datas := args[3].([][]byte)
		if len(ops) != len(targets) || len(ops) != len(values) || len(ops) != len(datas) {
			return nil, malformed("executeBatch: parameter length mismatch (%d/%d/%d/%d)",
				len(ops), len(targets), len(values), len(datas))
		}
		if len(ops) == 0 {
			return nil, malformed("executeBatch: empty batch")
		}
		in.Calls = make([]SubCall, len(ops))
		for i := range ops {
			call, err := subCall(ops[i], targets[i], values[i], datas[i])
			if err != nil {
				return nil, fmt.Errorf("executeBatch[%d]: %w", i, err)
			}
			in.Calls[i] = call
		}

	case "transferOwnership":
		in.Kind = KindTransferOwnership
		in.NewOwner = args[0].(common.Address)

	case "acceptOwnership":
		in.Kind = KindAcceptOwnership

	case "renounceOwnership":
		in.Kind = KindRenounceOwnership
	}
	return in, nil
}

func subCall(op *big.Int, target common.Address, value *big.Int, data []byte) (SubCall, error) {
	if !op.IsUint64() || op.Uint64() > uint64(OpDelegateCall) {
		return SubCall{}, malformed("unknown operation type %s", op)
	}
	v, overflow := uint256.FromBig(value)
	if overflow {
		return SubCall{}, malformed("value overflows 256 bits")
	}
	call := SubCall{Operation: Operation(op.Uint64()), Target: target, Value: v, Data: data}
	if (call.Operation == OpStaticCall || call.Operation == OpDelegateCall) && !v.IsZero() {
		return SubCall{}, malformed("%s cannot carry value", call.Operation)
	}
	return call, nil
}
