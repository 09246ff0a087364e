package allowlist

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/eth2030/keymanager/core/permission"
)

// callEntrySize is bytes4 callTypes ‖ bytes20 address ‖ bytes4 interfaceId ‖
// bytes4 selector.
const callEntrySize = 4 + common.AddressLength + 4 + 4

// Wildcards. An all-ones field matches anything.
var (
	AnyAddress   = common.HexToAddress("0xffffffffffffffffffffffffffffffffffffffff")
	AnyInterface = [4]byte{0xff, 0xff, 0xff, 0xff}
	AnySelector  = [4]byte{0xff, 0xff, 0xff, 0xff}
)

// Call is one AllowedCalls entry.
type Call struct {
	CallTypes   permission.CallType
	Target      common.Address
	InterfaceID [4]byte
	Selector    [4]byte
}

func (c Call) encode() []byte {
	out := make([]byte, 0, callEntrySize)
	out = binary.BigEndian.AppendUint32(out, uint32(c.CallTypes))
	out = append(out, c.Target.Bytes()...)
	out = append(out, c.InterfaceID[:]...)
	return append(out, c.Selector[:]...)
}

func (c Call) String() string {
	return fmt.Sprintf("{%s %s %s %s}", c.CallTypes, c.Target.Hex(),
		hexutil.Encode(c.InterfaceID[:]), hexutil.Encode(c.Selector[:]))
}

// Calls is a decoded AllowedCalls list. A nil Calls with no error from
// DecodeCalls means the list was empty.
type Calls []Call

// EncodeCalls packs calls into their compact stored form.
func EncodeCalls(calls ...Call) []byte {
	elems := make([][]byte, len(calls))
	for i, c := range calls {
		elems[i] = c.encode()
	}
	out, _ := EncodeCompact(elems) // fixed-size elements never overflow
	return out
}

// DecodeCalls parses a stored AllowedCalls value.
func DecodeCalls(raw []byte) (Calls, error) {
	elems, err := DecodeCompact(raw)
	if err != nil {
		return nil, &InvalidEncodingError{Kind: "AllowedCalls", Raw: raw, Reason: err.Error()}
	}
	calls := make(Calls, 0, len(elems))
	for i, e := range elems {
		if len(e) != callEntrySize {
			return nil, &InvalidEncodingError{Kind: "AllowedCalls", Raw: raw,
				Reason: fmt.Sprintf("entry %d has %d bytes, want %d", i, len(e), callEntrySize)}
		}
		var c Call
		c.CallTypes = permission.CallType(binary.BigEndian.Uint32(e[:4]))
		c.Target = common.BytesToAddress(e[4:24])
		copy(c.InterfaceID[:], e[24:28])
		copy(c.Selector[:], e[28:32])
		if bytes.Equal(e[4:], make([]byte, callEntrySize-4)) {
			return nil, &InvalidEncodingError{Kind: "AllowedCalls", Raw: raw,
				Reason: fmt.Sprintf("entry %d has zero address, interface and selector", i)}
		}
		calls = append(calls, c)
	}
	if len(calls) == 0 {
		return nil, nil
	}
	return calls, nil
}

// ValidateCalls reports whether raw is a well-formed AllowedCalls value. The
// empty value is valid.
func ValidateCalls(raw []byte) error {
	_, err := DecodeCalls(raw)
	return err
}

// Field names the part of an AllowedCalls entry that rejected a request.
// Fields are ordered by how deep into an entry the comparison got.
type Field int

const (
	FieldNone Field = iota
	FieldCallType
	FieldTarget
	FieldStandard
	FieldSelector
)

func (f Field) String() string {
	switch f {
	case FieldCallType:
		return "callType"
	case FieldTarget:
		return "target"
	case FieldStandard:
		return "standard"
	case FieldSelector:
		return "selector"
	}
	return "none"
}

// InterfaceChecker answers ERC-165 queries against call targets.
type InterfaceChecker interface {
	SupportsInterface(target common.Address, interfaceID [4]byte) bool
}

// Request is the call being checked against an AllowedCalls list.
type Request struct {
	CallTypes permission.CallType
	Target    common.Address
	Selector  [4]byte
}

// Match scans the list in order and returns the index of the first entry
// allowing req. When nothing matches, idx is -1 and field is the deepest
// field that failed across all entries.
func (cs Calls) Match(req Request, ifc InterfaceChecker) (idx int, field Field) {
	deepest := FieldNone
	for i, c := range cs {
		f := c.mismatch(req, ifc)
		if f == FieldNone {
			return i, FieldNone
		}
		if f > deepest {
			deepest = f
		}
	}
	if deepest == FieldNone {
		deepest = FieldTarget
	}
	return -1, deepest
}

func (c Call) mismatch(req Request, ifc InterfaceChecker) Field {
	if !c.CallTypes.Allows(req.CallTypes) {
		return FieldCallType
	}
	if c.Target != AnyAddress && c.Target != req.Target {
		return FieldTarget
	}
	if c.InterfaceID != AnyInterface {
		if ifc == nil || !ifc.SupportsInterface(req.Target, c.InterfaceID) {
			return FieldStandard
		}
	}
	if c.Selector != AnySelector && c.Selector != req.Selector {
		return FieldSelector
	}
	return FieldNone
}
