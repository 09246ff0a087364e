// Package permission defines the capability bits a controller can hold over
// an account and a 256-bit set type to carry them.
//
// Each capability occupies one bit of a 32-byte word stored under the
// controller's permissions key. Bits that do not correspond to a known
// capability are preserved on round-trips but never grant anything.
package permission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Size is the byte length of an encoded permission word.
const Size = 32

var ErrInvalidLength = errors.New("permission: value must be 32 bytes")

// Capability is the bit index of one permission inside the 256-bit word.
type Capability uint8

const (
	ChangeOwner Capability = iota
	AddController
	EditPermissions
	AddExtensions
	ChangeExtensions
	AddUniversalReceiverDelegate
	ChangeUniversalReceiverDelegate
	Reentrancy
	SuperTransferValue
	TransferValue
	SuperCall
	Call
	SuperStaticCall
	StaticCall
	SuperDelegateCall
	DelegateCall
	Deploy
	SuperSetData
	SetData
	Encrypt
	Decrypt
	Sign
	ExecuteRelayCall

	numCapabilities
)

var capabilityNames = [numCapabilities]string{
	ChangeOwner:                     "CHANGEOWNER",
	AddController:                   "ADDCONTROLLER",
	EditPermissions:                 "EDITPERMISSIONS",
	AddExtensions:                   "ADDEXTENSIONS",
	ChangeExtensions:                "CHANGEEXTENSIONS",
	AddUniversalReceiverDelegate:    "ADDUNIVERSALRECEIVERDELEGATE",
	ChangeUniversalReceiverDelegate: "CHANGEUNIVERSALRECEIVERDELEGATE",
	Reentrancy:                      "REENTRANCY",
	SuperTransferValue:              "SUPER_TRANSFERVALUE",
	TransferValue:                   "TRANSFERVALUE",
	SuperCall:                       "SUPER_CALL",
	Call:                            "CALL",
	SuperStaticCall:                 "SUPER_STATICCALL",
	StaticCall:                      "STATICCALL",
	SuperDelegateCall:               "SUPER_DELEGATECALL",
	DelegateCall:                    "DELEGATECALL",
	Deploy:                          "DEPLOY",
	SuperSetData:                    "SUPER_SETDATA",
	SetData:                         "SETDATA",
	Encrypt:                         "ENCRYPT",
	Decrypt:                         "DECRYPT",
	Sign:                            "SIGN",
	ExecuteRelayCall:                "EXECUTE_RELAY_CALL",
}

// superOf maps a restricted capability to the variant that skips its
// allow-list.
var superOf = map[Capability]Capability{
	TransferValue: SuperTransferValue,
	Call:          SuperCall,
	StaticCall:    SuperStaticCall,
	DelegateCall:  SuperDelegateCall,
	SetData:       SuperSetData,
}

// Capabilities lists every known capability in bit order.
func Capabilities() []Capability {
	out := make([]Capability, 0, numCapabilities)
	for c := Capability(0); c < numCapabilities; c++ {
		out = append(out, c)
	}
	return out
}

// Known reports whether c is a defined capability.
func (c Capability) Known() bool { return c < numCapabilities }

func (c Capability) String() string {
	if c.Known() {
		return capabilityNames[c]
	}
	return fmt.Sprintf("BIT_%d", uint8(c))
}

// Super returns the SUPER_ variant of c, if one exists.
func (c Capability) Super() (Capability, bool) {
	s, ok := superOf[c]
	return s, ok
}

// ParseCapability resolves a capability from its canonical name.
func ParseCapability(name string) (Capability, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for c, n := range capabilityNames {
		if n == upper {
			return Capability(c), nil
		}
	}
	return 0, fmt.Errorf("permission: unknown capability %q", name)
}

// Set is a 256-bit permission word. The zero value holds no capabilities.
type Set struct {
	bits uint256.Int
}

// All is ALL_PERMISSIONS: every capability except REENTRANCY,
// DELEGATECALL and SUPER_DELEGATECALL.
var All = Of(
	ChangeOwner, AddController, EditPermissions, AddExtensions, ChangeExtensions,
	AddUniversalReceiverDelegate, ChangeUniversalReceiverDelegate,
	SuperTransferValue, TransferValue, SuperCall, Call, SuperStaticCall, StaticCall,
	Deploy, SuperSetData, SetData, Encrypt, Decrypt, Sign, ExecuteRelayCall,
)

// Of builds a set holding exactly the given capabilities.
func Of(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s = s.With(c)
	}
	return s
}

// FromBytes decodes a stored permission word. An empty value decodes to the
// empty set; any length other than 0 or 32 is rejected.
func FromBytes(b []byte) (Set, error) {
	var s Set
	switch len(b) {
	case 0:
		return s, nil
	case Size:
		s.bits.SetBytes(b)
		return s, nil
	default:
		return s, fmt.Errorf("%w: got %d", ErrInvalidLength, len(b))
	}
}

// FromUint256 wraps a raw 256-bit word.
func FromUint256(v *uint256.Int) Set {
	var s Set
	if v != nil {
		s.bits.Set(v)
	}
	return s
}

// Has reports whether capability c is set.
func (s Set) Has(c Capability) bool {
	return (s.bits[c/64]>>(c%64))&1 == 1
}

// HasAll reports whether every bit of o is also set in s.
func (s Set) HasAll(o Set) bool {
	var and uint256.Int
	and.And(&s.bits, &o.bits)
	return and.Eq(&o.bits)
}

// HasAny reports whether s and o share at least one bit.
func (s Set) HasAny(o Set) bool {
	var and uint256.Int
	and.And(&s.bits, &o.bits)
	return !and.IsZero()
}

// With returns a copy of s with c added.
func (s Set) With(caps ...Capability) Set {
	for _, c := range caps {
		s.bits[c/64] |= 1 << (c % 64)
	}
	return s
}

// Without returns a copy of s with c cleared.
func (s Set) Without(caps ...Capability) Set {
	for _, c := range caps {
		s.bits[c/64] &^= 1 << (c % 64)
	}
	return s
}

// Union returns the bitwise OR of s and o.
func (s Set) Union(o Set) Set {
	s.bits.Or(&s.bits, &o.bits)
	return s
}

// Covers reports whether s grants c either directly or through its SUPER_
// variant.
func (s Set) Covers(c Capability) bool {
	if s.Has(c) {
		return true
	}
	if sup, ok := c.Super(); ok {
		return s.Has(sup)
	}
	return false
}

// IsZero reports whether no bit at all is set.
func (s Set) IsZero() bool { return s.bits.IsZero() }

// Uint256 returns a copy of the raw word.
func (s Set) Uint256() *uint256.Int { return s.bits.Clone() }

// Bytes32 encodes the set as a big-endian 32-byte word.
func (s Set) Bytes32() [32]byte { return s.bits.Bytes32() }

// Bytes encodes the set as a 32-byte slice suitable for storage.
func (s Set) Bytes() []byte {
	b := s.bits.Bytes32()
	return b[:]
}

// Capabilities lists the known capabilities held, in bit order. Unknown
// bits are ignored.
func (s Set) Capabilities() []Capability {
	var out []Capability
	for c := Capability(0); c < numCapabilities; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s Set) String() string {
	caps := s.Capabilities()
	if len(caps) == 0 {
		return "[]"
	}
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.String()
	}
	return "[" + strings.Join(names, ",") + "]"
}
