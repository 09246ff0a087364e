// Package datakeys derives the reserved account storage keys the key manager
// reads permissions from, and classifies arbitrary keys into the namespace
// they belong to.
package datakeys

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// AddressPermissionsLength is keccak256("AddressPermissions[]").
	AddressPermissionsLength = common.HexToHash("0xdf30dba06db6a30e65354d9a64c609861f089545ca58c6b4dbe31a5f338cb0e3")

	// URDDefault is keccak256("LSP1UniversalReceiverDelegate").
	URDDefault = common.HexToHash("0x0cfc51aec37c55a4d0b1a65c6255c4bf2fbdf6277f3cc0730c45b828b6db8b47")
)

// Prefixes of mapping-style keys: bytes10 namespace ‖ bytes2(0).
var (
	permissionsPrefix     = common.FromHex("0x4b80742de2bf82acb3630000")
	allowedDataKeysPrefix = common.FromHex("0x4b80742de2bf866c29110000")
	allowedCallsPrefix    = common.FromHex("0x4b80742de2bf393a64c70000")
	urdPrefix             = common.FromHex("0x0cfc51aec37c55a4d0b10000")
	extensionPrefix       = common.FromHex("0xcee78b4094da860110960000")

	// Every AddressPermissions:* key starts with these six bytes.
	addressPermissionsNamespace = common.FromHex("0x4b80742de2bf")
	addressPermissionsIndex     = AddressPermissionsLength[:16]
)

// Kind tells which reserved namespace a data key falls into.
type Kind int

const (
	KindGeneric Kind = iota
	KindPermissionsArrayLength
	KindPermissionsArrayIndex
	KindPermissions
	KindAllowedCalls
	KindAllowedDataKeys
	KindUnknownPermissionKey
	KindUniversalReceiverDelegate
	KindExtension
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindPermissionsArrayLength:
		return "AddressPermissions[]"
	case KindPermissionsArrayIndex:
		return "AddressPermissions[index]"
	case KindPermissions:
		return "AddressPermissions:Permissions"
	case KindAllowedCalls:
		return "AddressPermissions:AllowedCalls"
	case KindAllowedDataKeys:
		return "AddressPermissions:AllowedERC725YDataKeys"
	case KindUnknownPermissionKey:
		return "AddressPermissions:unknown"
	case KindUniversalReceiverDelegate:
		return "LSP1UniversalReceiverDelegate"
	case KindExtension:
		return "LSP17Extension"
	}
	return "invalid"
}

// Permissions returns the key holding the permission word of controller.
func Permissions(controller common.Address) common.Hash {
	return mapKey(permissionsPrefix, controller.Bytes())
}

// AllowedCalls returns the key holding the AllowedCalls list of controller.
func AllowedCalls(controller common.Address) common.Hash {
	return mapKey(allowedCallsPrefix, controller.Bytes())
}

// AllowedDataKeys returns the key holding the AllowedERC725YDataKeys list of
// controller.
func AllowedDataKeys(controller common.Address) common.Hash {
	return mapKey(allowedDataKeysPrefix, controller.Bytes())
}

// PermissionsIndex returns the key of entry i of the AddressPermissions[]
// array.
func PermissionsIndex(i uint64) common.Hash {
	var k common.Hash
	copy(k[:16], addressPermissionsIndex)
	binary.BigEndian.PutUint64(k[24:], i)
	return k
}

// UniversalReceiverDelegate returns the mapped delegate key for a type id.
// Only the first 20 bytes of typeID are used.
func UniversalReceiverDelegate(typeID common.Hash) common.Hash {
	return mapKey(urdPrefix, typeID[:20])
}

// Extension returns the key of the extension handler for selector.
func Extension(selector [4]byte) common.Hash {
	return mapKey(extensionPrefix, selector[:])
}

func mapKey(prefix, suffix []byte) common.Hash {
	var k common.Hash
	n := copy(k[:], prefix)
	copy(k[n:], suffix)
	return k
}

// Classify reports the reserved namespace of key.
func Classify(key common.Hash) Kind {
	switch {
	case key == AddressPermissionsLength:
		return KindPermissionsArrayLength
	case bytes.HasPrefix(key[:], addressPermissionsIndex):
		return KindPermissionsArrayIndex
	case bytes.HasPrefix(key[:], addressPermissionsNamespace):
		switch {
		case bytes.HasPrefix(key[:], permissionsPrefix):
			return KindPermissions
		case bytes.HasPrefix(key[:], allowedCallsPrefix):
			return KindAllowedCalls
		case bytes.HasPrefix(key[:], allowedDataKeysPrefix):
			return KindAllowedDataKeys
		}
		return KindUnknownPermissionKey
	case key == URDDefault || bytes.HasPrefix(key[:], urdPrefix):
		return KindUniversalReceiverDelegate
	case bytes.HasPrefix(key[:], extensionPrefix):
		return KindExtension
	}
	return KindGeneric
}

// ControllerOf extracts the controller address from a per-controller
// permission key. ok is false for keys outside those namespaces.
func ControllerOf(key common.Hash) (common.Address, bool) {
	switch Classify(key) {
	case KindPermissions, KindAllowedCalls, KindAllowedDataKeys:
		return common.BytesToAddress(key[12:]), true
	}
	return common.Address{}, false
}

// ArrayLength decodes an AddressPermissions[] length value. An empty value
// is zero.
func ArrayLength(value []byte) (*uint256.Int, bool) {
	switch len(value) {
	case 0:
		return new(uint256.Int), true
	case 16:
		return new(uint256.Int).SetBytes(value), true
	}
	return nil, false
}

// EncodeArrayLength encodes n as a uint128 length value.
func EncodeArrayLength(n uint64) []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[8:], n)
	return out
}
