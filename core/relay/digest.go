// Package relay verifies and dispatches pre-signed relay calls: signer
// recovery, validity windows, nonce consumption and value accounting, before
// the payload is handed on for authorisation and execution.
package relay

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Version is the LSP25 relay message version.
const Version = 25

// Digest builds the EIP-191 version 0 digest a relay signer signs:
//
//	keccak256(0x19 ‖ 0x00 ‖ keyManager ‖ Version ‖ chainID ‖ nonce ‖ validity ‖ value ‖ payload)
//
// with every number encoded as a 32-byte big-endian word.
func Digest(keyManager common.Address, chainID, nonce, validity, value *uint256.Int, payload []byte) common.Hash {
	msg := make([]byte, 0, 2+common.AddressLength+5*32+len(payload))
	msg = append(msg, 0x19, 0x00)
	msg = append(msg, keyManager.Bytes()...)
	for _, w := range []*uint256.Int{uint256.NewInt(Version), chainID, nonce, validity, value} {
		word := orZero(w).Bytes32()
		msg = append(msg, word[:]...)
	}
	msg = append(msg, payload...)
	return crypto.Keccak256Hash(msg)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
