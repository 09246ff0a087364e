package rawdb

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Key prefixes. Each data type owns one leading byte.
var (
	// n + account (20) + signer (20) + channel (16) -> next sequence (16)
	noncePrefix = []byte("n")

	databaseVersionKey = []byte("DatabaseVersion")
)

// channelLength is the byte width of a nonce channel id and of a sequence.
const channelLength = 16

// DatabaseVersion is the schema version written by this code.
const DatabaseVersion = 1

func nonceSignerPrefix(account, signer common.Address) []byte {
	key := make([]byte, 0, len(noncePrefix)+2*common.AddressLength+channelLength)
	key = append(key, noncePrefix...)
	key = append(key, account.Bytes()...)
	return append(key, signer.Bytes()...)
}

// nonceKey = noncePrefix + account + signer + channel. channel must fit in
// 128 bits; higher words are ignored.
func nonceKey(account, signer common.Address, channel *uint256.Int) []byte {
	ch := channel.Bytes32()
	return append(nonceSignerPrefix(account, signer), ch[32-channelLength:]...)
}
