package rawdb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ReadNonceSequence returns the next expected sequence of a nonce channel.
// A channel never written reads as zero.
func ReadNonceSequence(db KeyValueReader, account, signer common.Address, channel *uint256.Int) (*uint256.Int, error) {
	data, err := db.Get(nonceKey(account, signer, channel))
	if errors.Is(err, ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) != channelLength {
		return nil, fmt.Errorf("rawdb: corrupt nonce entry (%d bytes)", len(data))
	}
	return new(uint256.Int).SetBytes(data), nil
}

// WriteNonceSequence stores the next expected sequence of a nonce channel.
func WriteNonceSequence(db KeyValueWriter, account, signer common.Address, channel, seq *uint256.Int) error {
	enc := seq.Bytes32()
	return db.Put(nonceKey(account, signer, channel), enc[32-channelLength:])
}

// NonceChannel is one stored channel of a signer.
type NonceChannel struct {
	Channel  *uint256.Int
	Sequence *uint256.Int
}

// ReadNonceChannels lists every channel signer has used on account, in
// ascending channel order.
func ReadNonceChannels(db KeyValueStore, account, signer common.Address) ([]NonceChannel, error) {
	prefix := nonceSignerPrefix(account, signer)
	it := db.NewIterator(prefix)
	defer it.Release()

	var out []NonceChannel
	for it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+channelLength || len(it.Value()) != channelLength {
			return nil, fmt.Errorf("rawdb: corrupt nonce entry under %x", key)
		}
		out = append(out, NonceChannel{
			Channel:  new(uint256.Int).SetBytes(key[len(prefix):]),
			Sequence: new(uint256.Int).SetBytes(it.Value()),
		})
	}
	return out, it.Error()
}

// ReadDatabaseVersion returns the stored schema version, or ok=false if
// none was written yet.
func ReadDatabaseVersion(db KeyValueReader) (version uint64, ok bool, err error) {
	data, err := db.Get(databaseVersionKey)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("rawdb: corrupt database version")
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// WriteDatabaseVersion stores the schema version.
func WriteDatabaseVersion(db KeyValueWriter, version uint64) error {
	return db.Put(databaseVersionKey, binary.BigEndian.AppendUint64(nil, version))
}
