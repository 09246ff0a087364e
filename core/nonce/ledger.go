// Package nonce tracks relay nonces per (account, signer, channel).
//
// A 256-bit relay nonce packs the channel id in its high 128 bits and the
// sequence number within that channel in the low 128 bits. Channels are
// independent lanes; inside one channel sequences must be used in order
// starting from zero.
package nonce

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/keymanager/core/rawdb"
)

var (
	ErrInvalidNonce    = errors.New("nonce: invalid relay nonce")
	ErrChannelTooLarge = errors.New("nonce: channel id exceeds 128 bits")
)

var max128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// Split returns the channel and sequence packed into n.
func Split(n *uint256.Int) (channel, seq *uint256.Int) {
	channel = new(uint256.Int).Rsh(n, 128)
	seq = new(uint256.Int).And(n, max128)
	return channel, seq
}

// Join packs channel and seq into a relay nonce.
func Join(channel, seq *uint256.Int) *uint256.Int {
	n := new(uint256.Int).Lsh(channel, 128)
	return n.Or(n, new(uint256.Int).And(seq, max128))
}

// MismatchError carries the nonce the ledger expected instead.
type MismatchError struct {
	Signer   common.Address
	Got      *uint256.Int
	Expected *uint256.Int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("nonce: invalid relay nonce %s for %s (expected %s)", e.Got.Dec(), e.Signer.Hex(), e.Expected.Dec())
}

func (e *MismatchError) Unwrap() error { return ErrInvalidNonce }

// Ledger is a NonceLedger backed by a rawdb store.
type Ledger struct {
	mu sync.Mutex
	db rawdb.KeyValueStore
}

func NewLedger(db rawdb.KeyValueStore) *Ledger {
	return &Ledger{db: db}
}

// Get returns the next valid nonce of signer in channel, already packed with
// the channel id.
func (l *Ledger) Get(account, signer common.Address, channel *uint256.Int) (*uint256.Int, error) {
	if channel.Gt(max128) {
		return nil, ErrChannelTooLarge
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, err := rawdb.ReadNonceSequence(l.db, account, signer, channel)
	if err != nil {
		return nil, err
	}
	return Join(channel, seq), nil
}

// Check verifies n is the next valid nonce of signer without consuming it.
func (l *Ledger) Check(account, signer common.Address, n *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.check(account, signer, n)
	return err
}

func (l *Ledger) check(account, signer common.Address, n *uint256.Int) (*uint256.Int, error) {
	channel, seq := Split(n)
	expected, err := rawdb.ReadNonceSequence(l.db, account, signer, channel)
	if err != nil {
		return nil, err
	}
	if !seq.Eq(expected) {
		return nil, &MismatchError{Signer: signer, Got: n.Clone(), Expected: Join(channel, expected)}
	}
	return expected, nil
}

// Consume verifies n and advances its channel by one.
func (l *Ledger) Consume(account, signer common.Address, n *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	expected, err := l.check(account, signer, n)
	if err != nil {
		return err
	}
	channel, _ := Split(n)
	next := new(uint256.Int).AddUint64(expected, 1)
	if next.Gt(max128) {
		return fmt.Errorf("nonce: channel %s exhausted", channel.Dec())
	}
	return rawdb.WriteNonceSequence(l.db, account, signer, channel, next)
}

// Channels lists the channels signer has used, with their next nonce.
func (l *Ledger) Channels(account, signer common.Address) ([]*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chans, err := rawdb.ReadNonceChannels(l.db, account, signer)
	if err != nil {
		return nil, err
	}
	out := make([]*uint256.Int, len(chans))
	for i, c := range chans {
		out[i] = Join(c.Channel, c.Sequence)
	}
	return out, nil
}
