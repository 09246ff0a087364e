// Package account is an in-memory smart account: a key/value data store,
// native balances, ERC725X-style calls to registered contracts, two-step
// ownership and journaled snapshots. It is the collaborator the key manager
// authorises calls against.
package account

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/eth2030/keymanager/core/intent"
	"github.com/eth2030/keymanager/core/verification"
)

var (
	ErrInsufficientBalance = errors.New("account: insufficient balance")
	ErrNotOwner            = errors.New("account: caller is not the owner")
	ErrNotPendingOwner     = errors.New("account: caller is not the pending owner")
	ErrCallDenied          = errors.New("account: call verification denied")
	ErrMissingSalt         = errors.New("account: create2 data shorter than salt")
)

// CallKind distinguishes how a contract handler is entered.
type CallKind uint8

const (
	KindCall CallKind = iota
	KindStaticCall
	KindDelegateCall
)

// Message is what a contract handler receives.
type Message struct {
	From  common.Address
	Value *uint256.Int
	Data  []byte
	Kind  CallKind
}

// Handler stands in for contract code at an address.
type Handler func(ctx context.Context, msg Message) ([]byte, error)

// Verifier is consulted for calls that do not come from the owner.
type Verifier interface {
	PreVerify(caller, requestor common.Address, value *uint256.Int, payload []byte) verification.Result
	PostVerify(tok verification.Token, returnData []byte) error
	Abort(tok verification.Token)
}

type contract struct {
	handler    Handler
	interfaces map[[4]byte]bool
}

// Account is safe for concurrent use, although handlers run without any
// lock held so they can call back into the account.
type Account struct {
	addr common.Address

	mu           sync.Mutex
	owner        common.Address
	pendingOwner common.Address
	data         map[common.Hash][]byte
	balances     map[common.Address]*uint256.Int
	code         map[common.Address][]byte
	nonce        uint64
	journal      *journal

	contracts map[common.Address]contract
	verifier  Verifier
}

func New(addr, owner common.Address) *Account {
	return &Account{
		addr:      addr,
		owner:     owner,
		data:      make(map[common.Hash][]byte),
		balances:  make(map[common.Address]*uint256.Int),
		code:      make(map[common.Address][]byte),
		journal:   newJournal(),
		contracts: make(map[common.Address]contract),
	}
}

func (a *Account) Address() common.Address { return a.addr }

func (a *Account) Owner() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

func (a *Account) PendingOwner() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingOwner
}

// SetVerifier installs the call verification hooks.
func (a *Account) SetVerifier(v Verifier) {
	a.mu.Lock()
	a.verifier = v
	a.mu.Unlock()
}

// Register places handler at addr. The handler claims support for ifaces.
func (a *Account) Register(addr common.Address, h Handler, ifaces ...[4]byte) {
	c := contract{handler: h, interfaces: make(map[[4]byte]bool, len(ifaces))}
	for _, id := range ifaces {
		c.interfaces[id] = true
	}
	a.mu.Lock()
	a.contracts[addr] = c
	a.mu.Unlock()
}

// SupportsInterface answers ERC-165 queries about registered contracts.
func (a *Account) SupportsInterface(target common.Address, id [4]byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contracts[target].interfaces[id]
}

func (a *Account) GetData(key common.Hash) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return bytes.Clone(a.data[key])
}

func (a *Account) GetDataBatch(keys []common.Hash) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = bytes.Clone(a.data[k])
	}
	return out
}

// SetDataBatch writes every pair. An empty value deletes the key.
func (a *Account) SetDataBatch(keys []common.Hash, values [][]byte) error {
	if len(keys) != len(values) {
		return fmt.Errorf("account: %d keys for %d values", len(keys), len(values))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, k := range keys {
		a.setData(k, values[i])
	}
	return nil
}

func (a *Account) setData(key common.Hash, value []byte) {
	prev, ok := a.data[key]
	a.journal.append(dataChange{key: key, prev: prev, exists: ok})
	if len(value) == 0 {
		delete(a.data, key)
		return
	}
	a.data[key] = bytes.Clone(value)
}

func (a *Account) Balance(addr common.Address) *uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.balances[addr]; b != nil {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Credit adds v to the balance of addr.
func (a *Account) Credit(addr common.Address, v *uint256.Int) {
	if v == nil || v.IsZero() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setBalance(addr, new(uint256.Int).Add(a.balanceOf(addr), v))
}

func (a *Account) balanceOf(addr common.Address) *uint256.Int {
	if b := a.balances[addr]; b != nil {
		return b
	}
	return new(uint256.Int)
}

func (a *Account) setBalance(addr common.Address, v *uint256.Int) {
	a.journal.append(balanceChange{addr: addr, prev: a.balances[addr]})
	a.balances[addr] = v
}

func (a *Account) transfer(to common.Address, v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	have := a.balanceOf(a.addr)
	if have.Lt(v) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, have.Dec(), v.Dec())
	}
	a.setBalance(a.addr, new(uint256.Int).Sub(have, v))
	a.setBalance(to, new(uint256.Int).Add(a.balanceOf(to), v))
	return nil
}

// Code returns the init code deployed at addr by this account.
func (a *Account) Code(addr common.Address) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.code[addr]
}

func (a *Account) Snapshot() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.journal.snapshot()
}

func (a *Account) RevertToSnapshot(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.journal.revertToSnapshot(id, a)
}

// DiscardSnapshot keeps the changes made since id and forgets id. Once no
// snapshot is outstanding the journal is emptied.
func (a *Account) DiscardSnapshot(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.journal.discard(id)
}

// Apply performs an already authorised intent on behalf of from, after
// crediting the account with value. On error every change made by Apply is
// rolled back.
func (a *Account) Apply(ctx context.Context, from common.Address, value *uint256.Int, in *intent.Intent) ([]byte, error) {
	snap := a.Snapshot()
	out, err := a.apply(ctx, from, value, in)
	if err != nil {
		a.RevertToSnapshot(snap)
		return nil, err
	}
	a.DiscardSnapshot(snap)
	return out, nil
}

func (a *Account) apply(ctx context.Context, from common.Address, value *uint256.Int, in *intent.Intent) ([]byte, error) {
	a.Credit(a.addr, value)
	switch in.Kind {
	case intent.KindSetData, intent.KindSetDataBatch:
		return nil, a.SetDataBatch(in.Keys, in.Values)
	case intent.KindExecute:
		return a.execute(ctx, in.Calls[0])
	case intent.KindExecuteBatch:
		results := make([][]byte, len(in.Calls))
		for i, c := range in.Calls {
			out, err := a.execute(ctx, c)
			if err != nil {
				return nil, fmt.Errorf("account: batch call %d: %w", i, err)
			}
			results[i] = out
		}
		return intent.PackBatchResults(results), nil
	case intent.KindTransferOwnership:
		a.mu.Lock()
		a.journal.append(ownerChange{prevOwner: a.owner, prevPending: a.pendingOwner})
		a.pendingOwner = in.NewOwner
		a.mu.Unlock()
		return nil, nil
	case intent.KindAcceptOwnership:
		a.mu.Lock()
		defer a.mu.Unlock()
		if from != a.pendingOwner {
			return nil, fmt.Errorf("%w: %s", ErrNotPendingOwner, from.Hex())
		}
		a.journal.append(ownerChange{prevOwner: a.owner, prevPending: a.pendingOwner})
		a.owner, a.pendingOwner = a.pendingOwner, common.Address{}
		return nil, nil
	case intent.KindRenounceOwnership:
		a.mu.Lock()
		a.journal.append(ownerChange{prevOwner: a.owner, prevPending: a.pendingOwner})
		a.owner, a.pendingOwner = common.Address{}, common.Address{}
		a.mu.Unlock()
		return nil, nil
	}
	return nil, fmt.Errorf("account: unsupported intent %s", in.Kind)
}

func (a *Account) execute(ctx context.Context, c intent.SubCall) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch c.Operation {
	case intent.OpCreate, intent.OpCreate2:
		return a.deploy(c)
	}
	kind := KindCall
	switch c.Operation {
	case intent.OpStaticCall:
		kind = KindStaticCall
	case intent.OpDelegateCall:
		kind = KindDelegateCall
	}
	if kind == KindCall {
		if err := a.transfer(c.Target, c.Value); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	h := a.contracts[c.Target].handler
	a.mu.Unlock()
	if h == nil {
		return nil, nil
	}
	return h(ctx, Message{From: a.addr, Value: c.Value, Data: c.Data, Kind: kind})
}

func (a *Account) deploy(c intent.SubCall) ([]byte, error) {
	a.mu.Lock()
	prevNonce := a.nonce
	var addr common.Address
	initCode := c.Data
	if c.Operation == intent.OpCreate2 {
		if len(c.Data) < 32 {
			a.mu.Unlock()
			return nil, ErrMissingSalt
		}
		var salt [32]byte
		copy(salt[:], c.Data[len(c.Data)-32:])
		initCode = c.Data[:len(c.Data)-32]
		addr = crypto.CreateAddress2(a.addr, salt, crypto.Keccak256(initCode))
	} else {
		addr = crypto.CreateAddress(a.addr, a.nonce)
	}
	a.nonce++
	a.journal.append(deployChange{addr: addr, prevNonce: prevNonce})
	a.code[addr] = bytes.Clone(initCode)
	a.mu.Unlock()

	if err := a.transfer(addr, c.Value); err != nil {
		return nil, err
	}
	return common.LeftPadBytes(addr.Bytes(), 32), nil
}

// Invoke is the account's external entry point. Calls from the owner are
// applied directly; anyone else is verified through the installed Verifier.
func (a *Account) Invoke(ctx context.Context, caller common.Address, value *uint256.Int, payload []byte) ([]byte, error) {
	in, err := intent.Decode(payload)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	owner, v := a.owner, a.verifier
	a.mu.Unlock()

	if caller == owner || (in.Kind == intent.KindAcceptOwnership && caller == a.PendingOwner()) {
		return a.Apply(ctx, caller, value, in)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	res := v.PreVerify(caller, a.addr, value, payload)
	if res.Outcome == verification.Deny {
		return nil, fmt.Errorf("%w: %w", ErrCallDenied, res.Err)
	}
	if res.Outcome != verification.AllowPendingPostVerify {
		return a.Apply(ctx, caller, value, in)
	}
	snap := a.Snapshot()
	out, err := a.Apply(ctx, caller, value, in)
	if err != nil {
		v.Abort(res.Token)
		a.DiscardSnapshot(snap)
		return nil, err
	}
	if err := v.PostVerify(res.Token, out); err != nil {
		a.RevertToSnapshot(snap)
		return nil, err
	}
	a.DiscardSnapshot(snap)
	return out, nil
}
