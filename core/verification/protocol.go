// Package verification implements the two-phase call verification hooks an
// account consults around each mutating call: PreVerify authorises the call
// and may hand back a token, PostVerify settles that token once the call has
// run.
package verification

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/eth2030/keymanager/core/batch"
	"github.com/eth2030/keymanager/core/evaluator"
	"github.com/eth2030/keymanager/core/intent"
	"github.com/eth2030/keymanager/core/permission"
	"github.com/eth2030/keymanager/core/reentrancy"
	"github.com/eth2030/keymanager/log"
)

var ErrCallHashMismatch = errors.New("verification: unknown or already settled call hash")

// Outcome is the tri-state answer of PreVerify.
type Outcome int

const (
	Deny Outcome = iota
	AllowFinal
	AllowPendingPostVerify
)

func (o Outcome) String() string {
	switch o {
	case Deny:
		return "deny"
	case AllowFinal:
		return "allow"
	case AllowPendingPostVerify:
		return "allow-pending"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Token identifies one pending verification.
type Token common.Hash

func (t Token) Hex() string { return common.Hash(t).Hex() }

// Result is returned by PreVerify. Token is set only for
// AllowPendingPostVerify; Err only for Deny.
type Result struct {
	Outcome Outcome
	Token   Token
	Err     error
}

// Evaluator authorises a decoded intent for a controller.
type Evaluator interface {
	Check(controller common.Address, in *intent.Intent) evaluator.Decision
}

// PermissionReader resolves a controller's permission word.
type PermissionReader interface {
	Permissions(controller common.Address) (permission.Set, error)
}

type pending struct {
	caller common.Address
	lease  *reentrancy.Lease
}

// Protocol serves the verification hooks of one account.
type Protocol struct {
	account common.Address
	perms   PermissionReader
	eval    Evaluator
	guard   *reentrancy.Guard
	log     *log.Logger

	mu      sync.Mutex
	pending map[Token]pending
	counter uint64
}

func NewProtocol(account common.Address, perms PermissionReader, eval Evaluator, guard *reentrancy.Guard) *Protocol {
	return &Protocol{
		account: account,
		perms:   perms,
		eval:    eval,
		guard:   guard,
		log:     log.Default().Module("verification"),
		pending: make(map[Token]pending),
	}
}

// PreVerify authorises caller invoking payload with value on requestor.
//
// When requestor is not the bound account the call is only evaluated; the
// reentrancy status is neither consulted nor changed. Top-level data writes
// are final. Top-level calls lock the account and return a token that must
// be settled through PostVerify or Abort. Nested calls while locked need the
// REENTRANCY permission and are final.
func (p *Protocol) PreVerify(caller, requestor common.Address, value *uint256.Int, payload []byte) Result {
	in, err := intent.Decode(payload)
	if err != nil {
		return p.deny(caller, err)
	}
	if in.IsDataWrite() && value != nil && !value.IsZero() {
		return p.deny(caller, &batch.NonPayableError{Index: 0, Value: value.Clone()})
	}
	if requestor != p.account {
		if d := p.eval.Check(caller, in); !d.Allowed() {
			return p.deny(caller, d.Err())
		}
		return Result{Outcome: AllowFinal}
	}

	perms, err := p.perms.Permissions(caller)
	if err != nil {
		return p.deny(caller, err)
	}
	if p.guard.Locked(p.account) {
		if err := p.guard.Check(p.account, caller, perms); err != nil {
			return p.deny(caller, err)
		}
		if d := p.eval.Check(caller, in); !d.Allowed() {
			return p.deny(caller, d.Err())
		}
		return Result{Outcome: AllowFinal}
	}

	if in.IsDataWrite() {
		if d := p.eval.Check(caller, in); !d.Allowed() {
			return p.deny(caller, d.Err())
		}
		return Result{Outcome: AllowFinal}
	}

	lease, err := p.guard.Acquire(p.account, caller, perms)
	if err != nil {
		return p.deny(caller, err)
	}
	if d := p.eval.Check(caller, in); !d.Allowed() {
		lease.Release()
		return p.deny(caller, d.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	tok := p.token(caller, value, payload, p.counter)
	p.pending[tok] = pending{caller: caller, lease: lease}
	return Result{Outcome: AllowPendingPostVerify, Token: tok}
}

// PostVerify settles a pending verification after the call ran. It never
// re-checks permissions.
func (p *Protocol) PostVerify(tok Token, returnData []byte) error {
	p.mu.Lock()
	pend, ok := p.pending[tok]
	delete(p.pending, tok)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallHashMismatch, tok.Hex())
	}
	pend.lease.Release()
	p.log.Debug("Call verified", "caller", pend.caller, "token", tok.Hex(), "returned", len(returnData))
	return nil
}

// Abort drops a pending verification whose call failed, releasing the lock.
func (p *Protocol) Abort(tok Token) {
	p.mu.Lock()
	pend, ok := p.pending[tok]
	delete(p.pending, tok)
	p.mu.Unlock()
	if ok {
		pend.lease.Release()
	}
}

// Pending returns the number of unsettled tokens.
func (p *Protocol) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Protocol) deny(caller common.Address, err error) Result {
	p.log.Debug("Call denied", "account", p.account, "controller", caller, "reason", err)
	return Result{Outcome: Deny, Err: err}
}

func (p *Protocol) token(caller common.Address, value *uint256.Int, payload []byte, counter uint64) Token {
	h := sha3.NewLegacyKeccak256()
	h.Write(p.account.Bytes())
	h.Write(caller.Bytes())
	if value == nil {
		value = new(uint256.Int)
	}
	v := value.Bytes32()
	h.Write(v[:])
	h.Write(payload)
	h.Write(binary.BigEndian.AppendUint64(nil, counter))
	var tok Token
	h.Sum(tok[:0])
	return tok
}
