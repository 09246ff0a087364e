// Package reentrancy implements the permission-aware reentrancy guard that
// serialises nested authorised invocations on an account.
package reentrancy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/keymanager/core/permission"
)

var ErrReentrancy = errors.New("reentrancy: not permitted")

// ReentrancyError names the caller that tried to re-enter without the
// REENTRANCY permission.
type ReentrancyError struct {
	Caller common.Address
}

func (e *ReentrancyError) Error() string {
	return fmt.Sprintf("reentrancy: %s not permitted to re-enter", e.Caller.Hex())
}

func (e *ReentrancyError) Unwrap() error { return ErrReentrancy }

// Guard tracks the lock status of every account it protects.
type Guard struct {
	mu     sync.Mutex
	locked map[common.Address]bool
}

func NewGuard() *Guard {
	return &Guard{locked: make(map[common.Address]bool)}
}

// Lease is held for the duration of one authorised invocation. Only the
// lease that took the lock releases it; nested leases are no-ops.
type Lease struct {
	g        *Guard
	account  common.Address
	top      bool
	released bool
}

// Acquire enters the authorised-execution path of account on behalf of
// caller. Entry while locked requires the REENTRANCY permission.
func (g *Guard) Acquire(account, caller common.Address, perms permission.Set) (*Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locked[account] {
		if !perms.Has(permission.Reentrancy) {
			return nil, &ReentrancyError{Caller: caller}
		}
		return &Lease{g: g, account: account}, nil
	}
	g.locked[account] = true
	return &Lease{g: g, account: account, top: true}, nil
}

// Check reports whether caller could enter now, without changing state.
func (g *Guard) Check(account, caller common.Address, perms permission.Set) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locked[account] && !perms.Has(permission.Reentrancy) {
		return &ReentrancyError{Caller: caller}
	}
	return nil
}

// Locked reports whether account is inside an authorised invocation.
func (g *Guard) Locked(account common.Address) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked[account]
}

// TopLevel reports whether l took the lock.
func (l *Lease) TopLevel() bool { return l != nil && l.top }

// Release exits the invocation. It is safe to call more than once and on a
// nil lease.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	if !l.top {
		return
	}
	l.g.mu.Lock()
	delete(l.g.locked, l.account)
	l.g.mu.Unlock()
}
