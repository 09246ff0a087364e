package reentrancy

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/keymanager/core/permission"
)

var (
	account = common.HexToAddress("0x00000000000000000000000000000000000000ac")
	outer   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	inner   = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func TestNestedEntryNeedsReentrancy(t *testing.T) {
	g := NewGuard()
	top, err := g.Acquire(account, outer, permission.All)
	require.NoError(t, err)
	assert.True(t, top.TopLevel())
	assert.True(t, g.Locked(account))

	_, err = g.Acquire(account, inner, permission.All)
	var re *ReentrancyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, inner, re.Caller)
	assert.ErrorIs(t, g.Check(account, inner, permission.All), ErrReentrancy)

	nested, err := g.Acquire(account, inner, permission.Of(permission.Reentrancy))
	require.NoError(t, err)
	assert.False(t, nested.TopLevel())

	nested.Release()
	assert.True(t, g.Locked(account), "nested release must not unlock")

	top.Release()
	assert.False(t, g.Locked(account))
	top.Release()
	assert.False(t, g.Locked(account))
}

func TestAccountsAreIndependent(t *testing.T) {
	g := NewGuard()
	other := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	l, err := g.Acquire(account, outer, permission.Set{})
	require.NoError(t, err)
	defer l.Release()

	l2, err := g.Acquire(other, outer, permission.Set{})
	require.NoError(t, err)
	l2.Release()
}

// The lock is released on every exit path, including failure.
func TestReleasedAfterFailure(t *testing.T) {
	g := NewGuard()
	run := func() (err error) {
		l, err := g.Acquire(account, outer, permission.All)
		if err != nil {
			return err
		}
		defer l.Release()
		return errors.New("call reverted")
	}
	assert.Error(t, run())
	assert.False(t, g.Locked(account))
	assert.NotErrorIs(t, run(), ErrReentrancy)
}
