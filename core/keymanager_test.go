package core

import (
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/keymanager/core/account"
	"github.com/eth2030/keymanager/core/allowlist"
	"github.com/eth2030/keymanager/core/batch"
	"github.com/eth2030/keymanager/core/datakeys"
	"github.com/eth2030/keymanager/core/evaluator"
	"github.com/eth2030/keymanager/core/intent"
	"github.com/eth2030/keymanager/core/nonce"
	"github.com/eth2030/keymanager/core/permission"
	"github.com/eth2030/keymanager/core/permstore"
	"github.com/eth2030/keymanager/core/rawdb"
	"github.com/eth2030/keymanager/core/reentrancy"
	"github.com/eth2030/keymanager/core/relay"
)

var (
	kmAddr      = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	accountAddr = common.HexToAddress("0x00000000000000000000000000000000000000ac")
	owner       = common.HexToAddress("0x0000000000000000000000000000000000000001")
	controller  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	vault       = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	other       = common.HexToAddress("0x00000000000000000000000000000000000000bb")

	transferSel = [4]byte{0xa9, 0x05, 0x9c, 0xbb}
	approveSel  = [4]byte{0x09, 0x5e, 0xa7, 0xb3}

	profileKey = common.HexToHash("0x5ef83ad9559033e6e941db7d7c495acdce616347d28e90c7ce47cbfcfcad3bc5")
)

type env struct {
	km   *KeyManager
	acct *account.Account
	now  uint64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{acct: account.New(accountAddr, kmAddr), now: 1_700_000_000}
	e.km = New(Config{Address: kmAddr, ChainID: uint256.NewInt(4201), Now: func() uint64 { return e.now }},
		e.acct, rawdb.NewMemoryDB())
	e.grant(t, permstore.Grant{Controller: owner, Permissions: permission.All})
	return e
}

func (e *env) grant(t *testing.T, g permstore.Grant) {
	t.Helper()
	require.NoError(t, permstore.Install(e.acct, g))
}

// setPerms overwrites the permission word of c directly in storage.
func (e *env) setPerms(t *testing.T, c common.Address, perms permission.Set) {
	t.Helper()
	require.NoError(t, e.acct.SetDataBatch([]common.Hash{datakeys.Permissions(c)}, [][]byte{perms.Bytes()}))
}

func (e *env) locked() bool { return e.km.guard.Locked(accountAddr) }

func calldata(sel [4]byte, rest ...byte) []byte { return append(sel[:], rest...) }

// A controller restricted to one target and selector can call exactly that.
func TestAllowedCallSelector(t *testing.T) {
	e := newEnv(t)
	e.grant(t, permstore.Grant{
		Controller:  controller,
		Permissions: permission.Of(permission.Call),
		AllowedCalls: []allowlist.Call{{
			CallTypes: permission.CallTypeCall, Target: vault,
			InterfaceID: allowlist.AnyInterface, Selector: transferSel,
		}},
	})
	hits := 0
	e.acct.Register(vault, func(context.Context, account.Message) ([]byte, error) { hits++; return []byte{1}, nil })
	ctx := context.Background()

	out, err := e.km.Execute(ctx, controller, nil, intent.PackExecute(intent.OpCall, vault, nil, calldata(transferSel)))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, out)

	_, err = e.km.Execute(ctx, controller, nil, intent.PackExecute(intent.OpCall, vault, nil, calldata(approveSel)))
	var na *evaluator.NotAllowedCallError
	require.ErrorAs(t, err, &na)
	assert.ErrorIs(t, err, evaluator.ErrNotAllowedSelector)
	assert.Equal(t, approveSel, na.Selector)

	_, err = e.km.Execute(ctx, controller, nil, intent.PackExecute(intent.OpCall, other, nil, calldata(transferSel)))
	assert.ErrorIs(t, err, evaluator.ErrNotAllowedTarget)
	assert.Equal(t, 1, hits)
	assert.False(t, e.locked())
}

func TestSuperSetDataWritesAnyKey(t *testing.T) {
	e := newEnv(t)
	e.grant(t, permstore.Grant{Controller: controller, Permissions: permission.Of(permission.SuperSetData)})
	_, err := e.km.Execute(context.Background(), controller, nil, intent.PackSetData(profileKey, []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), e.acct.GetData(profileKey))

	// Reserved keys still need their own permission.
	_, err = e.km.Execute(context.Background(), controller, nil,
		intent.PackSetData(datakeys.Permissions(other), permission.All.Bytes()))
	assert.ErrorIs(t, err, evaluator.ErrNotAuthorised)
}

func TestDataWriteIsNotPayable(t *testing.T) {
	e := newEnv(t)
	_, err := e.km.Execute(context.Background(), owner, uint256.NewInt(1), intent.PackSetData(profileKey, []byte{1}))
	assert.ErrorIs(t, err, batch.ErrNonPayable)
	assert.Nil(t, e.acct.GetData(profileKey))
}

func TestOwnershipNeedsChangeOwner(t *testing.T) {
	e := newEnv(t)
	e.grant(t, permstore.Grant{Controller: controller, Permissions: permission.Of(permission.SuperCall)})
	_, err := e.km.Execute(context.Background(), controller, nil, intent.PackTransferOwnership(other))
	var na *evaluator.NotAuthorisedError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, permission.ChangeOwner, na.Permission)

	_, err = e.km.Execute(context.Background(), owner, nil, intent.PackTransferOwnership(other))
	require.NoError(t, err)
	assert.Equal(t, other, e.acct.PendingOwner())
}

func transfer(to common.Address, amount uint64) []byte {
	return intent.PackExecute(intent.OpCall, to, uint256.NewInt(amount), nil)
}

// Three transfers of 2 with 5 supplied are rejected and nothing moves. With 6
// supplied every unit reaches a recipient.
func TestExecuteBatchValueAccounting(t *testing.T) {
	e := newEnv(t)
	recipients := []common.Address{common.HexToAddress("0xa1"), common.HexToAddress("0xa2"), common.HexToAddress("0xa3")}
	values := []*uint256.Int{uint256.NewInt(2), uint256.NewInt(2), uint256.NewInt(2)}
	payloads := [][]byte{transfer(recipients[0], 2), transfer(recipients[1], 2), transfer(recipients[2], 2)}
	ctx := context.Background()

	_, err := e.km.ExecuteBatch(ctx, owner, values, payloads, uint256.NewInt(5))
	var vm *batch.ValueMismatchError
	require.ErrorAs(t, err, &vm)
	assert.Equal(t, uint64(6), vm.Required.Uint64())
	assert.Equal(t, uint64(5), vm.Supplied.Uint64())
	for _, r := range recipients {
		assert.True(t, e.acct.Balance(r).IsZero())
	}

	_, err = e.km.ExecuteBatch(ctx, owner, values, payloads, uint256.NewInt(6))
	require.NoError(t, err)
	for _, r := range recipients {
		assert.Equal(t, uint64(2), e.acct.Balance(r).Uint64())
	}
	assert.True(t, e.acct.Balance(accountAddr).IsZero(), "no residual value")

	_, err = e.km.ExecuteBatch(ctx, owner, values[:2], payloads, uint256.NewInt(6))
	assert.ErrorIs(t, err, batch.ErrLengthMismatch)
}

func TestExecuteBatchAtomicity(t *testing.T) {
	e := newEnv(t)
	e.grant(t, permstore.Grant{
		Controller:      controller,
		Permissions:     permission.Of(permission.SetData),
		AllowedDataKeys: [][]byte{profileKey[:4]},
	})
	payloads := [][]byte{
		intent.PackSetData(profileKey, []byte{1}),
		intent.PackSetData(common.HexToHash("0x01"), []byte{2}),
	}
	_, err := e.km.ExecuteBatch(context.Background(), controller, []*uint256.Int{nil, nil}, payloads, nil)
	var ie *batch.ItemError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Index)
	assert.ErrorIs(t, err, evaluator.ErrNotAllowedDataKey)
	assert.Nil(t, e.acct.GetData(profileKey), "first item rolled back")
}

// The vault calls back into the key manager to write data while the account
// is locked by the owner's call.
func TestReentrancyGate(t *testing.T) {
	e := newEnv(t)
	e.grant(t, permstore.Grant{
		Controller:      vault,
		Permissions:     permission.Of(permission.SetData),
		AllowedDataKeys: [][]byte{profileKey[:]},
	})
	e.acct.Register(vault, func(ctx context.Context, _ account.Message) ([]byte, error) {
		return e.km.Execute(ctx, vault, nil, intent.PackSetData(profileKey, []byte("nested")))
	})
	ctx := context.Background()
	call := intent.PackExecute(intent.OpCall, vault, nil, calldata(transferSel))

	_, err := e.km.Execute(ctx, owner, nil, call)
	var re *reentrancy.ReentrancyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, vault, re.Caller)
	assert.False(t, e.locked(), "lock released after revert")
	assert.Nil(t, e.acct.GetData(profileKey))

	e.setPerms(t, vault, permission.Of(permission.SetData, permission.Reentrancy))
	_, err = e.km.Execute(ctx, owner, nil, call)
	require.NoError(t, err)
	assert.Equal(t, []byte("nested"), e.acct.GetData(profileKey))
	assert.False(t, e.locked())
}

type signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newSigner(t *testing.T) signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (e *env) signRelay(t *testing.T, s signer, n *uint256.Int, w relay.Window, payload []byte) relay.Request {
	t.Helper()
	req := relay.Request{Nonce: n, ValidityTimestamps: w.Pack(), Value: new(uint256.Int), Payload: payload}
	digest := relay.Digest(kmAddr, e.km.ChainID(), req.Nonce, req.ValidityTimestamps, req.Value, payload)
	sig, err := relay.Sign(digest, s.key)
	require.NoError(t, err)
	req.Signature = sig
	return req
}

func (e *env) relayer(t *testing.T) signer {
	t.Helper()
	s := newSigner(t)
	e.grant(t, permstore.Grant{
		Controller:      s.addr,
		Permissions:     permission.Of(permission.ExecuteRelayCall, permission.SetData),
		AllowedDataKeys: [][]byte{profileKey[:]},
	})
	return s
}

func TestRelayCallWindowAndNonce(t *testing.T) {
	e := newEnv(t)
	s := e.relayer(t)
	ctx := context.Background()
	req := e.signRelay(t, s, uint256.NewInt(0), relay.Window{Start: e.now + 1000}, intent.PackSetData(profileKey, []byte{7}))

	_, err := e.km.ExecuteRelayCall(ctx, req, nil)
	assert.ErrorIs(t, err, relay.ErrRelayNotYetValid)

	e.now += 1000
	_, err = e.km.ExecuteRelayCall(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, e.acct.GetData(profileKey))

	n, err := e.km.GetNonce(s.addr, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n.Uint64())

	_, err = e.km.ExecuteRelayCall(ctx, req, nil)
	var inv *relay.InvalidRelayNonceError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, s.addr, inv.Signer)
	assert.Equal(t, uint64(1), inv.Expected.Uint64())
}

func TestRelayChannelsAreIndependent(t *testing.T) {
	e := newEnv(t)
	s := e.relayer(t)
	ch := uint256.NewInt(7)
	req := e.signRelay(t, s, nonce.Join(ch, new(uint256.Int)), relay.Window{}, intent.PackSetData(profileKey, []byte{1}))
	_, err := e.km.ExecuteRelayCall(context.Background(), req, nil)
	require.NoError(t, err)

	n, err := e.km.GetNonce(s.addr, ch)
	require.NoError(t, err)
	assert.Equal(t, nonce.Join(ch, uint256.NewInt(1)), n)
	n, err = e.km.GetNonce(s.addr, nil)
	require.NoError(t, err)
	assert.True(t, n.IsZero())
}

// A relayed call the signer may not make still burns the nonce.
func TestRelayDeniedCallConsumesNonce(t *testing.T) {
	e := newEnv(t)
	s := e.relayer(t)
	req := e.signRelay(t, s, uint256.NewInt(0), relay.Window{}, intent.PackSetData(common.HexToHash("0x01"), []byte{1}))
	_, err := e.km.ExecuteRelayCall(context.Background(), req, nil)
	assert.ErrorIs(t, err, evaluator.ErrNotAllowedDataKey)
	n, err := e.km.GetNonce(s.addr, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n.Uint64())
}

func TestRelayBatchDuplicateNonce(t *testing.T) {
	e := newEnv(t)
	s := e.relayer(t)
	r1 := e.signRelay(t, s, uint256.NewInt(0), relay.Window{}, intent.PackSetData(profileKey, []byte{1}))
	r2 := e.signRelay(t, s, uint256.NewInt(0), relay.Window{}, intent.PackSetData(profileKey, []byte{2}))

	_, err := e.km.ExecuteRelayCallBatch(context.Background(), relay.Batch{
		Signatures:         [][]byte{r1.Signature, r2.Signature},
		Nonces:             []*uint256.Int{r1.Nonce, r2.Nonce},
		ValidityTimestamps: []*uint256.Int{r1.ValidityTimestamps, r2.ValidityTimestamps},
		Values:             []*uint256.Int{r1.Value, r2.Value},
		Payloads:           [][]byte{r1.Payload, r2.Payload},
	}, nil)
	assert.ErrorIs(t, err, relay.ErrInvalidRelayNonce)
	assert.Nil(t, e.acct.GetData(profileKey), "batch rolled back")
	n, err := e.km.GetNonce(s.addr, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n.Uint64())
}

func TestIsValidSignature(t *testing.T) {
	e := newEnv(t)
	s := newSigner(t)
	hash := crypto.Keccak256Hash([]byte("message"))
	sig, err := relay.Sign(hash, s.key)
	require.NoError(t, err)

	assert.Equal(t, MagicValueInvalid, e.km.IsValidSignature(hash, sig), "unknown signer")
	e.grant(t, permstore.Grant{Controller: s.addr, Permissions: permission.Of(permission.Call)})
	assert.Equal(t, MagicValueInvalid, e.km.IsValidSignature(hash, sig), "no SIGN bit")
	e.setPerms(t, s.addr, permission.Of(permission.Sign))
	assert.Equal(t, MagicValueValid, e.km.IsValidSignature(hash, sig))
	assert.Equal(t, MagicValueInvalid, e.km.IsValidSignature(hash, sig[:10]))
}

// Controllers calling the account directly go through the verification hooks.
func TestDirectAccountCalls(t *testing.T) {
	e := newEnv(t)
	e.grant(t, permstore.Grant{
		Controller:      controller,
		Permissions:     permission.Of(permission.SetData, permission.Call),
		AllowedDataKeys: [][]byte{profileKey[:]},
		AllowedCalls: []allowlist.Call{{
			CallTypes: permission.CallTypeCall, Target: vault,
			InterfaceID: allowlist.AnyInterface, Selector: allowlist.AnySelector,
		}},
	})
	ctx := context.Background()

	_, err := e.acct.Invoke(ctx, controller, nil, intent.PackSetData(profileKey, []byte{1}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, e.acct.GetData(profileKey))

	_, err = e.acct.Invoke(ctx, controller, nil, intent.PackSetData(common.HexToHash("0x02"), []byte{1}))
	assert.ErrorIs(t, err, account.ErrCallDenied)
	assert.ErrorIs(t, err, evaluator.ErrNotAllowedDataKey)

	var lockedDuringCall bool
	e.acct.Register(vault, func(context.Context, account.Message) ([]byte, error) {
		lockedDuringCall = e.locked()
		return nil, nil
	})
	_, err = e.acct.Invoke(ctx, controller, nil, intent.PackExecute(intent.OpCall, vault, nil, calldata(transferSel)))
	require.NoError(t, err)
	assert.True(t, lockedDuringCall)
	assert.False(t, e.locked())
	assert.Zero(t, e.km.verifier.Pending())
}

// A contract re-entering the account directly needs REENTRANCY too, and a
// failed nested call releases the lock taken by the outer one.
func TestDirectReentrancy(t *testing.T) {
	e := newEnv(t)
	e.grant(t, permstore.Grant{Controller: vault, Permissions: permission.Of(permission.SuperSetData)})
	e.acct.Register(vault, func(ctx context.Context, _ account.Message) ([]byte, error) {
		return e.acct.Invoke(ctx, vault, nil, intent.PackSetData(profileKey, []byte{9}))
	})
	ctx := context.Background()
	call := intent.PackExecute(intent.OpCall, vault, nil, nil)

	_, err := e.acct.Invoke(ctx, owner, nil, call)
	assert.ErrorIs(t, err, reentrancy.ErrReentrancy)
	assert.False(t, e.locked())
	assert.Zero(t, e.km.verifier.Pending())

	e.setPerms(t, vault, permission.Of(permission.SuperSetData, permission.Reentrancy))
	_, err = e.acct.Invoke(ctx, owner, nil, call)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, e.acct.GetData(profileKey))
}
