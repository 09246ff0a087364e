package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/keymanager/core/batch"
	"github.com/eth2030/keymanager/core/evaluator"
	"github.com/eth2030/keymanager/core/intent"
	"github.com/eth2030/keymanager/core/nonce"
	"github.com/eth2030/keymanager/core/permission"
	"github.com/eth2030/keymanager/core/rawdb"
)

var (
	kmAddr  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	account = common.HexToAddress("0x00000000000000000000000000000000000000ac")
	chainID = uint256.NewInt(4201)
	target  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type permMap map[common.Address]permission.Set

func (p permMap) Permissions(c common.Address) (permission.Set, error) { return p[c], nil }

type recorder struct {
	calls []common.Address
	state int
	snaps []int
	fail  error
}

func (r *recorder) ExecuteFor(_ context.Context, c common.Address, _ *uint256.Int, _ []byte) ([]byte, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	r.calls = append(r.calls, c)
	r.state++
	return []byte{0x01}, nil
}

func (r *recorder) Snapshot() int { r.snaps = append(r.snaps, r.state); return len(r.snaps) - 1 }

func (r *recorder) RevertToSnapshot(id int) { r.state = r.snaps[id]; r.snaps = r.snaps[:id] }

type fixture struct {
	d      *Dispatcher
	exec   *recorder
	ledger *nonce.Ledger
	key    *ecdsa.PrivateKey
	signer common.Address
	now    uint64
}

func newFixture(t *testing.T, perms permission.Set) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	f := &fixture{
		exec:   &recorder{},
		ledger: nonce.NewLedger(rawdb.NewMemoryDB()),
		key:    key,
		signer: crypto.PubkeyToAddress(key.PublicKey),
		now:    1_700_000_000,
	}
	pm := permMap{}
	if !perms.IsZero() {
		pm[f.signer] = perms
	}
	f.d = NewDispatcher(Config{
		KeyManager: kmAddr,
		Account:    account,
		ChainID:    chainID,
		Now:        func() uint64 { return f.now },
	}, pm, f.ledger, f.exec, batch.NewCoordinator(f.exec))
	return f
}

func (f *fixture) request(t *testing.T, n uint64, w Window, value uint64) Request {
	t.Helper()
	payload := intent.PackExecute(intent.OpCall, target, uint256.NewInt(value), nil)
	req := Request{
		Nonce:              uint256.NewInt(n),
		ValidityTimestamps: w.Pack(),
		Value:              uint256.NewInt(value),
		Payload:            payload,
	}
	digest := Digest(kmAddr, chainID, req.Nonce, req.ValidityTimestamps, req.Value, payload)
	sig, err := Sign(digest, f.key)
	require.NoError(t, err)
	req.Signature = sig
	return req
}

func (f *fixture) nextNonce(t *testing.T) uint64 {
	t.Helper()
	n, err := f.ledger.Get(account, f.signer, new(uint256.Int))
	require.NoError(t, err)
	return n.Uint64()
}

var relayer = permission.Of(permission.ExecuteRelayCall)

func TestRecoverSigner(t *testing.T) {
	f := newFixture(t, relayer)
	req := f.request(t, 0, Window{}, 0)
	got, err := f.d.Signer(req)
	require.NoError(t, err)
	assert.Equal(t, f.signer, got)

	// V in 0/1 form recovers the same signer.
	raw := append([]byte{}, req.Signature...)
	raw[64] -= 27
	req.Signature = raw
	got, err = f.d.Signer(req)
	require.NoError(t, err)
	assert.Equal(t, f.signer, got)

	req.Signature = raw[:64]
	_, err = f.d.Signer(req)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDigestBindsEveryField(t *testing.T) {
	base := Digest(kmAddr, chainID, uint256.NewInt(1), uint256.NewInt(2), uint256.NewInt(3), []byte{4})
	variants := []common.Hash{
		Digest(account, chainID, uint256.NewInt(1), uint256.NewInt(2), uint256.NewInt(3), []byte{4}),
		Digest(kmAddr, uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(2), uint256.NewInt(3), []byte{4}),
		Digest(kmAddr, chainID, uint256.NewInt(9), uint256.NewInt(2), uint256.NewInt(3), []byte{4}),
		Digest(kmAddr, chainID, uint256.NewInt(1), uint256.NewInt(9), uint256.NewInt(3), []byte{4}),
		Digest(kmAddr, chainID, uint256.NewInt(1), uint256.NewInt(2), uint256.NewInt(9), []byte{4}),
		Digest(kmAddr, chainID, uint256.NewInt(1), uint256.NewInt(2), uint256.NewInt(3), []byte{9}),
	}
	for i, v := range variants {
		assert.NotEqual(t, base, v, "variant %d", i)
	}
}

func TestWindowCheck(t *testing.T) {
	tests := []struct {
		name string
		w    Window
		now  uint64
		want error
	}{
		{"zero", Window{}, 5, nil},
		{"open ended ok", Window{Start: 5}, 5, nil},
		{"open ended early", Window{Start: 5}, 4, ErrRelayNotYetValid},
		{"inside", Window{Start: 5, End: 10}, 10, nil},
		{"before", Window{Start: 5, End: 10}, 4, ErrRelayNotYetValid},
		{"after", Window{Start: 5, End: 10}, 11, ErrRelayExpired},
		{"inverted", Window{Start: 10, End: 5}, 7, ErrRelayExpired},
		{"end only", Window{End: 10}, 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.w.Check(tt.now)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWindowPacking(t *testing.T) {
	w := Window{Start: 100, End: 200}
	assert.Equal(t, w, ParseWindow(w.Pack()))
	assert.Equal(t, Window{}, ParseWindow(nil))
}

// A request whose window opens in the future fails, then succeeds once the
// window is open, advancing the nonce by exactly one.
func TestRelayNotYetValidThenValid(t *testing.T) {
	f := newFixture(t, relayer)
	req := f.request(t, 0, Window{Start: f.now + 1000}, 0)

	_, err := f.d.Dispatch(context.Background(), req, nil)
	var bs *RelayCallBeforeStartError
	require.ErrorAs(t, err, &bs)
	assert.Equal(t, f.now+1000, bs.Start)
	assert.Equal(t, uint64(0), f.nextNonce(t))

	f.now += 1000
	_, err = f.d.Dispatch(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.nextNonce(t))
	assert.Equal(t, []common.Address{f.signer}, f.exec.calls)
}

func TestRelayNoPermissions(t *testing.T) {
	f := newFixture(t, permission.Set{})
	_, err := f.d.Dispatch(context.Background(), f.request(t, 0, Window{}, 0), nil)
	assert.ErrorIs(t, err, evaluator.ErrNoPermissionsSet)

	f = newFixture(t, permission.Of(permission.Call))
	_, err = f.d.Dispatch(context.Background(), f.request(t, 0, Window{}, 0), nil)
	var na *evaluator.NotAuthorisedError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, permission.ExecuteRelayCall, na.Permission)
}

func TestRelayInvalidNonce(t *testing.T) {
	f := newFixture(t, relayer)
	req := f.request(t, 3, Window{}, 0)
	_, err := f.d.Dispatch(context.Background(), req, nil)

	var inv *InvalidRelayNonceError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, f.signer, inv.Signer)
	assert.Equal(t, uint64(3), inv.Nonce.Uint64())
	assert.Equal(t, uint64(0), inv.Expected.Uint64())
	assert.Equal(t, req.Signature, inv.Signature)
}

func TestRelayValueMustMatch(t *testing.T) {
	f := newFixture(t, relayer)
	req := f.request(t, 0, Window{}, 5)
	_, err := f.d.Dispatch(context.Background(), req, uint256.NewInt(4))
	assert.ErrorIs(t, err, batch.ErrInsufficientValue)
	assert.Equal(t, uint64(0), f.nextNonce(t), "value mismatch must not consume the nonce")

	_, err = f.d.Dispatch(context.Background(), req, uint256.NewInt(6))
	assert.ErrorIs(t, err, batch.ErrExcessiveValue)

	_, err = f.d.Dispatch(context.Background(), req, uint256.NewInt(5))
	assert.NoError(t, err)
}

func TestNonceConsumedWhenCallFails(t *testing.T) {
	f := newFixture(t, relayer)
	f.exec.fail = errors.New("target reverted")
	_, err := f.d.Dispatch(context.Background(), f.request(t, 0, Window{}, 0), nil)
	require.Error(t, err)
	assert.Equal(t, uint64(1), f.nextNonce(t))
}

// Two requests with the same nonce in one batch: the second is rejected and
// the batch is rolled back, but the first signature stays spent.
func TestRelayBatchDuplicateNonce(t *testing.T) {
	f := newFixture(t, relayer)
	for i := uint64(0); i < 5; i++ {
		_, err := f.d.Dispatch(context.Background(), f.request(t, i, Window{}, 0), nil)
		require.NoError(t, err)
	}
	stateBefore := f.exec.state

	r1 := f.request(t, 5, Window{}, 0)
	r2 := f.request(t, 5, Window{}, 0)
	_, err := f.d.DispatchBatch(context.Background(), Batch{
		Signatures:         [][]byte{r1.Signature, r2.Signature},
		Nonces:             []*uint256.Int{r1.Nonce, r2.Nonce},
		ValidityTimestamps: []*uint256.Int{r1.ValidityTimestamps, r2.ValidityTimestamps},
		Values:             []*uint256.Int{r1.Value, r2.Value},
		Payloads:           [][]byte{r1.Payload, r2.Payload},
	}, nil)

	var inv *InvalidRelayNonceError
	require.ErrorAs(t, err, &inv)
	var ie *batch.ItemError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Index)
	assert.Equal(t, stateBefore, f.exec.state, "batch effects rolled back")
	assert.Equal(t, uint64(6), f.nextNonce(t))
}

func TestRelayBatchValidation(t *testing.T) {
	f := newFixture(t, relayer)
	r := f.request(t, 0, Window{}, 2)

	_, err := f.d.DispatchBatch(context.Background(), Batch{
		Signatures:         [][]byte{r.Signature},
		Nonces:             []*uint256.Int{r.Nonce, r.Nonce},
		ValidityTimestamps: []*uint256.Int{r.ValidityTimestamps},
		Values:             []*uint256.Int{r.Value},
		Payloads:           [][]byte{r.Payload},
	}, nil)
	assert.ErrorIs(t, err, batch.ErrLengthMismatch)

	_, err = f.d.DispatchBatch(context.Background(), Batch{
		Signatures:         [][]byte{r.Signature},
		Nonces:             []*uint256.Int{r.Nonce},
		ValidityTimestamps: []*uint256.Int{r.ValidityTimestamps},
		Values:             []*uint256.Int{r.Value},
		Payloads:           [][]byte{r.Payload},
	}, uint256.NewInt(3))
	var vm *batch.ValueMismatchError
	require.ErrorAs(t, err, &vm)
	assert.True(t, vm.Batch)
	assert.Equal(t, uint64(0), f.nextNonce(t))
}
