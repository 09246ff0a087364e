package batch

import (
	"context"
	"errors"
	"maps"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/keymanager/core/intent"
)

// ledger is a toy balance sheet with whole-state snapshots.
type ledger struct {
	balances map[common.Address]uint64
	snaps    []map[common.Address]uint64
}

func newLedger() *ledger { return &ledger{balances: map[common.Address]uint64{}} }

func (l *ledger) Snapshot() int {
	l.snaps = append(l.snaps, maps.Clone(l.balances))
	return len(l.snaps) - 1
}

func (l *ledger) RevertToSnapshot(id int) {
	l.balances = l.snaps[id]
	l.snaps = l.snaps[:id]
}

var recipients = []common.Address{
	common.HexToAddress("0x01"), common.HexToAddress("0x02"), common.HexToAddress("0x03"),
}

func transfers(amounts ...uint64) []Item {
	items := make([]Item, len(amounts))
	for i, a := range amounts {
		v := uint256.NewInt(a)
		items[i] = Item{Value: v, Payload: intent.PackExecute(intent.OpCall, recipients[i%len(recipients)], v, nil)}
	}
	return items
}

func pay(l *ledger) RunFunc {
	return func(_ context.Context, i int, it Item) ([]byte, error) {
		l.balances[recipients[i%len(recipients)]] += it.Value.Uint64()
		return nil, nil
	}
}

// Three 2-unit transfers with only 5 supplied are rejected with both figures
// and nothing moves.
func TestValueMismatchLeavesStateUntouched(t *testing.T) {
	l := newLedger()
	c := NewCoordinator(l)
	_, err := c.Coordinate(context.Background(), transfers(2, 2, 2), uint256.NewInt(5), pay(l))

	var vm *ValueMismatchError
	require.ErrorAs(t, err, &vm)
	assert.Equal(t, uint64(6), vm.Required.Uint64())
	assert.Equal(t, uint64(5), vm.Supplied.Uint64())
	assert.True(t, vm.Batch)
	assert.ErrorIs(t, err, ErrInsufficientValue)
	assert.Empty(t, l.balances)
}

func TestValueConservation(t *testing.T) {
	tests := []struct {
		supplied uint64
		want     error
	}{
		{5, ErrInsufficientValue},
		{6, nil},
		{7, ErrExcessiveValue},
	}
	for _, tt := range tests {
		l := newLedger()
		_, err := NewCoordinator(l).Coordinate(context.Background(), transfers(1, 2, 3), uint256.NewInt(tt.supplied), pay(l))
		if tt.want == nil {
			require.NoError(t, err)
			var total uint64
			for _, b := range l.balances {
				total += b
			}
			assert.Equal(t, tt.supplied, total, "every supplied unit must reach a recipient")
			continue
		}
		assert.ErrorIs(t, err, tt.want)
		assert.ErrorIs(t, err, ErrValueMismatch)
		assert.Empty(t, l.balances)
	}
}

// A failure in item i discards the effects of items before it.
func TestBatchAtomicity(t *testing.T) {
	for failAt := 0; failAt < 3; failAt++ {
		l := newLedger()
		l.balances[recipients[0]] = 10
		before := maps.Clone(l.balances)

		boom := errors.New("reverted")
		run := func(ctx context.Context, i int, it Item) ([]byte, error) {
			if i == failAt {
				return nil, boom
			}
			return pay(l)(ctx, i, it)
		}
		_, err := NewCoordinator(l).Coordinate(context.Background(), transfers(1, 1, 1), uint256.NewInt(3), run)

		var ie *ItemError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, failAt, ie.Index)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, before, l.balances)
	}
}

func TestDataWriteWithValueRejected(t *testing.T) {
	l := newLedger()
	items := []Item{
		transfers(1)[0],
		{Value: uint256.NewInt(1), Payload: intent.PackSetData(common.HexToHash("0x01"), []byte{1})},
	}
	ran := false
	_, err := NewCoordinator(l).Coordinate(context.Background(), items, uint256.NewInt(2),
		func(context.Context, int, Item) ([]byte, error) { ran = true; return nil, nil })

	var np *NonPayableError
	require.ErrorAs(t, err, &np)
	assert.Equal(t, 1, np.Index)
	assert.False(t, ran, "no item may run when validation fails")
}

func TestCheckLengths(t *testing.T) {
	assert.NoError(t, CheckLengths(2, 2, 2))
	err := CheckLengths(2, 3)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestSumOverflow(t *testing.T) {
	maxU := new(uint256.Int).SetAllOne()
	_, err := Sum([]*uint256.Int{maxU, uint256.NewInt(1)})
	assert.ErrorIs(t, err, ErrValueOverflow)
}

func TestEmptyBatch(t *testing.T) {
	_, err := NewCoordinator(newLedger()).Coordinate(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrEmpty)
}
