// Package batch validates and sequences multi-item invocations: declared
// values must add up to exactly what was supplied, data writes may not carry
// value, and execution is all-or-nothing.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/eth2030/keymanager/core/intent"
)

var (
	ErrValueMismatch     = errors.New("batch: value mismatch")
	ErrInsufficientValue = errors.New("batch: insufficient value sent")
	ErrExcessiveValue    = errors.New("batch: excessive value sent")
	ErrLengthMismatch    = errors.New("batch: parameters length mismatch")
	ErrValueOverflow     = errors.New("batch: value sum overflows")
	ErrNonPayable        = errors.New("batch: data write is not payable")
	ErrEmpty             = errors.New("batch: no items")
)

// ValueMismatchError reports supplied value that does not equal the value
// the items require.
type ValueMismatchError struct {
	Required *uint256.Int
	Supplied *uint256.Int
	Batch    bool
}

func (e *ValueMismatchError) Error() string {
	kind := "excessive"
	if e.Required.Gt(e.Supplied) {
		kind = "insufficient"
	}
	scope := "call"
	if e.Batch {
		scope = "batch"
	}
	return fmt.Sprintf("batch: %s value sent for %s (required %s, supplied %s)",
		kind, scope, e.Required.Dec(), e.Supplied.Dec())
}

func (e *ValueMismatchError) Unwrap() []error {
	if e.Required.Gt(e.Supplied) {
		return []error{ErrValueMismatch, ErrInsufficientValue}
	}
	return []error{ErrValueMismatch, ErrExcessiveValue}
}

// LengthMismatchError lists the lengths of parallel arrays that disagree.
type LengthMismatchError struct {
	Lengths []int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("batch: parameters length mismatch %v", e.Lengths)
}

func (e *LengthMismatchError) Unwrap() error { return ErrLengthMismatch }

// NonPayableError reports a data write item that declares value.
type NonPayableError struct {
	Index int
	Value *uint256.Int
}

func (e *NonPayableError) Error() string {
	return fmt.Sprintf("batch: item %d writes data but carries value %s", e.Index, e.Value.Dec())
}

func (e *NonPayableError) Unwrap() error { return ErrNonPayable }

// ItemError wraps the failure of one item. The whole batch was rolled back.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string { return fmt.Sprintf("batch: item %d: %v", e.Index, e.Err) }

func (e *ItemError) Unwrap() error { return e.Err }

// CheckLengths fails unless every length equals the first.
func CheckLengths(lengths ...int) error {
	for _, n := range lengths[1:] {
		if n != lengths[0] {
			return &LengthMismatchError{Lengths: lengths}
		}
	}
	return nil
}

// Sum adds values, treating nil as zero.
func Sum(values []*uint256.Int) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, v := range values {
		if v == nil {
			continue
		}
		if _, overflow := total.AddOverflow(total, v); overflow {
			return nil, ErrValueOverflow
		}
	}
	return total, nil
}

// CheckValue fails unless supplied equals required exactly.
func CheckValue(required, supplied *uint256.Int, batch bool) error {
	if supplied == nil {
		supplied = new(uint256.Int)
	}
	if required.Eq(supplied) {
		return nil
	}
	return &ValueMismatchError{Required: required.Clone(), Supplied: supplied.Clone(), Batch: batch}
}

// Journal gives the coordinator a rollback point on the account.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(id int)
}

// discarder is implemented by journals that can release a snapshot once it
// is no longer needed.
type discarder interface {
	DiscardSnapshot(id int)
}

// Item is one entry of a batch.
type Item struct {
	Value   *uint256.Int
	Payload []byte
}

// RunFunc executes item i.
type RunFunc func(ctx context.Context, i int, item Item) ([]byte, error)

// Coordinator runs batches against one account journal.
type Coordinator struct {
	journal Journal
}

func NewCoordinator(j Journal) *Coordinator {
	return &Coordinator{journal: j}
}

// Validate runs every check that must pass before any item executes.
func (c *Coordinator) Validate(items []Item, supplied *uint256.Int) error {
	if len(items) == 0 {
		return ErrEmpty
	}
	values := make([]*uint256.Int, len(items))
	for i, it := range items {
		values[i] = it.Value
	}
	total, err := Sum(values)
	if err != nil {
		return err
	}
	if err := CheckValue(total, supplied, true); err != nil {
		return err
	}
	for i, it := range items {
		if it.Value == nil || it.Value.IsZero() {
			continue
		}
		in, err := intent.Decode(it.Payload)
		if err != nil {
			return &ItemError{Index: i, Err: err}
		}
		if in.IsDataWrite() {
			return &NonPayableError{Index: i, Value: it.Value.Clone()}
		}
	}
	return nil
}

// Coordinate validates items and runs them in order. If any item fails the
// journal is reverted to its state before the first item.
func (c *Coordinator) Coordinate(ctx context.Context, items []Item, supplied *uint256.Int, run RunFunc) ([][]byte, error) {
	if err := c.Validate(items, supplied); err != nil {
		return nil, err
	}
	snap := c.journal.Snapshot()
	results := make([][]byte, len(items))
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			c.journal.RevertToSnapshot(snap)
			return nil, err
		}
		out, err := run(ctx, i, it)
		if err != nil {
			c.journal.RevertToSnapshot(snap)
			return nil, &ItemError{Index: i, Err: err}
		}
		results[i] = out
	}
	if d, ok := c.journal.(discarder); ok {
		d.DiscardSnapshot(snap)
	}
	return results, nil
}
