package relay

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrRelayNotYetValid = errors.New("relay: call before start timestamp")
	ErrRelayExpired     = errors.New("relay: call expired")
)

// RelayCallBeforeStartError reports a request submitted before its window
// opened.
type RelayCallBeforeStartError struct {
	Start uint64
	Now   uint64
}

func (e *RelayCallBeforeStartError) Error() string {
	return fmt.Sprintf("relay: call before start timestamp (start %d, now %d)", e.Start, e.Now)
}

func (e *RelayCallBeforeStartError) Unwrap() error { return ErrRelayNotYetValid }

// RelayCallExpiredError reports a request submitted after its window closed,
// or with a window that ends before it starts.
type RelayCallExpiredError struct {
	Start uint64
	End   uint64
	Now   uint64
}

func (e *RelayCallExpiredError) Error() string {
	return fmt.Sprintf("relay: call expired (start %d, end %d, now %d)", e.Start, e.End, e.Now)
}

func (e *RelayCallExpiredError) Unwrap() error { return ErrRelayExpired }

// Window is a validity time range in unix seconds. A zero End means open
// ended.
type Window struct {
	Start uint64
	End   uint64
}

var max128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// ParseWindow unpacks validity timestamps: start in the high 128 bits, end in
// the low 128 bits. Timestamps beyond uint64 saturate.
func ParseWindow(packed *uint256.Int) Window {
	if packed == nil {
		return Window{}
	}
	start := new(uint256.Int).Rsh(packed, 128)
	end := new(uint256.Int).And(packed, max128)
	return Window{Start: saturate(start), End: saturate(end)}
}

func saturate(v *uint256.Int) uint64 {
	if v.IsUint64() {
		return v.Uint64()
	}
	return ^uint64(0)
}

// Pack encodes w as validity timestamps.
func (w Window) Pack() *uint256.Int {
	out := new(uint256.Int).Lsh(uint256.NewInt(w.Start), 128)
	return out.Or(out, uint256.NewInt(w.End))
}

// IsZero reports whether w places no bound at all.
func (w Window) IsZero() bool { return w.Start == 0 && w.End == 0 }

// Check reports whether now lies inside w.
func (w Window) Check(now uint64) error {
	switch {
	case w.IsZero():
		return nil
	case w.End == 0:
		if now < w.Start {
			return &RelayCallBeforeStartError{Start: w.Start, Now: now}
		}
		return nil
	case w.Start > w.End:
		return &RelayCallExpiredError{Start: w.Start, End: w.End, Now: now}
	case now < w.Start:
		return &RelayCallBeforeStartError{Start: w.Start, Now: now}
	case now > w.End:
		return &RelayCallExpiredError{Start: w.Start, End: w.End, Now: now}
	}
	return nil
}
