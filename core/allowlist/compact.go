// Package allowlist implements the compact length-prefixed encoding used for
// per-controller allow-lists, together with the AllowedCalls and
// AllowedERC725YDataKeys list types built on top of it.
//
// Well-formedness is checked separately from matching: a list that fails to
// decode is rejected outright and never consulted.
package allowlist

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrInvalidEncoding = errors.New("allowlist: invalid compact encoding")

// InvalidEncodingError describes a stored list that is not a well-formed
// compact bytes array for its kind.
type InvalidEncodingError struct {
	Kind   string
	Raw    []byte
	Reason string
}

func (e *InvalidEncodingError) Error() string {
	return fmt.Sprintf("allowlist: invalid encoded %s %s: %s", e.Kind, hexutil.Encode(e.Raw), e.Reason)
}

func (e *InvalidEncodingError) Unwrap() error { return ErrInvalidEncoding }

// maxElement is the largest length a uint16 prefix can express.
const maxElement = 0xffff

// DecodeCompact splits a compact bytes array of the form
// (uint16 length ‖ bytes[length])* into its elements.
func DecodeCompact(b []byte) ([][]byte, error) {
	var out [][]byte
	for off := 0; off < len(b); {
		if off+2 > len(b) {
			return nil, fmt.Errorf("truncated length prefix at offset %d", off)
		}
		n := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if off+n > len(b) {
			return nil, fmt.Errorf("element at offset %d overruns input (%d > %d)", off-2, off+n, len(b))
		}
		out = append(out, b[off:off+n])
		off += n
	}
	return out, nil
}

// EncodeCompact joins elements into a compact bytes array.
func EncodeCompact(elems [][]byte) ([]byte, error) {
	size := 0
	for i, e := range elems {
		if len(e) > maxElement {
			return nil, fmt.Errorf("allowlist: element %d too long (%d bytes)", i, len(e))
		}
		size += 2 + len(e)
	}
	out := make([]byte, 0, size)
	for _, e := range elems {
		out = binary.BigEndian.AppendUint16(out, uint16(len(e)))
		out = append(out, e...)
	}
	return out, nil
}
