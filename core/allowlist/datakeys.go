package allowlist

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// DataKeys is a decoded AllowedERC725YDataKeys list. Each entry is either a
// full 32-byte key or a shorter prefix covering a whole key family.
type DataKeys [][]byte

// EncodeDataKeys packs key prefixes into their compact stored form.
func EncodeDataKeys(keys ...[]byte) ([]byte, error) {
	for i, k := range keys {
		if len(k) == 0 || len(k) > common.HashLength {
			return nil, fmt.Errorf("allowlist: data key %d has invalid length %d", i, len(k))
		}
	}
	return EncodeCompact(keys)
}

// DecodeDataKeys parses a stored AllowedERC725YDataKeys value.
func DecodeDataKeys(raw []byte) (DataKeys, error) {
	elems, err := DecodeCompact(raw)
	if err != nil {
		return nil, &InvalidEncodingError{Kind: "AllowedERC725YDataKeys", Raw: raw, Reason: err.Error()}
	}
	for i, e := range elems {
		if len(e) == 0 || len(e) > common.HashLength {
			return nil, &InvalidEncodingError{Kind: "AllowedERC725YDataKeys", Raw: raw,
				Reason: fmt.Sprintf("entry %d has length %d, want 1..32", i, len(e))}
		}
	}
	if len(elems) == 0 {
		return nil, nil
	}
	return DataKeys(elems), nil
}

// ValidateDataKeys reports whether raw is a well-formed
// AllowedERC725YDataKeys value. The empty value is valid.
func ValidateDataKeys(raw []byte) error {
	_, err := DecodeDataKeys(raw)
	return err
}

// Allows reports whether key equals an entry or starts with one.
func (ks DataKeys) Allows(key common.Hash) bool {
	for _, prefix := range ks {
		if bytes.HasPrefix(key[:], prefix) {
			return true
		}
	}
	return false
}

// AllowsAll reports whether every key is allowed. On failure it returns the
// first rejected key.
func (ks DataKeys) AllowsAll(keys []common.Hash) (common.Hash, bool) {
	for _, k := range keys {
		if !ks.Allows(k) {
			return k, false
		}
	}
	return common.Hash{}, true
}
