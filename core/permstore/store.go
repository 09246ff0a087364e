// Package permstore reads controller permission records out of the account's
// generic key/value storage.
package permstore

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/keymanager/core/allowlist"
	"github.com/eth2030/keymanager/core/datakeys"
	"github.com/eth2030/keymanager/core/permission"
)

// Reader is the read side of the account storage.
type Reader interface {
	GetData(key common.Hash) []byte
	GetDataBatch(keys []common.Hash) [][]byte
}

// Writer is the write side of the account storage.
type Writer interface {
	SetDataBatch(keys []common.Hash, values [][]byte) error
}

// ReadWriter combines Reader and Writer.
type ReadWriter interface {
	Reader
	Writer
}

// Store resolves permission records for controllers of one account.
type Store struct {
	r Reader
}

func New(r Reader) *Store { return &Store{r: r} }

// Permissions returns the permission word of controller. A controller with no
// record yields the empty set.
func (s *Store) Permissions(controller common.Address) (permission.Set, error) {
	raw := s.r.GetData(datakeys.Permissions(controller))
	set, err := permission.FromBytes(raw)
	if err != nil {
		return permission.Set{}, fmt.Errorf("permstore: permissions of %s: %w", controller.Hex(), err)
	}
	return set, nil
}

// AllowedCalls returns the decoded AllowedCalls list of controller. A nil
// result means no entries are stored.
func (s *Store) AllowedCalls(controller common.Address) (allowlist.Calls, error) {
	return allowlist.DecodeCalls(s.r.GetData(datakeys.AllowedCalls(controller)))
}

// AllowedDataKeys returns the decoded AllowedERC725YDataKeys list of
// controller. A nil result means no entries are stored.
func (s *Store) AllowedDataKeys(controller common.Address) (allowlist.DataKeys, error) {
	return allowlist.DecodeDataKeys(s.r.GetData(datakeys.AllowedDataKeys(controller)))
}

// Current returns the stored value at key, used to tell additions from
// edits of reserved keys.
func (s *Store) Current(key common.Hash) []byte {
	return s.r.GetData(key)
}

// Controllers enumerates the AddressPermissions[] array. Empty slots are
// skipped.
func (s *Store) Controllers() ([]common.Address, error) {
	n, ok := datakeys.ArrayLength(s.r.GetData(datakeys.AddressPermissionsLength))
	if !ok {
		return nil, fmt.Errorf("permstore: malformed AddressPermissions[] length")
	}
	if !n.IsUint64() {
		return nil, fmt.Errorf("permstore: AddressPermissions[] length %s out of range", n)
	}
	count := n.Uint64()
	keys := make([]common.Hash, count)
	for i := range keys {
		keys[i] = datakeys.PermissionsIndex(uint64(i))
	}
	var out []common.Address
	for i, v := range s.r.GetDataBatch(keys) {
		switch len(v) {
		case 0:
			continue
		case common.AddressLength:
			out = append(out, common.BytesToAddress(v))
		default:
			return nil, fmt.Errorf("permstore: AddressPermissions[%d] has %d bytes", i, len(v))
		}
	}
	return out, nil
}

// Grant describes a full controller record to install.
type Grant struct {
	Controller      common.Address
	Permissions     permission.Set
	AllowedCalls    []allowlist.Call
	AllowedDataKeys [][]byte
}

// Entries builds the key/value writes that register g at position index of
// AddressPermissions[] and bump the array length to newLength.
func (g Grant) Entries(index, newLength uint64) ([]common.Hash, [][]byte, error) {
	keys := []common.Hash{
		datakeys.AddressPermissionsLength,
		datakeys.PermissionsIndex(index),
		datakeys.Permissions(g.Controller),
	}
	values := [][]byte{
		datakeys.EncodeArrayLength(newLength),
		g.Controller.Bytes(),
		g.Permissions.Bytes(),
	}
	if len(g.AllowedCalls) > 0 {
		keys = append(keys, datakeys.AllowedCalls(g.Controller))
		values = append(values, allowlist.EncodeCalls(g.AllowedCalls...))
	}
	if len(g.AllowedDataKeys) > 0 {
		enc, err := allowlist.EncodeDataKeys(g.AllowedDataKeys...)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, datakeys.AllowedDataKeys(g.Controller))
		values = append(values, enc)
	}
	return keys, values, nil
}

// Install appends g to AddressPermissions[] by writing straight to storage,
// bypassing authorization. Used for bootstrapping the first controller.
func Install(rw ReadWriter, g Grant) error {
	n, ok := datakeys.ArrayLength(rw.GetData(datakeys.AddressPermissionsLength))
	if !ok || !n.IsUint64() {
		return fmt.Errorf("permstore: malformed AddressPermissions[] length")
	}
	idx := n.Uint64()
	keys, values, err := g.Entries(idx, idx+1)
	if err != nil {
		return err
	}
	return rw.SetDataBatch(keys, values)
}
