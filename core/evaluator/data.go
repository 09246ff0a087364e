package evaluator

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/keymanager/core/allowlist"
	"github.com/eth2030/keymanager/core/datakeys"
	"github.com/eth2030/keymanager/core/intent"
	"github.com/eth2030/keymanager/core/permission"
)

// dataRequirement is what one key of a data write needs. generic keys fall
// under SETDATA and the AllowedDataKeys list; reserved keys need exactly cap.
type dataRequirement struct {
	key     common.Hash
	generic bool
	cap     permission.Capability
}

// planDataWrite validates the value of every reserved key and resolves the
// capability each key requires. It reads current storage to split additions
// from edits but never consults the caller's permissions.
func (e *Evaluator) planDataWrite(in *intent.Intent) ([]dataRequirement, error) {
	plan := make([]dataRequirement, len(in.Keys))
	for i, key := range in.Keys {
		r, err := e.classify(key, in.Values[i])
		if err != nil {
			return nil, err
		}
		plan[i] = r
	}
	return plan, nil
}

func (e *Evaluator) classify(key common.Hash, value []byte) (dataRequirement, error) {
	r := dataRequirement{key: key}
	switch datakeys.Classify(key) {
	case datakeys.KindPermissionsArrayLength:
		newLen, ok := datakeys.ArrayLength(value)
		if !ok {
			return r, &InvalidDataValueError{Key: key, Value: value, Want: "0 or 16 bytes"}
		}
		curLen, ok := datakeys.ArrayLength(e.store.Current(key))
		if ok && newLen.Cmp(curLen) <= 0 {
			r.cap = permission.EditPermissions
		} else {
			r.cap = permission.AddController
		}

	case datakeys.KindPermissionsArrayIndex:
		if len(value) != 0 && len(value) != common.AddressLength {
			return r, &InvalidDataValueError{Key: key, Value: value, Want: "0 or 20 bytes"}
		}
		r.cap = addOrEdit(e.store.Current(key))

	case datakeys.KindPermissions:
		if len(value) != 0 && len(value) != permission.Size {
			return r, &InvalidDataValueError{Key: key, Value: value, Want: "0 or 32 bytes"}
		}
		r.cap = addOrEdit(e.store.Current(key))

	case datakeys.KindAllowedCalls:
		if err := allowlist.ValidateCalls(value); err != nil {
			return r, err
		}
		r.cap = addOrEdit(e.store.Current(key))

	case datakeys.KindAllowedDataKeys:
		if err := allowlist.ValidateDataKeys(value); err != nil {
			return r, err
		}
		r.cap = addOrEdit(e.store.Current(key))

	case datakeys.KindUnknownPermissionKey:
		return r, &NotRecognisedPermissionKeyError{Key: key}

	case datakeys.KindUniversalReceiverDelegate:
		if len(value) != 0 && len(value) != common.AddressLength {
			return r, &InvalidDataValueError{Key: key, Value: value, Want: "0 or 20 bytes"}
		}
		if len(e.store.Current(key)) == 0 {
			r.cap = permission.AddUniversalReceiverDelegate
		} else {
			r.cap = permission.ChangeUniversalReceiverDelegate
		}

	case datakeys.KindExtension:
		if n := len(value); n != 0 && n != common.AddressLength && n != common.AddressLength+1 {
			return r, &InvalidDataValueError{Key: key, Value: value, Want: "0, 20 or 21 bytes"}
		}
		if len(e.store.Current(key)) == 0 {
			r.cap = permission.AddExtensions
		} else {
			r.cap = permission.ChangeExtensions
		}

	default:
		r.generic = true
	}
	return r, nil
}

func addOrEdit(current []byte) permission.Capability {
	if len(current) == 0 {
		return permission.AddController
	}
	return permission.EditPermissions
}

// checkDataWrite enforces plan all-or-nothing: the first failing key denies
// the whole write.
func (e *Evaluator) checkDataWrite(controller common.Address, perms permission.Set, plan []dataRequirement) error {
	var generic []common.Hash
	for _, r := range plan {
		if r.generic {
			generic = append(generic, r.key)
			continue
		}
		if err := need(controller, perms, r.cap); err != nil {
			return err
		}
	}
	if len(generic) == 0 || perms.Has(permission.SuperSetData) {
		return nil
	}
	if err := need(controller, perms, permission.SetData); err != nil {
		return err
	}
	allowed, err := e.store.AllowedDataKeys(controller)
	if err != nil {
		return err
	}
	if len(allowed) == 0 {
		return &NoDataKeysAllowedError{Controller: controller}
	}
	if bad, ok := allowed.AllowsAll(generic); !ok {
		return &NotAllowedDataKeyError{Controller: controller, Key: bad}
	}
	return nil
}
