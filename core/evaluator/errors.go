package evaluator

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/eth2030/keymanager/core/allowlist"
	"github.com/eth2030/keymanager/core/permission"
)

var (
	ErrNotAuthorised              = errors.New("evaluator: not authorised")
	ErrNoPermissionsSet           = errors.New("evaluator: no permissions set")
	ErrNotAllowedCall             = errors.New("evaluator: call not allowed")
	ErrNotAllowedTarget           = errors.New("evaluator: target not allowed")
	ErrNotAllowedSelector         = errors.New("evaluator: selector not allowed")
	ErrNotAllowedStandard         = errors.New("evaluator: interface not allowed")
	ErrNotAllowedCallType         = errors.New("evaluator: call type not allowed")
	ErrNoCallsAllowed             = errors.New("evaluator: no calls allowed")
	ErrNotAllowedDataKey          = errors.New("evaluator: data key not allowed")
	ErrNoDataKeysAllowed          = errors.New("evaluator: no data keys allowed")
	ErrNotRecognisedPermissionKey = errors.New("evaluator: not recognised permission key")
	ErrInvalidDataValue           = errors.New("evaluator: invalid data value")
)

// NotAuthorisedError reports a missing capability bit.
type NotAuthorisedError struct {
	Controller common.Address
	Permission permission.Capability
}

func (e *NotAuthorisedError) Error() string {
	return fmt.Sprintf("evaluator: %s not authorised for %s", e.Controller.Hex(), e.Permission)
}

func (e *NotAuthorisedError) Unwrap() error { return ErrNotAuthorised }

// NoPermissionsSetError reports a controller without any permission record.
type NoPermissionsSetError struct {
	Controller common.Address
}

func (e *NoPermissionsSetError) Error() string {
	return fmt.Sprintf("evaluator: no permissions set for %s", e.Controller.Hex())
}

func (e *NoPermissionsSetError) Unwrap() error { return ErrNoPermissionsSet }

// NotAllowedCallError reports a call rejected by the AllowedCalls list. Field
// is the deepest entry field that failed to match.
type NotAllowedCallError struct {
	Controller common.Address
	Target     common.Address
	Selector   [4]byte
	Field      allowlist.Field
}

func (e *NotAllowedCallError) Error() string {
	return fmt.Sprintf("evaluator: %s not allowed to call %s selector %s (%s mismatch)",
		e.Controller.Hex(), e.Target.Hex(), hexutil.Encode(e.Selector[:]), e.Field)
}

func (e *NotAllowedCallError) Unwrap() []error {
	errs := []error{ErrNotAllowedCall}
	switch e.Field {
	case allowlist.FieldCallType:
		errs = append(errs, ErrNotAllowedCallType)
	case allowlist.FieldTarget:
		errs = append(errs, ErrNotAllowedTarget)
	case allowlist.FieldStandard:
		errs = append(errs, ErrNotAllowedStandard)
	case allowlist.FieldSelector:
		errs = append(errs, ErrNotAllowedSelector)
	}
	return errs
}

// NoCallsAllowedError reports a controller holding a restricted call bit but
// no AllowedCalls entries.
type NoCallsAllowedError struct {
	Controller common.Address
}

func (e *NoCallsAllowedError) Error() string {
	return fmt.Sprintf("evaluator: no calls allowed for %s", e.Controller.Hex())
}

func (e *NoCallsAllowedError) Unwrap() error { return ErrNoCallsAllowed }

// NotAllowedDataKeyError reports a data key outside the AllowedDataKeys list.
type NotAllowedDataKeyError struct {
	Controller common.Address
	Key        common.Hash
}

func (e *NotAllowedDataKeyError) Error() string {
	return fmt.Sprintf("evaluator: %s not allowed to set data key %s", e.Controller.Hex(), e.Key.Hex())
}

func (e *NotAllowedDataKeyError) Unwrap() error { return ErrNotAllowedDataKey }

// NoDataKeysAllowedError reports a SETDATA holder with no AllowedDataKeys
// entries.
type NoDataKeysAllowedError struct {
	Controller common.Address
}

func (e *NoDataKeysAllowedError) Error() string {
	return fmt.Sprintf("evaluator: no data keys allowed for %s", e.Controller.Hex())
}

func (e *NoDataKeysAllowedError) Unwrap() error { return ErrNoDataKeysAllowed }

// NotRecognisedPermissionKeyError reports a key inside the
// AddressPermissions namespace that matches none of its known layouts.
type NotRecognisedPermissionKeyError struct {
	Key common.Hash
}

func (e *NotRecognisedPermissionKeyError) Error() string {
	return "evaluator: not recognised permission key " + e.Key.Hex()
}

func (e *NotRecognisedPermissionKeyError) Unwrap() error { return ErrNotRecognisedPermissionKey }

// InvalidDataValueError reports a value of the wrong shape for a reserved
// key.
type InvalidDataValueError struct {
	Key   common.Hash
	Value []byte
	Want  string
}

func (e *InvalidDataValueError) Error() string {
	return fmt.Sprintf("evaluator: invalid value %s for key %s (want %s)",
		hexutil.Encode(e.Value), e.Key.Hex(), e.Want)
}

func (e *InvalidDataValueError) Unwrap() error { return ErrInvalidDataValue }
