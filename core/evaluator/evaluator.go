// Package evaluator decides whether a controller may perform a decoded call
// intent on an account, given its permission word and allow-lists.
package evaluator

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/keymanager/core/allowlist"
	"github.com/eth2030/keymanager/core/intent"
	"github.com/eth2030/keymanager/core/permission"
)

// Store supplies the controller records the evaluator consults.
type Store interface {
	Permissions(controller common.Address) (permission.Set, error)
	AllowedCalls(controller common.Address) (allowlist.Calls, error)
	AllowedDataKeys(controller common.Address) (allowlist.DataKeys, error)
	Current(key common.Hash) []byte
}

// Decision is the outcome of an evaluation. A zero Reason means allow.
type Decision struct {
	Reason error
}

// Allowed reports whether the intent may proceed.
func (d Decision) Allowed() bool { return d.Reason == nil }

// Err returns the denial reason, or nil.
func (d Decision) Err() error { return d.Reason }

func allow() Decision { return Decision{} }

// deny wraps err; a nil err allows.
func deny(err error) Decision { return Decision{Reason: err} }

// Evaluator is stateless apart from its collaborators; one instance serves
// one account.
type Evaluator struct {
	store Store
	ifc   allowlist.InterfaceChecker
}

// New returns an evaluator reading records from store. ifc may be nil, in
// which case entries restricted to an interface id never match.
func New(store Store, ifc allowlist.InterfaceChecker) *Evaluator {
	return &Evaluator{store: store, ifc: ifc}
}

// Check loads the permissions of controller and evaluates in.
func (e *Evaluator) Check(controller common.Address, in *intent.Intent) Decision {
	perms, err := e.store.Permissions(controller)
	if err != nil {
		return deny(err)
	}
	return e.Evaluate(controller, in, perms)
}

// Evaluate decides in against perms. Reserved-key values are validated
// before any permission bit is consulted.
func (e *Evaluator) Evaluate(controller common.Address, in *intent.Intent, perms permission.Set) Decision {
	var plan []dataRequirement
	if in.IsDataWrite() {
		var err error
		if plan, err = e.planDataWrite(in); err != nil {
			return deny(err)
		}
	}
	if perms.IsZero() {
		return deny(&NoPermissionsSetError{Controller: controller})
	}
	switch in.Kind {
	case intent.KindSetData, intent.KindSetDataBatch:
		return deny(e.checkDataWrite(controller, perms, plan))
	case intent.KindExecute, intent.KindExecuteBatch:
		for _, c := range in.Calls {
			if err := e.checkCall(controller, perms, c); err != nil {
				return deny(err)
			}
		}
		return allow()
	case intent.KindTransferOwnership, intent.KindAcceptOwnership, intent.KindRenounceOwnership:
		return deny(need(controller, perms, permission.ChangeOwner))
	}
	return deny(&intent.MalformedPayloadError{Reason: "unsupported entry point " + in.Kind.String()})
}

func need(controller common.Address, perms permission.Set, c permission.Capability) error {
	if perms.Has(c) {
		return nil
	}
	return &NotAuthorisedError{Controller: controller, Permission: c}
}
