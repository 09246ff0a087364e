package evaluator

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/keymanager/core/allowlist"
	"github.com/eth2030/keymanager/core/intent"
	"github.com/eth2030/keymanager/core/permission"
)

// callRequirement pairs a restricted capability with the call type an
// AllowedCalls entry must carry when the SUPER_ variant is absent.
type callRequirement struct {
	cap      permission.Capability
	callType permission.CallType
}

func (e *Evaluator) checkCall(controller common.Address, perms permission.Set, c intent.SubCall) error {
	if c.Operation.IsDeploy() {
		if err := need(controller, perms, permission.Deploy); err != nil {
			return err
		}
		if !c.Value.IsZero() {
			return need(controller, perms, permission.SuperTransferValue)
		}
		return nil
	}

	var reqs []callRequirement
	switch c.Operation {
	case intent.OpCall:
		hasValue := !c.Value.IsZero()
		if hasValue {
			reqs = append(reqs, callRequirement{permission.TransferValue, permission.CallTypeValue})
		}
		if len(c.Data) > 0 || !hasValue {
			reqs = append(reqs, callRequirement{permission.Call, permission.CallTypeCall})
		}
	case intent.OpStaticCall:
		reqs = append(reqs, callRequirement{permission.StaticCall, permission.CallTypeStaticCall})
	case intent.OpDelegateCall:
		reqs = append(reqs, callRequirement{permission.DelegateCall, permission.CallTypeDelegateCall})
	}

	// Only the call types not already covered by a SUPER_ bit need an entry.
	var want permission.CallType
	for _, r := range reqs {
		if !perms.Covers(r.cap) {
			return &NotAuthorisedError{Controller: controller, Permission: r.cap}
		}
		if !perms.Has(mustSuper(r.cap)) {
			want |= r.callType
		}
	}
	if want == 0 {
		return nil
	}

	calls, err := e.store.AllowedCalls(controller)
	if err != nil {
		return err
	}
	if len(calls) == 0 {
		return &NoCallsAllowedError{Controller: controller}
	}
	req := allowlist.Request{CallTypes: want, Target: c.Target, Selector: c.FunctionSelector()}
	if idx, field := calls.Match(req, e.ifc); idx < 0 {
		return &NotAllowedCallError{
			Controller: controller,
			Target:     c.Target,
			Selector:   req.Selector,
			Field:      field,
		}
	}
	return nil
}

func mustSuper(c permission.Capability) permission.Capability {
	s, ok := c.Super()
	if !ok {
		panic("evaluator: capability without super variant: " + c.String())
	}
	return s
}
