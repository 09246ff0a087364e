package rpc

import (
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/eth2030/keymanager/core/batch"
	"github.com/eth2030/keymanager/core/evaluator"
	"github.com/eth2030/keymanager/core/intent"
	"github.com/eth2030/keymanager/core/reentrancy"
	"github.com/eth2030/keymanager/core/relay"
)

// toRPCError maps an engine error onto a JSON-RPC error with structured
// data. Unknown errors become execution failures.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	e := &RPCError{Code: ErrCodeExecution, Message: err.Error()}

	var (
		notAuth   *evaluator.NotAuthorisedError
		noPerms   *evaluator.NoPermissionsSetError
		notCall   *evaluator.NotAllowedCallError
		noCalls   *evaluator.NoCallsAllowedError
		notKey    *evaluator.NotAllowedDataKeyError
		noKeys    *evaluator.NoDataKeysAllowedError
		badNonce  *relay.InvalidRelayNonceError
		early     *relay.RelayCallBeforeStartError
		expired   *relay.RelayCallExpiredError
		mismatch  *batch.ValueMismatchError
		lengths   *batch.LengthMismatchError
		nonPay    *batch.NonPayableError
		reentrant *reentrancy.ReentrancyError
		itemErr   *batch.ItemError
	)
	switch {
	case errors.As(err, &notAuth):
		e.Code = ErrCodeNotAuthorised
		e.Data = map[string]any{"controller": notAuth.Controller, "permission": notAuth.Permission.String()}
	case errors.As(err, &noPerms):
		e.Code = ErrCodeNoPermissions
		e.Data = map[string]any{"controller": noPerms.Controller}
	case errors.As(err, &notCall):
		e.Code = ErrCodeNotAllowed
		e.Data = map[string]any{
			"controller": notCall.Controller,
			"target":     notCall.Target,
			"selector":   hexutil.Bytes(notCall.Selector[:]),
			"field":      notCall.Field.String(),
		}
	case errors.As(err, &noCalls):
		e.Code = ErrCodeNotAllowed
		e.Data = map[string]any{"controller": noCalls.Controller}
	case errors.As(err, &notKey):
		e.Code = ErrCodeNotAllowed
		e.Data = map[string]any{"controller": notKey.Controller, "key": notKey.Key}
	case errors.As(err, &noKeys):
		e.Code = ErrCodeNotAllowed
		e.Data = map[string]any{"controller": noKeys.Controller}
	case errors.As(err, &badNonce):
		e.Code = ErrCodeInvalidNonce
		e.Data = map[string]any{
			"signer":    badNonce.Signer,
			"nonce":     u256ToBig(badNonce.Nonce),
			"expected":  u256ToBig(badNonce.Expected),
			"signature": hexutil.Bytes(badNonce.Signature),
		}
	case errors.As(err, &early):
		e.Code = ErrCodeRelayWindow
		e.Data = map[string]any{"start": hexutil.Uint64(early.Start), "now": hexutil.Uint64(early.Now)}
	case errors.As(err, &expired):
		e.Code = ErrCodeRelayWindow
		e.Data = map[string]any{"end": hexutil.Uint64(expired.End), "now": hexutil.Uint64(expired.Now)}
	case errors.As(err, &mismatch):
		e.Code = ErrCodeValueMismatch
		e.Data = map[string]any{
			"required": u256ToBig(mismatch.Required),
			"supplied": u256ToBig(mismatch.Supplied),
			"batch":    mismatch.Batch,
		}
	case errors.As(err, &lengths):
		e.Code = ErrCodeInvalidParams
		e.Data = map[string]any{"lengths": lengths.Lengths}
	case errors.As(err, &nonPay):
		e.Code = ErrCodeValueMismatch
		e.Data = map[string]any{"index": nonPay.Index, "value": u256ToBig(nonPay.Value)}
	case errors.As(err, &reentrant):
		e.Code = ErrCodeReentrancy
		e.Data = map[string]any{"caller": reentrant.Caller}
	case errors.Is(err, intent.ErrMalformedPayload):
		e.Code = ErrCodeMalformedPayload
	case errors.Is(err, relay.ErrInvalidSignature):
		e.Code = ErrCodeInvalidSignature
	}
	if errors.As(err, &itemErr) {
		if e.Data == nil {
			e.Data = map[string]any{}
		}
		e.Data["batchIndex"] = itemErr.Index
	}
	return e
}
