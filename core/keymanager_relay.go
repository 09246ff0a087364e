package core

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eth2030/keymanager/core/batch"
	"github.com/eth2030/keymanager/core/permission"
	"github.com/eth2030/keymanager/core/relay"
	"github.com/eth2030/keymanager/core/verification"
	"github.com/eth2030/keymanager/metrics"
)

// ERC-1271 magic values.
var (
	MagicValueValid   = [4]byte{0x16, 0x26, 0xba, 0x7e}
	MagicValueInvalid = [4]byte{0xff, 0xff, 0xff, 0xff}
)

// ExecuteRelayCall runs a request signed by a controller and submitted by
// anyone. supplied is the value the submitter attached.
func (km *KeyManager) ExecuteRelayCall(ctx context.Context, req relay.Request, supplied *uint256.Int) ([]byte, error) {
	ctx, span := km.tracer.Start(ctx, "keymanager.executeRelayCall", trace.WithAttributes(
		attribute.Int("payload.size", len(req.Payload)),
	))
	defer span.End()

	out, err := km.relay.Dispatch(ctx, req, supplied)
	km.relayDone(span, err, 1)
	return out, err
}

// ExecuteRelayCallBatch runs several signed requests atomically.
func (km *KeyManager) ExecuteRelayCallBatch(ctx context.Context, b relay.Batch, supplied *uint256.Int) ([][]byte, error) {
	ctx, span := km.tracer.Start(ctx, "keymanager.executeRelayCallBatch", trace.WithAttributes(
		attribute.Int("batch.size", len(b.Payloads)),
	))
	defer span.End()

	out, err := km.relay.DispatchBatch(ctx, b, supplied)
	km.relayDone(span, err, int64(len(b.Payloads)))
	return out, err
}

func (km *KeyManager) relayDone(span trace.Span, err error, n int64) {
	if err == nil {
		metrics.RelayExecuted.Add(n)
		return
	}
	switch {
	case errors.Is(err, relay.ErrInvalidRelayNonce):
		metrics.RelayNonceRejected.Inc()
	case errors.Is(err, batch.ErrValueMismatch):
		metrics.BatchValueMismatch.Inc()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetNonce returns the next relay nonce of signer on channel, with the
// channel in the high 128 bits. A nil channel means channel 0.
func (km *KeyManager) GetNonce(signer common.Address, channel *uint256.Int) (*uint256.Int, error) {
	if channel == nil {
		channel = new(uint256.Int)
	}
	return km.nonces.Get(km.account.Address(), signer, channel)
}

// NonceChannels lists the next nonce of every channel signer has used.
func (km *KeyManager) NonceChannels(signer common.Address) ([]*uint256.Int, error) {
	return km.nonces.Channels(km.account.Address(), signer)
}

// RelaySigner recovers the controller that signed req.
func (km *KeyManager) RelaySigner(req relay.Request) (common.Address, error) {
	return km.relay.Signer(req)
}

// IsValidSignature implements ERC-1271 for the account: a signature is valid
// when its signer holds SIGN. It never fails.
func (km *KeyManager) IsValidSignature(hash common.Hash, signature []byte) [4]byte {
	signer, err := relay.Verifier{}.Recover(hash, signature)
	if err != nil {
		return MagicValueInvalid
	}
	perms, err := km.store.Permissions(signer)
	if err != nil || !perms.Has(permission.Sign) {
		return MagicValueInvalid
	}
	return MagicValueValid
}

// PreVerify is the account's pre-call hook.
func (km *KeyManager) PreVerify(caller, requestor common.Address, value *uint256.Int, payload []byte) verification.Result {
	res := km.verifier.PreVerify(caller, requestor, value, payload)
	if res.Outcome == verification.Deny {
		metrics.DecisionsDenied.Inc()
	} else {
		metrics.DecisionsAllowed.Inc()
	}
	metrics.PendingVerifications.Set(int64(km.verifier.Pending()))
	return res
}

// PostVerify is the account's post-call hook.
func (km *KeyManager) PostVerify(tok verification.Token, returnData []byte) error {
	err := km.verifier.PostVerify(tok, returnData)
	metrics.PendingVerifications.Set(int64(km.verifier.Pending()))
	return err
}

// Abort settles a token whose call failed.
func (km *KeyManager) Abort(tok verification.Token) {
	km.verifier.Abort(tok)
	metrics.PendingVerifications.Set(int64(km.verifier.Pending()))
}
