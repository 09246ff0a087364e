package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/eth2030/keymanager/core/batch"
	"github.com/eth2030/keymanager/core/evaluator"
	"github.com/eth2030/keymanager/core/nonce"
	"github.com/eth2030/keymanager/core/permission"
	"github.com/eth2030/keymanager/log"
)

var ErrInvalidRelayNonce = nonce.ErrInvalidNonce

// InvalidRelayNonceError names the recovered signer, the nonce it used, the
// nonce the ledger expected, and the signature that carried it.
type InvalidRelayNonceError struct {
	Signer    common.Address
	Nonce     *uint256.Int
	Expected  *uint256.Int
	Signature []byte
}

func (e *InvalidRelayNonceError) Error() string {
	return fmt.Sprintf("relay: invalid relay nonce %s for signer %s (expected %s, signature %s)",
		e.Nonce.Dec(), e.Signer.Hex(), e.Expected.Dec(), hexutil.Encode(e.Signature))
}

func (e *InvalidRelayNonceError) Unwrap() error { return ErrInvalidRelayNonce }

// Executor runs an authorised payload on behalf of controller.
type Executor interface {
	ExecuteFor(ctx context.Context, controller common.Address, value *uint256.Int, payload []byte) ([]byte, error)
}

// PermissionReader resolves a signer's permission word.
type PermissionReader interface {
	Permissions(controller common.Address) (permission.Set, error)
}

// NonceLedger is the nonce bookkeeping the dispatcher needs.
type NonceLedger interface {
	Check(account, signer common.Address, n *uint256.Int) error
	Consume(account, signer common.Address, n *uint256.Int) error
}

// Config binds a dispatcher to one key manager deployment.
type Config struct {
	KeyManager common.Address
	Account    common.Address
	ChainID    *uint256.Int
	// Now returns the current unix time in seconds. Defaults to the wall
	// clock.
	Now func() uint64
}

// Request is one signed relay call.
type Request struct {
	Signature          []byte
	Nonce              *uint256.Int
	ValidityTimestamps *uint256.Int
	Value              *uint256.Int
	Payload            []byte
}

// Batch carries the parallel arrays of executeRelayCallBatch.
type Batch struct {
	Signatures         [][]byte
	Nonces             []*uint256.Int
	ValidityTimestamps []*uint256.Int
	Values             []*uint256.Int
	Payloads           [][]byte
}

// Requests zips b into individual requests after checking every array has
// the same length.
func (b Batch) Requests() ([]Request, error) {
	if err := batch.CheckLengths(len(b.Signatures), len(b.Nonces), len(b.ValidityTimestamps), len(b.Values), len(b.Payloads)); err != nil {
		return nil, err
	}
	reqs := make([]Request, len(b.Signatures))
	for i := range reqs {
		reqs[i] = Request{
			Signature:          b.Signatures[i],
			Nonce:              b.Nonces[i],
			ValidityTimestamps: b.ValidityTimestamps[i],
			Value:              b.Values[i],
			Payload:            b.Payloads[i],
		}
	}
	return reqs, nil
}

// Dispatcher is the RelayDispatcher of one account.
type Dispatcher struct {
	cfg      Config
	verifier Verifier
	perms    PermissionReader
	nonces   NonceLedger
	exec     Executor
	coord    *batch.Coordinator
	log      *log.Logger
}

func NewDispatcher(cfg Config, perms PermissionReader, nonces NonceLedger, exec Executor, coord *batch.Coordinator) *Dispatcher {
	if cfg.ChainID == nil {
		cfg.ChainID = new(uint256.Int)
	}
	if cfg.Now == nil {
		cfg.Now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	return &Dispatcher{
		cfg:    cfg,
		perms:  perms,
		nonces: nonces,
		exec:   exec,
		coord:  coord,
		log:    log.Default().Module("relay"),
	}
}

// Signer recovers the address that signed req for this deployment.
func (d *Dispatcher) Signer(req Request) (common.Address, error) {
	digest := Digest(d.cfg.KeyManager, d.cfg.ChainID, orZero(req.Nonce), orZero(req.ValidityTimestamps), orZero(req.Value), req.Payload)
	return d.verifier.Recover(digest, req.Signature)
}

// Dispatch verifies req and forwards its payload. supplied is the value that
// accompanied the request and must equal the signed value. The nonce stays
// consumed even if the forwarded call fails.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, supplied *uint256.Int) ([]byte, error) {
	signer, err := d.Signer(req)
	if err != nil {
		return nil, err
	}
	if err := ParseWindow(req.ValidityTimestamps).Check(d.cfg.Now()); err != nil {
		return nil, err
	}
	perms, err := d.perms.Permissions(signer)
	if err != nil {
		return nil, err
	}
	if perms.IsZero() {
		return nil, &evaluator.NoPermissionsSetError{Controller: signer}
	}
	if !perms.Has(permission.ExecuteRelayCall) {
		return nil, &evaluator.NotAuthorisedError{Controller: signer, Permission: permission.ExecuteRelayCall}
	}
	n := orZero(req.Nonce)
	if err := d.nonces.Check(d.cfg.Account, signer, n); err != nil {
		return nil, d.nonceError(signer, req, err)
	}
	value := orZero(req.Value)
	if err := batch.CheckValue(value, supplied, false); err != nil {
		return nil, err
	}
	if err := d.nonces.Consume(d.cfg.Account, signer, n); err != nil {
		return nil, d.nonceError(signer, req, err)
	}
	d.log.Info("Relay nonce consumed", "signer", signer, "nonce", n.Dec())

	out, err := d.exec.ExecuteFor(ctx, signer, value, req.Payload)
	if err != nil {
		d.log.Debug("Relayed call failed", "signer", signer, "nonce", n.Dec(), "err", err)
		return nil, err
	}
	return out, nil
}

// DispatchBatch runs every request of b atomically. supplied must equal the
// sum of the signed values.
func (d *Dispatcher) DispatchBatch(ctx context.Context, b Batch, supplied *uint256.Int) ([][]byte, error) {
	reqs, err := b.Requests()
	if err != nil {
		return nil, err
	}
	items := make([]batch.Item, len(reqs))
	for i, r := range reqs {
		items[i] = batch.Item{Value: orZero(r.Value), Payload: r.Payload}
	}
	return d.coord.Coordinate(ctx, items, supplied, func(ctx context.Context, i int, it batch.Item) ([]byte, error) {
		return d.Dispatch(ctx, reqs[i], it.Value)
	})
}

func (d *Dispatcher) nonceError(signer common.Address, req Request, err error) error {
	var mismatch *nonce.MismatchError
	if errors.As(err, &mismatch) {
		return &InvalidRelayNonceError{
			Signer:    signer,
			Nonce:     mismatch.Got,
			Expected:  mismatch.Expected,
			Signature: req.Signature,
		}
	}
	return err
}
