// Package core wires the permission engine into a KeyManager: the single
// owner of an account through which controllers execute payloads, directly,
// in batches, or by relaying signed requests.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eth2030/keymanager/core/account"
	"github.com/eth2030/keymanager/core/batch"
	"github.com/eth2030/keymanager/core/evaluator"
	"github.com/eth2030/keymanager/core/intent"
	"github.com/eth2030/keymanager/core/nonce"
	"github.com/eth2030/keymanager/core/permission"
	"github.com/eth2030/keymanager/core/permstore"
	"github.com/eth2030/keymanager/core/rawdb"
	"github.com/eth2030/keymanager/core/reentrancy"
	"github.com/eth2030/keymanager/core/relay"
	"github.com/eth2030/keymanager/core/verification"
	"github.com/eth2030/keymanager/log"
	"github.com/eth2030/keymanager/metrics"
)

// Version is reported by the RPC service.
const Version = "1.0.0"

// Config binds a key manager to its deployment.
type Config struct {
	// Address is the key manager's own address. It is the owner of the
	// account and the domain the relay digest commits to.
	Address common.Address
	ChainID *uint256.Int
	// Now returns unix seconds for relay validity windows; nil means the
	// wall clock.
	Now func() uint64
}

// KeyManager authorises and performs calls on one account.
type KeyManager struct {
	cfg      Config
	account  *account.Account
	store    *permstore.Store
	eval     *evaluator.Evaluator
	guard    *reentrancy.Guard
	nonces   *nonce.Ledger
	coord    *batch.Coordinator
	relay    *relay.Dispatcher
	verifier *verification.Protocol

	tracer trace.Tracer
	log    *log.Logger
}

// New builds a key manager over acct, keeping relay nonces in db, and
// installs itself as the account's call verifier.
func New(cfg Config, acct *account.Account, db rawdb.KeyValueStore) *KeyManager {
	if cfg.ChainID == nil {
		cfg.ChainID = new(uint256.Int)
	}
	if cfg.Now == nil {
		cfg.Now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	store := permstore.New(acct)
	eval := evaluator.New(store, acct)
	guard := reentrancy.NewGuard()
	km := &KeyManager{
		cfg:      cfg,
		account:  acct,
		store:    store,
		eval:     eval,
		guard:    guard,
		nonces:   nonce.NewLedger(db),
		coord:    batch.NewCoordinator(acct),
		verifier: verification.NewProtocol(acct.Address(), store, eval, guard),
		tracer:   otel.Tracer("github.com/eth2030/keymanager/core"),
		log:      log.Default().Module("keymanager"),
	}
	km.relay = relay.NewDispatcher(relay.Config{
		KeyManager: cfg.Address,
		Account:    acct.Address(),
		ChainID:    cfg.ChainID,
		Now:        cfg.Now,
	}, store, km.nonces, km, km.coord)
	acct.SetVerifier(km)
	return km
}

func (km *KeyManager) Address() common.Address { return km.cfg.Address }

// Target returns the address of the managed account.
func (km *KeyManager) Target() common.Address { return km.account.Address() }

func (km *KeyManager) Account() *account.Account { return km.account }

func (km *KeyManager) ChainID() *uint256.Int { return km.cfg.ChainID.Clone() }

// Permissions returns the permission word of controller.
func (km *KeyManager) Permissions(controller common.Address) (permission.Set, error) {
	return km.store.Permissions(controller)
}

// Controllers lists the addresses registered in AddressPermissions[].
func (km *KeyManager) Controllers() ([]common.Address, error) {
	return km.store.Controllers()
}

// Execute authorises caller to run payload on the account and runs it,
// forwarding value. Every state change is rolled back on failure.
func (km *KeyManager) Execute(ctx context.Context, caller common.Address, value *uint256.Int, payload []byte) ([]byte, error) {
	ctx, span := km.tracer.Start(ctx, "keymanager.execute", trace.WithAttributes(
		attribute.String("controller", caller.Hex()),
		attribute.Int("payload.size", len(payload)),
	))
	defer span.End()
	timer := metrics.NewTimer(metrics.ExecuteDuration)
	defer timer.Stop()

	out, err := km.execute(ctx, caller, value, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// ExecuteFor runs a payload a relay signer authorised. The relay layer has
// already checked the signature, nonce and value.
func (km *KeyManager) ExecuteFor(ctx context.Context, controller common.Address, value *uint256.Int, payload []byte) ([]byte, error) {
	return km.Execute(ctx, controller, value, payload)
}

func (km *KeyManager) execute(ctx context.Context, caller common.Address, value *uint256.Int, payload []byte) ([]byte, error) {
	in, err := intent.Decode(payload)
	if err != nil {
		return nil, km.denied(caller, err)
	}
	if in.IsDataWrite() && value != nil && !value.IsZero() {
		return nil, km.denied(caller, &batch.NonPayableError{Value: value.Clone()})
	}
	perms, err := km.store.Permissions(caller)
	if err != nil {
		return nil, err
	}

	// Data writes cannot re-enter, so they never take the lock. They still
	// need REENTRANCY while someone else holds it.
	var lease *reentrancy.Lease
	if in.IsDataWrite() {
		err = km.guard.Check(km.account.Address(), caller, perms)
	} else {
		lease, err = km.guard.Acquire(km.account.Address(), caller, perms)
	}
	if err != nil {
		metrics.ReentrancyRejected.Inc()
		return nil, km.denied(caller, err)
	}
	defer lease.Release()

	if d := km.eval.Evaluate(caller, in, perms); !d.Allowed() {
		return nil, km.denied(caller, d.Err())
	}
	metrics.DecisionsAllowed.Inc()

	out, err := km.account.Apply(ctx, km.cfg.Address, value, in)
	if err != nil {
		km.log.Debug("Authorised call failed", "controller", caller, "intent", in, "err", err)
		return nil, err
	}
	return out, nil
}

// ExecuteBatch runs every payload for caller atomically. supplied must equal
// the sum of values exactly.
func (km *KeyManager) ExecuteBatch(ctx context.Context, caller common.Address, values []*uint256.Int, payloads [][]byte, supplied *uint256.Int) ([][]byte, error) {
	ctx, span := km.tracer.Start(ctx, "keymanager.executeBatch", trace.WithAttributes(
		attribute.String("controller", caller.Hex()),
		attribute.Int("batch.size", len(payloads)),
	))
	defer span.End()

	if err := batch.CheckLengths(len(values), len(payloads)); err != nil {
		span.RecordError(err)
		return nil, err
	}
	items := make([]batch.Item, len(payloads))
	for i := range payloads {
		items[i] = batch.Item{Value: values[i], Payload: payloads[i]}
	}
	out, err := km.coord.Coordinate(ctx, items, supplied, func(ctx context.Context, _ int, it batch.Item) ([]byte, error) {
		return km.execute(ctx, caller, it.Value, it.Payload)
	})
	if err != nil {
		if errors.Is(err, batch.ErrValueMismatch) {
			metrics.BatchValueMismatch.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (km *KeyManager) denied(controller common.Address, err error) error {
	metrics.DecisionsDenied.Inc()
	km.log.Debug("Call denied", "account", km.account.Address(), "controller", controller, "reason", err)
	return err
}
