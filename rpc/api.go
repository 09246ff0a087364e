package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/eth2030/keymanager/core/permission"
	"github.com/eth2030/keymanager/core/relay"
	"github.com/eth2030/keymanager/metrics"
)

// Backend is the key manager surface the API exposes.
type Backend interface {
	Address() common.Address
	Target() common.Address
	ChainID() *uint256.Int
	Permissions(controller common.Address) (permission.Set, error)
	Controllers() ([]common.Address, error)

	ExecuteRelayCall(ctx context.Context, req relay.Request, supplied *uint256.Int) ([]byte, error)
	ExecuteRelayCallBatch(ctx context.Context, b relay.Batch, supplied *uint256.Int) ([][]byte, error)
	GetNonce(signer common.Address, channel *uint256.Int) (*uint256.Int, error)
	NonceChannels(signer common.Address) ([]*uint256.Int, error)
	IsValidSignature(hash common.Hash, signature []byte) [4]byte
}

// PermissionsResult is returned by keymanager_getPermissions.
type PermissionsResult struct {
	Permissions  hexutil.Bytes `json:"permissions"`
	Capabilities []string      `json:"capabilities"`
}

// API implements the keymanager_ namespace.
type API struct {
	backend Backend
	version string
	reg     *MethodRegistry

	// execMu serialises state-changing calls. The engine models a single
	// transaction at a time and its reentrancy lock would reject a second
	// top-level call running alongside the first.
	execMu sync.Mutex
}

// NewAPI registers the keymanager_ methods over backend.
func NewAPI(backend Backend, version string) *API {
	api := &API{backend: backend, version: version, reg: NewMethodRegistry()}
	for _, m := range []MethodInfo{
		{Name: "keymanager_version", Handler: api.versionHandler},
		{Name: "keymanager_target", Handler: api.target},
		{Name: "keymanager_chainId", Handler: api.chainID},
		{Name: "keymanager_controllers", Handler: api.controllers},
		{Name: "keymanager_getPermissions", Handler: api.getPermissions, MinParams: 1, MaxParams: 1},
		{Name: "keymanager_getNonce", Handler: api.getNonce, MinParams: 1, MaxParams: 2},
		{Name: "keymanager_nonceChannels", Handler: api.nonceChannels, MinParams: 1, MaxParams: 1},
		{Name: "keymanager_isValidSignature", Handler: api.isValidSignature, MinParams: 2, MaxParams: 2},
		{Name: "keymanager_executeRelayCall", Handler: api.executeRelayCall, MinParams: 1, MaxParams: 1, Mutating: true},
		{Name: "keymanager_executeRelayCallBatch", Handler: api.executeRelayCallBatch, MinParams: 1, MaxParams: 1, Mutating: true},
	} {
		if err := api.reg.Register(m); err != nil {
			panic(err)
		}
	}
	api.reg.Use(api.instrument)
	api.reg.Use(api.serialise)
	return api
}

// Methods lists the registered method names.
func (api *API) Methods() []string { return api.reg.Methods() }

// HandleRequest dispatches a JSON-RPC request to the matching method.
func (api *API) HandleRequest(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" {
		resp.Error = &RPCError{Code: ErrCodeInvalidRequest, Message: "invalid jsonrpc version"}
		return resp
	}
	if req.Method == "" {
		resp.Error = &RPCError{Code: ErrCodeInvalidRequest, Message: "method is required"}
		return resp
	}
	result, err := api.reg.Call(ctx, req.Method, req.Params)
	switch {
	case errors.Is(err, ErrMethodNotFound):
		resp.Error = &RPCError{Code: ErrCodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, ErrInvalidParams):
		resp.Error = invalidParams(err.Error())
	case err != nil:
		resp.Error = toRPCError(err)
	default:
		resp.Result = result
	}
	return resp
}

func (api *API) instrument(ctx context.Context, method string, params []json.RawMessage, next MethodHandler) (any, error) {
	start := time.Now()
	metrics.RPCRequests.Inc()
	out, err := next(ctx, params)
	metrics.RPCLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RPCErrors.Inc()
	}
	return out, err
}

func (api *API) serialise(ctx context.Context, method string, params []json.RawMessage, next MethodHandler) (any, error) {
	if !api.reg.IsMutating(method) {
		return next(ctx, params)
	}
	api.execMu.Lock()
	defer api.execMu.Unlock()
	return next(ctx, params)
}

func (api *API) versionHandler(context.Context, []json.RawMessage) (any, error) {
	return api.version, nil
}

func (api *API) target(context.Context, []json.RawMessage) (any, error) {
	return api.backend.Target(), nil
}

func (api *API) chainID(context.Context, []json.RawMessage) (any, error) {
	return u256ToBig(api.backend.ChainID()), nil
}

func (api *API) controllers(context.Context, []json.RawMessage) (any, error) {
	return api.backend.Controllers()
}

func (api *API) getPermissions(_ context.Context, params []json.RawMessage) (any, error) {
	var controller common.Address
	if err := parseParams(params, &controller); err != nil {
		return nil, err
	}
	perms, err := api.backend.Permissions(controller)
	if err != nil {
		return nil, err
	}
	caps := perms.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.String()
	}
	return PermissionsResult{Permissions: perms.Bytes(), Capabilities: names}, nil
}

func (api *API) getNonce(_ context.Context, params []json.RawMessage) (any, error) {
	var (
		signer  common.Address
		channel *hexutil.Big
	)
	if err := parseParams(params, &signer, &channel); err != nil {
		return nil, err
	}
	ch, err := toU256("channel", channel)
	if err != nil {
		return nil, err
	}
	n, err := api.backend.GetNonce(signer, ch)
	if err != nil {
		return nil, err
	}
	return u256ToBig(n), nil
}

func (api *API) nonceChannels(_ context.Context, params []json.RawMessage) (any, error) {
	var signer common.Address
	if err := parseParams(params, &signer); err != nil {
		return nil, err
	}
	ns, err := api.backend.NonceChannels(signer)
	if err != nil {
		return nil, err
	}
	out := make([]*hexutil.Big, len(ns))
	for i, n := range ns {
		out[i] = u256ToBig(n)
	}
	return out, nil
}

func (api *API) isValidSignature(_ context.Context, params []json.RawMessage) (any, error) {
	var (
		hash common.Hash
		sig  hexutil.Bytes
	)
	if err := parseParams(params, &hash, &sig); err != nil {
		return nil, err
	}
	magic := api.backend.IsValidSignature(hash, sig)
	return hexutil.Bytes(magic[:]), nil
}

func (api *API) executeRelayCall(ctx context.Context, params []json.RawMessage) (any, error) {
	var args RelayCallArgs
	if err := parseParams(params, &args); err != nil {
		return nil, err
	}
	req, err := args.request()
	if err != nil {
		return nil, err
	}
	supplied, err := toU256("msgValue", args.MsgValue)
	if err != nil {
		return nil, err
	}
	out, err := api.backend.ExecuteRelayCall(ctx, req, supplied)
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(out), nil
}

func (api *API) executeRelayCallBatch(ctx context.Context, params []json.RawMessage) (any, error) {
	var args RelayBatchArgs
	if err := parseParams(params, &args); err != nil {
		return nil, err
	}
	b, err := args.batch()
	if err != nil {
		return nil, err
	}
	supplied, err := toU256("msgValue", args.MsgValue)
	if err != nil {
		return nil, err
	}
	outs, err := api.backend.ExecuteRelayCallBatch(ctx, b, supplied)
	if err != nil {
		return nil, err
	}
	res := make([]hexutil.Bytes, len(outs))
	for i, o := range outs {
		res[i] = o
	}
	return res, nil
}
