// Package rpc serves the key manager's relay entry points over JSON-RPC 2.0
// on HTTP.
package rpc

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/eth2030/keymanager/core/relay"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error object. Data carries structured context
// such as the offending address, selector or amounts.
type RPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// Standard error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// Key manager error codes.
const (
	ErrCodeExecution        = -32000
	ErrCodeNotAuthorised    = -32010
	ErrCodeNotAllowed       = -32011
	ErrCodeNoPermissions    = -32012
	ErrCodeInvalidNonce     = -32013
	ErrCodeRelayWindow      = -32014
	ErrCodeValueMismatch    = -32015
	ErrCodeReentrancy       = -32016
	ErrCodeMalformedPayload = -32017
	ErrCodeInvalidSignature = -32018
)

// RelayCallArgs are the parameters of keymanager_executeRelayCall.
type RelayCallArgs struct {
	Signature          hexutil.Bytes `json:"signature"`
	Nonce              *hexutil.Big  `json:"nonce"`
	ValidityTimestamps *hexutil.Big  `json:"validityTimestamps"`
	Value              *hexutil.Big  `json:"value"`
	Payload            hexutil.Bytes `json:"payload"`
	// MsgValue is the value the submitter attaches. It must equal Value.
	MsgValue *hexutil.Big `json:"msgValue"`
}

func (a RelayCallArgs) request() (relay.Request, error) {
	nonce, err := toU256("nonce", a.Nonce)
	if err != nil {
		return relay.Request{}, err
	}
	window, err := toU256("validityTimestamps", a.ValidityTimestamps)
	if err != nil {
		return relay.Request{}, err
	}
	value, err := toU256("value", a.Value)
	if err != nil {
		return relay.Request{}, err
	}
	return relay.Request{
		Signature:          a.Signature,
		Nonce:              nonce,
		ValidityTimestamps: window,
		Value:              value,
		Payload:            a.Payload,
	}, nil
}

// RelayBatchArgs are the parameters of keymanager_executeRelayCallBatch.
type RelayBatchArgs struct {
	Signatures         []hexutil.Bytes `json:"signatures"`
	Nonces             []*hexutil.Big  `json:"nonces"`
	ValidityTimestamps []*hexutil.Big  `json:"validityTimestamps"`
	Values             []*hexutil.Big  `json:"values"`
	Payloads           []hexutil.Bytes `json:"payloads"`
	MsgValue           *hexutil.Big    `json:"msgValue"`
}

func (a RelayBatchArgs) batch() (relay.Batch, error) {
	b := relay.Batch{
		Signatures:         make([][]byte, len(a.Signatures)),
		Payloads:           make([][]byte, len(a.Payloads)),
		Nonces:             make([]*uint256.Int, len(a.Nonces)),
		ValidityTimestamps: make([]*uint256.Int, len(a.ValidityTimestamps)),
		Values:             make([]*uint256.Int, len(a.Values)),
	}
	for i, s := range a.Signatures {
		b.Signatures[i] = s
	}
	for i, p := range a.Payloads {
		b.Payloads[i] = p
	}
	for _, f := range []struct {
		name string
		in   []*hexutil.Big
		out  []*uint256.Int
	}{
		{"nonces", a.Nonces, b.Nonces},
		{"validityTimestamps", a.ValidityTimestamps, b.ValidityTimestamps},
		{"values", a.Values, b.Values},
	} {
		for i, v := range f.in {
			u, err := toU256(f.name, v)
			if err != nil {
				return relay.Batch{}, err
			}
			f.out[i] = u
		}
	}
	return b, nil
}

// toU256 converts an optional hex quantity. Missing means zero.
func toU256(field string, v *hexutil.Big) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	b := (*big.Int)(v)
	if b.Sign() < 0 {
		return nil, invalidParams(field + " is negative")
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, invalidParams(field + " overflows 256 bits")
	}
	return u, nil
}

func u256ToBig(u *uint256.Int) *hexutil.Big {
	return (*hexutil.Big)(u.ToBig())
}

func invalidParams(msg string) *RPCError {
	return &RPCError{Code: ErrCodeInvalidParams, Message: msg}
}
