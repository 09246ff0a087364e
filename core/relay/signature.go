package relay

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSignature = errors.New("relay: invalid signature")

// Verifier recovers signer addresses from 65-byte [R ‖ S ‖ V] signatures.
// V may be 0/1 or 27/28. High-S signatures are rejected.
type Verifier struct{}

// Recover returns the address that signed digest.
func (Verifier) Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	norm := make([]byte, crypto.SignatureLength)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	r := new(big.Int).SetBytes(norm[:32])
	s := new(big.Int).SetBytes(norm[32:64])
	if !crypto.ValidateSignatureValues(norm[64], r, s, true) {
		return common.Address{}, fmt.Errorf("%w: malformed r, s or v", ErrInvalidSignature)
	}
	pub, err := crypto.SigToPub(digest[:], norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign signs digest with key and returns the signature with V in 27/28 form,
// as wallets produce it.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
