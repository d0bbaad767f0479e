package signer

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// LegacyTx is an unsigned legacy-format transaction. The engine assembles
// and encodes these by hand so that signing can be delegated to the remote
// key service without a local private key.
type LegacyTx struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       *common.Address
	Value    *big.Int
	Data     []byte
}

func (tx *LegacyTx) fields() (gasPrice, value *big.Int) {
	gasPrice = tx.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	value = tx.Value
	if value == nil {
		value = new(big.Int)
	}
	return gasPrice, value
}

// SigningHash returns the EIP-155 signing digest: the keccak256 hash of the
// RLP encoding of the nine-tuple with the chain id in the v slot.
func (tx *LegacyTx) SigningHash(chainID *big.Int) (common.Hash, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return common.Hash{}, ErrChainIDRequired
	}
	gasPrice, value := tx.fields()
	encoded, err := rlp.EncodeToBytes([]interface{}{
		tx.Nonce,
		gasPrice,
		tx.Gas,
		tx.To,
		value,
		tx.Data,
		chainID,
		uint(0),
		uint(0),
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("signer: encode signing payload: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Encode appends the signature fields and returns the raw broadcastable
// transaction bytes.
func (tx *LegacyTx) Encode(v, r, s *big.Int) ([]byte, error) {
	if v == nil || r == nil || s == nil {
		return nil, fmt.Errorf("signer: complete signature required")
	}
	gasPrice, value := tx.fields()
	encoded, err := rlp.EncodeToBytes([]interface{}{
		tx.Nonce,
		gasPrice,
		tx.Gas,
		tx.To,
		value,
		tx.Data,
		v,
		r,
		s,
	})
	if err != nil {
		return nil, fmt.Errorf("signer: encode signed transaction: %w", err)
	}
	return encoded, nil
}
