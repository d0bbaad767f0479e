package signer

import (
	"context"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrRecoveryMismatch reports that neither candidate recovery id yields
	// the expected signer address. The signature must not be broadcast.
	ErrRecoveryMismatch = errors.New("signer: recovered address does not match signing key")

	// ErrChainIDRequired reports a transaction signing attempt without a
	// chain id. Replay-protected signatures always bind the chain.
	ErrChainIDRequired = errors.New("signer: chain id required")

	// secp256k1N is the order of the curve, secp256k1HalfN the low-s bound.
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// Signer drives the remote key-management service to produce verified
// EIP-155 signatures. It holds no key material; the only state is a cache of
// derived addresses, which are deterministic per key path.
type Signer struct {
	svc Service

	mu        sync.RWMutex
	addresses map[string]common.Address
}

// New constructs a Signer backed by the supplied remote service.
func New(svc Service) (*Signer, error) {
	if svc == nil {
		return nil, fmt.Errorf("signer: remote service required")
	}
	return &Signer{svc: svc, addresses: make(map[string]common.Address)}, nil
}

// subjectPublicKeyInfo mirrors the ASN.1 SubjectPublicKeyInfo layout. The
// standard x509 parser rejects the secp256k1 curve, so the point is pulled
// out of the bit string directly.
type subjectPublicKeyInfo struct {
	Algorithm asn1.RawValue
	PublicKey asn1.BitString
}

// PublicKey fetches and decodes the uncompressed 65-byte public key point
// for the key version.
func (s *Signer) PublicKey(ctx context.Context, keyPath string) ([]byte, error) {
	pemBytes, err := s.svc.GetPublicKey(ctx, keyPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("signer: public key for %s is not PEM encoded", keyPath)
	}
	var info subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(block.Bytes, &info); err != nil {
		return nil, fmt.Errorf("signer: parse public key: %w", err)
	}
	point := info.PublicKey.Bytes
	if len(point) != 65 || point[0] != 0x04 {
		return nil, fmt.Errorf("signer: expected uncompressed 65-byte point, got %d bytes", len(point))
	}
	if _, err := crypto.UnmarshalPubkey(point); err != nil {
		return nil, fmt.Errorf("signer: invalid public key point: %w", err)
	}
	return point, nil
}

// DeriveAddress converts an uncompressed public key into its checksummed
// chain address: keccak256 of the 64-byte point, last 20 bytes. Pure and
// deterministic.
func DeriveAddress(pub []byte) (common.Address, error) {
	if len(pub) != 65 || pub[0] != 0x04 {
		return common.Address{}, fmt.Errorf("signer: uncompressed 65-byte public key required")
	}
	return common.BytesToAddress(crypto.Keccak256(pub[1:])[12:]), nil
}

// Address resolves the chain address controlled by the key version. Results
// are cached: the same key path always yields the same address.
func (s *Signer) Address(ctx context.Context, keyPath string) (common.Address, error) {
	trimmed := strings.TrimSpace(keyPath)
	s.mu.RLock()
	addr, ok := s.addresses[trimmed]
	s.mu.RUnlock()
	if ok {
		return addr, nil
	}
	pub, err := s.PublicKey(ctx, trimmed)
	if err != nil {
		return common.Address{}, err
	}
	addr, err = DeriveAddress(pub)
	if err != nil {
		return common.Address{}, err
	}
	s.mu.Lock()
	s.addresses[trimmed] = addr
	s.mu.Unlock()
	return addr, nil
}

// derSignature mirrors the ASN.1 ECDSA-Sig-Value structure.
type derSignature struct {
	R *big.Int
	S *big.Int
}

// SignDigest signs the 32-byte digest remotely and returns the raw (r, s)
// pair decoded from the DER response.
func (s *Signer) SignDigest(ctx context.Context, keyPath string, digest []byte) (*big.Int, *big.Int, error) {
	der, err := s.svc.AsymmetricSign(ctx, keyPath, digest)
	if err != nil {
		return nil, nil, err
	}
	var sig derSignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, nil, fmt.Errorf("signer: parse DER signature: %w", err)
	}
	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("signer: trailing bytes after DER signature")
	}
	if sig.R == nil || sig.S == nil || sig.R.Sign() <= 0 || sig.S.Sign() <= 0 {
		return nil, nil, fmt.Errorf("signer: DER signature components out of range")
	}
	return sig.R, sig.S, nil
}

// NormalizeAndRecover canonicalises the raw signature and resolves its
// recovery id. The remote service does not return one, so both candidates
// are tried and the one recovering the expected address wins. When chainID
// is non-nil the returned v carries EIP-155 replay protection.
func NormalizeAndRecover(r, s *big.Int, digest []byte, expected common.Address, chainID *big.Int) (*big.Int, *big.Int, *big.Int, error) {
	if r == nil || s == nil {
		return nil, nil, nil, fmt.Errorf("signer: signature components required")
	}
	if len(digest) != 32 {
		return nil, nil, nil, fmt.Errorf("signer: digest must be 32 bytes")
	}
	normS := new(big.Int).Set(s)
	if normS.Cmp(secp256k1HalfN) > 0 {
		normS.Sub(secp256k1N, normS)
	}
	sig := make([]byte, 65)
	r.FillBytes(sig[:32])
	normS.FillBytes(sig[32:64])
	for recID := byte(0); recID <= 1; recID++ {
		sig[64] = recID
		pub, err := crypto.Ecrecover(digest, sig)
		if err != nil {
			continue
		}
		addr, err := DeriveAddress(pub)
		if err != nil {
			continue
		}
		if strings.EqualFold(addr.Hex(), expected.Hex()) {
			v := big.NewInt(int64(27 + recID))
			if chainID != nil && chainID.Sign() > 0 {
				// EIP-155: v = vRaw + chainId*2 + 8.
				v.Add(v, new(big.Int).Add(new(big.Int).Lsh(chainID, 1), big.NewInt(8)))
			}
			return v, new(big.Int).Set(r), normS, nil
		}
	}
	return nil, nil, nil, ErrRecoveryMismatch
}

// SignTransaction signs the unsigned transaction with the key version and
// returns the raw RLP bytes ready for broadcast plus the transaction hash.
// Any failure aborts the whole operation; a partially signed transaction is
// never returned.
func (s *Signer) SignTransaction(ctx context.Context, keyPath string, tx *LegacyTx, chainID *big.Int) ([]byte, common.Hash, error) {
	if tx == nil {
		return nil, common.Hash{}, fmt.Errorf("signer: transaction required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, common.Hash{}, ErrChainIDRequired
	}
	expected, err := s.Address(ctx, keyPath)
	if err != nil {
		return nil, common.Hash{}, err
	}
	digest, err := tx.SigningHash(chainID)
	if err != nil {
		return nil, common.Hash{}, err
	}
	r, rawS, err := s.SignDigest(ctx, keyPath, digest.Bytes())
	if err != nil {
		return nil, common.Hash{}, err
	}
	v, r, normS, err := NormalizeAndRecover(r, rawS, digest.Bytes(), expected, chainID)
	if err != nil {
		return nil, common.Hash{}, err
	}
	raw, err := tx.Encode(v, r, normS)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return raw, crypto.Keccak256Hash(raw), nil
}
