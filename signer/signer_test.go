package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// softService implements Service with a local key, mimicking the remote KMS
// wire behaviour (PEM public keys, DER signatures, no recovery id).
type softService struct {
	keys map[string]*ecdsa.PrivateKey
}

func newSoftService(t *testing.T, keyPaths ...string) *softService {
	t.Helper()
	svc := &softService{keys: make(map[string]*ecdsa.PrivateKey)}
	for _, path := range keyPaths {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		svc.keys[path] = key
	}
	return svc
}

type testSPKI struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

func (s *softService) GetPublicKey(_ context.Context, keyPath string) ([]byte, error) {
	key, ok := s.keys[keyPath]
	if !ok {
		return nil, fmt.Errorf("unknown key %s", keyPath)
	}
	params, err := asn1.Marshal(asn1.ObjectIdentifier{1, 3, 132, 0, 10})
	if err != nil {
		return nil, err
	}
	point := crypto.FromECDSAPub(&key.PublicKey)
	der, err := asn1.Marshal(testSPKI{
		Algorithm: pkix.AlgorithmIdentifier{
			Algorithm:  asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1},
			Parameters: asn1.RawValue{FullBytes: params},
		},
		PublicKey: asn1.BitString{Bytes: point, BitLength: len(point) * 8},
	})
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (s *softService) AsymmetricSign(_ context.Context, keyPath string, digest []byte) ([]byte, error) {
	key, ok := s.keys[keyPath]
	if !ok {
		return nil, fmt.Errorf("unknown key %s", keyPath)
	}
	r, sv, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(derSignature{R: r, S: sv})
}

const testKeyPath = "projects/p/locations/l/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1"

func TestValidateKeyPath(t *testing.T) {
	if err := ValidateKeyPath(testKeyPath); err != nil {
		t.Fatalf("valid path rejected: %v", err)
	}
	for _, bad := range []string{"", "projects/p", "projects/p/locations/l/keyRings/r/cryptoKeys/k"} {
		if err := ValidateKeyPath(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDeriveAddressDeterministic(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := crypto.FromECDSAPub(&key.PublicKey)
	first, err := DeriveAddress(pub)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if want := crypto.PubkeyToAddress(key.PublicKey); first != want {
		t.Fatalf("derived %s, want %s", first.Hex(), want.Hex())
	}
	for i := 0; i < 10; i++ {
		again, err := DeriveAddress(pub)
		if err != nil {
			t.Fatalf("derive: %v", err)
		}
		if again != first {
			t.Fatalf("derivation not deterministic: %s vs %s", again.Hex(), first.Hex())
		}
	}
	if _, err := DeriveAddress(pub[1:]); err == nil {
		t.Fatal("expected error for compressed-length input")
	}
}

func TestAddressResolvesViaRemoteKey(t *testing.T) {
	svc := newSoftService(t, testKeyPath)
	s, err := New(svc)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	addr, err := s.Address(context.Background(), testKeyPath)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	want := crypto.PubkeyToAddress(svc.keys[testKeyPath].PublicKey)
	if addr != want {
		t.Fatalf("address %s, want %s", addr.Hex(), want.Hex())
	}
	// Second resolution hits the cache and must agree.
	cached, err := s.Address(context.Background(), testKeyPath)
	if err != nil {
		t.Fatalf("cached address: %v", err)
	}
	if cached != addr {
		t.Fatalf("cache returned %s, want %s", cached.Hex(), addr.Hex())
	}
}

func TestNormalizeAndRecoverLowS(t *testing.T) {
	svc := newSoftService(t, testKeyPath)
	key := svc.keys[testKeyPath]
	expected := crypto.PubkeyToAddress(key.PublicKey)
	digest := crypto.Keccak256([]byte("treasury transfer payload"))

	r, sv, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Force the malleable high-s form to exercise normalisation.
	highS := new(big.Int).Sub(secp256k1N, sv)
	if highS.Cmp(secp256k1HalfN) <= 0 {
		highS = sv
	}
	v, _, normS, err := NormalizeAndRecover(r, highS, digest, expected, nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if normS.Cmp(secp256k1HalfN) > 0 {
		t.Fatalf("s not normalised: %s", normS)
	}
	if v.Int64() != 27 && v.Int64() != 28 {
		t.Fatalf("unexpected v without chain id: %s", v)
	}
}

func TestNormalizeAndRecoverAppliesChainID(t *testing.T) {
	svc := newSoftService(t, testKeyPath)
	key := svc.keys[testKeyPath]
	expected := crypto.PubkeyToAddress(key.PublicKey)
	digest := crypto.Keccak256([]byte("chain bound digest"))
	r, sv, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	chainID := big.NewInt(137)
	v, _, _, err := NormalizeAndRecover(r, sv, digest, expected, chainID)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	base := new(big.Int).Sub(v, new(big.Int).Add(new(big.Int).Lsh(chainID, 1), big.NewInt(8)))
	if base.Int64() != 27 && base.Int64() != 28 {
		t.Fatalf("v %s does not carry EIP-155 offset for chain %s", v, chainID)
	}
}

func TestNormalizeAndRecoverMismatch(t *testing.T) {
	svc := newSoftService(t, testKeyPath)
	key := svc.keys[testKeyPath]
	digest := crypto.Keccak256([]byte("payload"))
	r, sv, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	other := common.HexToAddress("0x00000000000000000000000000000000DeaDBeef")
	if _, _, _, err := NormalizeAndRecover(r, sv, digest, other, nil); err != ErrRecoveryMismatch {
		t.Fatalf("expected ErrRecoveryMismatch, got %v", err)
	}
}

func TestSignTransactionRoundTrip(t *testing.T) {
	svc := newSoftService(t, testKeyPath)
	s, err := New(svc)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	tx := &LegacyTx{
		Nonce:    7,
		GasPrice: big.NewInt(30_000_000_000),
		Gas:      90_000,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     []byte{0xa9, 0x05, 0x9c, 0xbb},
	}
	chainID := big.NewInt(5)
	raw, hash, err := s.SignTransaction(context.Background(), testKeyPath, tx, chainID)
	if err != nil {
		t.Fatalf("sign transaction: %v", err)
	}

	var decoded types.Transaction
	if err := rlp.DecodeBytes(raw, &decoded); err != nil {
		t.Fatalf("decode raw transaction: %v", err)
	}
	if decoded.Nonce() != tx.Nonce || decoded.Gas() != tx.Gas {
		t.Fatalf("decoded fields drifted: nonce=%d gas=%d", decoded.Nonce(), decoded.Gas())
	}
	if decoded.To() == nil || *decoded.To() != to {
		t.Fatalf("decoded recipient drifted")
	}
	sender, err := types.Sender(types.NewEIP155Signer(chainID), &decoded)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	want := crypto.PubkeyToAddress(svc.keys[testKeyPath].PublicKey)
	if sender != want {
		t.Fatalf("sender %s, want %s", sender.Hex(), want.Hex())
	}
	if decoded.Hash() != hash {
		t.Fatalf("hash mismatch: %s vs %s", decoded.Hash().Hex(), hash.Hex())
	}
}

func TestSignTransactionRequiresChainID(t *testing.T) {
	svc := newSoftService(t, testKeyPath)
	s, err := New(svc)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	tx := &LegacyTx{Nonce: 0, GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(1)}
	if _, _, err := s.SignTransaction(context.Background(), testKeyPath, tx, nil); err != ErrChainIDRequired {
		t.Fatalf("expected ErrChainIDRequired, got %v", err)
	}
}
