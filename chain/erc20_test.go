package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type fakeBackend struct {
	callResults map[string][]byte
	calls       int
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error)      { return big.NewInt(1), nil }
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeBackend) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeBackend) SendRawTransaction(context.Context, []byte) (common.Hash, error) {
	return common.Hash{}, nil
}

func (f *fakeBackend) CallContract(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	f.calls++
	key := to.Hex() + hex.EncodeToString(data[:4])
	out, ok := f.callResults[key]
	if !ok {
		return nil, fmt.Errorf("unexpected call to %s", key)
	}
	return out, nil
}

func TestPackTransferSelector(t *testing.T) {
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	data, err := PackTransfer(to, big.NewInt(1_500_000))
	if err != nil {
		t.Fatalf("pack transfer: %v", err)
	}
	if want := []byte{0xa9, 0x05, 0x9c, 0xbb}; !bytes.Equal(data[:4], want) {
		t.Fatalf("selector %x, want %x", data[:4], want)
	}
	if len(data) != 4+32+32 {
		t.Fatalf("packed length %d", len(data))
	}
	if !bytes.Equal(data[16:36], to.Bytes()) {
		t.Fatalf("recipient not embedded in calldata")
	}
	if _, err := PackTransfer(to, big.NewInt(-1)); err == nil {
		t.Fatal("expected error for negative value")
	}
}

func TestDecimalsCached(t *testing.T) {
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	// decimals() selector is 0x313ce567; the fake returns uint8(6).
	result := make([]byte, 32)
	result[31] = 6
	backend := &fakeBackend{callResults: map[string][]byte{
		token.Hex() + "313ce567": result,
	}}
	erc := NewERC20(backend)
	for i := 0; i < 3; i++ {
		decimals, err := erc.Decimals(context.Background(), token)
		if err != nil {
			t.Fatalf("decimals: %v", err)
		}
		if decimals != 6 {
			t.Fatalf("decimals = %d, want 6", decimals)
		}
	}
	if backend.calls != 1 {
		t.Fatalf("expected a single backend call, got %d", backend.calls)
	}
}

func TestBalanceOf(t *testing.T) {
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	holder := common.HexToAddress("0x4444444444444444444444444444444444444444")
	want := big.NewInt(123_456_789)
	result := make([]byte, 32)
	want.FillBytes(result)
	backend := &fakeBackend{callResults: map[string][]byte{
		token.Hex() + "70a08231": result,
	}}
	erc := NewERC20(backend)
	got, err := erc.BalanceOf(context.Background(), token, holder)
	if err != nil {
		t.Fatalf("balanceOf: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("balance %s, want %s", got, want)
	}
}
