package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc20ABI is the ERC-20 subset the engine needs: balance reads, decimal
// discovery, and transfers.
const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var (
	erc20Once   sync.Once
	erc20Parsed abi.ABI
	erc20Err    error
)

func erc20() (abi.ABI, error) {
	erc20Once.Do(func() {
		erc20Parsed, erc20Err = abi.JSON(strings.NewReader(erc20ABI))
	})
	return erc20Parsed, erc20Err
}

// PackTransfer encodes an ERC-20 transfer(to, value) call.
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	parsed, err := erc20()
	if err != nil {
		return nil, err
	}
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("chain: transfer value must be non-negative")
	}
	return parsed.Pack("transfer", to, value)
}

// ERC20 provides token reads with per-token decimal caching. The decimals
// value is immutable on-chain, so one successful read is reused for the
// lifetime of the process.
type ERC20 struct {
	backend Backend

	mu       sync.RWMutex
	decimals map[common.Address]uint8
}

// NewERC20 wraps the backend for token queries.
func NewERC20(backend Backend) *ERC20 {
	return &ERC20{backend: backend, decimals: make(map[common.Address]uint8)}
}

// Decimals reads the token's decimals() value, cached after first success.
// USD-pegged tokens here use 6; nothing assumes 18.
func (e *ERC20) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	e.mu.RLock()
	cached, ok := e.decimals[token]
	e.mu.RUnlock()
	if ok {
		return cached, nil
	}
	parsed, err := erc20()
	if err != nil {
		return 0, err
	}
	data, err := parsed.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := e.backend.CallContract(ctx, token, data)
	if err != nil {
		return 0, fmt.Errorf("chain: read decimals of %s: %w", token.Hex(), err)
	}
	values, err := parsed.Unpack("decimals", out)
	if err != nil || len(values) != 1 {
		return 0, fmt.Errorf("chain: unpack decimals of %s: %w", token.Hex(), err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: decimals of %s has unexpected type %T", token.Hex(), values[0])
	}
	e.mu.Lock()
	e.decimals[token] = decimals
	e.mu.Unlock()
	return decimals, nil
}

// BalanceOf reads the holder's token balance in base units.
func (e *ERC20) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	parsed, err := erc20()
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	out, err := e.backend.CallContract(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("chain: balanceOf %s: %w", holder.Hex(), err)
	}
	values, err := parsed.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("chain: unpack balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: balanceOf has unexpected type %T", values[0])
	}
	return balance, nil
}
