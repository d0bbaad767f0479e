package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"treasuryd/chain"
	"treasuryd/config"
)

// ErrUnknownPool reports a lookup against a pool name outside the closed set.
var ErrUnknownPool = errors.New("treasury: unknown pool")

// Addresser resolves remote key versions to chain addresses. *signer.Signer
// satisfies it.
type Addresser interface {
	Address(ctx context.Context, keyPath string) (common.Address, error)
}

// Registry maps the closed pool set onto remotely held keys and their derived
// chain addresses, and serves balance reads for them.
type Registry struct {
	addresser Addresser
	backend   chain.Backend
	erc20     *chain.ERC20
	token     common.Address
	pools     map[string]string
	log       *slog.Logger
}

// NewRegistry builds a registry over the pool-to-key map loaded from config.
func NewRegistry(addresser Addresser, backend chain.Backend, token common.Address, pools map[string]string, log *slog.Logger) (*Registry, error) {
	if addresser == nil {
		return nil, fmt.Errorf("treasury: addresser required")
	}
	if backend == nil {
		return nil, fmt.Errorf("treasury: chain backend required")
	}
	for _, name := range config.KnownPools {
		if _, ok := pools[name]; !ok {
			return nil, fmt.Errorf("treasury: pool %s has no key", name)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		addresser: addresser,
		backend:   backend,
		erc20:     chain.NewERC20(backend),
		token:     token,
		pools:     pools,
		log:       log,
	}, nil
}

// KeyFor returns the remote key version backing the pool.
func (r *Registry) KeyFor(pool string) (string, error) {
	key, ok := r.pools[pool]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPool, pool)
	}
	return key, nil
}

// AddressFor resolves the pool's on-chain address through the remote signer.
// Resolution failures surface; addresses are never guessed.
func (r *Registry) AddressFor(ctx context.Context, pool string) (common.Address, error) {
	key, err := r.KeyFor(pool)
	if err != nil {
		return common.Address{}, err
	}
	return r.addresser.Address(ctx, key)
}

// NativeBalance returns the pool's native balance in wei. Read failures
// degrade to zero with a warning; dashboards tolerate a stale zero, and the
// signing path never consults this.
func (r *Registry) NativeBalance(ctx context.Context, pool string) (*big.Int, error) {
	addr, err := r.AddressFor(ctx, pool)
	if err != nil {
		if errors.Is(err, ErrUnknownPool) {
			return nil, err
		}
		r.log.Warn("native balance degraded to zero", slog.String("pool", pool), slog.String("error", err.Error()))
		return big.NewInt(0), nil
	}
	balance, err := r.backend.NativeBalance(ctx, addr)
	if err != nil {
		r.log.Warn("native balance degraded to zero", slog.String("pool", pool), slog.String("error", err.Error()))
		return big.NewInt(0), nil
	}
	return balance, nil
}

// TokenBalance returns the pool's balance of the configured token in base
// units, with the same degraded-read semantics as NativeBalance.
func (r *Registry) TokenBalance(ctx context.Context, pool string) (*big.Int, error) {
	addr, err := r.AddressFor(ctx, pool)
	if err != nil {
		if errors.Is(err, ErrUnknownPool) {
			return nil, err
		}
		r.log.Warn("token balance degraded to zero", slog.String("pool", pool), slog.String("error", err.Error()))
		return big.NewInt(0), nil
	}
	balance, err := r.erc20.BalanceOf(ctx, r.token, addr)
	if err != nil {
		r.log.Warn("token balance degraded to zero", slog.String("pool", pool), slog.String("error", err.Error()))
		return big.NewInt(0), nil
	}
	return balance, nil
}

// TokenDecimals reads the configured token's decimals through the shared
// cache.
func (r *Registry) TokenDecimals(ctx context.Context) (uint8, error) {
	return r.erc20.Decimals(ctx, r.token)
}

// Token returns the configured token contract.
func (r *Registry) Token() common.Address {
	return r.token
}
