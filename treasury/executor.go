package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"treasuryd/chain"
	"treasuryd/config"
	"treasuryd/observability"
	"treasuryd/signer"
)

// ErrPaused reports a submission attempt while the executor is paused.
var ErrPaused = errors.New("treasury: executor paused")

// transferGasLimit gives fixed headroom over a plain ERC-20 transfer.
const transferGasLimit = 90_000

// TxSigner signs assembled transactions with a remotely held key.
// *signer.Signer satisfies it.
type TxSigner interface {
	Address(ctx context.Context, keyPath string) (common.Address, error)
	SignTransaction(ctx context.Context, keyPath string, tx *signer.LegacyTx, chainID *big.Int) ([]byte, common.Hash, error)
}

// Executor submits token transfers from pool wallets. Submission is strictly
// sequential per pool: nonce fetch and broadcast happen under the pool's
// lock, so concurrent transfers from the same pool can never race on a
// nonce. No internal retry; a resubmission with a stale nonce is worse than
// surfacing the error.
type Executor struct {
	registry *Registry
	backend  chain.Backend
	signer   TxSigner
	chainID  *big.Int
	log      *slog.Logger
	metrics  *observability.TreasuryMetrics
	paused   atomic.Bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewExecutor builds an executor for the given network.
func NewExecutor(registry *Registry, backend chain.Backend, txSigner TxSigner, network config.Network, log *slog.Logger) (*Executor, error) {
	if registry == nil {
		return nil, fmt.Errorf("treasury: registry required")
	}
	if backend == nil {
		return nil, fmt.Errorf("treasury: chain backend required")
	}
	if txSigner == nil {
		return nil, fmt.Errorf("treasury: signer required")
	}
	if network.ChainID == 0 {
		return nil, fmt.Errorf("treasury: network chain id required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		registry: registry,
		backend:  backend,
		signer:   txSigner,
		chainID:  new(big.Int).SetUint64(network.ChainID),
		log:      log,
		metrics:  observability.Treasury(),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Pause stops all submissions until Resume. In-flight submissions finish.
func (e *Executor) Pause() { e.paused.Store(true) }

// Resume re-enables submissions.
func (e *Executor) Resume() { e.paused.Store(false) }

// Paused reports the pause flag.
func (e *Executor) Paused() bool { return e.paused.Load() }

func (e *Executor) poolLock(pool string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[pool]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[pool] = lock
	}
	return lock
}

// rawAmount converts fixed-point cents into the token's base units,
// truncating toward zero. Never rounds up.
func rawAmount(cents int64, decimals uint8) (*big.Int, error) {
	if cents < 0 {
		return nil, fmt.Errorf("treasury: amount must be non-negative")
	}
	raw := new(big.Int).Mul(big.NewInt(cents), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return raw.Quo(raw, big.NewInt(100)), nil
}

// SubmitCall assembles, signs, and broadcasts a contract call from the
// pool's wallet under the pool lock. The bridge routes its swaps through
// this same path so it shares the per-pool nonce serialisation.
func (e *Executor) SubmitCall(ctx context.Context, pool string, to common.Address, value *big.Int, data []byte, gasLimit uint64) (common.Hash, error) {
	if e.Paused() {
		return common.Hash{}, ErrPaused
	}
	key, err := e.registry.KeyFor(pool)
	if err != nil {
		return common.Hash{}, err
	}
	from, err := e.signer.Address(ctx, key)
	if err != nil {
		return common.Hash{}, err
	}

	lock := e.poolLock(pool)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := e.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("treasury: fetch nonce for %s: %w", pool, err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("treasury: fetch gas price: %w", err)
	}
	tx := &signer.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	}
	raw, hash, err := e.signer.SignTransaction(ctx, key, tx, e.chainID)
	if err != nil {
		e.metrics.RecordSigningError(signingReason(err))
		return common.Hash{}, err
	}
	sent, err := e.backend.SendRawTransaction(ctx, raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("treasury: broadcast from %s: %w", pool, err)
	}
	if sent != (common.Hash{}) {
		hash = sent
	}
	return hash, nil
}

// Transfer sends amountCents of the configured token from the pool wallet to
// the destination and returns the broadcast hash. The caller polls
// settlement; this does not block on confirmation.
func (e *Executor) Transfer(ctx context.Context, pool string, to common.Address, amountCents int64) (common.Hash, error) {
	started := time.Now()
	hash, err := e.transfer(ctx, pool, to, amountCents)
	if err != nil {
		e.metrics.RecordTransfer(pool, "failure", time.Since(started))
		e.log.Error("transfer failed",
			slog.String("pool", pool),
			slog.String("to", to.Hex()),
			slog.Int64("amount_cents", amountCents),
			slog.String("error", err.Error()))
		return common.Hash{}, err
	}
	e.metrics.RecordTransfer(pool, "success", time.Since(started))
	e.log.Info("transfer broadcast",
		slog.String("pool", pool),
		slog.String("to", to.Hex()),
		slog.Int64("amount_cents", amountCents),
		slog.String("tx_hash", hash.Hex()))
	return hash, nil
}

func (e *Executor) transfer(ctx context.Context, pool string, to common.Address, amountCents int64) (common.Hash, error) {
	if amountCents <= 0 {
		return common.Hash{}, fmt.Errorf("treasury: transfer amount must be positive")
	}
	decimals, err := e.registry.TokenDecimals(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	raw, err := rawAmount(amountCents, decimals)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := chain.PackTransfer(to, raw)
	if err != nil {
		return common.Hash{}, err
	}
	return e.SubmitCall(ctx, pool, e.registry.Token(), big.NewInt(0), data, transferGasLimit)
}

func signingReason(err error) string {
	switch {
	case errors.Is(err, signer.ErrRecoveryMismatch):
		return "recovery_mismatch"
	case errors.Is(err, signer.ErrChainIDRequired):
		return "chain_id_missing"
	default:
		return "remote"
	}
}
