package treasury

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"treasuryd/chain"
	"treasuryd/config"
	"treasuryd/observability"
)

// Stargate router subset: fee quoting and the pool-to-pool swap.
const stargateABI = `[
  {"name":"quoteLayerZeroFee","type":"function","stateMutability":"view","inputs":[
    {"name":"_dstChainId","type":"uint16"},
    {"name":"_functionType","type":"uint8"},
    {"name":"_toAddress","type":"bytes"},
    {"name":"_transferAndCallPayload","type":"bytes"},
    {"name":"_lzTxParams","type":"tuple","components":[
      {"name":"dstGasForCall","type":"uint256"},
      {"name":"dstNativeAmount","type":"uint256"},
      {"name":"dstNativeAddr","type":"bytes"}]}],
   "outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"}]},
  {"name":"swap","type":"function","stateMutability":"payable","inputs":[
    {"name":"_dstChainId","type":"uint16"},
    {"name":"_srcPoolId","type":"uint256"},
    {"name":"_dstPoolId","type":"uint256"},
    {"name":"_refundAddress","type":"address"},
    {"name":"_amountLD","type":"uint256"},
    {"name":"_minAmountLD","type":"uint256"},
    {"name":"_lzTxParams","type":"tuple","components":[
      {"name":"dstGasForCall","type":"uint256"},
      {"name":"dstNativeAmount","type":"uint256"},
      {"name":"dstNativeAddr","type":"bytes"}]},
    {"name":"_to","type":"bytes"},
    {"name":"_payload","type":"bytes"}],
   "outputs":[]}
]`

var (
	stargateOnce   sync.Once
	stargateParsed abi.ABI
	stargateErr    error
)

func stargate() (abi.ABI, error) {
	stargateOnce.Do(func() {
		stargateParsed, stargateErr = abi.JSON(strings.NewReader(stargateABI))
	})
	return stargateParsed, stargateErr
}

// lzTxParams mirrors the router's lzTxObj tuple.
type lzTxParams struct {
	DstGasForCall   *big.Int
	DstNativeAmount *big.Int
	DstNativeAddr   []byte
}

func emptyLzTxParams() lzTxParams {
	return lzTxParams{
		DstGasForCall:   new(big.Int),
		DstNativeAmount: new(big.Int),
		DstNativeAddr:   []byte{},
	}
}

// swapFunctionType selects the plain token swap in the fee quote.
const swapFunctionType = 1

// swapGasLimit gives fixed headroom over a router swap call.
const swapGasLimit = 600_000

// slippageNumerator/Denominator encode the 0.5% tolerance: the destination
// must deliver at least 99.5% of the sent amount.
const (
	slippageNumerator   = 995
	slippageDenominator = 1000
)

// Receipt describes a broadcast bridge swap.
type Receipt struct {
	TxHash      common.Hash
	AmountLD    *big.Int
	MinAmountLD *big.Int
	NativeFee   *big.Int
}

// Bridge moves pool funds cross-chain through the Stargate router. Swaps go
// through the executor so they share the per-pool nonce serialisation.
type Bridge struct {
	executor *Executor
	registry *Registry
	backend  chain.Backend
	network  config.Network
	http     *http.Client
	log      *slog.Logger
	metrics  *observability.TreasuryMetrics
}

// NewBridge builds a bridge gateway for the network's fixed route.
func NewBridge(executor *Executor, registry *Registry, backend chain.Backend, network config.Network, log *slog.Logger) (*Bridge, error) {
	if executor == nil {
		return nil, fmt.Errorf("treasury: executor required")
	}
	if registry == nil {
		return nil, fmt.Errorf("treasury: registry required")
	}
	if backend == nil {
		return nil, fmt.Errorf("treasury: chain backend required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		executor: executor,
		registry: registry,
		backend:  backend,
		network:  network,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log,
		metrics:  observability.Treasury(),
	}, nil
}

// Quote asks the router for the LayerZero messaging fee in native wei.
// Advisory only; no side effects.
func (b *Bridge) Quote(ctx context.Context, destination common.Address) (*big.Int, error) {
	parsed, err := stargate()
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack("quoteLayerZeroFee",
		b.network.DstChainID,
		uint8(swapFunctionType),
		destination.Bytes(),
		[]byte{},
		emptyLzTxParams(),
	)
	if err != nil {
		return nil, fmt.Errorf("treasury: pack fee quote: %w", err)
	}
	out, err := b.backend.CallContract(ctx, b.network.StargateRouter, data)
	if err != nil {
		return nil, fmt.Errorf("treasury: quote bridge fee: %w", err)
	}
	values, err := parsed.Unpack("quoteLayerZeroFee", out)
	if err != nil || len(values) != 2 {
		return nil, fmt.Errorf("treasury: unpack fee quote: %w", err)
	}
	fee, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("treasury: fee quote has unexpected type %T", values[0])
	}
	return fee, nil
}

// Execute swaps amountCents of the pool's tokens to the destination address
// on the fixed route. The messaging fee is re-quoted and attached as the
// transaction's native value; the swap tolerates at most 0.5% slippage.
func (b *Bridge) Execute(ctx context.Context, pool string, amountCents int64, destination common.Address) (*Receipt, error) {
	receipt, err := b.execute(ctx, pool, amountCents, destination)
	if err != nil {
		b.metrics.RecordBridgeSwap("failure")
		b.log.Error("bridge swap failed",
			slog.String("pool", pool),
			slog.Int64("amount_cents", amountCents),
			slog.String("destination", destination.Hex()),
			slog.String("error", err.Error()))
		return nil, err
	}
	b.metrics.RecordBridgeSwap("success")
	b.log.Info("bridge swap broadcast",
		slog.String("pool", pool),
		slog.Int64("amount_cents", amountCents),
		slog.String("destination", destination.Hex()),
		slog.String("tx_hash", receipt.TxHash.Hex()))
	return receipt, nil
}

func (b *Bridge) execute(ctx context.Context, pool string, amountCents int64, destination common.Address) (*Receipt, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("treasury: bridge amount must be positive")
	}
	decimals, err := b.registry.TokenDecimals(ctx)
	if err != nil {
		return nil, err
	}
	amountLD, err := rawAmount(amountCents, decimals)
	if err != nil {
		return nil, err
	}
	minAmountLD := new(big.Int).Mul(amountLD, big.NewInt(slippageNumerator))
	minAmountLD.Quo(minAmountLD, big.NewInt(slippageDenominator))

	fee, err := b.Quote(ctx, destination)
	if err != nil {
		return nil, err
	}
	refund, err := b.registry.AddressFor(ctx, pool)
	if err != nil {
		return nil, err
	}
	parsed, err := stargate()
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack("swap",
		b.network.DstChainID,
		big.NewInt(b.network.SrcPoolID),
		big.NewInt(b.network.DstPoolID),
		refund,
		amountLD,
		minAmountLD,
		emptyLzTxParams(),
		destination.Bytes(),
		[]byte{},
	)
	if err != nil {
		return nil, fmt.Errorf("treasury: pack swap: %w", err)
	}
	hash, err := b.executor.SubmitCall(ctx, pool, b.network.StargateRouter, fee, data, swapGasLimit)
	if err != nil {
		return nil, err
	}
	return &Receipt{TxHash: hash, AmountLD: amountLD, MinAmountLD: minAmountLD, NativeFee: fee}, nil
}

// StatusUnknown is the neutral answer when the explorer cannot confirm a
// message state. Status polling never raises; it is not on the critical
// path of fund movement.
const StatusUnknown = "unknown"

type statusResponse struct {
	Messages []struct {
		Status string `json:"status"`
	} `json:"messages"`
}

// Status polls the LayerZero explorer for the message state of a swap.
func (b *Bridge) Status(ctx context.Context, txHash common.Hash) string {
	url := fmt.Sprintf("%s/tx/%s", strings.TrimRight(b.network.BridgeStatusURL, "/"), txHash.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusUnknown
	}
	resp, err := b.http.Do(req)
	if err != nil {
		b.log.Debug("bridge status poll failed", slog.String("tx_hash", txHash.Hex()), slog.String("error", err.Error()))
		return StatusUnknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StatusUnknown
	}
	var decoded statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return StatusUnknown
	}
	if len(decoded.Messages) == 0 || strings.TrimSpace(decoded.Messages[0].Status) == "" {
		return StatusUnknown
	}
	return strings.ToLower(strings.TrimSpace(decoded.Messages[0].Status))
}
