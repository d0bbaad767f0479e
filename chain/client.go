package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Backend is the subset of chain node functionality the treasury engine
// depends on. The production implementation wraps a JSON-RPC client; tests
// substitute an in-memory fake.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
}

// Client implements Backend over an Ethereum JSON-RPC endpoint.
type Client struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

// Dial connects to the configured JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc url required")
	}
	rpcClient, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", trimmed, err)
	}
	return &Client{eth: ethclient.NewClient(rpcClient), rpc: rpcClient}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

// ChainID reports the chain id of the connected node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

// PendingNonceAt returns the next nonce for the account including pending
// transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, account)
}

// SuggestGasPrice returns the node's current gas price estimate.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

// NativeBalance returns the account's native-token balance in wei.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, account, nil)
}

// CallContract performs a read-only eth_call against the contract.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	return c.eth.CallContract(ctx, msg, nil)
}

// SendRawTransaction broadcasts pre-signed transaction bytes and returns the
// hash reported by the node.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var result common.Hash
	if err := c.rpc.CallContext(ctx, &result, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send raw transaction: %w", err)
	}
	return result, nil
}
