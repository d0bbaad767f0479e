package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Network groups the per-chain contract addresses and bridge parameters the
// engine operates against. The selector in the config file picks one.
type Network struct {
	Name            string
	ChainID         uint64
	TokenAddress    common.Address
	StargateRouter  common.Address
	BridgeStatusURL string
	// Destination side of the fixed bridge route.
	DstChainID uint16
	SrcPoolID  int64
	DstPoolID  int64
}

var networks = map[string]Network{
	"mainnet": {
		Name:            "mainnet",
		ChainID:         1,
		TokenAddress:    common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		StargateRouter:  common.HexToAddress("0x8731d54E9D02c286767d56ac03e8037C07e01e98"),
		BridgeStatusURL: "https://api-mainnet.layerzero-scan.com",
		DstChainID:      109,
		SrcPoolID:       1,
		DstPoolID:       1,
	},
	"testnet": {
		Name:            "testnet",
		ChainID:         11155111,
		TokenAddress:    common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"),
		StargateRouter:  common.HexToAddress("0x7612aE2a34E5A363E137De748801FB4c86499152"),
		BridgeStatusURL: "https://api-testnet.layerzero-scan.com",
		DstChainID:      10109,
		SrcPoolID:       1,
		DstPoolID:       1,
	},
}

// NetworkByName resolves the named network. Unknown names are a
// configuration error.
func NetworkByName(name string) (Network, error) {
	net, ok := networks[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		known := make([]string, 0, len(networks))
		for k := range networks {
			known = append(known, k)
		}
		sort.Strings(known)
		return Network{}, fmt.Errorf("unknown network %q (known: %s)", name, strings.Join(known, ", "))
	}
	return net, nil
}
