package id

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

const (
	SymbolETH  = "ETH"
	SymbolUSDC = "USDC"
)

type Chain struct {
	Name       string
	Slug       string
	CAIP2      string
	EVMChainID int64
}

// Asset is one of the balances the orchestrator tracks for the operating
// account. Native assets have no contract address.
type Asset struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address,omitempty"`
	Decimals int    `json:"decimals"`
	Native   bool   `json:"native"`
}

// Assets is the ordered set of tracked assets on one chain.
type Assets []Asset

var chainBySlug = map[string]Chain{
	"base":         {Name: "Base", Slug: "base", CAIP2: "eip155:8453", EVMChainID: 8453},
	"base-sepolia": {Name: "Base Sepolia", Slug: "base-sepolia", CAIP2: "eip155:84532", EVMChainID: 84532},
	"ethereum":     {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"sepolia":      {Name: "Sepolia", Slug: "sepolia", CAIP2: "eip155:11155111", EVMChainID: 11155111},
}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.EVMChainID] = chain
	}
	return out
}()

var assetsByChainID = map[int64]Assets{
	1: {
		{Symbol: SymbolETH, Decimals: 18, Native: true},
		{Symbol: SymbolUSDC, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
	},
	8453: {
		{Symbol: SymbolETH, Decimals: 18, Native: true},
		{Symbol: SymbolUSDC, Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
	},
	84532: {
		{Symbol: SymbolETH, Decimals: 18, Native: true},
		{Symbol: SymbolUSDC, Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Decimals: 6},
	},
	11155111: {
		{Symbol: SymbolETH, Decimals: 18, Native: true},
		{Symbol: SymbolUSDC, Address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Decimals: 6},
	},
}

func ParseChain(input string) (Chain, error) {
	norm := strings.ToLower(strings.TrimSpace(input))
	if norm == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}
	if eip155ChainPattern.MatchString(norm) {
		norm = strings.TrimPrefix(norm, "eip155:")
	}
	n, err := strconv.ParseInt(norm, 10, 64)
	if err != nil {
		return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain %q", input))
	}
	if chain, ok := chainByID[n]; ok {
		return chain, nil
	}
	return Chain{
		Name:       fmt.Sprintf("EVM %d", n),
		Slug:       strconv.FormatInt(n, 10),
		CAIP2:      fmt.Sprintf("eip155:%d", n),
		EVMChainID: n,
	}, nil
}

// DefaultAssets returns the tracked assets for a chain, native asset first.
func DefaultAssets(chainID int64) (Assets, bool) {
	assets, ok := assetsByChainID[chainID]
	if !ok {
		return nil, false
	}
	out := make(Assets, len(assets))
	copy(out, assets)
	return out, true
}

// Lookup finds an asset by case-insensitive symbol.
func (a Assets) Lookup(symbol string) (Asset, bool) {
	norm := NormalizeSymbol(symbol)
	for _, asset := range a {
		if asset.Symbol == norm {
			return asset, true
		}
	}
	return Asset{}, false
}

// Native returns the chain's gas asset.
func (a Assets) Native() (Asset, bool) {
	for _, asset := range a {
		if asset.Native {
			return asset, true
		}
	}
	return Asset{}, false
}

// Symbols lists tracked symbols in registry order.
func (a Assets) Symbols() []string {
	out := make([]string, 0, len(a))
	for _, asset := range a {
		out = append(out, asset.Symbol)
	}
	return out
}

// WithAddress returns a copy of the set with the contract address of symbol replaced.
func (a Assets) WithAddress(symbol, address string) (Assets, error) {
	address = strings.TrimSpace(address)
	if !IsAddress(address) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid %s address %q", symbol, address))
	}
	out := make(Assets, len(a))
	copy(out, a)
	norm := NormalizeSymbol(symbol)
	for i := range out {
		if out[i].Symbol == norm {
			if out[i].Native {
				return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is native and has no contract address", norm))
			}
			out[i].Address = address
			return out, nil
		}
	}
	return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("asset %s is not tracked", norm))
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func IsAddress(v string) bool {
	return evmAddressPattern.MatchString(strings.TrimSpace(v))
}
