package id

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// Chain describes an EVM network the aggregator routes on.
type Chain struct {
	Name       string
	Slug       string
	EVMChainID int64
	// NativeSymbol and NativeName label the gas asset.
	NativeSymbol string
	NativeName   string
	// WrappedNative is only used to alias balance lookups onto the native asset.
	WrappedNative string
}

func (c Chain) CAIP2() string {
	return fmt.Sprintf("eip155:%d", c.EVMChainID)
}

func (c Chain) Known() bool {
	_, ok := ChainByID(c.EVMChainID)
	return ok
}

var chainBySlug = map[string]Chain{
	"ethereum":  {Name: "Ethereum", Slug: "ethereum", EVMChainID: 1, NativeSymbol: "ETH", NativeName: "Ether", WrappedNative: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"},
	"optimism":  {Name: "Optimism", Slug: "optimism", EVMChainID: 10, NativeSymbol: "ETH", NativeName: "Ether", WrappedNative: "0x4200000000000000000000000000000000000006"},
	"bsc":       {Name: "BSC", Slug: "bsc", EVMChainID: 56, NativeSymbol: "BNB", NativeName: "BNB", WrappedNative: "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"},
	"polygon":   {Name: "Polygon", Slug: "polygon", EVMChainID: 137, NativeSymbol: "POL", NativeName: "Polygon Ecosystem Token", WrappedNative: "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270"},
	"base":      {Name: "Base", Slug: "base", EVMChainID: 8453, NativeSymbol: "ETH", NativeName: "Ether", WrappedNative: "0x4200000000000000000000000000000000000006"},
	"arbitrum":  {Name: "Arbitrum", Slug: "arbitrum", EVMChainID: 42161, NativeSymbol: "ETH", NativeName: "Ether", WrappedNative: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"},
	"avalanche": {Name: "Avalanche", Slug: "avalanche", EVMChainID: 43114, NativeSymbol: "AVAX", NativeName: "Avalanche", WrappedNative: "0xB31f66AA3C1e785363F0875A1B74E27b85FD66c7"},
}

var chainAliases = map[string]string{
	"mainnet": "ethereum",
	"eth":     "ethereum",
	"op":      "optimism",
	"bnb":     "bsc",
	"matic":   "polygon",
	"arb":     "arbitrum",
	"avax":    "avalanche",
}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.EVMChainID] = chain
	}
	return out
}()

// ParseChain accepts a slug, an alias, a numeric chain ID, or a CAIP-2 id.
func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)
	if alias, ok := chainAliases[norm]; ok {
		norm = alias
	}
	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	if eip155ChainPattern.MatchString(norm) {
		norm = strings.TrimPrefix(norm, "eip155:")
	}
	if id, err := strconv.ParseInt(norm, 10, 64); err == nil && id > 0 {
		if chain, ok := ChainByID(id); ok {
			return chain, nil
		}
		return Chain{
			Name:         fmt.Sprintf("EVM-%d", id),
			Slug:         fmt.Sprintf("evm-%d", id),
			EVMChainID:   id,
			NativeSymbol: "ETH",
			NativeName:   "Ether",
		}, nil
	}

	slugs := make([]string, 0, len(chainBySlug))
	for _, chain := range KnownChains() {
		slugs = append(slugs, chain.Slug)
	}
	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s (known: %s, or a numeric chain id)", input, strings.Join(slugs, ", ")))
}

// ChainByID returns the known chain for id.
func ChainByID(id int64) (Chain, bool) {
	chain, ok := chainByID[id]
	return chain, ok
}

// KnownChains lists supported chains ordered by chain ID.
func KnownChains() []Chain {
	out := make([]Chain, 0, len(chainByID))
	for _, chain := range chainByID {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EVMChainID < out[j].EVMChainID })
	return out
}

// IsAddress reports whether v is a 0x-prefixed 20-byte hex address.
func IsAddress(v string) bool {
	return evmAddressPattern.MatchString(strings.TrimSpace(v))
}
