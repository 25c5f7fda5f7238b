// Package token models swappable tokens, the native-asset translation table,
// and the per-chain token registry.
package token

import (
	"strings"

	"github.com/ggonzalez94/swap-cli/internal/id"
)

// Key is the logical identity of a token: NativeKey or a lower-cased address.
type Key string

const NativeKey Key = "native"

const (
	// ZeroAddress is how some wallets and indexers spell the native asset.
	ZeroAddress = "0x0000000000000000000000000000000000000000"
	// NativeSentinel is the all-E spelling; it is the only native spelling the
	// aggregator ever receives.
	NativeSentinel = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"
)

type Token struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	// Address is empty for the native asset.
	Address  string `json:"address,omitempty"`
	Decimals uint8  `json:"decimals"`
	IsNative bool   `json:"is_native"`
	IsCustom bool   `json:"is_custom"`
}

func (t Token) Key() Key {
	if t.IsNative {
		return NativeKey
	}
	return CanonicalKey(t.Address)
}

// AggregatorAddress is the address sent to the aggregator for t.
func (t Token) AggregatorAddress() string {
	if t.IsNative {
		return NativeSentinel
	}
	return strings.ToLower(t.Address)
}

// DisplayAddress is the address shown to users; native shows the sentinel.
func (t Token) DisplayAddress() string {
	if t.IsNative {
		return NativeSentinel
	}
	return t.Address
}

// IsNativeSpelling reports whether addr is one of the chain-independent native
// spellings (empty, zero address, all-E sentinel).
func IsNativeSpelling(addr string) bool {
	a := strings.TrimSpace(addr)
	return a == "" || strings.EqualFold(a, ZeroAddress) || strings.EqualFold(a, NativeSentinel)
}

// CanonicalKey maps any token spelling onto its logical identity. The
// wrapped-native contract keeps its own identity here; see BalanceKey.
func CanonicalKey(addr string) Key {
	if IsNativeSpelling(addr) {
		return NativeKey
	}
	return Key(strings.ToLower(strings.TrimSpace(addr)))
}

// BalanceKey is CanonicalKey plus the wrapped-native contract, which shares
// the native balance figure.
func BalanceKey(chain id.Chain, addr string) Key {
	if chain.WrappedNative != "" && strings.EqualFold(strings.TrimSpace(addr), chain.WrappedNative) {
		return NativeKey
	}
	return CanonicalKey(addr)
}

// NativeSpellings lists every address that aliases the native asset on chain.
func NativeSpellings(chain id.Chain) []string {
	out := []string{ZeroAddress, NativeSentinel}
	if chain.WrappedNative != "" {
		out = append(out, chain.WrappedNative)
	}
	return out
}

func Native(chain id.Chain) Token {
	return Token{Symbol: chain.NativeSymbol, Name: chain.NativeName, Decimals: 18, IsNative: true}
}
