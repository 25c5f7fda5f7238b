package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/swap-cli/internal/classify"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/ggonzalez94/swap-cli/internal/registry"
)

// ErrInvalidToken marks a contract whose symbol or name cannot be read.
var ErrInvalidToken = errors.New("contract does not expose ERC-20 metadata")

const defaultDecimals = 18

var (
	erc20ABI   = mustABI(registry.ERC20ABI)
	bytes32ABI = mustABI(registry.ERC20Bytes32MetadataABI)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

type Metadata struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	// DecimalsDefaulted is set when decimals() failed and 18 was assumed.
	DecimalsDefaulted bool `json:"decimals_defaulted"`
}

// Introspect reads symbol, name and decimals from an ERC-20 contract. Transport
// failures surface as network errors; unreadable metadata as ErrInvalidToken.
func Introspect(ctx context.Context, p provider.Provider, addr string) (Metadata, error) {
	if !common.IsHexAddress(addr) || IsNativeSpelling(addr) {
		return Metadata{}, fmt.Errorf("%w: %q is not a contract address", ErrInvalidToken, addr)
	}
	target := common.HexToAddress(addr)
	out := Metadata{Address: target.Hex()}

	symbol, err := readText(ctx, p, target, "symbol")
	if err != nil {
		return Metadata{}, err
	}
	if symbol == "" {
		return Metadata{}, fmt.Errorf("%w: symbol() returned no data", ErrInvalidToken)
	}
	name, err := readText(ctx, p, target, "name")
	if err != nil {
		return Metadata{}, err
	}
	if name == "" {
		return Metadata{}, fmt.Errorf("%w: name() returned no data", ErrInvalidToken)
	}
	out.Symbol, out.Name = symbol, name

	decimals, ok, err := readDecimals(ctx, p, target)
	if err != nil {
		return Metadata{}, err
	}
	if ok {
		out.Decimals = decimals
	} else {
		out.Decimals = defaultDecimals
		out.DecimalsDefaulted = true
	}
	return out, nil
}

// call returns nil data when the contract reverted or returned nothing; only
// transport failures are errors.
func call(ctx context.Context, p provider.Provider, target common.Address, method string) ([]byte, error) {
	calldata, err := erc20ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	data, err := provider.EthCall(ctx, p, target, calldata)
	if err != nil {
		if provider.IsRPCError(err) {
			return nil, nil
		}
		return nil, classify.RPC(err)
	}
	return data, nil
}

func readText(ctx context.Context, p provider.Provider, target common.Address, method string) (string, error) {
	data, err := call(ctx, p, target, method)
	if err != nil || len(data) == 0 {
		return "", err
	}
	if values, err := erc20ABI.Unpack(method, data); err == nil && len(values) == 1 {
		if s, ok := values[0].(string); ok {
			return cleanText(s), nil
		}
	}
	if len(data) == 32 {
		if values, err := bytes32ABI.Unpack(method, data); err == nil && len(values) == 1 {
			if b, ok := values[0].([32]byte); ok {
				return cleanText(string(b[:])), nil
			}
		}
	}
	return "", nil
}

func readDecimals(ctx context.Context, p provider.Provider, target common.Address) (uint8, bool, error) {
	data, err := call(ctx, p, target, "decimals")
	if err != nil || len(data) == 0 {
		return 0, false, err
	}
	values, err := erc20ABI.Unpack("decimals", data)
	if err != nil || len(values) != 1 {
		return 0, false, nil
	}
	d, ok := values[0].(uint8)
	return d, ok, nil
}

// cleanText drops NUL padding and rejects invalid UTF-8.
func cleanText(s string) string {
	s = strings.TrimSpace(strings.Trim(s, "\x00"))
	if !utf8.ValidString(s) {
		return ""
	}
	return s
}
