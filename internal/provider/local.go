package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/provider/signer"
)

// LocalOptions tunes transactions signed in-process.
type LocalOptions struct {
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

func DefaultLocalOptions() LocalOptions {
	return LocalOptions{GasMultiplier: 1.2}
}

// Local signs eth_sendTransaction in-process and forwards every other method to
// the chain RPC. It never supports batching.
type Local struct {
	client  *rpc.Client
	eth     *ethclient.Client
	signer  signer.Signer
	chainID *big.Int
	opts    LocalOptions
}

func DialLocal(ctx context.Context, rpcURL string, chainID int64, timeout time.Duration, txSigner signer.Signer, opts LocalOptions) (*Local, error) {
	if txSigner == nil {
		return nil, clierr.New(clierr.CodeSigner, "missing signer")
	}
	client, err := rpc.DialOptions(ctx, rpcURL, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	return &Local{
		client:  client,
		eth:     ethclient.NewClient(client),
		signer:  txSigner,
		chainID: big.NewInt(chainID),
		opts:    opts,
	}, nil
}

func (p *Local) Address() common.Address { return p.signer.Address() }
func (p *Local) Source() string          { return "injected" }
func (p *Local) Close()                  { p.client.Close() }

func (p *Local) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	switch method {
	case "eth_accounts", "eth_requestAccounts":
		return json.Marshal([]string{p.signer.Address().Hex()})
	case "eth_sendTransaction":
		if len(params) != 1 {
			return nil, fmt.Errorf("eth_sendTransaction expects one parameter, got %d", len(params))
		}
		var req TxRequest
		if err := remarshal(params[0], &req); err != nil {
			return nil, fmt.Errorf("decode transaction request: %w", err)
		}
		hash, err := p.sendTransaction(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(hash)
	case "wallet_getCapabilities", "wallet_sendCalls", "wallet_getCallsStatus":
		return nil, fmt.Errorf("method %s is not supported by the local signer", method)
	}
	return callWithRetry(ctx, p.client, method, params...)
}

func (p *Local) sendTransaction(ctx context.Context, req TxRequest) (string, error) {
	from := p.signer.Address()
	if req.From != "" && !strings.EqualFold(req.From, from.Hex()) {
		return "", clierr.New(clierr.CodeSigner, fmt.Sprintf("transaction sender %s does not match signer %s", req.From, from.Hex()))
	}
	if !common.IsHexAddress(req.To) {
		return "", fmt.Errorf("invalid transaction target %q", req.To)
	}
	target := common.HexToAddress(req.To)
	data, err := hexutil.Decode(orEmptyHex(req.Data))
	if err != nil {
		return "", fmt.Errorf("decode calldata: %w", err)
	}
	value, err := quantity(req.Value)
	if err != nil {
		return "", fmt.Errorf("decode value: %w", err)
	}
	msg := ethereum.CallMsg{From: from, To: &target, Value: value, Data: data}

	var gasLimit uint64
	if req.Gas != "" {
		gas, err := quantity(req.Gas)
		if err != nil {
			return "", fmt.Errorf("decode gas: %w", err)
		}
		gasLimit = gas.Uint64()
	}
	if gasLimit == 0 {
		estimate, err := p.eth.EstimateGas(ctx, msg)
		if err != nil {
			return "", fmt.Errorf("estimate gas: %w", err)
		}
		gasLimit = uint64(float64(estimate) * p.opts.GasMultiplier)
	}

	header, err := p.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("fetch latest header: %w", err)
	}
	nonce, err := p.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}

	var tx *types.Transaction
	if header.BaseFee == nil {
		gasPrice, err := p.legacyGasPrice(ctx, req.GasPrice)
		if err != nil {
			return "", err
		}
		tx = types.NewTx(&types.LegacyTx{Nonce: nonce, GasPrice: gasPrice, Gas: gasLimit, To: &target, Value: value, Data: data})
	} else {
		tipCap, err := p.tipCap(ctx)
		if err != nil {
			return "", err
		}
		feeCap, err := feeCapFor(header.BaseFee, tipCap, p.opts.MaxFeeGwei)
		if err != nil {
			return "", err
		}
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   p.chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &target,
			Value:     value,
			Data:      data,
		})
	}

	signed, err := p.signer.SignTx(p.chainID, tx)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := p.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (p *Local) tipCap(ctx context.Context) (*big.Int, error) {
	if strings.TrimSpace(p.opts.MaxPriorityFeeGwei) != "" {
		v, err := parseGwei(p.opts.MaxPriorityFeeGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max priority fee", err)
		}
		return v, nil
	}
	tipCap, err := p.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil
	}
	return tipCap, nil
}

func (p *Local) legacyGasPrice(ctx context.Context, hinted string) (*big.Int, error) {
	if hinted != "" {
		if v, err := quantity(hinted); err == nil && v.Sign() > 0 {
			return v, nil
		}
	}
	price, err := p.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return price, nil
}

func feeCapFor(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max fee", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "max fee must be >= max priority fee")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	return feeCap.Add(feeCap, tipCap), nil
}

func parseGwei(v string) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(v))
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

// quantity decodes a 0x hex quantity; empty means zero.
func quantity(v string) (*big.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "0x" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(v), "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", v)
	}
	return out, nil
}

func orEmptyHex(v string) string {
	if strings.TrimSpace(v) == "" {
		return "0x"
	}
	return v
}

func remarshal(in, out any) error {
	buf, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}
