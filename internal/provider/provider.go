// Package provider resolves the EVM JSON-RPC transaction provider the swap
// flow talks to and exposes optional EIP-5792 call batching.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Provider is an EIP-1193 style request channel bound to one account.
type Provider interface {
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	Address() common.Address
	Source() string
}

// Call is one entry of a transaction batch. Value is a 0x hex quantity.
type Call struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

// BatchSender is implemented by providers that may submit several calls
// atomically through wallet_sendCalls.
type BatchSender interface {
	SupportsBatch() bool
	SendCalls(ctx context.Context, calls []Call) (string, error)
	// WaitCalls blocks until the batch settles and returns the transaction hash
	// that carried it.
	WaitCalls(ctx context.Context, id string) (string, error)
}

// TxRequest is the eth_sendTransaction parameter object. Quantities are 0x hex.
type TxRequest struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Data     string `json:"data,omitempty"`
	Value    string `json:"value,omitempty"`
	Gas      string `json:"gas,omitempty"`
	GasPrice string `json:"gasPrice,omitempty"`
}

// Receipt is the subset of eth_getTransactionReceipt the swap flow reads.
type Receipt struct {
	TransactionHash string         `json:"transactionHash"`
	Status          hexutil.Uint64 `json:"status"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
}

var (
	// ErrNoProvider is returned when no source yields a usable provider.
	ErrNoProvider = errors.New("no wallet provider available")
	// ErrCannotSign is returned by read-only providers for signing methods.
	ErrCannotSign = errors.New("provider cannot sign transactions")
)

// Retry policy for transport failures. JSON-RPC error responses are final.
var (
	RetryAttempts = 3
	RetryStep     = 250 * time.Millisecond
)

// SupportsBatch reports whether p can submit atomic call batches.
func SupportsBatch(p Provider) bool {
	b, ok := p.(BatchSender)
	return ok && b.SupportsBatch()
}

// SendTransaction submits req and returns the transaction hash.
func SendTransaction(ctx context.Context, p Provider, req TxRequest) (string, error) {
	if req.From == "" {
		req.From = p.Address().Hex()
	}
	raw, err := p.Request(ctx, "eth_sendTransaction", req)
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", fmt.Errorf("decode transaction hash: %w", err)
	}
	if hash == "" {
		return "", errors.New("provider returned empty transaction hash")
	}
	return hash, nil
}

// TransactionReceipt returns the receipt for hash or nil while it is pending.
func TransactionReceipt(ctx context.Context, p Provider, hash string) (*Receipt, error) {
	raw, err := p.Request(ctx, "eth_getTransactionReceipt", hash)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &receipt, nil
}

// EthCall runs eth_call against the latest block and returns the raw return data.
func EthCall(ctx context.Context, p Provider, to common.Address, data []byte) ([]byte, error) {
	raw, err := p.Request(ctx, "eth_call", map[string]string{
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}, "latest")
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	var out hexutil.Bytes
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode eth_call result: %w", err)
	}
	return out, nil
}

// IsRPCError reports whether err is a JSON-RPC error response rather than a
// transport failure.
func IsRPCError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// callWithRetry issues one JSON-RPC request, retrying transport failures with
// linear backoff.
func callWithRetry(ctx context.Context, client *rpc.Client, method string, params ...any) (json.RawMessage, error) {
	attempts := RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var out json.RawMessage
		err := client.CallContext(ctx, &out, method, params...)
		if err == nil {
			return out, nil
		}
		if IsRPCError(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * RetryStep):
		}
	}
	return nil, lastErr
}
