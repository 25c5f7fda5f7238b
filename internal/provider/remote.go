package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// BatchMode overrides capability probing.
type BatchMode string

const (
	BatchAuto BatchMode = "auto"
	BatchOn   BatchMode = "on"
	BatchOff  BatchMode = "off"
)

func ParseBatchMode(v string) (BatchMode, error) {
	switch mode := BatchMode(strings.ToLower(strings.TrimSpace(v))); mode {
	case "":
		return BatchAuto, nil
	case BatchAuto, BatchOn, BatchOff:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported batch mode %q (expected auto|on|off)", v)
	}
}

// callsPollInterval is how often wallet_getCallsStatus is polled.
var callsPollInterval = 2 * time.Second

// Remote is a wallet host reached over HTTP JSON-RPC. The host holds the keys
// and signs eth_sendTransaction itself.
type Remote struct {
	client  *rpc.Client
	source  string
	account common.Address
	chainID int64
	batch   bool
}

// DialRemote connects to a wallet host, reads its first account and probes
// batch support once.
func DialRemote(ctx context.Context, source, endpoint string, chainID int64, timeout time.Duration, mode BatchMode) (*Remote, error) {
	client, err := rpc.DialOptions(ctx, endpoint, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("dial wallet host: %w", err)
	}
	p := &Remote{client: client, source: source, chainID: chainID}

	account, err := p.firstAccount(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	p.account = account

	if err := p.checkChain(ctx); err != nil {
		client.Close()
		return nil, err
	}

	switch mode {
	case BatchOn:
		p.batch = true
	case BatchOff:
		p.batch = false
	default:
		p.batch = p.probeBatch(ctx)
	}
	return p, nil
}

func (p *Remote) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return callWithRetry(ctx, p.client, method, params...)
}

func (p *Remote) Address() common.Address { return p.account }
func (p *Remote) Source() string          { return p.source }
func (p *Remote) SupportsBatch() bool     { return p.batch }
func (p *Remote) Close()                  { p.client.Close() }

func (p *Remote) firstAccount(ctx context.Context) (common.Address, error) {
	for _, method := range []string{"eth_accounts", "eth_requestAccounts"} {
		raw, err := p.Request(ctx, method)
		if err != nil {
			continue
		}
		var accounts []string
		if err := json.Unmarshal(raw, &accounts); err != nil {
			continue
		}
		if len(accounts) > 0 && common.IsHexAddress(accounts[0]) {
			return common.HexToAddress(accounts[0]), nil
		}
	}
	return common.Address{}, errors.New("wallet host exposes no accounts")
}

func (p *Remote) checkChain(ctx context.Context) error {
	raw, err := p.Request(ctx, "eth_chainId")
	if err != nil {
		return fmt.Errorf("read wallet host chain id: %w", err)
	}
	var got hexutil.Uint64
	if err := json.Unmarshal(raw, &got); err != nil {
		return fmt.Errorf("decode wallet host chain id: %w", err)
	}
	if int64(got) != p.chainID {
		return fmt.Errorf("wallet host is on chain %d, expected %d", uint64(got), p.chainID)
	}
	return nil
}

type atomicCapability struct {
	Atomic *struct {
		Status string `json:"status"`
	} `json:"atomic"`
	AtomicBatch *struct {
		Supported bool `json:"supported"`
	} `json:"atomicBatch"`
}

func (c atomicCapability) supported() bool {
	if c.Atomic != nil {
		switch strings.ToLower(c.Atomic.Status) {
		case "supported", "ready":
			return true
		}
	}
	return c.AtomicBatch != nil && c.AtomicBatch.Supported
}

// probeBatch reads wallet_getCapabilities. Any failure means no batching.
func (p *Remote) probeBatch(ctx context.Context) bool {
	chainHex := hexutil.EncodeUint64(uint64(p.chainID))
	raw, err := p.Request(ctx, "wallet_getCapabilities", p.account.Hex(), []string{chainHex})
	if err != nil {
		return false
	}
	var caps map[string]atomicCapability
	if err := json.Unmarshal(raw, &caps); err != nil {
		return false
	}
	for key, capability := range caps {
		if !strings.EqualFold(key, chainHex) && key != "0x0" {
			continue
		}
		if capability.supported() {
			return true
		}
	}
	return false
}

type sendCallsRequest struct {
	Version        string `json:"version"`
	ChainID        string `json:"chainId"`
	From           string `json:"from"`
	AtomicRequired bool   `json:"atomicRequired"`
	Calls          []Call `json:"calls"`
}

func (p *Remote) SendCalls(ctx context.Context, calls []Call) (string, error) {
	if !p.batch {
		return "", errors.New("wallet host does not support atomic batches")
	}
	raw, err := p.Request(ctx, "wallet_sendCalls", sendCallsRequest{
		Version:        "2.0.0",
		ChainID:        hexutil.EncodeUint64(uint64(p.chainID)),
		From:           p.account.Hex(),
		AtomicRequired: true,
		Calls:          calls,
	})
	if err != nil {
		return "", err
	}
	return decodeCallsID(raw)
}

func decodeCallsID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil && id != "" {
		return id, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.ID != "" {
		return obj.ID, nil
	}
	return "", fmt.Errorf("unexpected wallet_sendCalls result: %s", string(raw))
}

type callsStatus struct {
	Status   json.RawMessage `json:"status"`
	Receipts []struct {
		TransactionHash string `json:"transactionHash"`
		Status          string `json:"status"`
	} `json:"receipts"`
}

type batchState int

const (
	batchPending batchState = iota
	batchConfirmed
	batchFailed
)

// state maps both the numeric EIP-5792 v2 codes and the legacy strings.
func (s callsStatus) state() batchState {
	var code int
	if err := json.Unmarshal(s.Status, &code); err == nil {
		switch {
		case code < 200:
			return batchPending
		case code < 300:
			return batchConfirmed
		default:
			return batchFailed
		}
	}
	var text string
	_ = json.Unmarshal(s.Status, &text)
	switch strings.ToUpper(text) {
	case "CONFIRMED":
		return batchConfirmed
	case "PENDING", "":
		return batchPending
	default:
		return batchFailed
	}
}

func (p *Remote) WaitCalls(ctx context.Context, id string) (string, error) {
	ticker := time.NewTicker(callsPollInterval)
	defer ticker.Stop()
	for {
		raw, err := p.Request(ctx, "wallet_getCallsStatus", id)
		if err != nil {
			return "", err
		}
		var status callsStatus
		if err := json.Unmarshal(raw, &status); err != nil {
			return "", fmt.Errorf("decode wallet_getCallsStatus: %w", err)
		}
		switch status.state() {
		case batchConfirmed:
			if len(status.Receipts) == 0 {
				return "", errors.New("confirmed batch has no receipts")
			}
			last := status.Receipts[len(status.Receipts)-1]
			if strings.EqualFold(last.Status, "0x0") {
				return last.TransactionHash, errors.New("batched transaction reverted on-chain")
			}
			return last.TransactionHash, nil
		case batchFailed:
			return "", fmt.Errorf("batch %s failed with status %s", id, string(status.Status))
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
