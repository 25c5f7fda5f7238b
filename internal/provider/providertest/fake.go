// Package providertest provides an in-memory provider for tests.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ggonzalez94/swap-cli/internal/provider"
)

// Handler answers one JSON-RPC method. The returned value is JSON encoded
// unless it already is a json.RawMessage.
type Handler func(params []json.RawMessage) (any, error)

// RPCError is a JSON-RPC error response.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string  { return e.Message }
func (e *RPCError) ErrorCode() int { return e.Code }

type Request struct {
	Method string
	Params []json.RawMessage
}

// Fake is a scriptable provider. It records every request.
type Fake struct {
	Account common.Address
	Name    string
	Batch   bool

	SendCallsFn func(calls []provider.Call) (string, error)
	WaitCallsFn func(id string) (string, error)

	mu        sync.Mutex
	handlers  map[string]Handler
	requests  []Request
	sentCalls [][]provider.Call
}

func New(account string) *Fake {
	return &Fake{
		Account:  common.HexToAddress(account),
		Name:     "fake",
		handlers: map[string]Handler{},
	}
}

func (f *Fake) Handle(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

// HandleCall routes eth_call by target and calldata.
func (f *Fake) HandleCall(fn func(to common.Address, data []byte) ([]byte, error)) {
	f.Handle("eth_call", func(params []json.RawMessage) (any, error) {
		var msg struct {
			To   string        `json:"to"`
			Data hexutil.Bytes `json:"data"`
		}
		if len(params) == 0 {
			return nil, fmt.Errorf("eth_call without params")
		}
		if err := json.Unmarshal(params[0], &msg); err != nil {
			return nil, err
		}
		out, err := fn(common.HexToAddress(msg.To), msg.Data)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(out), nil
	})
}

func (f *Fake) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	encoded := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		buf, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, buf)
	}

	f.mu.Lock()
	f.requests = append(f.requests, Request{Method: method, Params: encoded})
	h, ok := f.handlers[method]
	f.mu.Unlock()

	if !ok {
		if method == "eth_accounts" || method == "eth_requestAccounts" {
			return json.Marshal([]string{f.Account.Hex()})
		}
		return nil, &RPCError{Code: -32601, Message: fmt.Sprintf("method %s not handled", method)}
	}
	result, err := h(encoded)
	if err != nil {
		return nil, err
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(result)
}

func (f *Fake) Address() common.Address { return f.Account }
func (f *Fake) Source() string          { return f.Name }
func (f *Fake) SupportsBatch() bool     { return f.Batch }

func (f *Fake) SendCalls(ctx context.Context, calls []provider.Call) (string, error) {
	f.mu.Lock()
	f.sentCalls = append(f.sentCalls, append([]provider.Call(nil), calls...))
	fn := f.SendCallsFn
	f.mu.Unlock()
	if fn == nil {
		return "batch-1", nil
	}
	return fn(calls)
}

func (f *Fake) WaitCalls(ctx context.Context, id string) (string, error) {
	if f.WaitCallsFn == nil {
		return "0xbatchhash", nil
	}
	return f.WaitCallsFn(id)
}

// Requests returns recorded requests for method, or all when method is empty.
func (f *Fake) Requests(method string) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Request{}
	for _, r := range f.requests {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (f *Fake) Count(method string) int {
	return len(f.Requests(method))
}

func (f *Fake) SentBatches() [][]provider.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]provider.Call(nil), f.sentCalls...)
}

// ConfirmedReceipt is a handler for eth_getTransactionReceipt that reports
// success for any hash.
func ConfirmedReceipt(params []json.RawMessage) (any, error) {
	var hash string
	if len(params) > 0 {
		_ = json.Unmarshal(params[0], &hash)
	}
	return map[string]string{
		"transactionHash": hash,
		"status":          "0x1",
		"blockNumber":     "0x10",
		"gasUsed":         "0x5208",
	}, nil
}
