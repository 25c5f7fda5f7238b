package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// Watch reads chain state for a fixed address and refuses to sign. It backs
// quotes and balance views when no signing source is configured.
type Watch struct {
	client  *rpc.Client
	account common.Address
}

func DialWatch(ctx context.Context, rpcURL string, account common.Address, timeout time.Duration) (*Watch, error) {
	client, err := rpc.DialOptions(ctx, rpcURL, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Watch{client: client, account: account}, nil
}

func (p *Watch) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	switch method {
	case "eth_accounts", "eth_requestAccounts":
		if p.account == (common.Address{}) {
			return json.Marshal([]string{})
		}
		return json.Marshal([]string{p.account.Hex()})
	case "eth_sendTransaction", "eth_sign", "personal_sign", "wallet_sendCalls":
		return nil, fmt.Errorf("%s: %w", method, ErrCannotSign)
	}
	return callWithRetry(ctx, p.client, method, params...)
}

func (p *Watch) Address() common.Address { return p.account }
func (p *Watch) Source() string          { return "watch" }
func (p *Watch) Close()                  { p.client.Close() }
