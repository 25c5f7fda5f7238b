// Package aggregator is a typed client for the 1inch classic swap API v6.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggonzalez94/swap-cli/internal/classify"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/httpx"
	"github.com/ggonzalez94/swap-cli/internal/metrics"
	"github.com/ggonzalez94/swap-cli/internal/registry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config selects between a same-origin proxy and the direct API.
type Config struct {
	ChainID int64
	// ProxyURL, when set, receives requests verbatim without an auth header.
	ProxyURL string
	APIKey   string
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	proxied bool
	limiter *rate.Limiter
	log     logrus.FieldLogger

	mu      sync.RWMutex
	symbols classify.SymbolLookup
}

func New(httpClient *httpx.Client, cfg Config, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Client{http: httpClient, apiKey: strings.TrimSpace(cfg.APIKey), log: log}
	if strings.TrimSpace(cfg.ProxyURL) != "" {
		c.baseURL = registry.ProxyBaseURL(cfg.ProxyURL, cfg.ChainID)
		c.proxied = true
	} else {
		c.baseURL = registry.AggregatorBaseURL(cfg.ChainID)
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// SetSymbolLookup enables symbol resolution in classified errors.
func (c *Client) SetSymbolLookup(lookup classify.SymbolLookup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols = lookup
}

func (c *Client) BaseURL() string { return c.baseURL }

// Quantity accepts JSON numbers and strings and keeps the literal text. The
// aggregator is inconsistent about which it sends.
type Quantity string

func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*q = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*q = Quantity(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*q = Quantity(n.String())
	return nil
}

// TxPayload is a transaction template returned by the aggregator.
type TxPayload struct {
	From     string   `json:"from,omitempty"`
	To       string   `json:"to"`
	Data     string   `json:"data"`
	Value    Quantity `json:"value"`
	Gas      Quantity `json:"gas,omitempty"`
	GasPrice Quantity `json:"gasPrice,omitempty"`
}

type QuoteParams struct {
	Src    string
	Dst    string
	Amount string
	// From is the wallet the quote is for. Optional.
	From     string
	Referrer string
	// Fee is the integrator fee percent, e.g. "0.5".
	Fee string
}

type QuoteResponse struct {
	DstAmount string
	Gas       int64
	Raw       json.RawMessage
}

type quoteBody struct {
	DstAmount string   `json:"dstAmount"`
	Gas       Quantity `json:"gas"`
}

func (c *Client) Quote(ctx context.Context, p QuoteParams) (QuoteResponse, error) {
	vals := url.Values{}
	vals.Set("src", p.Src)
	vals.Set("dst", p.Dst)
	vals.Set("amount", p.Amount)
	vals.Set("includeGas", "true")
	if p.From != "" {
		vals.Set("from", p.From)
	}
	if p.Referrer != "" {
		vals.Set("referrer", p.Referrer)
	}
	if p.Fee != "" {
		vals.Set("fee", p.Fee)
	}

	var raw json.RawMessage
	if err := c.get(ctx, "quote", vals, &raw); err != nil {
		return QuoteResponse{}, err
	}
	var body quoteBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return QuoteResponse{}, clierr.Wrap(clierr.CodeAggregator, "decode aggregator quote", err)
	}
	if body.DstAmount == "" {
		return QuoteResponse{}, clierr.New(clierr.CodeAggregator, "aggregator quote missing destination amount")
	}
	gas, _ := new(big.Int).SetString(string(body.Gas), 10)
	out := QuoteResponse{DstAmount: body.DstAmount, Raw: raw}
	if gas != nil && gas.IsInt64() {
		out.Gas = gas.Int64()
	}
	return out, nil
}

// Allowance returns the router allowance granted by wallet for token.
func (c *Client) Allowance(ctx context.Context, token, wallet string) (*big.Int, error) {
	vals := url.Values{}
	vals.Set("tokenAddress", token)
	vals.Set("walletAddress", wallet)
	var body struct {
		Allowance Quantity `json:"allowance"`
	}
	if err := c.get(ctx, "approve/allowance", vals, &body); err != nil {
		return nil, err
	}
	out, ok := new(big.Int).SetString(string(body.Allowance), 10)
	if !ok {
		return nil, clierr.New(clierr.CodeAggregator, fmt.Sprintf("aggregator returned malformed allowance %q", body.Allowance))
	}
	return out, nil
}

// ApproveTransaction returns the approve calldata for token. A nil amount
// requests an unlimited approval.
func (c *Client) ApproveTransaction(ctx context.Context, token string, amount *big.Int) (TxPayload, error) {
	vals := url.Values{}
	vals.Set("tokenAddress", token)
	if amount != nil {
		vals.Set("amount", amount.String())
	}
	var body TxPayload
	if err := c.get(ctx, "approve/transaction", vals, &body); err != nil {
		return TxPayload{}, err
	}
	if body.To == "" || body.Data == "" {
		return TxPayload{}, clierr.New(clierr.CodeAggregator, "aggregator approve payload missing target or calldata")
	}
	return body, nil
}

type SwapParams struct {
	Src      string
	Dst      string
	Amount   string
	From     string
	Slippage string
	Fee      string
	Referrer string
	// DisableEstimate skips the aggregator's on-chain simulation, which would
	// fail for batched swaps whose approval has not landed yet.
	DisableEstimate bool
}

type SwapResponse struct {
	DstAmount string
	Tx        TxPayload
	Raw       json.RawMessage
}

func (c *Client) Swap(ctx context.Context, p SwapParams) (SwapResponse, error) {
	vals := url.Values{}
	vals.Set("src", p.Src)
	vals.Set("dst", p.Dst)
	vals.Set("amount", p.Amount)
	vals.Set("from", p.From)
	vals.Set("origin", p.From)
	vals.Set("slippage", p.Slippage)
	if p.Fee != "" {
		vals.Set("fee", p.Fee)
	}
	if p.Referrer != "" {
		vals.Set("referrer", p.Referrer)
	}
	if p.DisableEstimate {
		vals.Set("disableEstimate", "true")
	}

	var raw json.RawMessage
	if err := c.get(ctx, "swap", vals, &raw); err != nil {
		return SwapResponse{}, err
	}
	var body struct {
		DstAmount string    `json:"dstAmount"`
		Tx        TxPayload `json:"tx"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return SwapResponse{}, clierr.Wrap(clierr.CodeAggregator, "decode aggregator swap", err)
	}
	if body.Tx.To == "" || body.Tx.Data == "" {
		return SwapResponse{}, clierr.New(clierr.CodeAggregator, "aggregator swap payload missing transaction")
	}
	return SwapResponse{DstAmount: body.DstAmount, Tx: body.Tx, Raw: raw}, nil
}

// Spender returns the router address approvals are granted to.
func (c *Client) Spender(ctx context.Context) (string, error) {
	var body struct {
		Address string `json:"address"`
	}
	if err := c.get(ctx, "approve/spender", nil, &body); err != nil {
		return "", err
	}
	if body.Address == "" {
		return "", clierr.New(clierr.CodeAggregator, "aggregator spender response missing address")
	}
	return body.Address, nil
}

func (c *Client) get(ctx context.Context, endpoint string, vals url.Values, out any) (err error) {
	if !c.proxied && c.apiKey == "" {
		return clierr.New(clierr.CodeAuth, "missing aggregator API key (set SWAP_1INCH_API_KEY or aggregator.proxy_url)")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return clierr.Wrap(clierr.CodeNetwork, "aggregator request cancelled", err)
		}
	}

	target := c.baseURL + "/" + endpoint
	if len(vals) > 0 {
		target += "?" + vals.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "build aggregator request", err)
	}
	if !c.proxied {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	defer func() {
		metrics.ObserveAggregator(endpoint, started, err)
		c.log.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"elapsed":  time.Since(started).String(),
			"error":    err,
		}).Debug("aggregator request")
	}()

	if _, err := c.http.DoJSON(ctx, req, out); err != nil {
		c.mu.RLock()
		symbols := c.symbols
		c.mu.RUnlock()
		return classify.AggregatorError(err, symbols)
	}
	return nil
}
