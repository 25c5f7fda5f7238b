package aggregator

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/httpx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	usdc   = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	native = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"
	wallet = "0x1111111111111111111111111111111111111111"
)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newProxyClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(httpx.New(2*time.Second, 0), Config{ChainID: 8453, ProxyURL: srv.URL + "/api/1inch"}, quiet())
}

func TestQuoteSendsParamsThroughProxy(t *testing.T) {
	c := newProxyClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/1inch/8453/quote", r.URL.Path)
		require.Empty(t, r.Header.Get("Authorization"))
		q := r.URL.Query()
		require.Equal(t, native, q.Get("src"))
		require.Equal(t, usdc, q.Get("dst"))
		require.Equal(t, "10000000000000000", q.Get("amount"))
		require.Equal(t, "true", q.Get("includeGas"))
		require.Equal(t, "0.25", q.Get("fee"))
		require.Equal(t, wallet, q.Get("from"))
		require.Equal(t, "0x2222222222222222222222222222222222222222", q.Get("referrer"))
		_, _ = w.Write([]byte(`{"dstAmount":"25000000","gas":182000}`))
	})

	quote, err := c.Quote(context.Background(), QuoteParams{
		Src:      native,
		Dst:      usdc,
		Amount:   "10000000000000000",
		From:     wallet,
		Referrer: "0x2222222222222222222222222222222222222222",
		Fee:      "0.25",
	})
	require.NoError(t, err)
	require.Equal(t, "25000000", quote.DstAmount)
	require.Equal(t, int64(182000), quote.Gas)
	require.JSONEq(t, `{"dstAmount":"25000000","gas":182000}`, string(quote.Raw))
}

func TestDirectRequestsCarryBearerKey(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"address":"0x111111125421ca6dc452d289314280a0f8842a65"}`))
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), Config{ChainID: 8453, APIKey: "secret"}, quiet())
	c.baseURL = srv.URL
	spender, err := c.Spender(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0x111111125421ca6dc452d289314280a0f8842a65", spender)
	require.Equal(t, "Bearer secret", auth.Load())
}

func TestDirectWithoutKeyFailsBeforeRequest(t *testing.T) {
	c := New(httpx.New(time.Second, 0), Config{ChainID: 8453}, quiet())
	_, err := c.Spender(context.Background())
	require.True(t, clierr.Is(err, clierr.CodeAuth))
	require.Equal(t, "https://api.1inch.dev/swap/v6.0/8453", c.BaseURL())
}

func TestAllowanceAndApproveTransaction(t *testing.T) {
	c := newProxyClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case strings.HasSuffix(r.URL.Path, "/approve/allowance"):
			require.Equal(t, usdc, q.Get("tokenAddress"))
			require.Equal(t, wallet, q.Get("walletAddress"))
			_, _ = w.Write([]byte(`{"allowance":"1500000"}`))
		case strings.HasSuffix(r.URL.Path, "/approve/transaction"):
			require.Equal(t, usdc, q.Get("tokenAddress"))
			if q.Has("amount") {
				require.Equal(t, "5000000", q.Get("amount"))
			}
			_, _ = w.Write([]byte(`{"data":"0x095ea7b3","gasPrice":"1000000","to":"` + usdc + `","value":"0"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	allowance, err := c.Allowance(context.Background(), usdc, wallet)
	require.NoError(t, err)
	require.Equal(t, "1500000", allowance.String())

	payload, err := c.ApproveTransaction(context.Background(), usdc, big.NewInt(5_000_000))
	require.NoError(t, err)
	require.Equal(t, usdc, payload.To)
	require.Equal(t, Quantity("0"), payload.Value)
	require.Equal(t, Quantity("1000000"), payload.GasPrice)

	_, err = c.ApproveTransaction(context.Background(), usdc, nil)
	require.NoError(t, err)
}

func TestSwapParamsAndNumericGas(t *testing.T) {
	c := newProxyClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "/api/1inch/8453/swap", r.URL.Path)
		require.Equal(t, wallet, q.Get("from"))
		require.Equal(t, wallet, q.Get("origin"))
		require.Equal(t, "1", q.Get("slippage"))
		require.Equal(t, "0x2222222222222222222222222222222222222222", q.Get("referrer"))
		require.Equal(t, "true", q.Get("disableEstimate"))
		_, _ = w.Write([]byte(`{"dstAmount":"4","tx":{"from":"` + wallet + `","to":"0x111111125421ca6dc452d289314280a0f8842a65","data":"0x07ed2379","value":"10000000000000000","gas":210000,"gasPrice":"0x3b9aca00"}}`))
	})

	resp, err := c.Swap(context.Background(), SwapParams{
		Src: native, Dst: usdc, Amount: "10000000000000000", From: wallet,
		Slippage: "1", Referrer: "0x2222222222222222222222222222222222222222", DisableEstimate: true,
	})
	require.NoError(t, err)
	require.Equal(t, Quantity("210000"), resp.Tx.Gas)
	require.Equal(t, Quantity("0x3b9aca00"), resp.Tx.GasPrice)
	require.Equal(t, Quantity("10000000000000000"), resp.Tx.Value)
}

func TestErrorsAreClassified(t *testing.T) {
	c := newProxyClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Bad Request","description":"Not enough ` + usdc + ` balance. Balance: 0 Amount: 5000000"}`))
	})
	c.SetSymbolLookup(func(address string) (string, int, bool) {
		if strings.EqualFold(address, usdc) {
			return "USDC", 6, true
		}
		return "", 0, false
	})

	_, err := c.Quote(context.Background(), QuoteParams{Src: usdc, Dst: native, Amount: "5000000"})
	typed, ok := clierr.As(err)
	require.True(t, ok)
	require.Equal(t, clierr.CodeInsufficientBalance, typed.Code)
	require.Equal(t, "USDC", typed.Details["symbol"])
	require.Equal(t, "5", typed.Details["requested"])
}

func TestQuantityDecoding(t *testing.T) {
	var v struct {
		A Quantity `json:"a"`
		B Quantity `json:"b"`
		C Quantity `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":123,"b":"0x10","c":null}`), &v))
	require.Equal(t, Quantity("123"), v.A)
	require.Equal(t, Quantity("0x10"), v.B)
	require.Equal(t, Quantity(""), v.C)
}

func TestRateLimiterSpacesRequests(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"address":"0x111111125421ca6dc452d289314280a0f8842a65"}`))
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), Config{ChainID: 8453, ProxyURL: srv.URL, RateLimit: 20, Burst: 1}, quiet())
	started := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Spender(context.Background())
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(started), 80*time.Millisecond)
	require.Equal(t, int32(3), atomic.LoadInt32(&hits))
}
